package okx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"crypto_sync/internal/domain"
	"crypto_sync/internal/infra"
	"crypto_sync/internal/infra/ws"
	"crypto_sync/internal/orderbook"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/flate"
)

const resyncTimeout = 10 * time.Second

// AdapterConfig configures one OKX market adapter.
type AdapterConfig struct {
	Market     domain.MarketType
	Channel    string
	Connection ConnectionConfig
}

// Adapter binds a connection, its subscriptions and the shared order book
// cache for one market type.
type Adapter struct {
	market   domain.MarketType
	channel  string
	conn     *ConnectionManager
	registry *Registry
	cache    *orderbook.Cache
	logger   *slog.Logger
	metrics  *infra.Metrics

	mu       sync.Mutex
	awaiting map[string]bool // symbols waiting for a fresh snapshot after a gap

	resyncs sync.WaitGroup
}

// NewAdapter creates an adapter on top of transport. Books are written to cache.
func NewAdapter(cfg AdapterConfig, transport Transport, cache *orderbook.Cache, logger *slog.Logger, metrics *infra.Metrics) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Market == "" {
		cfg.Market = domain.MarketOkx
	}
	// Authenticate the public session whenever credentials are configured.
	cfg.Connection.LoginOnConnect = true

	logger = logger.With("market", string(cfg.Market))
	conn := NewConnectionManager(cfg.Connection, transport, logger, metrics)

	a := &Adapter{
		market:   cfg.Market,
		channel:  cfg.Channel,
		conn:     conn,
		registry: NewRegistry(conn, logger),
		cache:    cache,
		logger:   logger.With("module", "okx_adapter"),
		metrics:  metrics,
		awaiting: make(map[string]bool),
	}
	conn.OnMessage(a.handleMessage)
	return a
}

// MarketType returns the market this adapter serves.
func (a *Adapter) MarketType() domain.MarketType { return a.market }

// ConnectionState returns the session state.
func (a *Adapter) ConnectionState() domain.ConnectionState { return a.conn.State() }

// OnStateChange registers h for session state transitions.
func (a *Adapter) OnStateChange(h func(ws.StateChange)) (unregister func()) {
	return a.conn.OnStateChange(h)
}

// Connect opens the public endpoint. It is a no-op when already connected.
func (a *Adapter) Connect(ctx context.Context) error {
	if a.conn.State() == domain.StateConnected {
		return nil
	}
	if err := a.conn.ConnectAsync(ctx, domain.ChannelPublic); err != nil {
		if errors.Is(err, domain.ErrAlreadyConnected) {
			return nil
		}
		return err
	}
	return nil
}

// Subscribe starts streaming the book of symbol.
func (a *Adapter) Subscribe(ctx context.Context, symbol string) error {
	if state := a.conn.State(); state != domain.StateConnected {
		return domain.NewStateError("subscribe", state)
	}
	if strings.TrimSpace(symbol) == "" {
		return fmt.Errorf("subscribe: %w: empty symbol", domain.ErrInvalidSymbol)
	}
	return a.registry.Subscribe(ctx, a.channel, symbol)
}

// Unsubscribe stops streaming symbol and drops its book.
func (a *Adapter) Unsubscribe(ctx context.Context, symbol string) error {
	if state := a.conn.State(); state != domain.StateConnected {
		return domain.NewStateError("unsubscribe", state)
	}
	_, err := a.registry.Unsubscribe(ctx, a.channel, symbol)

	a.mu.Lock()
	delete(a.awaiting, symbol)
	a.mu.Unlock()
	a.cache.Delete(symbol, a.market)
	return err
}

// Symbols lists the subscribed symbols.
func (a *Adapter) Symbols() []string {
	subs := a.registry.List()
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.Symbol)
	}
	return out
}

// Disconnect unsubscribes everything, drops this market's books and closes
// the session.
func (a *Adapter) Disconnect(ctx context.Context) error {
	var errs []error
	if err := a.registry.UnsubscribeAll(ctx); err != nil {
		a.logger.Warn("Unsubscribe all failed", slog.Any("error", err))
		errs = append(errs, err)
	}
	a.resyncs.Wait()

	for _, key := range a.cache.Keys() {
		if key.Market == a.market {
			a.cache.Delete(key.Symbol, key.Market)
		}
	}
	a.mu.Lock()
	clear(a.awaiting)
	a.mu.Unlock()

	if err := a.conn.Disconnect("client disconnect"); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *Adapter) handleMessage(msg ws.Message) {
	a.metrics.RecordMessage()

	data := msg.Data
	if msg.Type == ws.BinaryMessage {
		inflated, err := inflate(data)
		if err != nil {
			a.metrics.RecordDecodeError()
			a.logger.Warn("Failed to inflate message", slog.Any("error", err))
			return
		}
		data = inflated
	}

	var ev eventMessage
	if err := sonic.Unmarshal(data, &ev); err != nil {
		a.metrics.RecordDecodeError()
		a.logger.Warn("Failed to decode message",
			slog.Any("error", err),
			slog.String("payload", truncate(data, 200)),
		)
		return
	}

	if ev.Event != "" {
		a.handleEvent(ev)
		return
	}
	if ev.Arg.InstID == "" {
		return
	}
	channel := ev.Arg.Channel
	if channel == "" {
		channel = a.channel
	}
	// Late frames for a dropped subscription must not revive its book.
	if !a.registry.Tracked(channel, ev.Arg.InstID) {
		return
	}

	for _, d := range ev.Data {
		a.applyBook(ev.Arg.InstID, ev.Action, d)
	}
}

func (a *Adapter) handleEvent(ev eventMessage) {
	switch ev.Event {
	case "subscribe", "unsubscribe":
		a.logger.Info("Subscription event",
			slog.String("event", ev.Event),
			slog.String("channel", ev.Arg.Channel),
			slog.String("symbol", ev.Arg.InstID),
		)
	case "login":
		a.logger.Info("Login event", slog.String("code", ev.Code), slog.String("conn_id", ev.ConnID))
	case "error":
		a.logger.Warn("Exchange error", slog.String("code", ev.Code), slog.String("msg", ev.Msg))
	default:
		a.logger.Debug("Unhandled event", slog.String("event", ev.Event), slog.String("msg", ev.Msg))
	}
}

// applyBook writes one book message to the cache. Updates whose prevSeqId
// does not follow the cached seqId trigger a resync; further updates for the
// symbol are dropped until the new snapshot arrives.
func (a *Adapter) applyBook(symbol, action string, d bookData) {
	change := domain.BookChange{
		Action:    domain.BookAction(action),
		Asks:      d.Asks,
		Bids:      d.Bids,
		SeqID:     d.SeqID,
		Timestamp: parseMillis(d.Ts),
	}
	// Channels without an action push full books.
	if change.Action == "" {
		change.Action = domain.BookSnapshot
	}

	if change.Action == domain.BookSnapshot {
		a.mu.Lock()
		delete(a.awaiting, symbol)
		a.mu.Unlock()
	} else {
		a.mu.Lock()
		waiting := a.awaiting[symbol]
		a.mu.Unlock()
		if waiting {
			return
		}
		if d.PrevSeqID > 0 {
			seq, ok := a.cache.SeqID(symbol, a.market)
			if !ok || seq != d.PrevSeqID {
				a.handleGap(symbol, seq, d.PrevSeqID)
				return
			}
		}
	}

	res := a.cache.Apply(symbol, a.market, change)
	a.metrics.RecordDeltas(res.Applied, res.Skipped)
	if res.Skipped > 0 {
		a.logger.Warn("Skipped malformed levels", slog.String("symbol", symbol), slog.Int("skipped", res.Skipped))
	}
}

func (a *Adapter) handleGap(symbol string, have, want int64) {
	a.mu.Lock()
	if a.awaiting[symbol] {
		a.mu.Unlock()
		return
	}
	a.awaiting[symbol] = true
	a.mu.Unlock()

	a.metrics.RecordSequenceGap()
	a.logger.Warn("Order book sequence gap, resyncing",
		slog.String("symbol", symbol),
		slog.Int64("cached_seq", have),
		slog.Int64("prev_seq", want),
	)
	a.cache.Delete(symbol, a.market)

	a.resyncs.Add(1)
	go a.resync(symbol)
}

// resync re-subscribes symbol so the exchange sends a fresh snapshot. The
// subscription stays tracked when a send fails; the reconnect replay then
// brings the snapshot.
func (a *Adapter) resync(symbol string) {
	defer a.resyncs.Done()

	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()

	tracked, err := a.registry.Refresh(ctx, a.channel, symbol)
	if !tracked {
		// Unsubscribed meanwhile.
		a.mu.Lock()
		delete(a.awaiting, symbol)
		a.mu.Unlock()
		return
	}
	if err != nil {
		a.logger.Warn("Resync failed, waiting for replay", slog.String("symbol", symbol), slog.Any("error", err))
	}
}

func inflate(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	return io.ReadAll(r)
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
