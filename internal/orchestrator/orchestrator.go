// Package orchestrator converges the running workers and market connections
// toward the worker configurations held in storage.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"crypto_sync/internal/domain"
	"crypto_sync/internal/infra"

	"github.com/google/uuid"
)

const (
	defaultInterval    = 10 * time.Second
	defaultStopTimeout = 5 * time.Second
)

// ConfigSource returns the desired worker set.
type ConfigSource interface {
	EnabledWorkers(ctx context.Context) ([]domain.WorkerConfiguration, error)
}

// MarketAdapter is one exchange connection with its subscriptions.
type MarketAdapter interface {
	MarketType() domain.MarketType
	ConnectionState() domain.ConnectionState
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Subscribe(ctx context.Context, symbol string) error
	Unsubscribe(ctx context.Context, symbol string) error
	Symbols() []string
}

// Runner is a worker body. Run blocks until ctx is cancelled or it fails.
type Runner interface {
	Run(ctx context.Context) error
}

// AdapterFactory builds a fresh, unconnected adapter for a market.
type AdapterFactory func(market domain.MarketType) (MarketAdapter, error)

// WorkerFactory builds a worker for a configuration.
type WorkerFactory func(cfg domain.WorkerConfiguration) (Runner, error)

// Config tunes the reconciliation loop.
type Config struct {
	Interval    time.Duration
	StopTimeout time.Duration
}

// WorkerInstance is one running worker.
type WorkerInstance struct {
	Config    domain.WorkerConfiguration
	RunID     uuid.UUID
	StartedAt time.Time

	status          atomic.Int32
	lastHealthCheck atomic.Int64
	cancel          context.CancelFunc
	done            chan struct{}
	err             error // set before done is closed
}

// Status returns the lifecycle status.
func (w *WorkerInstance) Status() domain.WorkerStatus {
	return domain.WorkerStatus(w.status.Load())
}

func (w *WorkerInstance) setStatus(s domain.WorkerStatus) {
	w.status.Store(int32(s))
}

// LastHealthCheck returns when the instance was last seen alive.
func (w *WorkerInstance) LastHealthCheck() time.Time {
	return time.Unix(0, w.lastHealthCheck.Load())
}

func (w *WorkerInstance) exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// MarketConnection is one connected adapter and the symbols it streams.
type MarketConnection struct {
	MarketType  domain.MarketType
	Adapter     MarketAdapter
	Symbols     map[string]struct{}
	ConnectedAt time.Time
}

// WorkerInfo is a read-only view of a worker instance.
type WorkerInfo struct {
	WorkerID        string              `json:"worker_id"`
	RunID           string              `json:"run_id"`
	MarketType      domain.MarketType   `json:"market_type"`
	Symbol          string              `json:"symbol"`
	Status          domain.WorkerStatus `json:"status"`
	StartedAt       time.Time           `json:"started_at"`
	LastHealthCheck time.Time           `json:"last_health_check"`
}

// MarketInfo is a read-only view of a market connection.
type MarketInfo struct {
	MarketType  domain.MarketType      `json:"market_type"`
	State       domain.ConnectionState `json:"state"`
	Symbols     []string               `json:"symbols"`
	ConnectedAt time.Time              `json:"connected_at"`
}

// Orchestrator runs the reconciliation loop.
type Orchestrator struct {
	source     ConfigSource
	newAdapter AdapterFactory
	newWorker  WorkerFactory
	cfg        Config
	logger     *slog.Logger
	metrics    *infra.Metrics
	now        func() time.Time

	passMu sync.Mutex // one pass at a time

	connMu  sync.Mutex
	markets map[domain.MarketType]*MarketConnection

	workersMu sync.Mutex
	workers   map[string]*WorkerInstance
}

// New creates an orchestrator.
func New(source ConfigSource, newAdapter AdapterFactory, newWorker WorkerFactory, cfg Config, logger *slog.Logger, metrics *infra.Metrics) *Orchestrator {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	return &Orchestrator{
		source:     source,
		newAdapter: newAdapter,
		newWorker:  newWorker,
		cfg:        cfg,
		logger:     logger.With("module", "orchestrator"),
		metrics:    metrics,
		now:        time.Now,
		markets:    make(map[domain.MarketType]*MarketConnection),
		workers:    make(map[string]*WorkerInstance),
	}
}

// Run reconciles immediately and then every interval until ctx is done,
// then shuts everything down.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("Orchestrator started", slog.Duration("interval", o.cfg.Interval))

	if err := o.Reconcile(ctx); err != nil {
		o.logger.Error("Reconciliation failed", slog.Any("error", err))
	}

	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("Orchestrator stopping...")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*o.cfg.StopTimeout)
			defer cancel()
			if err := o.Shutdown(shutdownCtx); err != nil {
				o.logger.Warn("Shutdown finished with errors", slog.Any("error", err))
			}
			return nil
		case <-ticker.C:
			if err := o.Reconcile(ctx); err != nil {
				o.logger.Error("Reconciliation failed", slog.Any("error", err))
			}
		}
	}
}

// Reconcile runs one pass. Only a failure to read the desired state is
// returned; per-worker and per-market failures are logged and retried on
// the next pass.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	o.passMu.Lock()
	defer o.passMu.Unlock()

	start := o.now()

	configs, err := o.source.EnabledWorkers(ctx)
	if err != nil {
		o.metrics.RecordPass(time.Since(start), 1)
		return fmt.Errorf("read worker configurations: %w", err)
	}

	desired, needed, errs := o.desiredState(configs)

	errs += o.ensureConnections(ctx, needed)
	o.reapExited()
	errs += o.startMissing(ctx, desired)
	errs += o.stopRedundant(desired)
	errs += o.disconnectUnused(ctx, needed)

	running := o.countRunning()
	o.metrics.SetRunningWorkers(running)
	o.metrics.RecordPass(time.Since(start), errs)

	o.logger.Info("Reconciliation pass",
		slog.Int("desired", len(desired)),
		slog.Int("running", running),
		slog.Int("markets", o.marketCount()),
		slog.Int("errors", errs),
		slog.Duration("took", time.Since(start)),
	)
	return nil
}

// desiredState indexes configurations by worker id and groups symbols by market.
func (o *Orchestrator) desiredState(configs []domain.WorkerConfiguration) (map[string]domain.WorkerConfiguration, map[domain.MarketType]map[string]struct{}, int) {
	desired := make(map[string]domain.WorkerConfiguration, len(configs))
	needed := make(map[domain.MarketType]map[string]struct{})
	errs := 0

	for _, c := range configs {
		if c.WorkerID == "" || c.Symbol == "" || c.MarketType == "" {
			o.logger.Warn("Ignoring incomplete worker configuration", slog.Any("config", c))
			errs++
			continue
		}
		if _, dup := desired[c.WorkerID]; dup {
			o.logger.Warn("Duplicate worker id", slog.String("worker_id", c.WorkerID))
			errs++
			continue
		}
		desired[c.WorkerID] = c
		if needed[c.MarketType] == nil {
			needed[c.MarketType] = make(map[string]struct{})
		}
		needed[c.MarketType][c.Symbol] = struct{}{}
	}
	return desired, needed, errs
}

// ensureConnections creates, connects and re-subscribes markets so each one
// streams exactly the needed symbols.
func (o *Orchestrator) ensureConnections(ctx context.Context, needed map[domain.MarketType]map[string]struct{}) int {
	o.connMu.Lock()
	defer o.connMu.Unlock()

	errs := 0
	for _, market := range sortedMarkets(needed) {
		symbols := needed[market]
		logger := o.logger.With("market", string(market))

		mc, ok := o.markets[market]
		if !ok {
			adapter, err := o.newAdapter(market)
			if err != nil {
				logger.Error("Failed to create adapter", slog.Any("error", err))
				errs++
				continue
			}
			if err := adapter.Connect(ctx); err != nil {
				logger.Error("Failed to connect market", slog.Any("error", err))
				errs++
				continue
			}
			mc = &MarketConnection{
				MarketType:  market,
				Adapter:     adapter,
				Symbols:     make(map[string]struct{}),
				ConnectedAt: o.now(),
			}
			o.markets[market] = mc
			logger.Info("Market connected")
		} else if mc.Adapter.ConnectionState() == domain.StateDisconnected {
			if err := mc.Adapter.Connect(ctx); err != nil {
				logger.Warn("Failed to reconnect market", slog.Any("error", err))
				errs++
				continue
			}
			mc.ConnectedAt = o.now()
			logger.Info("Market reconnected")
		}

		o.syncSymbols(mc, logger)

		for _, sym := range sortedSet(symbols) {
			if _, ok := mc.Symbols[sym]; ok {
				continue
			}
			if err := mc.Adapter.Subscribe(ctx, sym); err != nil {
				logger.Warn("Failed to subscribe", slog.String("symbol", sym), slog.Any("error", err))
				errs++
				continue
			}
			mc.Symbols[sym] = struct{}{}
		}

		for _, sym := range sortedSet(mc.Symbols) {
			if _, ok := symbols[sym]; ok {
				continue
			}
			if err := mc.Adapter.Unsubscribe(ctx, sym); err != nil {
				logger.Warn("Failed to unsubscribe", slog.String("symbol", sym), slog.Any("error", err))
				errs++
				continue
			}
			delete(mc.Symbols, sym)
		}
	}
	return errs
}

// syncSymbols replaces the cached symbol set with what the adapter actually
// tracks, so symbols it lost are subscribed again.
func (o *Orchestrator) syncSymbols(mc *MarketConnection, logger *slog.Logger) {
	live := make(map[string]struct{})
	for _, sym := range mc.Adapter.Symbols() {
		live[sym] = struct{}{}
	}
	for sym := range mc.Symbols {
		if _, ok := live[sym]; !ok {
			logger.Warn("Subscription lost, resubscribing", slog.String("symbol", sym))
		}
	}
	mc.Symbols = live
}

// reapExited removes instances whose loop already returned so they are
// started again in the same pass.
func (o *Orchestrator) reapExited() {
	o.workersMu.Lock()
	defer o.workersMu.Unlock()

	now := o.now()
	for id, wi := range o.workers {
		if wi.exited() && wi.Status() == domain.WorkerStopping {
			wi.setStatus(domain.WorkerStopped)
			o.logger.Info("Worker stopped late",
				slog.String("worker_id", id),
				slog.String("run_id", wi.RunID.String()),
			)
			delete(o.workers, id)
			continue
		}
		if wi.exited() {
			o.logger.Warn("Worker exited unexpectedly",
				slog.String("worker_id", id),
				slog.String("run_id", wi.RunID.String()),
				slog.Any("error", wi.err),
			)
			delete(o.workers, id)
			continue
		}
		wi.lastHealthCheck.Store(now.UnixNano())
	}
}

func (o *Orchestrator) startMissing(ctx context.Context, desired map[string]domain.WorkerConfiguration) int {
	o.workersMu.Lock()
	defer o.workersMu.Unlock()

	errs := 0
	for _, id := range sortedKeys(desired) {
		if _, ok := o.workers[id]; ok {
			continue
		}
		cfg := desired[id]
		runner, err := o.newWorker(cfg)
		if err != nil {
			o.logger.Error("Failed to create worker", slog.String("worker_id", id), slog.Any("error", err))
			errs++
			continue
		}
		o.workers[id] = o.launch(ctx, cfg, runner)
	}
	return errs
}

// launch starts runner detached from the pass context; only stopWorker ends it.
func (o *Orchestrator) launch(ctx context.Context, cfg domain.WorkerConfiguration, runner Runner) *WorkerInstance {
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	now := o.now()
	wi := &WorkerInstance{
		Config:    cfg,
		RunID:     uuid.New(),
		StartedAt: now,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	wi.setStatus(domain.WorkerStarting)
	wi.lastHealthCheck.Store(now.UnixNano())

	go func() {
		defer close(wi.done)
		// A stop may already have been requested.
		wi.status.CompareAndSwap(int32(domain.WorkerStarting), int32(domain.WorkerRunning))
		wi.err = runner.Run(wctx)
	}()

	o.logger.Info("Worker started",
		slog.String("worker_id", cfg.WorkerID),
		slog.String("run_id", wi.RunID.String()),
		slog.String("market", string(cfg.MarketType)),
		slog.String("symbol", cfg.Symbol),
	)
	return wi
}

// stopRedundant stops instances that are no longer desired or whose
// configuration changed; changed ones start again next pass. An instance
// that misses StopTimeout stays in the table as Stopping, which holds its id
// until reapExited sees it return.
func (o *Orchestrator) stopRedundant(desired map[string]domain.WorkerConfiguration) int {
	o.workersMu.Lock()
	var victims []*WorkerInstance
	for id, wi := range o.workers {
		if wi.Status() == domain.WorkerStopping {
			continue
		}
		cfg, ok := desired[id]
		if ok && cfg.MarketType == wi.Config.MarketType && cfg.Symbol == wi.Config.Symbol {
			continue
		}
		victims = append(victims, wi)
	}
	o.workersMu.Unlock()

	errs := 0
	for _, wi := range victims {
		if err := o.stopWorker(wi); err != nil {
			o.logger.Warn("Worker stop timed out", slog.String("worker_id", wi.Config.WorkerID), slog.Any("error", err))
			errs++
			continue
		}
		o.workersMu.Lock()
		if o.workers[wi.Config.WorkerID] == wi {
			delete(o.workers, wi.Config.WorkerID)
		}
		o.workersMu.Unlock()
	}
	return errs
}

// stopWorker cancels wi and waits up to StopTimeout for it to return.
func (o *Orchestrator) stopWorker(wi *WorkerInstance) error {
	wi.setStatus(domain.WorkerStopping)
	wi.cancel()

	timer := time.NewTimer(o.cfg.StopTimeout)
	defer timer.Stop()

	select {
	case <-wi.done:
		wi.setStatus(domain.WorkerStopped)
		o.logger.Info("Worker stopped",
			slog.String("worker_id", wi.Config.WorkerID),
			slog.String("run_id", wi.RunID.String()),
		)
		return nil
	case <-timer.C:
		return fmt.Errorf("worker %s did not stop within %s", wi.Config.WorkerID, o.cfg.StopTimeout)
	}
}

func (o *Orchestrator) disconnectUnused(ctx context.Context, needed map[domain.MarketType]map[string]struct{}) int {
	o.connMu.Lock()
	defer o.connMu.Unlock()

	errs := 0
	for market, mc := range o.markets {
		if _, ok := needed[market]; ok {
			continue
		}
		if err := mc.Adapter.Disconnect(ctx); err != nil {
			o.logger.Warn("Market disconnect failed", slog.String("market", string(market)), slog.Any("error", err))
			errs++
		}
		delete(o.markets, market)
		o.logger.Info("Market disconnected", slog.String("market", string(market)))
	}
	return errs
}

// Shutdown stops every worker, then disconnects every market, concurrently
// within each step. Both tables are empty afterwards even if some steps fail.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.passMu.Lock()
	defer o.passMu.Unlock()

	o.workersMu.Lock()
	workers := make([]*WorkerInstance, 0, len(o.workers))
	for _, wi := range o.workers {
		workers = append(workers, wi)
	}
	clear(o.workers)
	o.workersMu.Unlock()

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	collect := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	for _, wi := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.stopWorker(wi); err != nil {
				collect(err)
			}
		}()
	}
	wg.Wait()

	o.connMu.Lock()
	markets := make([]*MarketConnection, 0, len(o.markets))
	for _, mc := range o.markets {
		markets = append(markets, mc)
	}
	clear(o.markets)
	o.connMu.Unlock()

	for _, mc := range markets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mc.Adapter.Disconnect(ctx); err != nil {
				collect(fmt.Errorf("disconnect %s: %w", mc.MarketType, err))
			}
		}()
	}
	wg.Wait()

	o.metrics.SetRunningWorkers(0)
	err := errors.Join(errs...)
	o.logger.Info("Orchestrator shut down",
		slog.Int("workers", len(workers)),
		slog.Int("markets", len(markets)),
		slog.Int("errors", len(errs)),
	)
	return err
}

// Workers returns the worker table ordered by id.
func (o *Orchestrator) Workers() []WorkerInfo {
	o.workersMu.Lock()
	defer o.workersMu.Unlock()

	out := make([]WorkerInfo, 0, len(o.workers))
	for id, wi := range o.workers {
		out = append(out, WorkerInfo{
			WorkerID:        id,
			RunID:           wi.RunID.String(),
			MarketType:      wi.Config.MarketType,
			Symbol:          wi.Config.Symbol,
			Status:          wi.Status(),
			StartedAt:       wi.StartedAt,
			LastHealthCheck: wi.LastHealthCheck(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// Markets returns the connection table ordered by market.
func (o *Orchestrator) Markets() []MarketInfo {
	o.connMu.Lock()
	defer o.connMu.Unlock()

	out := make([]MarketInfo, 0, len(o.markets))
	for market, mc := range o.markets {
		out = append(out, MarketInfo{
			MarketType:  market,
			State:       mc.Adapter.ConnectionState(),
			Symbols:     sortedSet(mc.Symbols),
			ConnectedAt: mc.ConnectedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketType < out[j].MarketType })
	return out
}

func (o *Orchestrator) countRunning() int {
	o.workersMu.Lock()
	defer o.workersMu.Unlock()
	n := 0
	for _, wi := range o.workers {
		if wi.Status() != domain.WorkerStopping {
			n++
		}
	}
	return n
}

func (o *Orchestrator) marketCount() int {
	o.connMu.Lock()
	defer o.connMu.Unlock()
	return len(o.markets)
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedMarkets(m map[domain.MarketType]map[string]struct{}) []domain.MarketType {
	out := make([]domain.MarketType, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
