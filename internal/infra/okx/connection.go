package okx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"crypto_sync/internal/domain"
	"crypto_sync/internal/infra"
	"crypto_sync/internal/infra/ws"

	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
)

const (
	defaultHeartbeat    = 10 * time.Second
	defaultLoginTimeout = 5 * time.Second
	defaultMinReconnect = 1 * time.Second
	defaultMaxReconnect = 60 * time.Second
)

// Transport is the socket the manager drives. *ws.Client implements it.
type Transport interface {
	Connect(ctx context.Context, uri string) error
	Disconnect(reason string) error
	Send(msgType ws.MessageType, payload []byte) error
	State() domain.ConnectionState
	OnMessage(h func(ws.Message)) (unregister func())
	OnStateChange(h func(ws.StateChange)) (unregister func())
}

// ConnectionConfig holds session settings.
type ConnectionConfig struct {
	Credentials Credentials
	Demo        bool
	Endpoints   Endpoints

	// LoginOnConnect authenticates public sessions too when credentials are present.
	LoginOnConnect bool

	HeartbeatInterval time.Duration
	// PongTimeout force-closes a session that received nothing for this long. Zero disables it.
	PongTimeout  time.Duration
	LoginTimeout time.Duration

	// OpsPerSecond limits outbound op requests. Zero means unlimited.
	OpsPerSecond float64

	Reconnect         bool
	MinReconnectDelay time.Duration
	MaxReconnectDelay time.Duration
}

// ConnectionManager owns one transport and implements the OKX session:
// endpoint selection, login, heartbeat and reconnection.
type ConnectionManager struct {
	cfg       ConnectionConfig
	transport Transport
	signer    *Signer
	limiter   *rate.Limiter
	logger    *slog.Logger
	metrics   *infra.Metrics

	mu        sync.Mutex
	state     domain.ConnectionState
	kind      domain.ChannelKind
	ctx       context.Context
	cancel    context.CancelFunc
	closing   bool
	loginWait chan error

	reconnecting atomic.Bool
	lastRecv     atomic.Int64
	wg           sync.WaitGroup

	messages listeners[ws.Message]
	states   listeners[ws.StateChange]
}

// NewConnectionManager wires the manager to transport.
func NewConnectionManager(cfg ConnectionConfig, transport Transport, logger *slog.Logger, metrics *infra.Metrics) *ConnectionManager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = defaultLoginTimeout
	}
	if cfg.MinReconnectDelay <= 0 {
		cfg.MinReconnectDelay = defaultMinReconnect
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = defaultMaxReconnect
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.OpsPerSecond > 0 {
		burst := int(cfg.OpsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.OpsPerSecond), burst)
	}

	m := &ConnectionManager{
		cfg:       cfg,
		transport: transport,
		signer:    NewSigner(cfg.Credentials),
		limiter:   limiter,
		logger:    logger.With("module", "okx_connection"),
		metrics:   metrics,
		state:     domain.StateDisconnected,
	}
	transport.OnMessage(m.handleMessage)
	transport.OnStateChange(m.handleTransportState)
	return m
}

// ConnectAsync opens a session on the endpoint for kind and authenticates
// when required. It does not retry a failed attempt.
func (m *ConnectionManager) ConnectAsync(ctx context.Context, kind domain.ChannelKind) error {
	m.mu.Lock()
	if m.state == domain.StateConnected || m.state == domain.StateConnecting {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w (state %s)", domain.ErrAlreadyConnected, state)
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.kind = kind
	m.closing = false
	m.ctx, m.cancel = context.WithCancel(ctx)
	sessCtx := m.ctx
	m.mu.Unlock()

	// Wait for a previous session's heartbeat to exit before starting another.
	m.wg.Wait()

	if err := m.open(sessCtx, kind); err != nil {
		return err
	}

	m.wg.Add(1)
	go m.heartbeatLoop(sessCtx)
	return nil
}

// open dials, logs in when needed and publishes Connected.
func (m *ConnectionManager) open(ctx context.Context, kind domain.ChannelKind) error {
	url := m.cfg.Endpoints.ResolveURL(kind, m.cfg.Demo)
	m.publish(domain.StateConnecting, "")

	if err := m.transport.Connect(ctx, url); err != nil {
		m.publish(domain.StateDisconnected, "connect failed")
		return fmt.Errorf("connect %s: %w", url, err)
	}
	m.lastRecv.Store(time.Now().UnixNano())

	if m.needsLogin(kind) {
		if err := m.Login(ctx); err != nil {
			m.transport.Disconnect("login failed")
			m.publish(domain.StateDisconnected, "login failed")
			return err
		}
	}

	// Disconnect may have run while the handshake or login was in flight.
	if m.isClosing() || ctx.Err() != nil {
		m.transport.Disconnect("client disconnect")
		m.publish(domain.StateDisconnected, "client disconnect")
		return fmt.Errorf("connect %s: %w", url, context.Canceled)
	}

	m.publish(domain.StateConnected, "")
	m.logger.Info("OKX session established", slog.String("url", url), slog.String("channel", kind.String()))
	return nil
}

func (m *ConnectionManager) needsLogin(kind domain.ChannelKind) bool {
	if kind == domain.ChannelPrivate {
		return true
	}
	return m.cfg.LoginOnConnect && m.cfg.Credentials.Present()
}

// Login sends the signed login request and waits for the exchange's answer.
func (m *ConnectionManager) Login(ctx context.Context) error {
	if !m.cfg.Credentials.Present() {
		return fmt.Errorf("%w: missing credentials", domain.ErrLoginFailed)
	}

	wait := make(chan error, 1)
	m.mu.Lock()
	m.loginWait = wait
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.loginWait == wait {
			m.loginWait = nil
		}
		m.mu.Unlock()
	}()

	req := opRequest[loginArg]{Op: "login", Args: []loginArg{m.signer.LoginArgs()}}
	if err := m.sendOp(ctx, req); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrLoginFailed, err)
	}

	timer := time.NewTimer(m.cfg.LoginTimeout)
	defer timer.Stop()

	select {
	case err := <-wait:
		if err != nil {
			return err
		}
		m.logger.Info("OKX login accepted")
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: no response within %s", domain.ErrLoginFailed, m.cfg.LoginTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the session and stops heartbeat and reconnection.
func (m *ConnectionManager) Disconnect(reason string) error {
	m.mu.Lock()
	m.closing = true
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	err := m.transport.Disconnect(reason)
	m.wg.Wait()

	// The transport reports nothing when it was already closed.
	m.publish(domain.StateDisconnected, reason)
	return err
}

// SendRequest sends one op request such as subscribe or unsubscribe.
func (m *ConnectionManager) SendRequest(ctx context.Context, op string, args ...channelArg) error {
	return m.sendOp(ctx, opRequest[channelArg]{Op: op, Args: args})
}

func (m *ConnectionManager) sendOp(ctx context.Context, req any) error {
	payload, err := sonic.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	return m.transport.Send(ws.TextMessage, payload)
}

// State returns the published session state.
func (m *ConnectionManager) State() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnMessage registers h for every non-heartbeat message.
func (m *ConnectionManager) OnMessage(h func(ws.Message)) (unregister func()) {
	return m.messages.add(h)
}

// OnStateChange registers h for session state transitions.
func (m *ConnectionManager) OnStateChange(h func(ws.StateChange)) (unregister func()) {
	return m.states.add(h)
}

func (m *ConnectionManager) publish(to domain.ConnectionState, reason string) {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	m.state = to
	m.mu.Unlock()

	if to == domain.StateConnected {
		m.metrics.IncrementConnections()
	} else if from == domain.StateConnected {
		m.metrics.DecrementConnections()
	}
	m.states.emit(ws.StateChange{From: from, To: to, Reason: reason})
}

// handleMessage filters heartbeat replies and login answers, then fans out.
func (m *ConnectionManager) handleMessage(msg ws.Message) {
	m.lastRecv.Store(time.Now().UnixNano())

	if msg.Type == ws.TextMessage && msg.Text() == pongFrame {
		return
	}

	m.mu.Lock()
	wait := m.loginWait
	m.mu.Unlock()
	if wait != nil && msg.Type == ws.TextMessage {
		var ev eventMessage
		if err := sonic.Unmarshal(msg.Data, &ev); err == nil {
			switch ev.Event {
			case "login":
				if ev.Code == "" || ev.Code == "0" {
					notifyLogin(wait, nil)
				} else {
					notifyLogin(wait, fmt.Errorf("%w: code=%s msg=%s", domain.ErrLoginFailed, ev.Code, ev.Msg))
				}
			case "error":
				notifyLogin(wait, fmt.Errorf("%w: code=%s msg=%s", domain.ErrLoginFailed, ev.Code, ev.Msg))
			}
		}
	}

	m.messages.emit(msg)
}

func notifyLogin(ch chan error, err error) {
	select {
	case ch <- err:
	default:
	}
}

// handleTransportState republishes Closing/Disconnected. Connected is
// published by open once the session is usable.
func (m *ConnectionManager) handleTransportState(sc ws.StateChange) {
	switch sc.To {
	case domain.StateClosing:
		m.publish(domain.StateClosing, sc.Reason)
	case domain.StateDisconnected:
		m.mu.Lock()
		wasConnected := m.state == domain.StateConnected || m.state == domain.StateClosing
		closing := m.closing
		ctx := m.ctx
		kind := m.kind
		m.mu.Unlock()

		m.publish(domain.StateDisconnected, sc.Reason)

		if wasConnected && !closing && m.cfg.Reconnect && ctx != nil && ctx.Err() == nil {
			m.logger.Warn("OKX session lost, reconnecting", slog.String("reason", sc.Reason))
			m.wg.Add(1)
			go m.reconnectLoop(ctx, kind)
		}
	}
}

// reconnectLoop retries open with exponential backoff until it succeeds,
// the manager is disconnected or ctx ends.
func (m *ConnectionManager) reconnectLoop(ctx context.Context, kind domain.ChannelKind) {
	defer m.wg.Done()
	if !m.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer m.reconnecting.Store(false)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.MinReconnectDelay
	b.MaxInterval = m.cfg.MaxReconnectDelay
	b.Reset()

	for attempt := 1; ; attempt++ {
		delay := b.NextBackOff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if m.isClosing() {
			return
		}

		m.metrics.RecordReconnect()
		err := m.open(ctx, kind)
		if err == nil {
			m.logger.Info("OKX session restored", slog.Int("attempt", attempt))
			return
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		m.logger.Warn("OKX reconnect failed",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)
	}
}

func (m *ConnectionManager) isClosing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closing
}

// heartbeatLoop sends "ping" every interval and force-closes a session that
// has gone silent for longer than PongTimeout.
func (m *ConnectionManager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if m.transport.State() != domain.StateConnected {
			continue
		}

		if m.cfg.PongTimeout > 0 {
			silent := time.Since(time.Unix(0, m.lastRecv.Load()))
			if silent > m.cfg.PongTimeout {
				m.logger.Warn("OKX heartbeat timeout, closing session", slog.Duration("silent", silent))
				if err := m.transport.Disconnect("heartbeat timeout"); err != nil {
					m.logger.Warn("OKX heartbeat close failed", slog.Any("error", err))
				}
				continue
			}
		}

		if err := m.transport.Send(ws.TextMessage, []byte(pingFrame)); err != nil {
			m.logger.Warn("OKX ping failed", slog.Any("error", err))
		}
	}
}
