// Package worker runs the per-symbol loops the orchestrator starts: each
// samples its book from the shared cache and drives a strategy.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"crypto_sync/internal/domain"
	"crypto_sync/internal/strategy"
)

const defaultSampleInterval = time.Second

// BookReader is the read side of the order book cache.
type BookReader interface {
	Get(symbol string, market domain.MarketType) (*domain.OrderBookSnapshot, bool)
}

// ActionSink receives strategy actions.
type ActionSink interface {
	Execute(ctx context.Context, a strategy.Action) error
}

// LogSink only logs actions.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Execute(_ context.Context, a strategy.Action) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("STRATEGY_ACTION",
		slog.String("type", a.Type.String()),
		slog.String("symbol", a.Symbol),
		slog.String("price", a.Price.String()),
		slog.String("qty", a.Qty.String()),
	)
	return nil
}

// BookWorker samples one book on a fixed interval and feeds each new quote
// to its strategy.
type BookWorker struct {
	cfg      domain.WorkerConfiguration
	books    BookReader
	strategy strategy.Strategy
	sink     ActionSink
	interval time.Duration
	logger   *slog.Logger

	samples atomic.Uint64
	mu      sync.RWMutex
	last    domain.Quote
	hasLast bool
}

// NewBookWorker creates a worker for cfg. A nil strategy only tracks quotes;
// a nil sink logs actions.
func NewBookWorker(cfg domain.WorkerConfiguration, books BookReader, strat strategy.Strategy, sink ActionSink, interval time.Duration, logger *slog.Logger) *BookWorker {
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("module", "worker", "worker_id", cfg.WorkerID, "symbol", cfg.Symbol)
	if sink == nil {
		sink = LogSink{Logger: logger}
	}
	return &BookWorker{
		cfg:      cfg,
		books:    books,
		strategy: strat,
		sink:     sink,
		interval: interval,
		logger:   logger,
	}
}

// Run samples until ctx is cancelled. It returns nil on cancellation and an
// error only if the loop panicked.
func (w *BookWorker) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("WORKER_PANIC", slog.Any("panic", r))
			err = fmt.Errorf("worker %s panicked: %v", w.cfg.WorkerID, r)
		}
	}()

	w.logger.Info("Worker started", slog.Duration("interval", w.interval))
	defer w.logger.Info("Worker stopped", slog.Uint64("samples", w.samples.Load()))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var lastUpdate time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		snap, ok := w.books.Get(w.cfg.Symbol, w.cfg.MarketType)
		if !ok || snap.UpdatedAt.Equal(lastUpdate) {
			continue
		}
		lastUpdate = snap.UpdatedAt

		q, ok := snap.Quote()
		if !ok {
			continue
		}
		w.samples.Add(1)
		w.mu.Lock()
		w.last, w.hasLast = q, true
		w.mu.Unlock()

		if w.strategy == nil {
			continue
		}
		for _, a := range w.strategy.OnQuote(q) {
			if err := w.sink.Execute(ctx, a); err != nil {
				w.logger.Warn("Action failed", slog.String("type", a.Type.String()), slog.Any("error", err))
			}
		}
	}
}

// Samples returns how many quotes were taken.
func (w *BookWorker) Samples() uint64 { return w.samples.Load() }

// LastQuote returns the most recent quote.
func (w *BookWorker) LastQuote() (domain.Quote, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.last, w.hasLast
}
