package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"crypto_sync/internal/domain"
	"crypto_sync/internal/execution"
	"crypto_sync/internal/infra"
	"crypto_sync/internal/infra/okx"
	"crypto_sync/internal/infra/storage"
	"crypto_sync/internal/infra/ws"
	"crypto_sync/internal/orchestrator"
	"crypto_sync/internal/orderbook"
	"crypto_sync/internal/strategy"
	"crypto_sync/internal/worker"

	"github.com/shopspring/decimal"
)

const wsReadLimit = 4 << 20

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	ConfigPath string

	Config       *infra.Config
	Logger       *slog.Logger
	Storage      *storage.Storage
	Cache        *orderbook.Cache
	Paper        *execution.PaperExecution
	Orchestrator *orchestrator.Orchestrator

	orderQty decimal.Decimal
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap(configPath string) *Bootstrap {
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	return &Bootstrap{ConfigPath: configPath}
}

// Initialize loads configuration and wires every component.
func (b *Bootstrap) Initialize(ctx context.Context) error {
	slog.Info("🚀 Bootstrapping Crypto Sync...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(b.ConfigPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	b.Logger = infra.NewLogger(cfg)
	slog.SetDefault(b.Logger)

	qty, err := decimal.NewFromString(cfg.Worker.OrderQty)
	if err != nil || !qty.IsPositive() {
		return &domain.ConfigError{Field: "worker.order_qty", Err: fmt.Errorf("invalid quantity %q", cfg.Worker.OrderQty)}
	}
	b.orderQty = qty

	// 3. Initialize Storage (DB)
	store, err := storage.NewStorage(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return err
	}
	b.Storage = store
	n, err := store.SeedWorkers(ctx, cfg.Workers)
	if err != nil {
		return fmt.Errorf("seed workers: %w", err)
	}
	slog.Info("✅ Database initialized", slog.String("driver", cfg.Storage.Driver), slog.Int("seeded", n))

	// 4. Shared order book cache and optional paper account
	b.Cache = orderbook.NewCache()
	if cfg.Worker.Paper.Enabled {
		paper, err := b.newPaper()
		if err != nil {
			return err
		}
		b.Paper = paper
		slog.Info("✅ Paper execution enabled")
	}

	// 5. Orchestrator
	b.Orchestrator = orchestrator.New(
		store,
		b.NewAdapter,
		b.NewWorker,
		orchestrator.Config{Interval: cfg.ReconcileInterval(), StopTimeout: cfg.StopTimeout()},
		b.Logger,
		infra.GlobalMetrics,
	)
	return nil
}

func (b *Bootstrap) newPaper() (*execution.PaperExecution, error) {
	fee := decimal.Zero
	if s := b.Config.Worker.Paper.FeeRate; s != "" {
		var err error
		if fee, err = decimal.NewFromString(s); err != nil {
			return nil, &domain.ConfigError{Field: "worker.paper.fee_rate", Err: err}
		}
	}
	paper := execution.NewPaperExecution(fee, b.Logger)
	for currency, amount := range b.Config.Worker.Paper.Deposits {
		v, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, &domain.ConfigError{Field: "worker.paper.deposits", Err: fmt.Errorf("%s: %w", currency, err)}
		}
		paper.Deposit(currency, v)
	}
	return paper, nil
}

// NewAdapter builds an OKX adapter for market.
func (b *Bootstrap) NewAdapter(market domain.MarketType) (orchestrator.MarketAdapter, error) {
	cfg := b.Config
	var demo bool
	switch market {
	case domain.MarketOkx:
		demo = cfg.OKX.Demo
	case domain.MarketOkxDemo:
		demo = true
	default:
		return nil, fmt.Errorf("unsupported market %q", market)
	}

	header := http.Header{}
	header.Set("User-Agent", infra.DefaultUserAgent)
	if demo {
		// Demo trading requires this header on every request.
		header.Set("x-simulated-trading", "1")
	}
	transport := ws.NewClient(
		ws.WithHeader(header),
		ws.WithReadLimit(wsReadLimit),
		ws.WithLogger(b.Logger),
	)

	return okx.NewAdapter(okx.AdapterConfig{
		Market:  market,
		Channel: cfg.OKX.Channel,
		Connection: okx.ConnectionConfig{
			Credentials: okx.Credentials{
				APIKey:     cfg.OKX.APIKey,
				SecretKey:  cfg.OKX.SecretKey,
				Passphrase: cfg.OKX.Passphrase,
			},
			Demo: demo,
			Endpoints: okx.Endpoints{
				Public:   cfg.OKX.Endpoints.Public,
				Private:  cfg.OKX.Endpoints.Private,
				Business: cfg.OKX.Endpoints.Business,
			},
			HeartbeatInterval: cfg.HeartbeatInterval(),
			PongTimeout:       cfg.PongTimeout(),
			LoginTimeout:      cfg.LoginTimeout(),
			OpsPerSecond:      cfg.OKX.OpsPerSecond,
			Reconnect:         cfg.OKX.Reconnect.Enabled,
			MinReconnectDelay: cfg.ReconnectMinDelay(),
			MaxReconnectDelay: cfg.ReconnectMaxDelay(),
		},
	}, transport, b.Cache, b.Logger, infra.GlobalMetrics), nil
}

// NewWorker builds a book worker for one configuration.
func (b *Bootstrap) NewWorker(cfg domain.WorkerConfiguration) (orchestrator.Runner, error) {
	var strat strategy.Strategy
	if b.Config.Worker.SMAShort > 0 {
		s, err := strategy.NewSMACrossStrategy(cfg.Symbol, b.Config.Worker.SMAShort, b.Config.Worker.SMALong, b.orderQty)
		if err != nil {
			return nil, err
		}
		strat = s
	}

	var sink worker.ActionSink
	if b.Paper != nil {
		sink = b.Paper
	}
	return worker.NewBookWorker(cfg, b.Cache, strat, sink, b.Config.SampleInterval(), b.Logger), nil
}

// Close releases resources opened by Initialize.
func (b *Bootstrap) Close() {
	if b.Storage != nil {
		if err := b.Storage.Close(); err != nil {
			slog.Warn("Failed to close storage", slog.Any("error", err))
		}
	}
}
