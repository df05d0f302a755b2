package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"crypto_sync/internal/app"
	"crypto_sync/internal/infra"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration")
	flag.Parse()

	// 1. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. System Bootstrapping
	bootstrap := app.NewBootstrap(*configPath)
	if err := bootstrap.Initialize(ctx); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bootstrap.Close()

	// 3. Pprof Server (for performance profiling)
	if addr := bootstrap.Config.Pprof.Addr; addr != "" {
		go func() {
			slog.Info("🕵️ Pprof server started", slog.String("addr", addr))
			if err := http.ListenAndServe(addr, nil); err != nil {
				slog.Error("Pprof server failed", slog.Any("error", err))
			}
		}()
	}

	slog.InfoContext(ctx, "✨ Order book sync running. Press Ctrl+C to exit.")

	// 4. Reconciliation loop (blocks until shutdown)
	if err := bootstrap.Orchestrator.Run(ctx); err != nil {
		slog.Error("Orchestrator failed", slog.Any("error", err))
	}

	m := infra.GlobalMetrics.Snapshot()
	slog.Info("👋 Shut down gracefully",
		slog.Uint64("messages", m.MessagesReceived),
		slog.Uint64("deltas", m.DeltasApplied),
		slog.Uint64("sequence_gaps", m.SequenceGaps),
		slog.Uint64("reconnects", m.Reconnects),
		slog.Uint64("reconcile_passes", m.ReconcilePasses),
	)
}
