package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/gyaneshwarpardhi/pulsewire/internal/api"
	"github.com/gyaneshwarpardhi/pulsewire/internal/bus"
	"github.com/gyaneshwarpardhi/pulsewire/internal/config"
	"github.com/gyaneshwarpardhi/pulsewire/internal/ledger"
	"github.com/gyaneshwarpardhi/pulsewire/internal/pulse"
	"github.com/gyaneshwarpardhi/pulsewire/internal/reconcile"
	"github.com/gyaneshwarpardhi/pulsewire/internal/store/postgres"
	"github.com/gyaneshwarpardhi/pulsewire/internal/store/sqlite"
	"github.com/gyaneshwarpardhi/pulsewire/internal/stream"
	"github.com/gyaneshwarpardhi/pulsewire/internal/telemetry"
)

// backend is what both storage adapters provide.
type backend interface {
	pulse.Store
	ledger.Store
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	flags := pflag.NewFlagSet("pulsewire", pflag.ContinueOnError)
	cfgPath := flags.String("config", "", "Path to YAML config (empty: defaults plus PULSEWIRE_* env)")
	addr := flags.String("addr", "", "HTTP listen address (overrides server.addr)")
	debug := flags.Bool("debug", false, "Enable debug logging")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	cfg := loader.Config()
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if err := config.Validate(cfg); err != nil {
		slog.Error("config validation failed", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Tracing ──────────────────────────────────────────────────────────────
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("tracing disabled", "err", err)
	}

	// ── Storage ──────────────────────────────────────────────────────────────
	store, err := openStore(cfg.Store, logger)
	if err != nil {
		slog.Error("failed to open store", "driver", cfg.Store.Driver, "err", err)
		os.Exit(1)
	}
	slog.Info("store ready", "driver", cfg.Store.Driver)

	// ── Bus, services, gateways, poller ──────────────────────────────────────
	eventBus := bus.New(logger)
	cards := pulse.NewService(store, eventBus, logger)
	receipts := ledger.New(store, cfg.Ledger.DefaultUndoWindow, logger)
	push := stream.NewPushGateway(eventBus, cfg.Stream.HeartbeatInterval, cfg.Stream.SessionBuffer, logger)
	poll := stream.NewPollGateway(store, cfg.Stream.PollInterval, cfg.Stream.HeartbeatInterval, cfg.Stream.PollLimit, logger)
	poll.SetLookback(cfg.Stream.PollLookback)
	poller := reconcile.New(receipts,
		reconcile.ContextResolver{SettleAfter: cfg.Reconcile.SettleAfter},
		eventBus,
		reconcile.Options{
			Interval:       cfg.Reconcile.Interval,
			BatchSize:      cfg.Reconcile.BatchSize,
			Workers:        cfg.Reconcile.Workers,
			BackoffInitial: cfg.Reconcile.BackoffInitial,
			BackoffMax:     cfg.Reconcile.BackoffMax,
		},
		logger,
	)

	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		poller.Run(ctx)
	}()

	// ── Hot-reload watcher ────────────────────────────────────────────────────
	loader.OnChange(func(newCfg *config.Config) {
		if err := config.Validate(newCfg); err != nil {
			slog.Warn("hot-reload skipped: config invalid", "err", err)
			return
		}
		push.SetHeartbeat(newCfg.Stream.HeartbeatInterval)
		poll.SetHeartbeat(newCfg.Stream.HeartbeatInterval)
		poll.SetInterval(newCfg.Stream.PollInterval)
		poll.SetLookback(newCfg.Stream.PollLookback)
		poller.SetInterval(newCfg.Reconcile.Interval)
		receipts.SetDefaultUndoWindow(newCfg.Ledger.DefaultUndoWindow)
		slog.Info("config hot-reloaded",
			"heartbeat", newCfg.Stream.HeartbeatInterval,
			"poll_interval", newCfg.Stream.PollInterval,
			"reconcile_interval", newCfg.Reconcile.Interval,
		)
	})
	if *cfgPath != "" {
		stopWatch, err := loader.Watch()
		if err != nil {
			slog.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
		} else {
			defer stopWatch()
		}
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	handler := api.New(api.Deps{
		Cards:      cards,
		Ledger:     receipts,
		Bus:        eventBus,
		Push:       push,
		Poll:       poll,
		Reconciler: poller,
		Ping:       store.Ping,
		Logger:     logger,
	})
	// No WriteTimeout: stream sessions are long-lived.
	srv := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     handler,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down…")

	// Cancelling ctx first ends open stream sessions so Shutdown can drain.
	cancel()
	shutCtx, shutCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownWait)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	<-pollerDone
	if err := store.Close(); err != nil {
		slog.Warn("store close failed", "err", err)
	}
	if shutdownTracing != nil {
		_ = shutdownTracing(shutCtx)
	}
	slog.Info("goodbye")
}

func openStore(conf config.StoreConf, logger *slog.Logger) (backend, error) {
	switch conf.Driver {
	case "postgres":
		s, err := postgres.Connect(conf.DSN, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := sqlite.Open(conf.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", conf.Driver)
	}
}
