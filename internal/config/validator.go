package config

import (
	"fmt"
	"strings"
	"time"
)

// Validate checks the config for:
//   - Supported store driver and a DSN for it
//   - Positive intervals and sizes
//   - A heartbeat short enough to beat common proxy idle timeouts
func Validate(cfg *Config) error {
	if cfg.Version == "" {
		return fmt.Errorf("config: version is required")
	}
	var errs []string

	switch cfg.Store.Driver {
	case "sqlite", "postgres":
		if strings.TrimSpace(cfg.Store.DSN) == "" {
			errs = append(errs, fmt.Sprintf("store: dsn is required for driver %q", cfg.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Sprintf("store: unsupported driver %q (want sqlite or postgres)", cfg.Store.Driver))
	}

	positive(&errs, "stream.heartbeat_interval", cfg.Stream.HeartbeatInterval)
	positive(&errs, "stream.poll_interval", cfg.Stream.PollInterval)
	positive(&errs, "stream.poll_lookback", cfg.Stream.PollLookback)
	if cfg.Stream.PollLookback > 0 && cfg.Stream.PollLookback < cfg.Stream.PollInterval {
		errs = append(errs, "stream.poll_lookback must not be below poll_interval")
	}
	positive(&errs, "ledger.default_undo_window", cfg.Ledger.DefaultUndoWindow)
	positive(&errs, "reconcile.interval", cfg.Reconcile.Interval)
	positive(&errs, "reconcile.backoff_initial", cfg.Reconcile.BackoffInitial)
	if cfg.Stream.HeartbeatInterval > 55*time.Second {
		errs = append(errs, fmt.Sprintf("stream.heartbeat_interval %s exceeds 55s", cfg.Stream.HeartbeatInterval))
	}
	if cfg.Stream.PollLimit < 1 {
		errs = append(errs, "stream.poll_limit must be at least 1")
	}
	if cfg.Stream.SessionBuffer < 1 {
		errs = append(errs, "stream.session_buffer must be at least 1")
	}
	if cfg.Reconcile.BatchSize < 1 {
		errs = append(errs, "reconcile.batch_size must be at least 1")
	}
	if cfg.Reconcile.Workers < 1 {
		errs = append(errs, "reconcile.workers must be at least 1")
	}
	if cfg.Reconcile.BackoffMax < cfg.Reconcile.BackoffInitial {
		errs = append(errs, "reconcile.backoff_max must not be below backoff_initial")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func positive(errs *[]string, name string, d time.Duration) {
	if d <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be positive, got %s", name, d))
	}
}
