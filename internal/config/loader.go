package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader reads a YAML config file, applies env overrides and watches the file
// for changes.
type Loader struct {
	path     string
	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
	watcher  *fsnotify.Watcher
}

// NewLoader creates a Loader and performs the initial load. An empty path
// loads defaults plus environment only.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Config returns the current (latest) configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the config reloads.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that hot-reloads the config on file changes.
// Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	if l.path == "" {
		return nil, fmt.Errorf("config watcher: no config file")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", l.path, err)
	}
	l.watcher = w

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						slog.Warn("config reload failed, keeping previous config", "path", l.path, "err", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "err", err)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

// Reload forces an immediate re-read of the config file. Invalid configs are
// rejected and the previous one stays current.
func (l *Loader) Reload() (*Config, error) {
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	callbacks := make([]func(*Config), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
	return cfg, nil
}

func (l *Loader) load() (*Config, error) {
	var cfg Config
	if l.path != "" {
		data, err := os.ReadFile(l.path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", l.path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", l.path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == "" {
		cfg.Version = "v1"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownWait == 0 {
		cfg.Server.ShutdownWait = 15 * time.Second
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.DSN == "" && cfg.Store.Driver == "sqlite" {
		cfg.Store.DSN = "pulsewire.db"
	}
	if cfg.Stream.HeartbeatInterval == 0 {
		cfg.Stream.HeartbeatInterval = 25 * time.Second
	}
	if cfg.Stream.PollInterval == 0 {
		cfg.Stream.PollInterval = 2 * time.Second
	}
	if cfg.Stream.PollLookback == 0 {
		cfg.Stream.PollLookback = 30 * time.Second
	}
	if cfg.Stream.PollLimit == 0 {
		cfg.Stream.PollLimit = 100
	}
	if cfg.Stream.SessionBuffer == 0 {
		cfg.Stream.SessionBuffer = 64
	}
	if cfg.Ledger.DefaultUndoWindow == 0 {
		cfg.Ledger.DefaultUndoWindow = 15 * time.Minute
	}
	if cfg.Reconcile.Interval == 0 {
		cfg.Reconcile.Interval = 30 * time.Second
	}
	if cfg.Reconcile.BatchSize == 0 {
		cfg.Reconcile.BatchSize = 100
	}
	if cfg.Reconcile.Workers == 0 {
		cfg.Reconcile.Workers = 4
	}
	if cfg.Reconcile.SettleAfter == 0 {
		cfg.Reconcile.SettleAfter = 10 * time.Minute
	}
	if cfg.Reconcile.BackoffInitial == 0 {
		cfg.Reconcile.BackoffInitial = 30 * time.Second
	}
	if cfg.Reconcile.BackoffMax == 0 {
		cfg.Reconcile.BackoffMax = 30 * time.Minute
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "pulsewire"
	}
}
