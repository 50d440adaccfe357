package config

import "time"

// Config is the top-level YAML structure. Every leaf can be overridden by the
// PULSEWIRE_* environment variable named in its env tag.
type Config struct {
	Version   string        `yaml:"version"`
	Server    ServerConf    `yaml:"server"`
	Store     StoreConf     `yaml:"store"`
	Stream    StreamConf    `yaml:"stream"`
	Ledger    LedgerConf    `yaml:"ledger"`
	Reconcile ReconcileConf `yaml:"reconcile"`
	Telemetry TelemetryConf `yaml:"telemetry"`
}

// ServerConf holds HTTP listener settings.
type ServerConf struct {
	Addr         string        `yaml:"addr" env:"PULSEWIRE_ADDR"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"PULSEWIRE_READ_TIMEOUT"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"PULSEWIRE_IDLE_TIMEOUT"`
	ShutdownWait time.Duration `yaml:"shutdown_wait" env:"PULSEWIRE_SHUTDOWN_WAIT"`
}

// StoreConf selects the storage backend.
type StoreConf struct {
	Driver string `yaml:"driver" env:"PULSEWIRE_STORE_DRIVER"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn" env:"PULSEWIRE_STORE_DSN"`
}

// StreamConf tunes both stream gateways.
type StreamConf struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"PULSEWIRE_HEARTBEAT_INTERVAL"`
	PollInterval      time.Duration `yaml:"poll_interval" env:"PULSEWIRE_POLL_INTERVAL"`
	PollLookback      time.Duration `yaml:"poll_lookback" env:"PULSEWIRE_POLL_LOOKBACK"`
	PollLimit         int           `yaml:"poll_limit" env:"PULSEWIRE_POLL_LIMIT"`
	SessionBuffer     int           `yaml:"session_buffer" env:"PULSEWIRE_SESSION_BUFFER"`
}

// LedgerConf holds receipt defaults.
type LedgerConf struct {
	DefaultUndoWindow time.Duration `yaml:"default_undo_window" env:"PULSEWIRE_DEFAULT_UNDO_WINDOW"`
}

// ReconcileConf tunes the reconciliation poller.
type ReconcileConf struct {
	Interval       time.Duration `yaml:"interval" env:"PULSEWIRE_RECONCILE_INTERVAL"`
	BatchSize      int           `yaml:"batch_size" env:"PULSEWIRE_RECONCILE_BATCH_SIZE"`
	Workers        int           `yaml:"workers" env:"PULSEWIRE_RECONCILE_WORKERS"`
	SettleAfter    time.Duration `yaml:"settle_after" env:"PULSEWIRE_RECONCILE_SETTLE_AFTER"`
	BackoffInitial time.Duration `yaml:"backoff_initial" env:"PULSEWIRE_RECONCILE_BACKOFF_INITIAL"`
	BackoffMax     time.Duration `yaml:"backoff_max" env:"PULSEWIRE_RECONCILE_BACKOFF_MAX"`
}

// TelemetryConf configures tracing export. An empty endpoint disables it.
type TelemetryConf struct {
	ServiceName  string `yaml:"service_name" env:"PULSEWIRE_SERVICE_NAME"`
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"PULSEWIRE_OTEL_ENDPOINT"`
}
