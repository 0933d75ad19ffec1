package config

import "fmt"

// Config is the complete typed configuration for both the ingest and the
// persistence process, loaded once at boot from a single YAML file
// (internal/config/loader.go) and never mutated afterward.
type Config struct {
	Redis       RedisConfig             `yaml:"redis"`
	Exchanges   []ExchangeConfig        `yaml:"exchanges"`
	Symbols     map[string]SymbolConfig `yaml:"symbols"`
	Workers     WorkersConfig           `yaml:"workers"`
	Publisher   PublisherConfig         `yaml:"publisher"`
	Queue       QueueConfig             `yaml:"queue"`
	IPC         IPCConfig               `yaml:"ipc"`
	Storage     StorageConfig           `yaml:"storage"`
	Monitoring  MonitoringConfig        `yaml:"monitoring"`
}

// RedisConfig is connection configuration for the telemetry/fan-out side
// channel (SPEC_FULL.md §10).
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Timeout  string `yaml:"timeout"`
}

// ExchangeConfig names one upstream trade feed to connect to.
type ExchangeConfig struct {
	Name         string   `yaml:"name"`
	Enabled      bool     `yaml:"enabled"`
	WebSocketURL string   `yaml:"websocket_url"`
	RESTBaseURL  string   `yaml:"rest_base_url"`
	Symbols      []string `yaml:"symbols"`

	HeartbeatInterval    string `yaml:"heartbeat_interval"`
	ReconnectBackoff     string `yaml:"reconnect_backoff"`
	MaxReconnectBackoff  string `yaml:"max_reconnect_backoff"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`

	// GapRefetchRPS bounds the token-bucket rate limit on this exchange's
	// REST client used for async gap recovery (spec.md §7 "Gap detected").
	GapRefetchRPS   float64 `yaml:"gap_refetch_rps"`
	GapRefetchBurst int     `yaml:"gap_refetch_burst"`
}

// SymbolConfig carries the per-symbol discretisation parameters the
// CandleGroup needs (spec.md §3): tick_value and bin_multiplier. A zero
// BinMultiplier is passed to the CandleGroup unchanged: no multiplier is
// computed for it, and model.BinPrice then keeps each trade price as its
// own bin.
type SymbolConfig struct {
	Enabled       bool    `yaml:"enabled"`
	TickValue     float64 `yaml:"tick_value"`
	BinMultiplier int     `yaml:"bin_multiplier"`
}

// WorkersConfig sizes the worker pool and its retry/backoff policy
// (spec.md §4.8, grounded on the teacher's WorkerConfig).
type WorkersConfig struct {
	Count            int    `yaml:"count"`
	MaxRetries       int    `yaml:"max_retries"`
	InitialBackoff   string `yaml:"initial_backoff"`
	MaxBackoff       string `yaml:"max_backoff"`
	BackoffFactor    float64 `yaml:"backoff_factor"`
	SnapshotInterval string `yaml:"snapshot_interval"`
}

// PublisherConfig tunes the hybrid publisher (C10, spec.md §4.5).
type PublisherConfig struct {
	SocketPath          string `yaml:"socket_path"`
	WriteTimeout        string `yaml:"write_timeout"`
	InitialBackoff      string `yaml:"initial_backoff"`
	MaxBackoff          string `yaml:"max_backoff"`
	MaxBackoffAttempts  int    `yaml:"max_backoff_attempts"`
}

// QueueConfig configures the durable on-disk queue (C11, spec.md §4.6).
type QueueConfig struct {
	DBPath             string `yaml:"db_path"`
	RetentionHours     int    `yaml:"retention_hours"`
	PollInterval       string `yaml:"poll_interval"`
	BatchSize          int    `yaml:"batch_size"`
	CleanupSampleRate  float64 `yaml:"cleanup_sample_rate"`
}

// IPCConfig configures the persistence process's socket listener
// (C12, spec.md §6).
type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

// StorageConfig configures the candle writer / gap-state store
// (C13/C14, spec.md §6).
type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

// MonitoringConfig configures the shared health/metrics HTTP server.
type MonitoringConfig struct {
	HealthPort     int  `yaml:"health_port"`
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// GetSymbolConfig returns configuration for a specific symbol.
func (c *Config) GetSymbolConfig(symbol string) (SymbolConfig, bool) {
	sc, ok := c.Symbols[symbol]
	return sc, ok
}

// GetExchangeConfig returns configuration for a specific exchange.
func (c *Config) GetExchangeConfig(exchangeName string) (ExchangeConfig, bool) {
	for _, ex := range c.Exchanges {
		if ex.Name == exchangeName {
			return ex, true
		}
	}
	return ExchangeConfig{}, false
}

// Validate checks the invariants the rest of the pipeline assumes hold:
// at least one enabled exchange, a positive worker count, and non-empty
// storage paths. Called once at boot; nothing downstream re-validates.
func (c *Config) Validate() error {
	anyEnabled := false
	for _, ex := range c.Exchanges {
		if ex.Enabled {
			anyEnabled = true
		}
	}
	if !anyEnabled {
		return fmt.Errorf("config: no enabled exchanges")
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("config: workers.count must be positive, got %d", c.Workers.Count)
	}
	if c.Queue.DBPath == "" {
		return fmt.Errorf("config: queue.db_path is required")
	}
	if c.Storage.DBPath == "" {
		return fmt.Errorf("config: storage.db_path is required")
	}
	return nil
}
