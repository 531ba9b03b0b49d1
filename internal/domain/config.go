package domain

import "time"

// Config holds the complete ballotwatch configuration.
type Config struct {
	// Server settings
	Server ServerConfig `koanf:"server"`

	// Tier determines which backends are used by default
	Tier Tier `koanf:"tier"`

	// Component configurations
	Repository RepositoryConfig `koanf:"repository"`
	Cache      CacheConfig      `koanf:"cache"`
	EventBus   EventBusConfig   `koanf:"eventbus"`
	Stats      StatsConfig      `koanf:"stats"`

	// Scoring pipeline
	Model  ModelConfig  `koanf:"model"`
	Alerts AlertsConfig `koanf:"alerts"`
	Worker WorkerConfig `koanf:"worker"`

	// Observability
	Logging LoggingConfig `koanf:"logging"`
	Tracing TracingConfig `koanf:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `koanf:"host"`
	Port         int    `koanf:"port"`
	ReadTimeout  int    `koanf:"read_timeout"`  // seconds
	WriteTimeout int    `koanf:"write_timeout"` // seconds
}

// ModelConfig locates the trained model bundle.
type ModelConfig struct {
	BundleDir string `koanf:"bundle_dir"`

	// Required makes startup fail when the bundle cannot be loaded.
	Required bool `koanf:"required"`
}

// AlertsConfig controls alert retention and subscriber fan-out.
type AlertsConfig struct {
	// Retention is the number of alerts kept in memory.
	Retention int `koanf:"retention"`

	// QueueSize is the per-subscriber delivery buffer.
	QueueSize int `koanf:"queue_size"`

	PingInterval time.Duration `koanf:"ping_interval"`

	// ForwardToBus republishes every alert on TopicAlert.
	ForwardToBus bool `koanf:"forward_to_bus"`
}

// WorkerConfig controls asynchronous scoring from the event bus.
type WorkerConfig struct {
	Enabled bool `koanf:"enabled"`

	// Concurrency bounds how many votes are scored at once.
	Concurrency int `koanf:"concurrency"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, in-memory stats and channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8000,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./ballotwatch.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			VerdictTTL:   time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Stats: StatsConfig{
			Type:      "memory",
			KeyPrefix: "ballotwatch:stats",
			Warm:      true,
		},
		Model: ModelConfig{
			BundleDir: "./models",
		},
		Alerts: AlertsConfig{
			Retention:    10000,
			QueueSize:    64,
			PingInterval: 30 * time.Second,
		},
		Worker: WorkerConfig{
			Concurrency: 8,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "ballotwatch",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "ballotwatch",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		VerdictTTL:     time.Hour,
	}
	cfg.Stats = StatsConfig{
		Type:      "redis",
		RedisAddr: "localhost:6379",
		KeyPrefix: "ballotwatch:stats",
		Warm:      true,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Worker.Enabled = true
	cfg.Alerts.ForwardToBus = true
	cfg.Tracing.Enabled = true
	return cfg
}
