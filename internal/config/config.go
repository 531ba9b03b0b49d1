// Package config loads ballotwatch configuration from layered sources.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/opensource-finance/ballotwatch/internal/domain"
)

// EnvPrefix is the prefix of every environment override.
// Nesting uses a double underscore: BALLOTWATCH_SERVER__PORT -> server.port.
const EnvPrefix = "BALLOTWATCH_"

// PathEnvVar names a YAML config file when no path is passed to Load.
const PathEnvVar = "BALLOTWATCH_CONFIG"

// Load builds the configuration with the precedence env > file > defaults.
// The defaults come from the tier selected by BALLOTWATCH_TIER.
func Load(path string) (*domain.Config, error) {
	k := koanf.New(".")

	defaults := domain.DefaultConfig()
	if strings.EqualFold(os.Getenv(EnvPrefix+"TIER"), string(domain.TierPro)) {
		defaults = domain.ProConfig()
	}
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(PathEnvVar)
	}
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Comma separated lists arrive from the environment as a single string.
	if raw, ok := k.Get("eventbus.kafka_brokers").(string); ok {
		if err := k.Set("eventbus.kafka_brokers", splitList(raw)); err != nil {
			return nil, fmt.Errorf("failed to parse kafka brokers: %w", err)
		}
	}

	cfg := &domain.Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// envTransform maps BALLOTWATCH_CACHE__REDIS_ADDR to cache.redis_addr.
func envTransform(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	key = strings.ToLower(key)
	return strings.ReplaceAll(key, "__", ".")
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the backend selections and numeric bounds.
func Validate(cfg *domain.Config) error {
	switch cfg.Repository.Driver {
	case "sqlite", "postgres", "none":
	default:
		return fmt.Errorf("repository.driver: unsupported value %q", cfg.Repository.Driver)
	}
	switch cfg.Cache.Type {
	case "memory", "redis", "none":
	default:
		return fmt.Errorf("cache.type: unsupported value %q", cfg.Cache.Type)
	}
	switch cfg.EventBus.Type {
	case "channel", "nats", "kafka":
	default:
		return fmt.Errorf("eventbus.type: unsupported value %q", cfg.EventBus.Type)
	}
	if cfg.EventBus.Type == "kafka" && len(cfg.EventBus.KafkaBrokers) == 0 {
		return fmt.Errorf("eventbus.kafka_brokers is required for the kafka bus")
	}
	switch cfg.Stats.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("stats.type: unsupported value %q", cfg.Stats.Type)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port: out of range: %d", cfg.Server.Port)
	}
	if cfg.Alerts.Retention <= 0 {
		return fmt.Errorf("alerts.retention must be positive")
	}
	if cfg.Alerts.QueueSize <= 0 {
		return fmt.Errorf("alerts.queue_size must be positive")
	}
	return nil
}
