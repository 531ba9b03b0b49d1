// Package domain defines the core interfaces and types for ballotwatch.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Vote operations
	SaveVote(ctx context.Context, ev *VoteEvent) error
	GetVote(ctx context.Context, voteID string) (*VoteEvent, error)
	ListVotes(ctx context.Context) ([]*VoteEvent, error)

	// Labeled training data
	SaveLabeledVote(ctx context.Context, v *LabeledVote) error
	ListLabeledVotes(ctx context.Context) ([]*LabeledVote, error)

	// Verdicts
	SaveVerdict(ctx context.Context, v *Verdict) error
	GetVerdict(ctx context.Context, voteID string) (*Verdict, error)

	// Alerts
	SaveAlert(ctx context.Context, a *Alert) error
	ListAlerts(ctx context.Context, limit int) ([]*Alert, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `koanf:"driver"`

	// SQLite specific
	SQLitePath string `koanf:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `koanf:"postgres_host"`
	PostgresPort     int    `koanf:"postgres_port"`
	PostgresUser     string `koanf:"postgres_user"`
	PostgresPassword string `koanf:"postgres_password"`
	PostgresDB       string `koanf:"postgres_db"`
	PostgresSSLMode  string `koanf:"postgres_ssl_mode"`

	// Connection pool settings
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}
