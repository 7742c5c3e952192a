// Package domain defines the core interfaces and types for Heron.
package domain

import (
	"context"
	"time"
)

// Page bounds a find query.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Pagination defaults.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// Normalize applies the default and maximum limit.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// TransactionFilter selects transactions. Zero fields do not filter.
type TransactionFilter struct {
	IDs             []string
	UserID          string
	Status          string
	TransactionType string
	IsFraud         *bool
	From            time.Time
	To              time.Time
	Page            Page
}

// AnomalyFilter selects anomalies. Zero fields do not filter.
type AnomalyFilter struct {
	TransactionID string
	UserID        string
	Statuses      []AnomalyStatus
	Severity      Severity
	From          time.Time
	To            time.Time
	Page          Page
}

// TransactionStore persists transactions.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	FindTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, int, error)

	// UpdateTransaction writes tx if its Version matches the stored one and
	// bumps Version and UpdatedAt in place. Returns ErrNotFound or ErrConflict.
	UpdateTransaction(ctx context.Context, tx *Transaction) error

	// UserStats summarizes a user's transactions strictly before at.
	UserStats(ctx context.Context, userID string, at time.Time) (*UserProfile, error)
}

// AnomalyStore persists anomalies.
type AnomalyStore interface {
	CreateAnomaly(ctx context.Context, a *Anomaly) error
	GetAnomaly(ctx context.Context, id string) (*Anomaly, error)
	FindAnomalies(ctx context.Context, filter AnomalyFilter) ([]*Anomaly, int, error)

	// UpdateAnomaly follows the same version contract as UpdateTransaction.
	UpdateAnomaly(ctx context.Context, a *Anomaly) error
	DeleteAnomaly(ctx context.Context, id string) error
}

// TrendStore answers the aggregate queries behind rate trends.
type TrendStore interface {
	// BucketStats counts transactions and anomalies with timestamps in [from, to).
	BucketStats(ctx context.Context, from, to time.Time) (*BucketStats, error)
}

// AuditStore stores audit entries.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, entityType, entityID string, page Page) ([]*AuditEntry, error)
}

// Repository is the full persistence contract.
type Repository interface {
	TransactionStore
	AnomalyStore
	TrendStore
	AuditStore

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost"`
	PostgresPort     int    `json:"postgresPort"`
	PostgresUser     string `json:"postgresUser"`
	PostgresPassword string `json:"postgresPassword"`
	PostgresDB       string `json:"postgresDb"`
	PostgresSSLMode  string `json:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns"`
	MaxIdleConns    int           `json:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime"`
}
