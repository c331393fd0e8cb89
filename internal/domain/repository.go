package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
//
// Anomaly records are persisted for audit; the engine's in-memory list
// stays authoritative for the process. The blocked-employee set is a
// derived cache mirrored here so a restart does not silently unblock a
// flagged employee.
type Repository interface {
	// Anomaly record operations
	SaveAnomalyRecord(ctx context.Context, tenantID string, rec *AnomalyRecord) error
	UpdateAnomalyStatus(ctx context.Context, tenantID string, recordID string, status AnomalyStatus, resolvedAt time.Time, resolvedBy string) error
	GetAnomalyRecord(ctx context.Context, tenantID string, recordID string) (*AnomalyRecord, error)
	ListAnomalyRecords(ctx context.Context, tenantID string) ([]*AnomalyRecord, error)

	// Reason rule configuration operations
	SaveReasonRule(ctx context.Context, tenantID string, rule *ReasonRuleConfig) error
	ListReasonRules(ctx context.Context, tenantID string) ([]*ReasonRuleConfig, error)

	// Blocked-employee set mirror
	SaveBlockedSet(ctx context.Context, tenantID string, employeeIDs []string) error
	LoadBlockedSet(ctx context.Context, tenantID string) ([]string, error)

	// Reputation snapshots (audit trail, not the live ledger)
	SaveReputationSnapshot(ctx context.Context, tenantID string, scores map[string]float64) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `yaml:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgresHost"`
	PostgresPort     int    `yaml:"postgresPort"`
	PostgresUser     string `yaml:"postgresUser"`
	PostgresPassword string `yaml:"postgresPassword"`
	PostgresDB       string `yaml:"postgresDb"`
	PostgresSSLMode  string `yaml:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}
