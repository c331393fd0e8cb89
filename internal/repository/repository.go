// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openpayroll/shrike/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveAnomalyRecord stores an anomaly record with tenant isolation.
func (r *SQLRepository) SaveAnomalyRecord(ctx context.Context, tenantID string, rec *domain.AnomalyRecord) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	reasons, _ := json.Marshal(rec.Reasons)
	features, _ := json.Marshal(rec.Features)

	query := `
		INSERT INTO anomaly_records (
			id, tenant_id, employee_id, employee_name, anomaly_score,
			severity, status, action, reputation_score, reasons, features,
			entry_key, mitigation_ref, detected_at, resolved_at, resolved_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, tenantID, rec.EmployeeID, rec.EmployeeName, rec.AnomalyScore,
		string(rec.Severity), string(rec.Status), string(rec.Action),
		rec.ReputationScore, string(reasons), string(features),
		rec.EntryKey, rec.MitigationRef, rec.DetectedAt,
		rec.ResolvedAt, rec.ResolvedBy,
	)
	return err
}

// UpdateAnomalyStatus transitions a record to a terminal status.
func (r *SQLRepository) UpdateAnomalyStatus(ctx context.Context, tenantID string, recordID string, status domain.AnomalyStatus, resolvedAt time.Time, resolvedBy string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE anomaly_records
		SET status = ?, resolved_at = ?, resolved_by = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		string(status), resolvedAt, resolvedBy, tenantID, recordID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// GetAnomalyRecord retrieves a record by ID with tenant isolation.
func (r *SQLRepository) GetAnomalyRecord(ctx context.Context, tenantID string, recordID string) (*domain.AnomalyRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, employee_id, employee_name, anomaly_score,
			   severity, status, action, reputation_score, reasons, features,
			   entry_key, mitigation_ref, detected_at, resolved_at, resolved_by
		FROM anomaly_records
		WHERE tenant_id = ? AND id = ?
	`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, recordID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListAnomalyRecords retrieves all records for a tenant, newest first.
func (r *SQLRepository) ListAnomalyRecords(ctx context.Context, tenantID string) ([]*domain.AnomalyRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, employee_id, employee_name, anomaly_score,
			   severity, status, action, reputation_score, reasons, features,
			   entry_key, mitigation_ref, detected_at, resolved_at, resolved_by
		FROM anomaly_records
		WHERE tenant_id = ?
		ORDER BY detected_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.AnomalyRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*domain.AnomalyRecord, error) {
	var rec domain.AnomalyRecord
	var severity, status, action string
	var reasons, features string
	var mitigationRef, resolvedBy sql.NullString
	var resolvedAt sql.NullTime

	if err := row.Scan(
		&rec.ID, &rec.TenantID, &rec.EmployeeID, &rec.EmployeeName, &rec.AnomalyScore,
		&severity, &status, &action, &rec.ReputationScore, &reasons, &features,
		&rec.EntryKey, &mitigationRef, &rec.DetectedAt, &resolvedAt, &resolvedBy,
	); err != nil {
		return nil, err
	}

	rec.Severity = domain.Severity(severity)
	rec.Status = domain.AnomalyStatus(status)
	rec.Action = domain.EscalationAction(action)
	rec.MitigationRef = mitigationRef.String
	rec.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		rec.ResolvedAt = &t
	}

	json.Unmarshal([]byte(reasons), &rec.Reasons)
	json.Unmarshal([]byte(features), &rec.Features)

	return &rec, nil
}

// SaveReasonRule stores a reason rule with tenant isolation.
func (r *SQLRepository) SaveReasonRule(ctx context.Context, tenantID string, rule *domain.ReasonRuleConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO reason_rules (
			id, tenant_id, name, description, sort_order, expression, reason, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			sort_order = excluded.sort_order,
			expression = excluded.expression,
			reason = excluded.reason,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		rule.Order, rule.Expression, rule.Reason, enabled,
		now, now,
	)
	return err
}

// ListReasonRules retrieves all reason rules for a tenant ordered for
// evaluation. Disabled rules are included; the reason engine filters.
func (r *SQLRepository) ListReasonRules(ctx context.Context, tenantID string) ([]*domain.ReasonRuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, sort_order, expression, reason, enabled
		FROM reason_rules
		WHERE tenant_id = ?
		ORDER BY sort_order, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.ReasonRuleConfig
	for rows.Next() {
		var rule domain.ReasonRuleConfig
		var description sql.NullString
		var enabled int

		if err := rows.Scan(
			&rule.ID, &rule.TenantID, &rule.Name, &description,
			&rule.Order, &rule.Expression, &rule.Reason, &enabled,
		); err != nil {
			return nil, err
		}

		rule.Description = description.String
		rule.Enabled = enabled == 1
		rules = append(rules, &rule)
	}

	return rules, rows.Err()
}

// SaveBlockedSet replaces the persisted blocked-employee mirror for a
// tenant with the given set.
func (r *SQLRepository) SaveBlockedSet(ctx context.Context, tenantID string, employeeIDs []string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		r.rebind(`DELETE FROM blocked_employees WHERE tenant_id = ?`), tenantID); err != nil {
		return err
	}

	now := time.Now().UTC()
	insert := r.rebind(`INSERT INTO blocked_employees (tenant_id, employee_id, blocked_at) VALUES (?, ?, ?)`)
	for _, id := range employeeIDs {
		if _, err := tx.ExecContext(ctx, insert, tenantID, id, now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// LoadBlockedSet retrieves the persisted blocked-employee mirror.
func (r *SQLRepository) LoadBlockedSet(ctx context.Context, tenantID string) ([]string, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT employee_id FROM blocked_employees
		WHERE tenant_id = ?
		ORDER BY employee_id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// SaveReputationSnapshot appends a point-in-time copy of the ledger.
func (r *SQLRepository) SaveReputationSnapshot(ctx context.Context, tenantID string, scores map[string]float64) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	payload, err := json.Marshal(scores)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO reputation_snapshots (id, tenant_id, scores, taken_at)
		VALUES (?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		uuid.NewString(), tenantID, string(payload), time.Now().UTC())
	return err
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
