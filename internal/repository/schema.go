package repository

// Schema definitions for Shrike's audit store.
// Compatible with both SQLite and PostgreSQL.

const schemaAnomalyRecords = `
CREATE TABLE IF NOT EXISTS anomaly_records (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    employee_id TEXT NOT NULL,
    employee_name TEXT NOT NULL,
    anomaly_score REAL NOT NULL,
    severity TEXT NOT NULL,
    status TEXT NOT NULL,
    action TEXT NOT NULL,
    reputation_score REAL NOT NULL,
    reasons TEXT NOT NULL,
    features TEXT NOT NULL,
    entry_key TEXT NOT NULL,
    mitigation_ref TEXT,
    detected_at TIMESTAMP NOT NULL,
    resolved_at TIMESTAMP,
    resolved_by TEXT
);

CREATE INDEX IF NOT EXISTS idx_anomaly_records_tenant ON anomaly_records(tenant_id);
CREATE INDEX IF NOT EXISTS idx_anomaly_records_employee ON anomaly_records(tenant_id, employee_id);
CREATE INDEX IF NOT EXISTS idx_anomaly_records_status ON anomaly_records(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_anomaly_records_detected ON anomaly_records(tenant_id, detected_at);
`

const schemaReasonRules = `
CREATE TABLE IF NOT EXISTS reason_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    sort_order INTEGER NOT NULL DEFAULT 0,
    expression TEXT NOT NULL,
    reason TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_reason_rules_tenant ON reason_rules(tenant_id);
CREATE INDEX IF NOT EXISTS idx_reason_rules_enabled ON reason_rules(tenant_id, enabled);
`

// schemaBlockedEmployees mirrors the engine's derived blocked set so a
// restart does not silently unblock a flagged employee.
const schemaBlockedEmployees = `
CREATE TABLE IF NOT EXISTS blocked_employees (
    tenant_id TEXT NOT NULL,
    employee_id TEXT NOT NULL,
    blocked_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, employee_id)
);
`

const schemaReputationSnapshots = `
CREATE TABLE IF NOT EXISTS reputation_snapshots (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    scores TEXT NOT NULL,
    taken_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reputation_snapshots_tenant ON reputation_snapshots(tenant_id, taken_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaAnomalyRecords,
		schemaReasonRules,
		schemaBlockedEmployees,
		schemaReputationSnapshots,
	}
}
