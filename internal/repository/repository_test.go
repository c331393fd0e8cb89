package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/openpayroll/shrike/internal/domain"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "shrike-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	return repo
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetAnomalyRecord", func(t *testing.T) {
		rec := &domain.AnomalyRecord{
			ID:              "anomaly-001",
			EmployeeID:      "emp-001",
			EmployeeName:    "Ada Okafor",
			AnomalyScore:    0.712,
			Severity:        domain.SeverityHigh,
			Status:          domain.StatusPendingReview,
			Action:          domain.ActionManualReview,
			ReputationScore: 75,
			Reasons:         []string{"excessive shift duration"},
			Features:        domain.AnomalyFeatures{DurationHours: 14.5, ClockInHour: 3},
			EntryKey:        "emp-001|2026-03-02|03:00|17:30",
			DetectedAt:      time.Now().UTC(),
		}

		if err := repo.SaveAnomalyRecord(ctx, tenantID, rec); err != nil {
			t.Fatalf("SaveAnomalyRecord failed: %v", err)
		}

		retrieved, err := repo.GetAnomalyRecord(ctx, tenantID, rec.ID)
		if err != nil {
			t.Fatalf("GetAnomalyRecord failed: %v", err)
		}

		if retrieved.ID != rec.ID {
			t.Errorf("expected ID %s, got %s", rec.ID, retrieved.ID)
		}
		if retrieved.AnomalyScore != rec.AnomalyScore {
			t.Errorf("expected score %.3f, got %.3f", rec.AnomalyScore, retrieved.AnomalyScore)
		}
		if retrieved.Status != domain.StatusPendingReview {
			t.Errorf("expected status %s, got %s", domain.StatusPendingReview, retrieved.Status)
		}
		if retrieved.TenantID != tenantID {
			t.Errorf("expected TenantID %s, got %s", tenantID, retrieved.TenantID)
		}
		if len(retrieved.Reasons) != 1 || retrieved.Reasons[0] != "excessive shift duration" {
			t.Errorf("reasons did not round-trip: %v", retrieved.Reasons)
		}
		if retrieved.Features.DurationHours != 14.5 {
			t.Errorf("features did not round-trip: %+v", retrieved.Features)
		}
		if retrieved.ResolvedAt != nil {
			t.Errorf("expected nil ResolvedAt for open record, got %v", retrieved.ResolvedAt)
		}
	})

	t.Run("UpdateAnomalyStatus", func(t *testing.T) {
		resolvedAt := time.Now().UTC()
		err := repo.UpdateAnomalyStatus(ctx, tenantID, "anomaly-001",
			domain.StatusReviewDismissed, resolvedAt, "ceo")
		if err != nil {
			t.Fatalf("UpdateAnomalyStatus failed: %v", err)
		}

		retrieved, err := repo.GetAnomalyRecord(ctx, tenantID, "anomaly-001")
		if err != nil {
			t.Fatalf("GetAnomalyRecord failed: %v", err)
		}
		if retrieved.Status != domain.StatusReviewDismissed {
			t.Errorf("expected status %s, got %s", domain.StatusReviewDismissed, retrieved.Status)
		}
		if retrieved.ResolvedAt == nil {
			t.Error("expected ResolvedAt to be set")
		}
		if retrieved.ResolvedBy != "ceo" {
			t.Errorf("expected ResolvedBy ceo, got %s", retrieved.ResolvedBy)
		}

		err = repo.UpdateAnomalyStatus(ctx, tenantID, "nonexistent",
			domain.StatusConfirmed, resolvedAt, "ceo")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound for unknown record, got: %v", err)
		}
	})

	t.Run("ListAnomalyRecordsNewestFirst", func(t *testing.T) {
		older := &domain.AnomalyRecord{
			ID:         "anomaly-000",
			EmployeeID: "emp-002",
			Severity:   domain.SeverityLow,
			Status:     domain.StatusPendingReview,
			Action:     domain.ActionManualReview,
			EntryKey:   "emp-002|2026-03-01|09:00|17:00",
			DetectedAt: time.Now().UTC().Add(-time.Hour),
		}
		if err := repo.SaveAnomalyRecord(ctx, tenantID, older); err != nil {
			t.Fatalf("SaveAnomalyRecord failed: %v", err)
		}

		records, err := repo.ListAnomalyRecords(ctx, tenantID)
		if err != nil {
			t.Fatalf("ListAnomalyRecords failed: %v", err)
		}
		if len(records) != 2 {
			t.Fatalf("expected 2 records, got %d", len(records))
		}
		if records[0].ID != "anomaly-001" {
			t.Errorf("expected newest record first, got %s", records[0].ID)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		_, err := repo.GetAnomalyRecord(ctx, "tenant-002", "anomaly-001")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound for different tenant, got: %v", err)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		err := repo.SaveAnomalyRecord(ctx, "", &domain.AnomalyRecord{ID: "x"})
		if err == nil {
			t.Error("expected error for empty tenantID")
		}

		_, err = repo.GetAnomalyRecord(ctx, "", "anomaly-001")
		if err == nil {
			t.Error("expected error for empty tenantID")
		}
	})

	t.Run("ReasonRules", func(t *testing.T) {
		rule := &domain.ReasonRuleConfig{
			ID:         "long-shift",
			Name:       "Long shift",
			Order:      10,
			Expression: "duration_hours > 12.0",
			Reason:     "excessive shift duration",
			Enabled:    true,
		}
		if err := repo.SaveReasonRule(ctx, tenantID, rule); err != nil {
			t.Fatalf("SaveReasonRule failed: %v", err)
		}

		// Upsert on same ID
		rule.Expression = "duration_hours > 13.0"
		if err := repo.SaveReasonRule(ctx, tenantID, rule); err != nil {
			t.Fatalf("SaveReasonRule upsert failed: %v", err)
		}

		rules, err := repo.ListReasonRules(ctx, tenantID)
		if err != nil {
			t.Fatalf("ListReasonRules failed: %v", err)
		}
		if len(rules) != 1 {
			t.Fatalf("expected 1 rule after upsert, got %d", len(rules))
		}
		if rules[0].Expression != "duration_hours > 13.0" {
			t.Errorf("upsert did not replace expression: %s", rules[0].Expression)
		}
	})

	t.Run("BlockedSet", func(t *testing.T) {
		if err := repo.SaveBlockedSet(ctx, tenantID, []string{"emp-003", "emp-001"}); err != nil {
			t.Fatalf("SaveBlockedSet failed: %v", err)
		}

		ids, err := repo.LoadBlockedSet(ctx, tenantID)
		if err != nil {
			t.Fatalf("LoadBlockedSet failed: %v", err)
		}
		if len(ids) != 2 || ids[0] != "emp-001" || ids[1] != "emp-003" {
			t.Errorf("unexpected blocked set: %v", ids)
		}

		// Save replaces, not appends
		if err := repo.SaveBlockedSet(ctx, tenantID, []string{"emp-003"}); err != nil {
			t.Fatalf("SaveBlockedSet failed: %v", err)
		}
		ids, err = repo.LoadBlockedSet(ctx, tenantID)
		if err != nil {
			t.Fatalf("LoadBlockedSet failed: %v", err)
		}
		if len(ids) != 1 || ids[0] != "emp-003" {
			t.Errorf("expected replaced set [emp-003], got %v", ids)
		}
	})

	t.Run("ReputationSnapshot", func(t *testing.T) {
		scores := map[string]float64{"emp-001": 67.0, "emp-002": 75.5}
		if err := repo.SaveReputationSnapshot(ctx, tenantID, scores); err != nil {
			t.Errorf("SaveReputationSnapshot failed: %v", err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := repo.GetAnomalyRecord(ctx, tenantID, "nonexistent")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
