//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Shrike timecard
// anomaly detection engine.
//
// These tests verify the COMPLETE scan pipeline:
//
//	Payroll DB → Features → Isolation Forest → Reasons → Escalation → Blocking
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// UNDERSTANDING THE DOMAIN:
//
// 1. TIMECARD ENTRY: One clock-in/clock-out pair for an employee. Only
//    completed entries (non-empty clock-out) are scored.
//
// 2. ISOLATION FOREST: An unsupervised outlier model trained on a
//    synthetic prior of plausible work patterns (clock-ins 07:00-10:00,
//    shifts 6-9.5h, weekday bias). Entries scoring above 0.55 are
//    flagged.
//
// 3. REASONS: CEL rules turn a flagged feature vector into
//    human-readable justifications ("excessive shift duration", ...).
//    The fallback "statistical outlier" guarantees a non-empty list.
//
// 4. ESCALATION: Routing depends on the employee's reputation at
//    detection time. Reputation >= 40 → ceo_manual_review with status
//    pending_review; below 40 → usyc_rebalance with status
//    rebalance_triggered and a mitigation reference.
//
// 5. BLOCKING: An employee with any open anomaly record is blocked.
//    The blocked set is persisted and mirrored to the cache so the
//    payroll withdrawal path can veto without touching the engine.
//
// The whole stack runs in-process: SQLite for both the payroll source
// and the Shrike repository, the in-memory LRU cache, the channel event
// bus, and the real HTTP router behind httptest.
package integration

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openpayroll/shrike/internal/api"
	"github.com/openpayroll/shrike/internal/bus"
	"github.com/openpayroll/shrike/internal/cache"
	"github.com/openpayroll/shrike/internal/domain"
	"github.com/openpayroll/shrike/internal/engine"
	"github.com/openpayroll/shrike/internal/forest"
	"github.com/openpayroll/shrike/internal/reasons"
	"github.com/openpayroll/shrike/internal/repository"
	"github.com/openpayroll/shrike/internal/source"
)

const testTenant = "tenant-001"

// payrollSchema mirrors the payroll application's tables that Shrike
// reads from.
const payrollSchema = `
CREATE TABLE employees (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	name        TEXT NOT NULL,
	pay_type    TEXT NOT NULL,
	rate        REAL NOT NULL,
	schedule_id TEXT
);
CREATE TABLE time_entries (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	employee_id TEXT NOT NULL,
	date        TEXT NOT NULL,
	clock_in    TEXT NOT NULL,
	clock_out   TEXT
);
CREATE TABLE pay_runs (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	period_start TIMESTAMP NOT NULL,
	period_end   TIMESTAMP NOT NULL,
	status       TEXT NOT NULL
);
CREATE TABLE schedules (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	hours_per_day REAL NOT NULL,
	working_days  TEXT NOT NULL,
	start_time    TEXT NOT NULL
);
`

// stack is the fully wired application under test.
type stack struct {
	server   *httptest.Server
	engine   *engine.Engine
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	repoPath string
}

func tempDB(t *testing.T, pattern string) string {
	t.Helper()
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f.Name()
}

// seedPayrollDB creates the payroll schema with three normal weekday
// shifts for emp-clean and one extreme entry for emp-sus: a 15.5 hour
// Saturday shift starting at 02:00. Both employees work the 09:00 day
// schedule.
func seedPayrollDB(t *testing.T) string {
	t.Helper()
	path := tempDB(t, "shrike-payroll-*.db")

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		t.Fatalf("failed to open payroll db: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(payrollSchema); err != nil {
		t.Fatalf("failed to create payroll schema: %v", err)
	}

	stmts := []struct {
		query string
		args  []any
	}{
		{`INSERT INTO schedules VALUES (?, ?, ?, ?, ?)`,
			[]any{"sch-day", testTenant, 8.0, "[1,2,3,4,5]", "09:00"}},
		{`INSERT INTO employees VALUES (?, ?, ?, ?, ?, ?)`,
			[]any{"emp-clean", testTenant, "Priya Shah", "hourly", 25.0, "sch-day"}},
		{`INSERT INTO employees VALUES (?, ?, ?, ?, ?, ?)`,
			[]any{"emp-sus", testTenant, "Marcus Webb", "hourly", 25.0, "sch-day"}},
		{`INSERT INTO time_entries VALUES (?, ?, ?, ?, ?, ?)`,
			[]any{"t1", testTenant, "emp-clean", "2025-06-02", "09:00", "17:00"}},
		{`INSERT INTO time_entries VALUES (?, ?, ?, ?, ?, ?)`,
			[]any{"t2", testTenant, "emp-clean", "2025-06-03", "08:30", "16:30"}},
		{`INSERT INTO time_entries VALUES (?, ?, ?, ?, ?, ?)`,
			[]any{"t3", testTenant, "emp-clean", "2025-06-04", "09:15", "17:15"}},
		{`INSERT INTO time_entries VALUES (?, ?, ?, ?, ?, ?)`,
			[]any{"t4", testTenant, "emp-sus", "2025-06-07", "02:00", "17:30"}},
		{`INSERT INTO pay_runs VALUES (?, ?, ?, ?, ?)`,
			[]any{"pr1", testTenant,
				time.Date(2025, 5, 19, 0, 0, 0, 0, time.UTC),
				time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), "completed"}},
	}
	for _, s := range stmts {
		if _, err := db.Exec(s.query, s.args...); err != nil {
			t.Fatalf("failed to seed payroll db: %v", err)
		}
	}

	return path
}

// newStack wires the complete application over a seeded payroll
// database. An empty repoPath creates a fresh repository; passing an
// existing one simulates a restart against persisted state.
func newStack(t *testing.T, payrollPath, repoPath string) *stack {
	t.Helper()

	if repoPath == "" {
		repoPath = tempDB(t, "shrike-repo-*.db")
	}

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: repoPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	src, err := source.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: payrollPath,
	})
	if err != nil {
		t.Fatalf("failed to open payroll source: %v", err)
	}
	t.Cleanup(func() { src.Close() })

	cacheImpl, err := cache.New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	t.Cleanup(func() { cacheImpl.Close() })

	busImpl, err := bus.New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 100})
	if err != nil {
		t.Fatalf("failed to create event bus: %v", err)
	}
	t.Cleanup(func() { busImpl.Close() })

	reasoner, err := reasons.NewEngine()
	if err != nil {
		t.Fatalf("failed to create reason engine: %v", err)
	}
	if err := reasoner.LoadRules(reasons.BuiltinRules()); err != nil {
		t.Fatalf("failed to load builtin rules: %v", err)
	}
	t.Cleanup(func() { reasoner.Close() })

	cfg := domain.DefaultEngineConfig()
	cfg.Seed = 42

	eng := engine.New(engine.Params{
		TenantID: testTenant,
		Config:   cfg,
		Source:   src,
		Forest: forest.New(forest.Config{
			Trees:     cfg.TreeCount,
			Subsample: cfg.SubsampleSize,
			Seed:      cfg.Seed,
		}),
		Reasoner: reasoner,
		Repo:     repo,
		Cache:    cacheImpl,
		Bus:      busImpl,
	})
	if err := eng.Train(); err != nil {
		t.Fatalf("failed to train model: %v", err)
	}
	eng.Rehydrate(context.Background())

	serverCfg := domain.ServerConfig{Host: "localhost", Port: 0, ReadTimeout: 30, WriteTimeout: 30}
	srv := api.NewServer(serverCfg, eng, nil, reasoner, repo, cacheImpl, busImpl, "integration-test")

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &stack{
		server:   ts,
		engine:   eng,
		repo:     repo,
		cache:    cacheImpl,
		bus:      busImpl,
		repoPath: repoPath,
	}
}

func (s *stack) request(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", testTenant)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return resp.StatusCode, respBody
}

func TestScanPipeline(t *testing.T) {
	/*
	   SCENARIO: Full detection pipeline over a seeded payroll database.

	   emp-clean has three ordinary 8-hour weekday shifts; emp-sus has a
	   single 15.5 hour Saturday shift starting at 02:00 — far outside
	   the synthetic prior on three dimensions at once.

	   EXPECTED BEHAVIOR:
	   - POST /scan flags the extreme entry and leaves the clean ones
	   - emp-sus routes to ceo_manual_review (default reputation 75)
	   - emp-sus is blocked; the blocked set reaches repo and cache
	   - anomaly.detected and employee.blocked events fire on the bus
	*/
	st := newStack(t, seedPayrollDB(t), "")
	ctx := context.Background()

	detected := make(chan *domain.Message, 10)
	sub, err := st.bus.Subscribe(ctx, testTenant, domain.TopicAnomalyDetected,
		func(ctx context.Context, msg *domain.Message) error {
			detected <- msg
			return nil
		})
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	blocked := make(chan *domain.Message, 10)
	bsub, err := st.bus.Subscribe(ctx, testTenant, domain.TopicEmployeeBlocked,
		func(ctx context.Context, msg *domain.Message) error {
			blocked <- msg
			return nil
		})
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}
	defer bsub.Unsubscribe()

	// Trigger the scan over HTTP
	status, body := st.request(t, http.MethodPost, "/scan", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200 from /scan, got %d: %s", status, body)
	}

	var result domain.ScanResult
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("failed to parse scan result: %v", err)
	}
	if result.EntriesScanned != 4 {
		t.Errorf("expected 4 entries scanned, got %d", result.EntriesScanned)
	}
	if result.NewAnomalies < 1 {
		t.Fatal("expected the extreme entry to be flagged")
	}

	// The anomaly record is visible over the API
	status, body = st.request(t, http.MethodGet, "/anomalies", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200 from /anomalies, got %d", status)
	}
	var listResp struct {
		Records []*domain.AnomalyRecord `json:"records"`
		Count   int                     `json:"count"`
	}
	if err := json.Unmarshal(body, &listResp); err != nil {
		t.Fatalf("failed to parse anomaly list: %v", err)
	}
	if listResp.Count < 1 {
		t.Fatal("expected at least one anomaly record")
	}

	var susRec *domain.AnomalyRecord
	for _, rec := range listResp.Records {
		if rec.EmployeeID == "emp-sus" {
			susRec = rec
		}
	}
	if susRec == nil {
		t.Fatal("expected an anomaly record for emp-sus")
	}
	if susRec.Action != domain.ActionManualReview {
		t.Errorf("expected ceo_manual_review at default reputation, got %s", susRec.Action)
	}
	if susRec.Status != domain.StatusPendingReview {
		t.Errorf("expected pending_review, got %s", susRec.Status)
	}
	if len(susRec.Reasons) == 0 {
		t.Error("expected reasons on the record")
	}

	// Blocking is visible over the API
	status, body = st.request(t, http.MethodGet, "/employees/emp-sus/blocked", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200 from blocked check, got %d", status)
	}
	var blockResp struct {
		Blocked bool `json:"blocked"`
	}
	json.Unmarshal(body, &blockResp)
	if !blockResp.Blocked {
		t.Error("expected emp-sus blocked")
	}

	// ... persisted to the repository ...
	recs, err := st.repo.ListAnomalyRecords(ctx, testTenant)
	if err != nil {
		t.Fatalf("failed to list persisted records: %v", err)
	}
	if len(recs) != listResp.Count {
		t.Errorf("expected %d persisted records, got %d", listResp.Count, len(recs))
	}

	// ... and mirrored to the cache
	ids, err := st.cache.GetBlockedSet(ctx, testTenant)
	if err != nil {
		t.Fatalf("failed to read cached blocked set: %v", err)
	}
	found := false
	for _, id := range ids {
		if id == "emp-sus" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected emp-sus in cached blocked set, got %v", ids)
	}

	// Events arrived on the bus
	select {
	case <-detected:
	case <-time.After(2 * time.Second):
		t.Error("no anomaly.detected event within 2s")
	}
	select {
	case <-blocked:
	case <-time.After(2 * time.Second):
		t.Error("no employee.blocked event within 2s")
	}

	t.Logf("✓ scan flagged %d anomalies, emp-sus blocked", result.NewAnomalies)
}

func TestResolveUnblocks(t *testing.T) {
	/*
	   SCENARIO: The CEO dismisses the flagged entry after review.

	   EXPECTED BEHAVIOR:
	   - POST /anomalies/{id}/resolve with review_dismissed succeeds
	   - The employee unblocks (their only open record closed)
	   - The resolution is persisted
	*/
	st := newStack(t, seedPayrollDB(t), "")
	ctx := context.Background()

	if status, body := st.request(t, http.MethodPost, "/scan", nil); status != http.StatusOK {
		t.Fatalf("scan failed: %d %s", status, body)
	}

	var recID string
	for _, rec := range st.engine.Records() {
		if rec.EmployeeID == "emp-sus" {
			recID = rec.ID
		}
	}
	if recID == "" {
		t.Fatal("expected a record for emp-sus")
	}

	status, body := st.request(t, http.MethodPost, "/anomalies/"+recID+"/resolve",
		map[string]string{"resolution": "review_dismissed", "resolvedBy": "ceo"})
	if status != http.StatusOK {
		t.Fatalf("expected 200 from resolve, got %d: %s", status, body)
	}

	if st.engine.IsEmployeeBlocked("emp-sus") {
		t.Error("expected emp-sus unblocked after dismissal")
	}

	persisted, err := st.repo.GetAnomalyRecord(ctx, testTenant, recID)
	if err != nil {
		t.Fatalf("failed to load persisted record: %v", err)
	}
	if persisted.Status != domain.StatusReviewDismissed {
		t.Errorf("expected persisted review_dismissed, got %s", persisted.Status)
	}
	if persisted.ResolvedBy != "ceo" {
		t.Errorf("expected persisted resolver ceo, got %q", persisted.ResolvedBy)
	}

	t.Logf("✓ resolution persisted and emp-sus unblocked")
}

func TestRescanDeduplicates(t *testing.T) {
	/*
	   SCENARIO: The scheduler fires again over unchanged payroll data.

	   EXPECTED BEHAVIOR: The same physical entry is flagged at most
	   once; the second scan reports zero new anomalies.
	*/
	st := newStack(t, seedPayrollDB(t), "")

	if status, _ := st.request(t, http.MethodPost, "/scan", nil); status != http.StatusOK {
		t.Fatalf("first scan failed: %d", status)
	}

	status, body := st.request(t, http.MethodPost, "/scan", nil)
	if status != http.StatusOK {
		t.Fatalf("second scan failed: %d", status)
	}
	var result domain.ScanResult
	json.Unmarshal(body, &result)
	if result.NewAnomalies != 0 {
		t.Errorf("expected 0 new anomalies on rescan, got %d", result.NewAnomalies)
	}

	t.Logf("✓ rescan produced no duplicate records")
}

func TestRestartKeepsBlocking(t *testing.T) {
	/*
	   SCENARIO: The process restarts after a scan found anomalies.

	   EXPECTED BEHAVIOR:
	   - A fresh stack over the same repository rehydrates records,
	     dedup state and the blocked set
	   - The employee stays blocked across the restart
	   - Rescanning does not double-flag
	*/
	payroll := seedPayrollDB(t)

	first := newStack(t, payroll, "")
	if status, _ := first.request(t, http.MethodPost, "/scan", nil); status != http.StatusOK {
		t.Fatal("scan failed")
	}
	recordCount := len(first.engine.Records())
	first.server.Close()

	// Same repository path, fresh everything else
	second := newStack(t, payroll, first.repoPath)

	if len(second.engine.Records()) != recordCount {
		t.Errorf("expected %d rehydrated records, got %d", recordCount, len(second.engine.Records()))
	}

	status, body := second.request(t, http.MethodGet, "/employees/emp-sus/blocked", nil)
	if status != http.StatusOK {
		t.Fatalf("blocked check failed: %d", status)
	}
	var blockResp struct {
		Blocked bool `json:"blocked"`
	}
	json.Unmarshal(body, &blockResp)
	if !blockResp.Blocked {
		t.Error("expected emp-sus to stay blocked across restart")
	}

	status, body = second.request(t, http.MethodPost, "/scan", nil)
	if status != http.StatusOK {
		t.Fatalf("rescan failed: %d", status)
	}
	var result domain.ScanResult
	json.Unmarshal(body, &result)
	if result.NewAnomalies != 0 {
		t.Errorf("expected 0 new anomalies after restart, got %d", result.NewAnomalies)
	}

	t.Logf("✓ blocking and dedup survived the restart")
}

func TestRuleLifecycle(t *testing.T) {
	/*
	   SCENARIO: An operator adds a custom reason rule and hot-reloads.

	   EXPECTED BEHAVIOR:
	   - POST /rules validates the CEL expression and stores the rule
	   - POST /rules/reload merges builtins with stored rules
	   - The new rule shows up in GET /rules
	*/
	st := newStack(t, seedPayrollDB(t), "")

	status, body := st.request(t, http.MethodPost, "/rules", map[string]any{
		"id":         "night-owl",
		"name":       "Night owl",
		"order":      90,
		"expression": "clock_in_hour >= 23.0",
		"reason":     "clock-in close to midnight",
		"enabled":    true,
	})
	if status != http.StatusCreated {
		t.Fatalf("expected 201 from rule create, got %d: %s", status, body)
	}

	status, body = st.request(t, http.MethodPost, "/rules/reload", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200 from reload, got %d: %s", status, body)
	}

	status, body = st.request(t, http.MethodGet, "/rules", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200 from rule list, got %d", status)
	}
	var listResp struct {
		Count int `json:"count"`
	}
	json.Unmarshal(body, &listResp)
	if want := len(reasons.BuiltinRules()) + 1; listResp.Count != want {
		t.Errorf("expected %d rules after reload, got %d", want, listResp.Count)
	}

	status, body = st.request(t, http.MethodGet, "/rules/night-owl", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200 for the new rule, got %d", status)
	}
	var rule domain.ReasonRuleConfig
	json.Unmarshal(body, &rule)
	if rule.Reason != "clock-in close to midnight" {
		t.Errorf("unexpected rule reason %q", rule.Reason)
	}

	t.Logf("✓ custom rule created, reloaded and served")
}
