// Package engine owns the anomaly detection pipeline state: the record
// list, the reputation ledger, the dedup set and the blocked-employee
// set. Callers hold one Engine instance per tenant.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openpayroll/shrike/internal/domain"
	"github.com/openpayroll/shrike/internal/features"
	"github.com/openpayroll/shrike/internal/forest"
	"github.com/openpayroll/shrike/internal/reasons"
	"github.com/openpayroll/shrike/internal/reputation"
)

var (
	// ErrScanInProgress is returned when a scan is dispatched while
	// another is still running. Scans never queue.
	ErrScanInProgress = errors.New("a scan is already in progress")

	// ErrNotFound is returned for resolve calls on unknown record ids.
	ErrNotFound = errors.New("anomaly record not found")

	// ErrInvalidResolution is returned for resolutions outside
	// {confirmed, review_dismissed}.
	ErrInvalidResolution = errors.New("resolution must be confirmed or review_dismissed")
)

// Params holds the engine's collaborators. Repo, Cache and Bus are
// optional; the engine degrades to pure in-memory operation without them.
type Params struct {
	TenantID string
	Config   domain.EngineConfig
	Source   domain.DataSource
	Forest   *forest.Forest
	Reasoner *reasons.Engine
	Repo     domain.Repository
	Cache    domain.Cache
	Bus      domain.EventBus
}

// Engine runs scans and owns all mutable detection state.
type Engine struct {
	tenantID string
	cfg      domain.EngineConfig

	source   domain.DataSource
	forest   *forest.Forest
	reasoner *reasons.Engine
	bands    []domain.SeverityBand
	ledger   *reputation.Ledger

	repo  domain.Repository
	cache domain.Cache
	bus   domain.EventBus

	// mu guards everything below. The scan guard is a plain flag, not
	// a long-held lock: a scan holds mu only while touching state.
	mu       sync.Mutex
	scanning bool
	records  []*domain.AnomalyRecord // newest first
	byID     map[string]*domain.AnomalyRecord
	seen     map[string]struct{} // dedup keys that already produced a record
	blocked  map[string]int      // employeeID -> open record count
}

// New creates an engine. Call Train before the first scan.
func New(p Params) *Engine {
	cfg := p.Config
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.55
	}
	if cfg.FetchWorkers <= 0 {
		cfg.FetchWorkers = 8
	}
	return &Engine{
		tenantID: p.TenantID,
		cfg:      cfg,
		source:   p.Source,
		forest:   p.Forest,
		reasoner: p.Reasoner,
		bands:    reasons.DefaultSeverityBands(),
		ledger:   reputation.NewLedger(cfg.DefaultScore),
		repo:     p.Repo,
		cache:    p.Cache,
		bus:      p.Bus,
		byID:     make(map[string]*domain.AnomalyRecord),
		seen:     make(map[string]struct{}),
		blocked:  make(map[string]int),
	}
}

// Train fits the forest on a freshly synthesized reference prior.
// Training is fast and deterministic for a fixed seed; scans are gated
// on completion rather than failing.
func (e *Engine) Train() error {
	seed := e.cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	start := time.Now()
	prior := features.Synthesize(e.cfg.TrainingSize, rng)
	if err := e.forest.Fit(features.Vectors(prior)); err != nil {
		return fmt.Errorf("failed to train model: %w", err)
	}

	slog.Info("model trained",
		"tenant_id", e.tenantID,
		"training_size", len(prior),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// ModelReady reports whether the forest has finished training.
func (e *Engine) ModelReady() bool {
	return e.forest.Fitted()
}

// Scanning reports whether a scan is currently running.
func (e *Engine) Scanning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scanning
}

// Rehydrate restores blocking state after a restart. Persisted anomaly
// records are authoritative: when they load, the record list, dedup set
// and blocked set are all re-derived from them. The independently
// persisted blocked set is only a fallback for when records cannot be
// read, and a missing or corrupt mirror degrades to an empty set.
func (e *Engine) Rehydrate(ctx context.Context) {
	if e.repo == nil {
		return
	}

	recs, err := e.repo.ListAnomalyRecords(ctx, e.tenantID)
	if err == nil {
		e.mu.Lock()
		for _, rec := range recs {
			e.records = append(e.records, rec)
			e.byID[rec.ID] = rec
			if rec.EntryKey != "" {
				e.seen[rec.EntryKey] = struct{}{}
			}
			if rec.Status.IsOpen() {
				e.blocked[rec.EmployeeID]++
			}
		}
		sort.SliceStable(e.records, func(i, j int) bool {
			return e.records[i].DetectedAt.After(e.records[j].DetectedAt)
		})
		blocked := len(e.blocked)
		e.mu.Unlock()

		slog.Info("state rehydrated from records",
			"tenant_id", e.tenantID,
			"records", len(recs),
			"blocked_employees", blocked,
		)
		e.mirrorBlockedSet(ctx)
		return
	}

	slog.Warn("failed to load anomaly records, falling back to persisted blocked set",
		"tenant_id", e.tenantID,
		"error", err,
	)

	ids, err := e.repo.LoadBlockedSet(ctx, e.tenantID)
	if err != nil {
		slog.Warn("failed to load blocked set, starting empty",
			"tenant_id", e.tenantID,
			"error", err,
		)
		return
	}

	e.mu.Lock()
	for _, id := range ids {
		e.blocked[id]++
	}
	e.mu.Unlock()
}

// Scan pulls timecard data from the payroll collaborators, scores every
// eligible entry and escalates fresh outliers. It refuses to overlap
// with itself and with an untrained model. The returned result is
// advisory; the records, reputation and blocked set are the real output.
func (e *Engine) Scan(ctx context.Context) (*domain.ScanResult, error) {
	if !e.forest.Fitted() {
		return nil, forest.ErrModelNotReady
	}

	e.mu.Lock()
	if e.scanning {
		e.mu.Unlock()
		return nil, ErrScanInProgress
	}
	e.scanning = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.scanning = false
		e.mu.Unlock()
	}()

	start := time.Now().UTC()
	result := &domain.ScanResult{
		ScanID:    uuid.New().String(),
		TenantID:  e.tenantID,
		StartedAt: start,
	}

	e.publish(ctx, domain.TopicScanStarted, result)

	batch, employeesSeen, rejected, err := e.collect(ctx)
	if err != nil {
		result.Message = err.Error()
		e.publish(ctx, domain.TopicScanFailed, result)
		return nil, err
	}

	result.EmployeesSeen = employeesSeen
	result.EntriesScanned = len(batch)
	result.EntriesRejected = rejected
	result.DurationMs = time.Since(start).Milliseconds()

	if len(batch) == 0 {
		result.NoData = true
		result.Message = "no completed timecard entries to scan"
		e.publish(ctx, domain.TopicScanCompleted, result)
		return result, nil
	}

	vectors := make([][]float64, len(batch))
	for i, s := range batch {
		vectors[i] = s.feats.Vector()
	}

	outliers, err := e.forest.Detect(vectors, e.cfg.Threshold)
	if err != nil {
		result.Message = err.Error()
		e.publish(ctx, domain.TopicScanFailed, result)
		return nil, err
	}

	newRecords, newlyBlocked, flagged := e.escalate(batch, outliers)

	// Clean entries recover reputation per entry, so sustained good
	// behavior on a busy schedule climbs back faster. Entries that were
	// flagged but suppressed by dedup neither penalize nor recover.
	for i, s := range batch {
		if flagged[i] {
			continue
		}
		e.ledger.Recover(s.emp.ID, e.cfg.CleanRecovery)
	}

	result.NewAnomalies = len(newRecords)
	result.DurationMs = time.Since(start).Milliseconds()
	result.Message = fmt.Sprintf("scan complete: %d entries scored, %d new anomalies", len(batch), len(newRecords))

	e.persistScan(ctx, newRecords, newlyBlocked)
	for _, rec := range newRecords {
		e.publish(ctx, domain.TopicAnomalyDetected, rec)
	}
	e.publish(ctx, domain.TopicScanCompleted, result)

	slog.Info("scan finished",
		"tenant_id", e.tenantID,
		"scan_id", result.ScanID,
		"entries_scanned", result.EntriesScanned,
		"entries_rejected", result.EntriesRejected,
		"new_anomalies", result.NewAnomalies,
		"duration_ms", result.DurationMs,
	)

	return result, nil
}

// scoredEntry ties a timecard entry to its employee and feature vector
// for the lifetime of one scan.
type scoredEntry struct {
	entry *domain.TimeEntry
	emp   *domain.Employee
	feats *domain.AnomalyFeatures
}

// collect fetches collaborator data and extracts features. Employee
// list failures abort the scan; everything else degrades per employee.
func (e *Engine) collect(ctx context.Context) (batch []scoredEntry, employeesSeen, rejected int, err error) {
	employees, err := e.source.Employees(ctx, e.tenantID)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("unable to reach payroll collaborators: %w", err)
	}

	payRuns, err := e.source.PayRuns(ctx, e.tenantID)
	if err != nil {
		slog.Warn("pay run fetch failed, payday features will default", "tenant_id", e.tenantID, "error", err)
		payRuns = nil
	}

	scheduleList, err := e.source.Schedules(ctx, e.tenantID)
	if err != nil {
		slog.Warn("schedule fetch failed, deviation features will default", "tenant_id", e.tenantID, "error", err)
		scheduleList = nil
	}
	schedules := make(map[string]*domain.Schedule, len(scheduleList))
	for _, s := range scheduleList {
		schedules[s.ID] = s
	}

	// Per-employee fetches run concurrently; one employee's failure is
	// swallowed so the scan continues with the rest.
	entriesByEmployee := make([][]*domain.TimeEntry, len(employees))
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.cfg.FetchWorkers)

	for i, emp := range employees {
		wg.Add(1)
		go func(idx int, emp *domain.Employee) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			entries, err := e.source.TimeEntries(ctx, e.tenantID, emp.ID)
			if err != nil {
				slog.Warn("skipping employee, time entry fetch failed",
					"tenant_id", e.tenantID,
					"employee_id", emp.ID,
					"error", err,
				)
				return
			}
			entriesByEmployee[idx] = entries
		}(i, emp)
	}
	wg.Wait()

	for i, emp := range employees {
		for _, entry := range entriesByEmployee[i] {
			if entry.ClockOut == "" {
				continue // still clocked in, not eligible
			}
			feats, ok := features.Extract(entry, emp, payRuns, schedules)
			if !ok {
				rejected++
				continue
			}
			batch = append(batch, scoredEntry{entry: entry, emp: emp, feats: feats})
		}
	}

	return batch, len(employees), rejected, nil
}

// escalate turns fresh outliers into records, applying dedup, action
// selection and the detection-time reputation penalty. It returns the
// new records, the employees that just became blocked, and the set of
// batch indexes that were flagged (including dedup-suppressed ones).
func (e *Engine) escalate(batch []scoredEntry, outliers []forest.Outlier) ([]*domain.AnomalyRecord, []string, map[int]bool) {
	flagged := make(map[int]bool, len(outliers))
	var newRecords []*domain.AnomalyRecord
	var newlyBlocked []string

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, o := range outliers {
		flagged[o.Index] = true

		s := batch[o.Index]
		key := s.entry.DedupKey()
		if _, dup := e.seen[key]; dup {
			continue
		}

		score := round3(o.Score)
		rep := e.ledger.Get(s.emp.ID)

		rec := &domain.AnomalyRecord{
			ID:              uuid.New().String(),
			TenantID:        e.tenantID,
			EmployeeID:      s.emp.ID,
			EmployeeName:    s.emp.Name,
			AnomalyScore:    score,
			Severity:        reasons.SeverityFor(score, e.bands),
			ReputationScore: rep,
			Reasons:         e.reasoner.Evaluate(s.feats, rep, score),
			Features:        *s.feats,
			EntryKey:        key,
			DetectedAt:      time.Now().UTC(),
		}

		// Escalation path is chosen from reputation at detection time:
		// below the cutoff the anomaly routes to automatic mitigation,
		// otherwise to manual review.
		penalty := e.cfg.ReviewPenalty
		if rep < e.cfg.EscalationCutoff {
			rec.Action = domain.ActionRebalance
			rec.Status = domain.StatusRebalanceTriggered
			rec.MitigationRef = "usyc-rebal-" + uuid.New().String()
			penalty = e.cfg.RebalancePenalty
		} else {
			rec.Action = domain.ActionManualReview
			rec.Status = domain.StatusPendingReview
		}
		e.ledger.Penalize(s.emp.ID, penalty)

		e.seen[key] = struct{}{}
		e.records = append([]*domain.AnomalyRecord{rec}, e.records...)
		e.byID[rec.ID] = rec
		if e.blocked[s.emp.ID] == 0 {
			newlyBlocked = append(newlyBlocked, s.emp.ID)
		}
		e.blocked[s.emp.ID]++
		// The caller persists and publishes outside the lock; give it a
		// clone so a racing resolution cannot touch what it encodes.
		newRecords = append(newRecords, rec.Clone())

		slog.Debug("anomaly escalated",
			"tenant_id", e.tenantID,
			"record_id", rec.ID,
			"employee_id", s.emp.ID,
			"score", score,
			"severity", rec.Severity,
			"action", rec.Action,
		)
	}

	return newRecords, newlyBlocked, flagged
}

// Resolve transitions a record to a terminal status. Unknown ids return
// ErrNotFound; resolving an already-terminal record is a no-op that
// returns the record unchanged. Resolution never adjusts reputation.
func (e *Engine) Resolve(ctx context.Context, recordID string, resolution domain.AnomalyStatus, resolvedBy string) (*domain.AnomalyRecord, error) {
	if resolution != domain.StatusConfirmed && resolution != domain.StatusReviewDismissed {
		return nil, ErrInvalidResolution
	}

	e.mu.Lock()
	rec, ok := e.byID[recordID]
	if !ok {
		e.mu.Unlock()
		return nil, ErrNotFound
	}
	if rec.Status.IsTerminal() {
		out := rec.Clone()
		e.mu.Unlock()
		return out, nil
	}

	employeeID := rec.EmployeeID
	rec.Status = resolution
	now := time.Now().UTC()
	rec.ResolvedAt = &now
	rec.ResolvedBy = resolvedBy
	out := rec.Clone()

	e.blocked[employeeID]--
	unblocked := e.blocked[employeeID] <= 0
	if unblocked {
		delete(e.blocked, employeeID)
	}
	e.mu.Unlock()

	if e.repo != nil {
		if err := e.repo.UpdateAnomalyStatus(ctx, e.tenantID, recordID, resolution, now, resolvedBy); err != nil {
			slog.Error("failed to persist resolution",
				"tenant_id", e.tenantID,
				"record_id", recordID,
				"error", err,
			)
		}
	}
	e.mirrorBlockedSet(ctx)

	e.publish(ctx, domain.TopicAnomalyResolved, out)
	if unblocked {
		e.publish(ctx, domain.TopicEmployeeUnblocked, map[string]string{"employeeId": employeeID})
	}

	slog.Info("anomaly resolved",
		"tenant_id", e.tenantID,
		"record_id", recordID,
		"resolution", resolution,
		"resolved_by", resolvedBy,
	)

	return out, nil
}

// IsEmployeeBlocked is the only signal the payroll-withdrawal flow may
// depend on: true while the employee has any open anomaly record.
func (e *Engine) IsEmployeeBlocked(employeeID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.blocked[employeeID] > 0
}

// BlockedEmployees returns the sorted blocked-employee id set.
func (e *Engine) BlockedEmployees() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.blockedLocked()
}

func (e *Engine) blockedLocked() []string {
	ids := make([]string, 0, len(e.blocked))
	for id := range e.blocked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Records returns the anomaly records, newest first. The returned
// records are clones: a later resolution does not show through, and
// callers may encode them without holding any lock.
func (e *Engine) Records() []*domain.AnomalyRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*domain.AnomalyRecord, len(e.records))
	for i, rec := range e.records {
		out[i] = rec.Clone()
	}
	return out
}

// GetRecord returns a clone of one record by id.
func (e *Engine) GetRecord(recordID string) (*domain.AnomalyRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.byID[recordID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Reputation returns a copy of the live trust scores.
func (e *Engine) Reputation() map[string]float64 {
	return e.ledger.Snapshot()
}

// Summary recomputes the display aggregate from current state.
func (e *Engine) Summary() *domain.AnomalySummary {
	e.mu.Lock()
	defer e.mu.Unlock()

	summary := &domain.AnomalySummary{
		Total:      len(e.records),
		BySeverity: make(map[domain.Severity]int),
	}

	for _, rec := range e.records {
		summary.BySeverity[rec.Severity]++
		switch rec.Status {
		case domain.StatusPendingReview:
			summary.PendingReview++
		case domain.StatusRebalanceTriggered:
			summary.RebalanceTriggered++
		}
	}

	if avg, ok := e.ledger.Average(); ok {
		summary.AverageReputation = round3(avg)
	}

	recent := len(e.records)
	if recent > 5 {
		recent = 5
	}
	summary.Recent = make([]*domain.AnomalyRecord, recent)
	for i := 0; i < recent; i++ {
		summary.Recent[i] = e.records[i].Clone()
	}

	return summary
}

// persistScan writes new records, the blocked set mirror and a
// reputation snapshot. All best-effort: persistence failures are logged
// and never fail the scan.
func (e *Engine) persistScan(ctx context.Context, newRecords []*domain.AnomalyRecord, newlyBlocked []string) {
	if e.repo != nil {
		for _, rec := range newRecords {
			if err := e.repo.SaveAnomalyRecord(ctx, e.tenantID, rec); err != nil {
				slog.Error("failed to persist anomaly record",
					"tenant_id", e.tenantID,
					"record_id", rec.ID,
					"error", err,
				)
			}
		}
		if err := e.repo.SaveReputationSnapshot(ctx, e.tenantID, e.ledger.Snapshot()); err != nil {
			slog.Error("failed to persist reputation snapshot", "tenant_id", e.tenantID, "error", err)
		}
	}
	for _, employeeID := range newlyBlocked {
		e.publish(ctx, domain.TopicEmployeeBlocked, map[string]string{"employeeId": employeeID})
	}
	e.mirrorBlockedSet(ctx)
}

// mirrorBlockedSet pushes the derived blocked set to durable storage
// and the cache so a restart or a hot read path never sees stale state.
func (e *Engine) mirrorBlockedSet(ctx context.Context) {
	e.mu.Lock()
	ids := e.blockedLocked()
	e.mu.Unlock()

	if e.repo != nil {
		if err := e.repo.SaveBlockedSet(ctx, e.tenantID, ids); err != nil {
			slog.Error("failed to persist blocked set", "tenant_id", e.tenantID, "error", err)
		}
	}
	if e.cache != nil {
		if err := e.cache.SetBlockedSet(ctx, e.tenantID, ids, 0); err != nil {
			slog.Warn("failed to mirror blocked set to cache", "tenant_id", e.tenantID, "error", err)
		}
	}
}

func (e *Engine) publish(ctx context.Context, topic string, payload any) {
	if e.bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, e.tenantID, topic, data); err != nil {
		slog.Warn("failed to publish event", "tenant_id", e.tenantID, "topic", topic, "error", err)
	}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
