package domain

import (
	"math"
	"time"
)

// AnomalyFeatures is the fixed-shape numeric vector extracted from one
// timecard entry. Recomputed fresh every scan, never persisted.
type AnomalyFeatures struct {
	ClockInHour       float64 `json:"clockInHour"`
	ClockOutHour      float64 `json:"clockOutHour"`
	DurationHours     float64 `json:"durationHours"`
	DaysSincePayDay   int     `json:"daysSincePayDay"`
	DaysUntilPayDay   int     `json:"daysUntilPayDay"`
	OccupationType    int     `json:"occupationType"` // 0=salaried, 1=daily-rate, 2=hourly
	RateCents         int64   `json:"rateCents"`
	DayOfWeek         int     `json:"dayOfWeek"` // 0=Sunday .. 6=Saturday
	ScheduleDeviation float64 `json:"scheduleDeviation"`
	IsWeekend         bool    `json:"isWeekend"`
}

// Vector returns the dimensions the forest scores. The order is part of
// the model contract: a forest trained on vectors produced here must
// only score vectors produced here.
//
// Only the features where fraudulent timecards separate from the
// training prior are scored: clock-in hour, shift duration, and
// schedule deviation, the last both signed and as a magnitude. The
// bookkeeping features (rate, payday distances, weekday index, pay
// type) feed the reason rules but are near-constant or uniform under
// the prior and would only dilute the partition depth of a true
// outlier.
func (f *AnomalyFeatures) Vector() []float64 {
	return []float64{
		f.ClockInHour,
		f.DurationHours,
		f.ScheduleDeviation,
		math.Abs(f.ScheduleDeviation),
	}
}

// ScoredDims is the dimensionality of the scored vector.
const ScoredDims = 4

// Severity tiers for detected anomalies.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// AnomalyStatus is the lifecycle state of an anomaly record.
// PendingReview and RebalanceTriggered are the two initial states;
// Confirmed and ReviewDismissed are terminal.
type AnomalyStatus string

const (
	StatusPendingReview      AnomalyStatus = "pending_review"
	StatusRebalanceTriggered AnomalyStatus = "rebalance_triggered"
	StatusConfirmed          AnomalyStatus = "confirmed"
	StatusReviewDismissed    AnomalyStatus = "review_dismissed"
)

// IsTerminal reports whether the status ends the record's lifecycle.
func (s AnomalyStatus) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusReviewDismissed
}

// IsOpen reports whether the status keeps the employee blocked.
func (s AnomalyStatus) IsOpen() bool {
	return s == StatusPendingReview || s == StatusRebalanceTriggered
}

// EscalationAction routes a detected anomaly.
type EscalationAction string

const (
	ActionManualReview EscalationAction = "ceo_manual_review"
	ActionRebalance    EscalationAction = "usyc_rebalance"
)

// AnomalyRecord is one confirmed detection. Owned exclusively by the
// engine; only Status, ResolvedAt and ResolvedBy mutate after creation.
type AnomalyRecord struct {
	ID              string           `json:"id"`
	TenantID        string           `json:"tenantId"`
	EmployeeID      string           `json:"employeeId"`
	EmployeeName    string           `json:"employeeName"`
	AnomalyScore    float64          `json:"anomalyScore"` // [0,1], 3-decimal precision
	Severity        Severity         `json:"severity"`
	Status          AnomalyStatus    `json:"status"`
	Action          EscalationAction `json:"action"`
	ReputationScore float64          `json:"reputationScore"` // snapshot at detection time
	Reasons         []string         `json:"reasons"`
	Features        AnomalyFeatures  `json:"features"`
	EntryKey        string           `json:"entryKey"`                // dedup key of the triggering entry
	MitigationRef   string           `json:"mitigationRef,omitempty"` // set for usyc_rebalance records
	DetectedAt      time.Time        `json:"detectedAt"`
	ResolvedAt      *time.Time       `json:"resolvedAt,omitempty"`
	ResolvedBy      string           `json:"resolvedBy,omitempty"`
}

// Clone returns a deep copy of the record. The engine hands out clones
// at its accessor boundary so a resolution cannot mutate a record a
// reader is still encoding.
func (r *AnomalyRecord) Clone() *AnomalyRecord {
	out := *r
	out.Reasons = append([]string(nil), r.Reasons...)
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}

// DedupKey identifies the physical timecard entry behind a record.
// A key is flagged at most once per process lifetime.
func (e *TimeEntry) DedupKey() string {
	return e.EmployeeID + "|" + e.Date + "|" + e.ClockIn + "|" + e.ClockOut
}

// AnomalySummary is the pure aggregate recomputed on every change.
type AnomalySummary struct {
	Total              int              `json:"total"`
	BySeverity         map[Severity]int `json:"bySeverity"`
	PendingReview      int              `json:"pendingReview"`
	RebalanceTriggered int              `json:"rebalanceTriggered"`
	AverageReputation  float64          `json:"averageReputation"`
	Recent             []*AnomalyRecord `json:"recent"` // 5 most recent, newest first
}

// ScanResult summarizes one scan invocation. Advisory only: the record
// list and reputation mutations are the real output of a scan.
type ScanResult struct {
	ScanID          string    `json:"scanId"`
	TenantID        string    `json:"tenantId"`
	StartedAt       time.Time `json:"startedAt"`
	DurationMs      int64     `json:"durationMs"`
	EmployeesSeen   int       `json:"employeesSeen"`
	EntriesScanned  int       `json:"entriesScanned"`
	EntriesRejected int       `json:"entriesRejected"`
	NewAnomalies    int       `json:"newAnomalies"`
	NoData          bool      `json:"noData"`
	Message         string    `json:"message"`
}
