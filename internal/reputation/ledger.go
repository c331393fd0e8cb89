// Package reputation maintains the per-employee trust score.
//
// Scores live for the process lifetime and drift asymmetrically:
// sharply downward on flagged entries, slowly upward on clean ones.
// Recovery and penalty apply per scanned entry, not per scan, so an
// employee with many clean entries recovers faster than one with few.
package reputation

import "sync"

// Bounds and the neutral starting point of the trust scale.
const (
	MinScore     = 0.0
	MaxScore     = 100.0
	DefaultScore = 75.0
)

// Ledger is the in-memory employee -> trust score map. Mutated only by
// the engine; callers get read-only views via Get and Snapshot.
type Ledger struct {
	mu           sync.RWMutex
	scores       map[string]float64
	defaultScore float64
}

// NewLedger creates a ledger with the given starting score for unseen
// employees (DefaultScore if zero).
func NewLedger(defaultScore float64) *Ledger {
	if defaultScore <= 0 {
		defaultScore = DefaultScore
	}
	return &Ledger{
		scores:       make(map[string]float64),
		defaultScore: defaultScore,
	}
}

// Get returns the employee's current score without creating history.
func (l *Ledger) Get(employeeID string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if s, ok := l.scores[employeeID]; ok {
		return s
	}
	return l.defaultScore
}

// Penalize lowers the employee's score by amount, floored at MinScore,
// and returns the new score.
func (l *Ledger) Penalize(employeeID string, amount float64) float64 {
	return l.adjust(employeeID, -amount)
}

// Recover raises the employee's score by amount, capped at MaxScore,
// and returns the new score.
func (l *Ledger) Recover(employeeID string, amount float64) float64 {
	return l.adjust(employeeID, amount)
}

func (l *Ledger) adjust(employeeID string, delta float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	score, ok := l.scores[employeeID]
	if !ok {
		score = l.defaultScore
	}
	score = clamp(score + delta)
	l.scores[employeeID] = score
	return score
}

// Snapshot returns a copy of all scored employees.
func (l *Ledger) Snapshot() map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]float64, len(l.scores))
	for id, s := range l.scores {
		out[id] = s
	}
	return out
}

// Average returns the mean score across employees with history, and
// false when no employee has been scored yet.
func (l *Ledger) Average() (float64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.scores) == 0 {
		return 0, false
	}
	var total float64
	for _, s := range l.scores {
		total += s
	}
	return total / float64(len(l.scores)), true
}

func clamp(s float64) float64 {
	if s < MinScore {
		return MinScore
	}
	if s > MaxScore {
		return MaxScore
	}
	return s
}
