// Package features turns raw timecard entries into fixed-shape numeric
// vectors for scoring.
package features

import (
	"math"
	"strings"
	"time"

	"github.com/openpayroll/shrike/internal/domain"
)

const (
	// DefaultStartHour is assumed when no schedule resolves for an employee.
	DefaultStartHour = 9.0

	// PayDayDistanceCap bounds the pay-run proximity features when no
	// pay run falls within the window.
	PayDayDistanceCap = 7
)

// Extract converts one completed timecard entry plus its context into an
// AnomalyFeatures vector. It returns ok=false for entries that must not
// be scored: missing clock-out, unparsable date or clock values, or a
// duration outside (0, 24] hours after overnight wrap. Rejected entries
// are not anomalies and never touch reputation.
//
// Extract is pure: no side effects, deterministic for identical inputs.
func Extract(entry *domain.TimeEntry, emp *domain.Employee, payRuns []*domain.PayRun, schedules map[string]*domain.Schedule) (*domain.AnomalyFeatures, bool) {
	if entry == nil || emp == nil || entry.ClockOut == "" {
		return nil, false
	}

	date, err := time.Parse("2006-01-02", entry.Date)
	if err != nil {
		return nil, false
	}

	clockIn, err := parseClock(entry.ClockIn)
	if err != nil {
		return nil, false
	}
	clockOut, err := parseClock(entry.ClockOut)
	if err != nil {
		return nil, false
	}

	duration := clockOut - clockIn
	if duration < 0 {
		// Shift wrapped past midnight.
		duration += 24
	}
	if duration <= 0 || duration > 24 {
		return nil, false
	}

	since, until := payDayDistance(date, payRuns)

	deviation := 0.0
	if emp.ScheduleID != "" {
		start := DefaultStartHour
		if sched, ok := schedules[emp.ScheduleID]; ok && sched.StartTime != "" {
			if h, err := parseClock(sched.StartTime); err == nil {
				start = h
			}
		}
		deviation = clockIn - start
	}

	dow := int(date.UTC().Weekday())

	return &domain.AnomalyFeatures{
		ClockInHour:       clockIn,
		ClockOutHour:      clockOut,
		DurationHours:     duration,
		DaysSincePayDay:   since,
		DaysUntilPayDay:   until,
		OccupationType:    occupationType(emp.PayType),
		RateCents:         int64(math.Round(emp.Rate * 100)),
		DayOfWeek:         dow,
		ScheduleDeviation: deviation,
		IsWeekend:         dow == 0 || dow == 6,
	}, true
}

// payDayDistance returns the minimum non-negative day distance from the
// entry date to any pay-run period end, looking backward and forward.
// Both default to the cap when no boundary falls within it.
func payDayDistance(date time.Time, payRuns []*domain.PayRun) (since, until int) {
	since, until = PayDayDistanceCap, PayDayDistanceCap
	day := date.UTC().Truncate(24 * time.Hour)

	for _, pr := range payRuns {
		if pr == nil || pr.PeriodEnd.IsZero() {
			continue
		}
		end := pr.PeriodEnd.UTC().Truncate(24 * time.Hour)
		diff := int(day.Sub(end).Hours() / 24)
		if diff >= 0 {
			if diff < since {
				since = diff
			}
		} else if -diff < until {
			until = -diff
		}
	}
	return since, until
}

// parseClock converts "HH:MM" (seconds tolerated) to fractional hours.
func parseClock(s string) (float64, error) {
	layout := "15:04"
	if strings.Count(s, ":") == 2 {
		layout = "15:04:05"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return 0, err
	}
	return float64(t.Hour()) + float64(t.Minute())/60 + float64(t.Second())/3600, nil
}

func occupationType(pt domain.PayType) int {
	switch pt {
	case domain.PayTypeDaily:
		return 1
	case domain.PayTypeHourly:
		return 2
	default:
		return 0 // salaried
	}
}
