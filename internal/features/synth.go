package features

import (
	"math/rand"

	"github.com/openpayroll/shrike/internal/domain"
)

// ScheduleDeviationSpan bounds the schedule deviations the prior treats
// as normal, aligned with the reason rule that flags deviations past 3h.
const ScheduleDeviationSpan = 3.0

// Synthesize generates the reference distribution the forest is trained
// on. There is no labeled ground truth in this system: "normal" is a
// designed prior over plausible legitimate work patterns, and changing
// these shapes is a policy decision, not a model detail.
//
// The prior spans clock-ins between 07:00 and 10:00, shift durations of
// 6 to 9.5 hours, schedule deviations within ±3 hours, a strong weekday
// bias, and rate bands correlated with pay type. The scored dimensions
// draw bell-shaped within their spans: mass concentrated on the typical
// workday keeps the partition depth of a genuinely unusual shift short
// enough to clear the severity bands, while a thin uniform floor keeps
// the span edges populated so an early-but-legitimate clock-in is not
// isolated like fraud.
func Synthesize(n int, rng *rand.Rand) []*domain.AnomalyFeatures {
	if n <= 0 {
		return nil
	}

	out := make([]*domain.AnomalyFeatures, 0, n)
	for i := 0; i < n; i++ {
		clockIn := bell(7.0, 10.0, rng)
		duration := bell(6.0, 9.5, rng)
		clockOut := clockIn + duration
		if clockOut >= 24 {
			clockOut -= 24
		}

		dow := 1 + rng.Intn(5) // Monday..Friday
		weekend := false
		if rng.Float64() < 0.1 {
			dow = []int{0, 6}[rng.Intn(2)]
			weekend = true
		}

		occ := rng.Intn(3)

		out = append(out, &domain.AnomalyFeatures{
			ClockInHour:       clockIn,
			ClockOutHour:      clockOut,
			DurationHours:     duration,
			DaysSincePayDay:   rng.Intn(PayDayDistanceCap + 1),
			DaysUntilPayDay:   rng.Intn(PayDayDistanceCap + 1),
			OccupationType:    occ,
			RateCents:         rateFor(occ, rng),
			DayOfWeek:         dow,
			ScheduleDeviation: bell(-ScheduleDeviationSpan, ScheduleDeviationSpan, rng),
			IsWeekend:         weekend,
		})
	}
	return out
}

// bell draws from the prior's center-weighted mixture over [lo, hi]: a
// Bates mean of five uniforms most of the time, a plain uniform for the
// remainder.
func bell(lo, hi float64, rng *rand.Rand) float64 {
	if rng.Float64() < 0.08 {
		return lo + rng.Float64()*(hi-lo)
	}
	var sum float64
	for i := 0; i < 5; i++ {
		sum += rng.Float64()
	}
	return lo + (hi-lo)*sum/5
}

// rateFor draws a pay rate in cents from the band for an occupation
// type: annual salary for salaried, per-day for daily, per-hour for
// hourly.
func rateFor(occ int, rng *rand.Rand) int64 {
	switch occ {
	case 1: // daily-rate
		return 15_000 + rng.Int63n(45_000)
	case 2: // hourly
		return 1_800 + rng.Int63n(5_700)
	default: // salaried, annual
		return 5_000_000 + rng.Int63n(10_000_000)
	}
}

// Vectors converts a feature batch into the forest's input shape.
func Vectors(batch []*domain.AnomalyFeatures) [][]float64 {
	vecs := make([][]float64, len(batch))
	for i, f := range batch {
		vecs[i] = f.Vector()
	}
	return vecs
}
