package reasons

import "github.com/openpayroll/shrike/internal/domain"

// BuiltinRules returns the stock reason rules. They are loaded at
// startup and may be overridden or extended via the database and the
// rules API; ordering follows the Order field.
func BuiltinRules() []*domain.ReasonRuleConfig {
	return []*domain.ReasonRuleConfig{
		{
			ID:         "excessive-duration",
			Name:       "Excessive shift duration",
			Order:      10,
			Expression: "duration_hours > 12.0",
			Reason:     "excessive shift duration",
			Enabled:    true,
		},
		{
			ID:         "short-duration",
			Name:       "Unusually short shift",
			Order:      20,
			Expression: "duration_hours < 2.0",
			Reason:     "unusually short shift duration",
			Enabled:    true,
		},
		{
			ID:         "odd-clock-in",
			Name:       "Unusual clock-in time",
			Order:      30,
			Expression: "clock_in_hour < 5.0 || clock_in_hour > 22.0",
			Reason:     "unusual clock-in time",
			Enabled:    true,
		},
		{
			ID:         "weekend-entry",
			Name:       "Weekend entry",
			Order:      40,
			Expression: "is_weekend",
			Reason:     "weekend timecard entry",
			Enabled:    true,
		},
		{
			ID:         "schedule-deviation",
			Name:       "Large schedule deviation",
			Order:      50,
			Expression: "schedule_deviation > 3.0 || schedule_deviation < -3.0",
			Reason:     "large deviation from scheduled start",
			Enabled:    true,
		},
		{
			ID:         "payday-proximity",
			Name:       "Pay-run boundary proximity",
			Order:      60,
			Expression: "days_since_payday <= 1 || days_until_payday <= 1",
			Reason:     "entry within one day of a pay-run boundary",
			Enabled:    true,
		},
		{
			ID:         "low-reputation",
			Name:       "Low employee reputation",
			Order:      70,
			Expression: "reputation < 40.0",
			Reason:     "employee reputation below review threshold",
			Enabled:    true,
		},
		{
			ID:         "strong-outlier",
			Name:       "Strong statistical outlier",
			Order:      80,
			Expression: "anomaly_score > 0.8",
			Reason:     "strong statistical outlier",
			Enabled:    true,
		},
	}
}
