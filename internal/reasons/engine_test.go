package reasons

import (
	"strings"
	"testing"

	"github.com/openpayroll/shrike/internal/domain"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	if err := e.LoadRules(BuiltinRules()); err != nil {
		t.Fatalf("failed to load builtin rules: %v", err)
	}
	return e
}

// normalFeatures is a 9-to-5 weekday shift that matches no builtin rule.
func normalFeatures() *domain.AnomalyFeatures {
	return &domain.AnomalyFeatures{
		ClockInHour:       9.0,
		ClockOutHour:      17.0,
		DurationHours:     8.0,
		DaysSincePayDay:   4,
		DaysUntilPayDay:   5,
		OccupationType:    2,
		RateCents:         2500,
		DayOfWeek:         2,
		ScheduleDeviation: 0.25,
		IsWeekend:         false,
	}
}

func TestEvaluate(t *testing.T) {
	e := newTestEngine(t)

	t.Run("NightMarathonShift", func(t *testing.T) {
		f := normalFeatures()
		f.ClockInHour = 3.0
		f.ClockOutHour = 17.0
		f.DurationHours = 14.0

		reasons := e.Evaluate(f, 75, 0.7)

		want := []string{"excessive shift duration", "unusual clock-in time"}
		if len(reasons) != len(want) {
			t.Fatalf("expected %d reasons, got %v", len(want), reasons)
		}
		for i, r := range want {
			if reasons[i] != r {
				t.Errorf("reason %d: expected %q, got %q", i, r, reasons[i])
			}
		}
	})

	t.Run("FallbackWhenNoRuleMatches", func(t *testing.T) {
		reasons := e.Evaluate(normalFeatures(), 75, 0.58)
		if len(reasons) != 1 || reasons[0] != FallbackReason {
			t.Errorf("expected only fallback reason, got %v", reasons)
		}
	})

	t.Run("WeekendEntry", func(t *testing.T) {
		f := normalFeatures()
		f.IsWeekend = true
		f.DayOfWeek = 6

		reasons := e.Evaluate(f, 75, 0.58)
		if !contains(reasons, "weekend timecard entry") {
			t.Errorf("expected weekend reason, got %v", reasons)
		}
	})

	t.Run("LowReputation", func(t *testing.T) {
		reasons := e.Evaluate(normalFeatures(), 35, 0.58)
		if !contains(reasons, "employee reputation below review threshold") {
			t.Errorf("expected reputation reason, got %v", reasons)
		}
	})

	t.Run("StrongOutlier", func(t *testing.T) {
		reasons := e.Evaluate(normalFeatures(), 75, 0.9)
		if !contains(reasons, "strong statistical outlier") {
			t.Errorf("expected strong outlier reason, got %v", reasons)
		}
	})

	t.Run("PaydayProximity", func(t *testing.T) {
		f := normalFeatures()
		f.DaysUntilPayDay = 1

		reasons := e.Evaluate(f, 75, 0.58)
		if !contains(reasons, "entry within one day of a pay-run boundary") {
			t.Errorf("expected payday reason, got %v", reasons)
		}
	})

	t.Run("OrderedByRuleOrder", func(t *testing.T) {
		f := normalFeatures()
		f.DurationHours = 14.0 // order 10
		f.IsWeekend = true     // order 40

		reasons := e.Evaluate(f, 30, 0.9) // orders 70, 80
		want := []string{
			"excessive shift duration",
			"weekend timecard entry",
			"employee reputation below review threshold",
			"strong statistical outlier",
		}
		if len(reasons) != len(want) {
			t.Fatalf("expected %d reasons, got %v", len(want), reasons)
		}
		for i, r := range want {
			if reasons[i] != r {
				t.Errorf("position %d: expected %q, got %q", i, r, reasons[i])
			}
		}
	})
}

func TestValidateRule(t *testing.T) {
	e := newTestEngine(t)

	t.Run("Valid", func(t *testing.T) {
		err := e.ValidateRule(&domain.ReasonRuleConfig{
			ID:         "long-day",
			Expression: "duration_hours > 10.0",
			Reason:     "long day",
		})
		if err != nil {
			t.Errorf("expected valid rule, got %v", err)
		}
	})

	t.Run("SyntaxError", func(t *testing.T) {
		err := e.ValidateRule(&domain.ReasonRuleConfig{
			ID:         "broken",
			Expression: "duration_hours >",
		})
		if err == nil {
			t.Error("expected compile error")
		}
	})

	t.Run("NonBoolean", func(t *testing.T) {
		err := e.ValidateRule(&domain.ReasonRuleConfig{
			ID:         "non-bool",
			Expression: "duration_hours + 1.0",
		})
		if err == nil || !strings.Contains(err.Error(), "must return bool") {
			t.Errorf("expected bool type error, got %v", err)
		}
	})

	t.Run("UnknownVariable", func(t *testing.T) {
		err := e.ValidateRule(&domain.ReasonRuleConfig{
			ID:         "unknown-var",
			Expression: "shoe_size > 42",
		})
		if err == nil {
			t.Error("expected error for unknown variable")
		}
	})

	t.Run("Nil", func(t *testing.T) {
		if err := e.ValidateRule(nil); err == nil {
			t.Error("expected error for nil config")
		}
	})
}

func TestLoadRules(t *testing.T) {
	t.Run("SkipsDisabled", func(t *testing.T) {
		e, err := NewEngine()
		if err != nil {
			t.Fatalf("failed to create engine: %v", err)
		}
		rules := []*domain.ReasonRuleConfig{
			{ID: "on", Expression: "is_weekend", Reason: "on", Enabled: true},
			{ID: "off", Expression: "is_weekend", Reason: "off", Enabled: false},
		}
		if err := e.LoadRules(rules); err != nil {
			t.Fatalf("LoadRules failed: %v", err)
		}
		if e.RulesCount() != 1 {
			t.Errorf("expected 1 enabled rule, got %d", e.RulesCount())
		}
	})

	t.Run("ReplacesPreviousSet", func(t *testing.T) {
		e := newTestEngine(t)
		if err := e.ReloadRules([]*domain.ReasonRuleConfig{
			{ID: "only", Expression: "true", Reason: "only", Enabled: true},
		}); err != nil {
			t.Fatalf("ReloadRules failed: %v", err)
		}
		if e.RulesCount() != 1 {
			t.Errorf("expected 1 rule after reload, got %d", e.RulesCount())
		}
	})

	t.Run("RejectsBadRule", func(t *testing.T) {
		e, err := NewEngine()
		if err != nil {
			t.Fatalf("failed to create engine: %v", err)
		}
		rules := []*domain.ReasonRuleConfig{
			{ID: "bad", Expression: "duration_hours >", Enabled: true},
		}
		if err := e.LoadRules(rules); err == nil {
			t.Error("expected error for uncompilable rule")
		}
	})
}

func TestGetLoadedRules(t *testing.T) {
	e := newTestEngine(t)

	rules := e.GetLoadedRules()
	if len(rules) != len(BuiltinRules()) {
		t.Fatalf("expected %d rules, got %d", len(BuiltinRules()), len(rules))
	}

	// Loaded rules come back in evaluation order
	for i := 1; i < len(rules); i++ {
		if rules[i-1].Order > rules[i].Order {
			t.Errorf("rules out of order at %d: %d > %d", i, rules[i-1].Order, rules[i].Order)
		}
	}
}

func TestSeverityFor(t *testing.T) {
	bands := DefaultSeverityBands()

	tests := []struct {
		score float64
		want  domain.Severity
	}{
		{0.95, domain.SeverityCritical},
		{0.85, domain.SeverityCritical},
		{0.80, domain.SeverityHigh},
		{0.72, domain.SeverityHigh},
		{0.65, domain.SeverityMedium},
		{0.60, domain.SeverityMedium},
		{0.56, domain.SeverityLow},
	}

	for _, tt := range tests {
		if got := SeverityFor(tt.score, bands); got != tt.want {
			t.Errorf("SeverityFor(%g) = %s, want %s", tt.score, got, tt.want)
		}
	}

	if got := SeverityFor(0.5, nil); got != domain.SeverityLow {
		t.Errorf("expected low severity with no bands, got %s", got)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
