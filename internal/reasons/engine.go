// Package reasons provides the CEL-Go based justification engine. Every
// flagged timecard entry gets an ordered list of human-readable reasons
// derived from its feature vector, its raw score and the employee's
// reputation at detection time.
package reasons

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/openpayroll/shrike/internal/domain"
)

// FallbackReason is attached when no rule matches; a record's reason
// list is never empty.
const FallbackReason = "statistical outlier"

// Engine evaluates reason rules against flagged entries.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled []*compiledRule
}

type compiledRule struct {
	cfg     *domain.ReasonRuleConfig
	program cel.Program
}

// NewEngine creates a reason engine with the feature-vector activation
// environment.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("features", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("duration_hours", cel.DoubleType),
		cel.Variable("clock_in_hour", cel.DoubleType),
		cel.Variable("clock_out_hour", cel.DoubleType),
		cel.Variable("schedule_deviation", cel.DoubleType),
		cel.Variable("days_since_payday", cel.IntType),
		cel.Variable("days_until_payday", cel.IntType),
		cel.Variable("occupation_type", cel.IntType),
		cel.Variable("rate_cents", cel.IntType),
		cel.Variable("day_of_week", cel.IntType),
		cel.Variable("is_weekend", cel.BoolType),
		cel.Variable("reputation", cel.DoubleType),
		cel.Variable("anomaly_score", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{env: env}, nil
}

// ValidateRule compiles a rule without loading it.
func (e *Engine) ValidateRule(cfg *domain.ReasonRuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}
	_, err := e.compileRule(cfg)
	return err
}

// LoadRules compiles and loads enabled rules, replacing any previously
// loaded set. Rules evaluate in ascending Order.
func (e *Engine) LoadRules(configs []*domain.ReasonRuleConfig) error {
	compiled := make([]*compiledRule, 0, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		c, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		compiled = append(compiled, c)
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].cfg.Order < compiled[j].cfg.Order
	})

	e.mu.Lock()
	e.compiled = compiled
	e.mu.Unlock()
	return nil
}

// ReloadRules clears and reloads rules (hot reload from the database).
func (e *Engine) ReloadRules(configs []*domain.ReasonRuleConfig) error {
	return e.LoadRules(configs)
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// GetLoadedRules returns the currently loaded rule configurations.
func (e *Engine) GetLoadedRules() []*domain.ReasonRuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.ReasonRuleConfig, 0, len(e.compiled))
	for _, c := range e.compiled {
		rules = append(rules, c.cfg)
	}
	return rules
}

// Evaluate returns the ordered reason list for a flagged entry. All
// matching rules contribute; rules that error are skipped. The list is
// never empty: FallbackReason covers the no-match case.
func (e *Engine) Evaluate(f *domain.AnomalyFeatures, reputation, score float64) []string {
	e.mu.RLock()
	compiled := e.compiled
	e.mu.RUnlock()

	activation := activationFor(f, reputation, score)

	var reasons []string
	for _, c := range compiled {
		out, _, err := c.program.Eval(activation)
		if err != nil {
			continue
		}
		if b, ok := out.(types.Bool); ok && bool(b) {
			reasons = append(reasons, c.cfg.Reason)
		}
	}

	if len(reasons) == 0 {
		reasons = []string{FallbackReason}
	}
	return reasons
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled = nil
	return nil
}

func (e *Engine) compileRule(cfg *domain.ReasonRuleConfig) (*compiledRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &compiledRule{cfg: cfg, program: program}, nil
}

func activationFor(f *domain.AnomalyFeatures, reputation, score float64) map[string]any {
	return map[string]any{
		"features": map[string]any{
			"duration_hours":     f.DurationHours,
			"clock_in_hour":      f.ClockInHour,
			"clock_out_hour":     f.ClockOutHour,
			"schedule_deviation": f.ScheduleDeviation,
			"days_since_payday":  f.DaysSincePayDay,
			"days_until_payday":  f.DaysUntilPayDay,
			"occupation_type":    f.OccupationType,
			"rate_cents":         f.RateCents,
			"day_of_week":        f.DayOfWeek,
			"is_weekend":         f.IsWeekend,
		},
		"duration_hours":     f.DurationHours,
		"clock_in_hour":      f.ClockInHour,
		"clock_out_hour":     f.ClockOutHour,
		"schedule_deviation": f.ScheduleDeviation,
		"days_since_payday":  f.DaysSincePayDay,
		"days_until_payday":  f.DaysUntilPayDay,
		"occupation_type":    f.OccupationType,
		"rate_cents":         f.RateCents,
		"day_of_week":        f.DayOfWeek,
		"is_weekend":         f.IsWeekend,
		"reputation":         reputation,
		"anomaly_score":      score,
	}
}
