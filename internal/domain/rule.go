package domain

// ReasonRuleConfig defines one human-readable justification rule.
// The expression is CEL over the feature-vector activation; when it
// evaluates true for a flagged entry, Reason is attached to the record.
// Rules are evaluated in Order; all matching rules contribute.
type ReasonRuleConfig struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Order       int    `json:"order"`
	Expression  string `json:"expression"`
	Reason      string `json:"reason"`
	Enabled     bool   `json:"enabled"`
}

// SeverityBand maps a score range to a severity tier. Bands are matched
// in order; the first band whose lower bound is not above the score wins.
type SeverityBand struct {
	LowerLimit float64  `json:"lowerLimit"`
	Severity   Severity `json:"severity"`
}
