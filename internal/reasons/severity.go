package reasons

import "github.com/openpayroll/shrike/internal/domain"

// DefaultSeverityBands maps anomaly scores to severity tiers. Bands are
// matched highest-first; only scores above the detection threshold ever
// reach this step, so the final band catches everything else as low.
func DefaultSeverityBands() []domain.SeverityBand {
	return []domain.SeverityBand{
		{LowerLimit: 0.85, Severity: domain.SeverityCritical},
		{LowerLimit: 0.72, Severity: domain.SeverityHigh},
		{LowerLimit: 0.60, Severity: domain.SeverityMedium},
		{LowerLimit: 0, Severity: domain.SeverityLow},
	}
}

// SeverityFor returns the severity tier for a score.
func SeverityFor(score float64, bands []domain.SeverityBand) domain.Severity {
	for _, b := range bands {
		if score >= b.LowerLimit {
			return b.Severity
		}
	}
	return domain.SeverityLow
}
