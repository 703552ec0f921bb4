package quote

import "github.com/shopspring/decimal"

// Severity buckets a price impact for display.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityModerate Severity = "moderate"
	SeverityHigh     Severity = "high"
	SeverityExtreme  Severity = "extreme"
)

var (
	impactLow      = decimal.RequireFromString("0.01")
	impactModerate = decimal.RequireFromString("0.03")
	impactHigh     = decimal.RequireFromString("0.05")
	impactExtreme  = decimal.RequireFromString("0.10")
)

// ImpactSeverity maps an impact fraction onto a severity bucket.
func ImpactSeverity(impact decimal.Decimal) Severity {
	switch {
	case impact.LessThan(impactLow):
		return SeverityNone
	case impact.LessThan(impactModerate):
		return SeverityLow
	case impact.LessThan(impactHigh):
		return SeverityModerate
	case impact.LessThan(impactExtreme):
		return SeverityHigh
	default:
		return SeverityExtreme
	}
}

// Warning returns a short user-facing note for the impact, empty when negligible.
func (s Severity) Warning() string {
	switch s {
	case SeverityLow:
		return "low price impact"
	case SeverityModerate:
		return "moderate price impact, consider reducing trade size"
	case SeverityHigh:
		return "high price impact, output may be significantly lower"
	case SeverityExtreme:
		return "extreme price impact"
	default:
		return ""
	}
}
