package security

import (
	"math"
	"time"
)

// Report summarizes the unresolved findings of a validation result
type Report struct {
	ExtensionID     string    `json:"extension_id"`
	GeneratedAt     time.Time `json:"generated_at"`
	SecurityScore   float64   `json:"security_score"`
	Passed          bool      `json:"passed"`
	Critical        int       `json:"critical"`
	High            int       `json:"high"`
	Medium          int       `json:"medium"`
	Low             int       `json:"low"`
	RiskLevel       RiskLevel `json:"risk_level"`
	ComplianceScore float64   `json:"compliance_score"`
	Recommendations []string  `json:"recommendations"`
}

// BuildReport derives the risk level and compliance score of a result.
//
// Risk: critical when any critical finding exists; high when more than two
// high findings exist; medium for any high or more than five medium; else low.
// Compliance: 100 - (30*critical + 20*high + 10*medium), floored at 0.
func BuildReport(r *ValidationResult) Report {
	scan := r.VulnerabilityScan
	rep := Report{
		ExtensionID:     r.ExtensionID,
		GeneratedAt:     r.ValidationTimestamp,
		SecurityScore:   r.SecurityScore,
		Passed:          r.Passed,
		Critical:        scan.CountUnresolved(SeverityCritical),
		High:            scan.CountUnresolved(SeverityHigh),
		Medium:          scan.CountUnresolved(SeverityMedium),
		Low:             scan.CountUnresolved(SeverityLow),
		Recommendations: append([]string{}, r.Recommendations...),
	}

	switch {
	case rep.Critical > 0:
		rep.RiskLevel = RiskCritical
	case rep.High > 2:
		rep.RiskLevel = RiskHigh
	case rep.High > 0 || rep.Medium > 5:
		rep.RiskLevel = RiskMedium
	default:
		rep.RiskLevel = RiskLow
	}

	rep.ComplianceScore = math.Max(0, 100-float64(30*rep.Critical+20*rep.High+10*rep.Medium))
	return rep
}
