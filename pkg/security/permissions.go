package security

import (
	"fmt"
	"strings"

	"github.com/platinummonkey/plexus/pkg/extensions"
)

// minJustificationLength is the shortest acceptable justification
const minJustificationLength = 10

// Deductions from a perfect permission score
const (
	unauthorizedHighRiskPenalty = 35
	unauthorizedPenalty         = 10
	approvedHighRiskPenalty     = 5
)

func classifyPermission(critical []string, perm string) RiskLevel {
	for _, c := range critical {
		if perm == c {
			return RiskCritical
		}
	}
	lower := strings.ToLower(perm)
	switch {
	case strings.Contains(lower, "system:") || strings.Contains(lower, "admin"):
		return RiskHigh
	case strings.Contains(lower, "write") || strings.Contains(lower, "execute"):
		return RiskMedium
	default:
		return RiskLow
	}
}

func validatePermissions(opts Options, perms []extensions.Permission) PermissionValidation {
	v := PermissionValidation{
		Permissions:             make([]PermissionAssessment, 0, len(perms)),
		HighRiskPermissions:     []string{},
		UnauthorizedPermissions: []string{},
	}

	score := 100.0
	for _, p := range perms {
		a := PermissionAssessment{
			Permission: p.Permission,
			RiskLevel:  classifyPermission(opts.CriticalPermissions, p.Permission),
			Authorized: true,
		}
		highRisk := a.RiskLevel == RiskCritical || a.RiskLevel == RiskHigh
		if highRisk {
			v.HighRiskPermissions = append(v.HighRiskPermissions, p.Permission)
		}

		switch {
		case highRisk && !p.AutoApproved:
			a.Authorized = false
			a.Reason = "high-risk permission requires explicit approval"
		case len(strings.TrimSpace(p.Justification)) < minJustificationLength:
			a.Authorized = false
			a.Reason = "justification is too short"
		}

		if a.Authorized {
			if highRisk {
				score -= approvedHighRiskPenalty
			}
		} else {
			v.UnauthorizedPermissions = append(v.UnauthorizedPermissions, p.Permission)
			if highRisk {
				score -= unauthorizedHighRiskPenalty
				v.Recommendations = append(v.Recommendations, fmt.Sprintf("Obtain administrator approval for %s", p.Permission))
			} else {
				score -= unauthorizedPenalty
				v.Recommendations = append(v.Recommendations, fmt.Sprintf("Provide a detailed justification for %s", p.Permission))
			}
		}

		v.Permissions = append(v.Permissions, a)
	}

	if len(v.HighRiskPermissions) > 0 {
		v.Recommendations = append(v.Recommendations, "Review whether high-risk permissions can be narrowed")
	}

	v.Score = clampScore(score)
	return v
}
