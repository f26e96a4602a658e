package policy

import (
	"testing"

	"github.com/platinummonkey/plexus/pkg/security"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func types(actions []Action) []ActionType {
	out := make([]ActionType, 0, len(actions))
	for _, a := range actions {
		out = append(out, a.Type)
	}
	return out
}

func TestActionsByScoreBand(t *testing.T) {
	tests := []struct {
		name  string
		score float64
		want  []ActionType
	}{
		{"blocked", 10, []ActionType{ActionBlockLoading, ActionQuarantine}},
		{"lower edge of strict band", 30, []ActionType{ActionStrictSandbox, ActionRestrictNetwork}},
		{"strict", 49.9, []ActionType{ActionStrictSandbox, ActionRestrictNetwork}},
		{"monitoring", 50, []ActionType{ActionEnhancedMonitoring, ActionRequirePermissionApproval}},
		{"monitoring upper", 69.99, []ActionType{ActionEnhancedMonitoring, ActionRequirePermissionApproval}},
		{"passing", 70, []ActionType{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Actions(&security.ValidationResult{SecurityScore: tt.score})
			assert.Equal(t, tt.want, types(got))
		})
	}
}

func TestActionsForCriticalFindings(t *testing.T) {
	result := &security.ValidationResult{
		SecurityScore: 90,
		VulnerabilityScan: security.VulnerabilityScan{Findings: []security.Vulnerability{
			{ID: "CVE-1", Severity: security.SeverityCritical},
		}},
		PermissionValidation: security.PermissionValidation{Permissions: []security.PermissionAssessment{
			{Permission: "system:admin", RiskLevel: security.RiskCritical, Authorized: false},
		}},
	}

	assert.Equal(t, []ActionType{
		ActionImmediateAlert, ActionDisableExtension,
		ActionRequireAdminApproval, ActionEnablePermissionAudit,
	}, types(Actions(result)))
}

func TestActionsIgnoreResolvedCritical(t *testing.T) {
	result := &security.ValidationResult{
		SecurityScore: 95,
		VulnerabilityScan: security.VulnerabilityScan{Findings: []security.Vulnerability{
			{ID: "CVE-1", Severity: security.SeverityCritical, Resolved: true},
		}},
	}
	assert.Empty(t, Actions(result))
}

func TestEnforceAppendsRecommendations(t *testing.T) {
	enforcer := NewEnforcer(getTestLogger(), nil)
	result := &security.ValidationResult{
		SecurityScore:   20,
		Recommendations: []string{"Enable sandbox isolation"},
	}

	actions := enforcer.Enforce("ext-1", result)
	require.Len(t, actions, 2)
	assert.Equal(t, []string{
		"Enable sandbox isolation",
		"Policy: block extension loading",
		"Policy: quarantine extension",
	}, result.Recommendations)

	// enforcing twice does not duplicate
	enforcer.Enforce("ext-1", result)
	assert.Len(t, result.Recommendations, 3)

	assert.Nil(t, enforcer.Enforce("ext-1", nil))
}
