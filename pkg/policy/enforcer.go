// Package policy maps security validation results to advisory remediation
// actions.
package policy

import (
	"github.com/platinummonkey/plexus/pkg/observability"
	"github.com/platinummonkey/plexus/pkg/security"
	"github.com/sirupsen/logrus"
)

// ActionType names a remediation action
type ActionType string

const (
	ActionBlockLoading              ActionType = "block_loading"
	ActionQuarantine                ActionType = "quarantine"
	ActionStrictSandbox             ActionType = "strict_sandbox"
	ActionRestrictNetwork           ActionType = "restrict_network"
	ActionEnhancedMonitoring        ActionType = "enhanced_monitoring"
	ActionRequirePermissionApproval ActionType = "require_permission_approval"
	ActionImmediateAlert            ActionType = "immediate_alert"
	ActionDisableExtension          ActionType = "disable_extension"
	ActionRequireAdminApproval      ActionType = "require_admin_approval"
	ActionEnablePermissionAudit     ActionType = "enable_permission_audit"
)

var descriptions = map[ActionType]string{
	ActionBlockLoading:              "Policy: block extension loading",
	ActionQuarantine:                "Policy: quarantine extension",
	ActionStrictSandbox:             "Policy: force strict sandbox mode",
	ActionRestrictNetwork:           "Policy: restrict network access",
	ActionEnhancedMonitoring:        "Policy: enable enhanced monitoring",
	ActionRequirePermissionApproval: "Policy: require additional permission approval",
	ActionImmediateAlert:            "Policy: raise immediate security alert",
	ActionDisableExtension:          "Policy: disable extension",
	ActionRequireAdminApproval:      "Policy: require administrator approval",
	ActionEnablePermissionAudit:     "Policy: enable permission audit logging",
}

// Action is one advisory remediation step
type Action struct {
	Type        ActionType `json:"type"`
	Description string     `json:"description"`
}

// Enforcer derives actions from validation results. It never mutates
// extension state.
type Enforcer struct {
	logger  *logrus.Logger
	metrics *observability.Metrics
}

// NewEnforcer creates an enforcer. logger and metrics may be nil.
func NewEnforcer(logger *logrus.Logger, metrics *observability.Metrics) *Enforcer {
	return &Enforcer{
		logger:  observability.OrDefault(logger),
		metrics: metrics,
	}
}

// Actions returns the actions that apply to result, in a fixed order
func Actions(result *security.ValidationResult) []Action {
	var types []ActionType

	score := result.SecurityScore
	switch {
	case score < 30:
		types = append(types, ActionBlockLoading, ActionQuarantine)
	case score < 50:
		types = append(types, ActionStrictSandbox, ActionRestrictNetwork)
	case score < security.PassThreshold:
		types = append(types, ActionEnhancedMonitoring, ActionRequirePermissionApproval)
	}

	if result.VulnerabilityScan.CountUnresolved(security.SeverityCritical) > 0 {
		types = append(types, ActionImmediateAlert, ActionDisableExtension)
	}
	if result.PermissionValidation.HasUnauthorizedHighRisk() {
		types = append(types, ActionRequireAdminApproval, ActionEnablePermissionAudit)
	}

	actions := make([]Action, 0, len(types))
	for _, t := range types {
		actions = append(actions, Action{Type: t, Description: descriptions[t]})
	}
	return actions
}

// Enforce appends the applicable actions to the result's recommendations and
// returns them.
func (e *Enforcer) Enforce(extensionID string, result *security.ValidationResult) []Action {
	if result == nil {
		return nil
	}

	actions := Actions(result)
	for _, a := range actions {
		result.AddRecommendations(a.Description)
		e.metrics.RecordPolicyAction(string(a.Type))
	}

	if len(actions) > 0 {
		e.logger.WithFields(logrus.Fields{
			"extension_id": extensionID,
			"score":        result.SecurityScore,
			"actions":      len(actions),
		}).Warn("Security policy actions recommended")
	}
	return actions
}
