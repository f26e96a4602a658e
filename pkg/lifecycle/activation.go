package lifecycle

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plexus/pkg/events"
	"github.com/platinummonkey/plexus/pkg/extensions"
	"github.com/platinummonkey/plexus/pkg/security"
)

// ActivationRequest activates or deactivates an extension
type ActivationRequest struct {
	ExtensionID string `json:"extension_id"`
	Activate    bool   `json:"activate"`
	// Force skips the dependency and security checks on activation
	Force  bool   `json:"force,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// SetActivation activates or deactivates an extension. Requesting the
// current state is a no-op. On failure the status is left unchanged.
func (m *Manager) SetActivation(ctx context.Context, req ActivationRequest) (*extensions.Extension, error) {
	op := "deactivate"
	if req.Activate {
		op = "activate"
	}

	unlock := m.lock(req.ExtensionID)
	defer unlock()

	var ext *extensions.Extension
	var err error
	if req.Activate {
		var changed bool
		ext, changed, err = m.activate(ctx, req)
		if changed {
			m.emitActivated(ctx, ext, req.Force)
		}
	} else {
		ext, err = m.deactivate(ctx, req.ExtensionID, extensions.StatusInactive, req.Reason)
	}
	m.metrics.RecordLifecycle(op, err == nil)

	entry := m.logger.WithFields(logrus.Fields{
		"extension_id": req.ExtensionID,
		"operation":    op,
	})
	if err != nil {
		entry.Warnf("Extension %s failed: %v", op, err)
		return nil, err
	}
	entry.Debugf("Extension status is %s", ext.Status)
	return ext, nil
}

// activate moves an extension to active and reports whether the status
// changed. The activated event is left to the caller so install can order
// it after the installed event.
func (m *Manager) activate(ctx context.Context, req ActivationRequest) (*extensions.Extension, bool, error) {
	ext, err := m.get(ctx, req.ExtensionID)
	if err != nil {
		return nil, false, err
	}
	if ext.Status == extensions.StatusActive {
		return ext, false, nil
	}
	if err := extensions.Transition(ext.Status, extensions.StatusActive); err != nil {
		return nil, false, err
	}

	if !req.Force {
		if err := m.checkDependencies(ctx, ext); err != nil {
			return nil, false, err
		}
		validation, err := m.validator.Validate(ctx, ext)
		if err != nil {
			return nil, false, fmt.Errorf("security validation error: %w", err)
		}
		if !validation.Passed {
			m.enforcer.Enforce(ext.ExtensionID, validation)
			return nil, false, &extensions.SecurityPolicyViolation{
				ExtensionID: ext.ExtensionID,
				Score:       validation.SecurityScore,
				Reasons:     security.FailureReasons(validation),
			}
		}
	}

	if err := m.register(ctx, ext); err != nil {
		return nil, false, err
	}

	updated, err := m.setStatus(ctx, ext.ExtensionID, ext.Status, extensions.StatusActive, func(e *extensions.Extension) {
		e.Lifecycle.ActivationCount++
	})
	if err != nil {
		m.unregister(ext.ExtensionID)
		return nil, false, err
	}

	return updated, true, nil
}

func (m *Manager) emitActivated(ctx context.Context, ext *extensions.Extension, forced bool) {
	m.emit(ctx, events.ExtensionActivated, ext.ExtensionID, map[string]interface{}{
		"name":             ext.Name,
		"activation_count": ext.Lifecycle.ActivationCount,
		"forced":           forced,
	})
}

// deactivate moves an extension to target (inactive or disabled), dropping
// its active executions and registrations.
func (m *Manager) deactivate(ctx context.Context, id string, target extensions.Status, reason string) (*extensions.Extension, error) {
	ext, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ext.Status == target {
		return ext, nil
	}
	if err := extensions.Transition(ext.Status, target); err != nil {
		return nil, err
	}

	if ext.Status == extensions.StatusActive {
		m.dispatcher.StopActiveExecutions(id)
	}
	m.unregister(id)

	updated, err := m.setStatus(ctx, id, ext.Status, target, nil)
	if err != nil {
		if hasRegistrations(ext.Status) {
			m.restore(ctx, ext)
		}
		return nil, err
	}

	eventType := events.ExtensionDeactivated
	if target == extensions.StatusDisabled {
		eventType = events.ExtensionDisabled
	}
	m.emit(ctx, eventType, id, map[string]interface{}{
		"name":   updated.Name,
		"reason": reason,
	})
	return updated, nil
}

// Disable moves an extension to disabled
func (m *Manager) Disable(ctx context.Context, id, reason string) (*extensions.Extension, error) {
	unlock := m.lock(id)
	defer unlock()

	ext, err := m.deactivate(ctx, id, extensions.StatusDisabled, reason)
	m.metrics.RecordLifecycle("disable", err == nil)
	if err != nil {
		m.logger.WithField("extension_id", id).Warnf("Extension disable failed: %v", err)
		return nil, err
	}
	return ext, nil
}
