package lifecycle

import (
	"context"
	"fmt"

	"github.com/platinummonkey/plexus/pkg/configschema"
	"github.com/platinummonkey/plexus/pkg/events"
	"github.com/platinummonkey/plexus/pkg/extensions"
	"github.com/platinummonkey/plexus/pkg/security"
)

// UpdateRequest upgrades an installed extension from a new manifest
type UpdateRequest struct {
	ExtensionID string `json:"extension_id"`
	// Source defaults to the extension's install source
	Source  string `json:"source,omitempty"`
	Version string `json:"version,omitempty"`
}

// UpdateExtension replaces the declarations of an extension with those of
// a freshly loaded manifest, keeping its id, history and current
// configuration. An active extension passes through updating and returns
// to active; a failed update leaves it active and unchanged.
func (m *Manager) UpdateExtension(ctx context.Context, req UpdateRequest) (*extensions.Extension, error) {
	unlock := m.lock(req.ExtensionID)
	defer unlock()

	ext, err := m.updateExtension(ctx, req)
	m.metrics.RecordLifecycle("update", err == nil)
	if err != nil {
		m.logger.WithField("extension_id", req.ExtensionID).Warnf("Extension update failed: %v", err)
		return nil, err
	}
	return ext, nil
}

func (m *Manager) updateExtension(ctx context.Context, req UpdateRequest) (*extensions.Extension, error) {
	current, err := m.get(ctx, req.ExtensionID)
	if err != nil {
		return nil, err
	}
	if req.Version != "" && !extensions.IsValidVersion(req.Version) {
		return nil, &extensions.ValidationError{Field: "version", Message: fmt.Sprintf("invalid semver format: %s", req.Version)}
	}

	source := req.Source
	if source == "" {
		source = current.Source
	}

	wasActive := current.Status == extensions.StatusActive
	if wasActive {
		if _, err := m.setStatus(ctx, current.ExtensionID, extensions.StatusActive, extensions.StatusUpdating, nil); err != nil {
			return nil, err
		}
	}

	// back to active without changes
	abort := func(cause error) (*extensions.Extension, error) {
		if wasActive {
			if _, err := m.setStatus(ctx, current.ExtensionID, extensions.StatusUpdating, extensions.StatusActive, nil); err != nil {
				m.logger.WithField("extension_id", current.ExtensionID).Errorf("Failed to restore status after update: %v", err)
			}
		}
		return nil, cause
	}

	mf, err := m.loader.Load(ctx, source)
	if err != nil {
		return abort(fmt.Errorf("failed to load manifest: %w", err))
	}

	candidate := m.buildExtension(InstallRequest{
		Name:          current.Name,
		Source:        source,
		Version:       req.Version,
		ContextID:     current.ContextID,
		Configuration: current.Configuration.CurrentConfig,
	}, mf)
	candidate.ExtensionID = current.ExtensionID
	candidate.Status = current.Status
	if wasActive {
		candidate.Status = extensions.StatusUpdating
	}
	now := m.now()
	candidate.Lifecycle.LastUpdate = &now

	if err := configschema.Validate(candidate.Configuration, candidate.Configuration.CurrentConfig); err != nil {
		return abort(err)
	}
	validation, err := m.validator.Validate(ctx, candidate)
	if err != nil {
		return abort(fmt.Errorf("security validation error: %w", err))
	}
	if !validation.Passed {
		m.enforcer.Enforce(candidate.ExtensionID, validation)
		return abort(&extensions.SecurityPolicyViolation{
			ExtensionID: candidate.ExtensionID,
			Score:       validation.SecurityScore,
			Reasons:     security.FailureReasons(validation),
		})
	}

	if wasActive {
		m.dispatcher.StopActiveExecutions(current.ExtensionID)
		if err := m.register(ctx, candidate); err != nil {
			m.restore(ctx, current)
			return abort(err)
		}
	}

	// Counters are written by executions running alongside the update, so
	// only the declarations are replaced.
	updated, err := m.repo.Update(ctx, candidate.ExtensionID, func(ext *extensions.Extension) error {
		if ext.Status != candidate.Status {
			return &extensions.TransitionError{From: ext.Status, To: candidate.Status}
		}
		applyDeclarations(ext, candidate)
		return nil
	})
	if err != nil {
		if wasActive {
			m.restore(ctx, current)
		}
		return abort(fmt.Errorf("failed to save extension: %w", err))
	}

	if wasActive {
		updated, err = m.setStatus(ctx, candidate.ExtensionID, extensions.StatusUpdating, extensions.StatusActive, nil)
		if err != nil {
			return nil, err
		}
	}

	m.emit(ctx, events.ExtensionUpdated, updated.ExtensionID, map[string]interface{}{
		"name":         updated.Name,
		"from_version": current.Version,
		"to_version":   updated.Version,
	})
	return updated, nil
}

// applyDeclarations copies everything a manifest declares from src onto dst.
// Identity, status and runtime counters of dst are kept.
func applyDeclarations(dst, src *extensions.Extension) {
	src = src.Clone()
	dst.ProtocolVersion = src.ProtocolVersion
	dst.Timestamp = src.Timestamp
	dst.DisplayName = src.DisplayName
	dst.Description = src.Description
	dst.Version = src.Version
	dst.Type = src.Type
	dst.Source = src.Source
	dst.Compatibility = src.Compatibility
	dst.Configuration = src.Configuration
	dst.ExtensionPoints = src.ExtensionPoints
	dst.APIExtensions = src.APIExtensions
	dst.EventSubscriptions = src.EventSubscriptions
	dst.Security = src.Security
	dst.Metadata = src.Metadata
	dst.Lifecycle.HealthCheck = src.Lifecycle.HealthCheck
	dst.Lifecycle.LastUpdate = src.Lifecycle.LastUpdate
}
