package lifecycle

import (
	"context"
	"fmt"
	"sort"

	"github.com/platinummonkey/plexus/pkg/configschema"
	"github.com/platinummonkey/plexus/pkg/events"
	"github.com/platinummonkey/plexus/pkg/extensions"
)

// ConfigurationUpdateRequest changes part of an extension's configuration
type ConfigurationUpdateRequest struct {
	ExtensionID   string                 `json:"extension_id"`
	Configuration map[string]interface{} `json:"configuration"`
	ValidateOnly  bool                   `json:"validate_only,omitempty"`
}

// UpdateConfiguration validates the merged configuration and, unless
// ValidateOnly is set, stores it and reloads an active extension.
// Validation failures are returned as extensions.ValidationErrors.
func (m *Manager) UpdateConfiguration(ctx context.Context, req ConfigurationUpdateRequest) (*extensions.Extension, error) {
	unlock := m.lock(req.ExtensionID)
	defer unlock()

	ext, err := m.updateConfiguration(ctx, req)
	if !req.ValidateOnly {
		m.metrics.RecordLifecycle("configure", err == nil)
	}
	if err != nil {
		m.logger.WithField("extension_id", req.ExtensionID).Warnf("Configuration update failed: %v", err)
		return nil, err
	}
	return ext, nil
}

func (m *Manager) updateConfiguration(ctx context.Context, req ConfigurationUpdateRequest) (*extensions.Extension, error) {
	ext, err := m.get(ctx, req.ExtensionID)
	if err != nil {
		return nil, err
	}

	merged := configschema.Merge(ext.Configuration.CurrentConfig, req.Configuration)
	if err := configschema.Validate(ext.Configuration, merged); err != nil {
		return nil, err
	}
	if req.ValidateOnly {
		return ext, nil
	}

	previous := ext.Configuration.CurrentConfig
	now := m.now()
	updated, err := m.repo.Update(ctx, ext.ExtensionID, func(e *extensions.Extension) error {
		e.Configuration.CurrentConfig = merged
		e.Timestamp = now
		e.Lifecycle.LastUpdate = &now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store configuration: %w", err)
	}

	if updated.Status == extensions.StatusActive && m.reloader != nil {
		if err := m.reloader(ctx, updated); err != nil {
			_, rerr := m.repo.Update(ctx, ext.ExtensionID, func(e *extensions.Extension) error {
				e.Configuration.CurrentConfig = previous
				return nil
			})
			if rerr != nil {
				m.logger.WithField("extension_id", ext.ExtensionID).Errorf("Failed to roll back configuration: %v", rerr)
			}
			return nil, fmt.Errorf("configuration reload failed: %w", err)
		}
	}

	keys := make([]string, 0, len(req.Configuration))
	for k := range req.Configuration {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	m.emit(ctx, events.ExtensionConfigurationUpdated, ext.ExtensionID, map[string]interface{}{
		"changed_keys": keys,
	})
	return updated, nil
}
