package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plexus/pkg/configschema"
	"github.com/platinummonkey/plexus/pkg/events"
	"github.com/platinummonkey/plexus/pkg/extensions"
	"github.com/platinummonkey/plexus/pkg/manifest"
	"github.com/platinummonkey/plexus/pkg/policy"
	"github.com/platinummonkey/plexus/pkg/security"
)

// Security defaults for manifests without a security block
const (
	DefaultMaxMemoryMB   = 512
	DefaultMaxCPUPercent = 50
	DefaultMaxFileSizeMB = 100
)

// InstallRequest asks for a new extension to be installed
type InstallRequest struct {
	Name          string                 `json:"name"`
	Source        string                 `json:"source"`
	Version       string                 `json:"version,omitempty"`
	ContextID     string                 `json:"context_id,omitempty"`
	Configuration map[string]interface{} `json:"configuration,omitempty"`
	AutoActivate  bool                   `json:"auto_activate"`
	ForceInstall  bool                   `json:"force_install"`
}

// InstallResult reports the outcome of an install
type InstallResult struct {
	Success            bool                       `json:"success"`
	ExtensionID        string                     `json:"extension_id,omitempty"`
	Message            string                     `json:"message"`
	Warnings           []string                   `json:"warnings,omitempty"`
	SecurityValidation *security.ValidationResult `json:"security_validation,omitempty"`
	PolicyActions      []policy.Action            `json:"policy_actions,omitempty"`
}

func validateInstallRequest(req InstallRequest) error {
	var errs extensions.ValidationErrors
	if verr := extensions.ValidateName(req.Name); verr != nil {
		errs = append(errs, *verr)
	}
	if strings.TrimSpace(req.Source) == "" {
		errs = append(errs, extensions.ValidationError{Field: "source", Message: "source is required"})
	}
	if req.Version != "" && !extensions.IsValidVersion(req.Version) {
		errs = append(errs, extensions.ValidationError{Field: "version", Message: fmt.Sprintf("invalid semver format: %s", req.Version)})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Install loads, validates and persists a new extension. The result is
// always returned; on failure it carries Success=false and the error is
// returned as well. Nothing is persisted for a failed install.
func (m *Manager) Install(ctx context.Context, req InstallRequest) (*InstallResult, error) {
	start := time.Now()
	result, err := m.install(ctx, req)
	m.metrics.RecordLifecycle("install", err == nil)

	entry := m.logger.WithFields(logrus.Fields{
		"name":    req.Name,
		"source":  req.Source,
		"time_ms": time.Since(start).Milliseconds(),
	})
	if err != nil {
		entry.Errorf("Extension installation failed: %v", err)
		result.Success = false
		result.ExtensionID = ""
		result.Message = "Installation failed: " + err.Error()
		return result, err
	}
	entry.WithField("extension_id", result.ExtensionID).Info("Extension installed")
	return result, nil
}

func (m *Manager) install(ctx context.Context, req InstallRequest) (*InstallResult, error) {
	result := &InstallResult{}
	if err := validateInstallRequest(req); err != nil {
		return result, err
	}

	unlock := m.lock("name:" + req.Name)
	defer unlock()

	existing, err := m.repo.GetByName(ctx, req.Name)
	if err != nil {
		return result, fmt.Errorf("failed to look up extension %s: %w", req.Name, err)
	}
	if existing != nil && !req.ForceInstall {
		return result, &extensions.DuplicateExtensionError{Name: req.Name, ExistingID: existing.ExtensionID}
	}

	mf, err := m.loader.Load(ctx, req.Source)
	if err != nil {
		return result, fmt.Errorf("failed to load manifest: %w", err)
	}
	if mf.Name != "" && mf.Name != req.Name {
		result.Warnings = append(result.Warnings, fmt.Sprintf("manifest name %q differs from requested name %q", mf.Name, req.Name))
	}

	ext := m.buildExtension(req, mf)

	warnings, err := m.checkCompatibility(ctx, ext, existing)
	if err != nil {
		return result, err
	}
	result.Warnings = append(result.Warnings, warnings...)

	if err := configschema.Validate(ext.Configuration, ext.Configuration.CurrentConfig); err != nil {
		return result, err
	}

	validation, err := m.validator.Validate(ctx, ext)
	if err != nil {
		return result, fmt.Errorf("security validation error: %w", err)
	}
	result.SecurityValidation = validation
	result.PolicyActions = m.enforcer.Enforce(ext.ExtensionID, validation)
	for _, a := range result.PolicyActions {
		result.Warnings = append(result.Warnings, a.Description)
	}
	if !validation.Passed {
		return result, &extensions.SecurityPolicyViolation{
			ExtensionID: ext.ExtensionID,
			Score:       validation.SecurityScore,
			Reasons:     security.FailureReasons(validation),
		}
	}

	// The replaced extension keeps its record until the new one is saved
	// and activated, so a failed replacement leaves it as it was.
	var replaced *extensions.Extension
	if existing != nil {
		unlockOld := m.lock(existing.ExtensionID)
		defer unlockOld()

		replaced, err = m.get(ctx, existing.ExtensionID)
		if err != nil {
			return result, fmt.Errorf("failed to replace existing extension %s: %w", existing.ExtensionID, err)
		}
		m.detach(replaced)
	}

	saved, err := m.repo.Save(ctx, ext)
	if err != nil {
		m.reattach(ctx, replaced)
		return result, fmt.Errorf("failed to save extension: %w", err)
	}

	var activated *extensions.Extension
	if req.AutoActivate {
		activated, err = m.autoActivate(ctx, saved.ExtensionID)
		if err != nil {
			if _, derr := m.repo.Delete(ctx, saved.ExtensionID); derr != nil {
				m.logger.WithField("extension_id", saved.ExtensionID).Errorf("Failed to remove extension after activation failure: %v", derr)
			}
			m.reattach(ctx, replaced)
			return result, fmt.Errorf("auto activation failed: %w", err)
		}
	}

	if replaced != nil {
		err := m.markUninstalling(ctx, replaced)
		if err == nil {
			err = m.purge(ctx, replaced, true)
		}
		if err != nil {
			m.logger.WithField("extension_id", replaced.ExtensionID).Errorf("Failed to remove replaced extension: %v", err)
			result.Warnings = append(result.Warnings, fmt.Sprintf("failed to remove replaced extension %s: %v", replaced.ExtensionID, err))
		} else {
			result.Warnings = append(result.Warnings, fmt.Sprintf("replaced existing extension %s", replaced.ExtensionID))
		}
	}

	m.emit(ctx, events.ExtensionInstalled, saved.ExtensionID, map[string]interface{}{
		"name":    saved.Name,
		"version": saved.Version,
	})
	if activated != nil {
		m.emitActivated(ctx, activated, false)
	}

	result.Success = true
	result.ExtensionID = saved.ExtensionID
	result.Message = fmt.Sprintf("Extension %s installed successfully", saved.Name)
	return result, nil
}

// Verify runs the install checks for req without persisting anything:
// manifest loading, configuration validation and security validation.
// Name conflicts with installed extensions are not checked.
func (m *Manager) Verify(ctx context.Context, req InstallRequest) (*InstallResult, error) {
	result := &InstallResult{}
	if err := validateInstallRequest(req); err != nil {
		return result, err
	}

	mf, err := m.loader.Load(ctx, req.Source)
	if err != nil {
		return result, fmt.Errorf("failed to load manifest: %w", err)
	}
	ext := m.buildExtension(req, mf)

	if err := configschema.Validate(ext.Configuration, ext.Configuration.CurrentConfig); err != nil {
		return result, err
	}

	validation, err := m.validator.Validate(ctx, ext)
	if err != nil {
		return result, fmt.Errorf("security validation error: %w", err)
	}
	result.SecurityValidation = validation
	result.PolicyActions = policy.Actions(validation)
	result.Success = validation.Passed
	if validation.Passed {
		result.Message = fmt.Sprintf("Extension %s passed verification", req.Name)
	} else {
		result.Message = fmt.Sprintf("Extension %s failed verification: %s", req.Name, strings.Join(security.FailureReasons(validation), "; "))
	}
	return result, nil
}

// buildExtension turns a request and its manifest into a new extension
func (m *Manager) buildExtension(req InstallRequest, mf *manifest.Manifest) *extensions.Extension {
	now := m.now()

	contextID := req.ContextID
	if contextID == "" {
		contextID = uuid.New().String()
	}
	version := req.Version
	if version == "" {
		version = mf.Version
	}

	cfg := mf.Configuration
	cfg.CurrentConfig = cfg.DefaultConfig
	if req.Configuration != nil {
		cfg.CurrentConfig = req.Configuration
	}

	ext := &extensions.Extension{
		ExtensionID:        uuid.New().String(),
		ContextID:          contextID,
		ProtocolVersion:    ProtocolVersion,
		Timestamp:          now,
		Name:               req.Name,
		DisplayName:        mf.DisplayName,
		Description:        mf.Description,
		Version:            version,
		Type:               mf.ExtensionType(),
		Status:             extensions.StatusInstalled,
		Source:             req.Source,
		Compatibility:      mf.Compatibility,
		Configuration:      cfg,
		ExtensionPoints:    mf.Points(),
		APIExtensions:      mf.APIExtensions,
		EventSubscriptions: mf.EventSubscriptions,
		Lifecycle: extensions.Lifecycle{
			InstallDate: now,
			PerformanceMetrics: extensions.PerformanceMetrics{
				SuccessRate: 1,
			},
			HealthCheck: mf.HealthCheck,
		},
		Security: securityFromManifest(mf),
		Metadata: mf.Metadata,
	}
	// detach from the manifest
	return ext.Clone()
}

func securityFromManifest(mf *manifest.Manifest) extensions.Security {
	if mf.Security != nil {
		return *mf.Security
	}
	return extensions.Security{
		SandboxEnabled: true,
		ResourceLimits: extensions.ResourceLimits{
			MaxMemoryMB:      DefaultMaxMemoryMB,
			MaxCPUPercent:    DefaultMaxCPUPercent,
			MaxFileSizeMB:    DefaultMaxFileSizeMB,
			NetworkAccess:    false,
			FileSystemAccess: extensions.FileSystemSandbox,
		},
	}
}

// checkCompatibility rejects declared conflicts in either direction and
// warns about dependencies that are not installed yet. replacing is the
// extension a forced install will remove, if any.
func (m *Manager) checkCompatibility(ctx context.Context, ext *extensions.Extension, replacing *extensions.Extension) ([]string, error) {
	installed, err := m.repo.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list installed extensions: %w", err)
	}

	byName := make(map[string]*extensions.Extension, len(installed))
	byID := make(map[string]*extensions.Extension, len(installed))
	for _, other := range installed {
		if replacing != nil && other.ExtensionID == replacing.ExtensionID {
			continue
		}
		byName[other.Name] = other
		byID[other.ExtensionID] = other
	}

	var errs extensions.ValidationErrors
	for _, c := range ext.Compatibility.Conflicts {
		if _, ok := byName[c.Name]; ok {
			errs = append(errs, extensions.ValidationError{
				Field:   "compatibility.conflicts",
				Message: fmt.Sprintf("conflicts with installed extension %s", c.Name),
			})
		}
	}
	for _, other := range byName {
		for _, c := range other.Compatibility.Conflicts {
			if c.Name == ext.Name {
				errs = append(errs, extensions.ValidationError{
					Field:   "compatibility.conflicts",
					Message: fmt.Sprintf("installed extension %s conflicts with %s", other.Name, ext.Name),
				})
			}
		}
	}
	if len(errs) > 0 {
		return nil, errs
	}

	var warnings []string
	for _, dep := range ext.Compatibility.Dependencies {
		if dep.Optional {
			continue
		}
		if _, ok := byID[dep.ExtensionID]; ok && dep.ExtensionID != "" {
			continue
		}
		if _, ok := byName[dep.Name]; ok && dep.Name != "" {
			continue
		}
		warnings = append(warnings, fmt.Sprintf("dependency %s is not installed", dependencyLabel(dep)))
	}
	return warnings, nil
}

func dependencyLabel(dep extensions.Dependency) string {
	if dep.Name != "" {
		return dep.Name
	}
	return dep.ExtensionID
}

// Uninstall removes an extension. Without force it fails with a
// DependencyError while other extensions depend on it.
func (m *Manager) Uninstall(ctx context.Context, id string, force bool) (bool, error) {
	err := m.uninstall(ctx, id, force)
	m.metrics.RecordLifecycle("uninstall", err == nil)
	if err != nil {
		m.logger.WithField("extension_id", id).Errorf("Extension uninstall failed: %v", err)
		return false, err
	}
	m.logger.WithField("extension_id", id).Info("Extension uninstalled")
	return true, nil
}

func (m *Manager) uninstall(ctx context.Context, id string, force bool) error {
	unlock := m.lock(id)
	defer unlock()

	ext, err := m.get(ctx, id)
	if err != nil {
		return err
	}

	if !force {
		dependents, err := m.dependents(ctx, ext)
		if err != nil {
			return err
		}
		if len(dependents) > 0 {
			return &extensions.DependencyError{ExtensionID: id, Dependents: dependents}
		}
	}

	m.detach(ext)
	if err := m.markUninstalling(ctx, ext); err != nil {
		m.reattach(ctx, ext)
		return err
	}
	return m.purge(ctx, ext, force)
}

func (m *Manager) autoActivate(ctx context.Context, id string) (*extensions.Extension, error) {
	unlock := m.lock(id)
	defer unlock()

	ext, _, err := m.activate(ctx, ActivationRequest{ExtensionID: id, Activate: true, Reason: "auto activate"})
	m.metrics.RecordLifecycle("activate", err == nil)
	return ext, err
}

// detach drops the active executions and registrations of ext while its
// record stays untouched.
func (m *Manager) detach(ext *extensions.Extension) {
	if ext.Status == extensions.StatusActive {
		m.dispatcher.StopActiveExecutions(ext.ExtensionID)
	}
	m.unregister(ext.ExtensionID)
}

// reattach undoes detach. ext may be nil.
func (m *Manager) reattach(ctx context.Context, ext *extensions.Extension) {
	if ext != nil && hasRegistrations(ext.Status) {
		m.restore(ctx, ext)
	}
}

// markUninstalling moves a detached extension to uninstalling. An extension
// left there by a failed delete is passed through so the removal can be
// retried.
func (m *Manager) markUninstalling(ctx context.Context, ext *extensions.Extension) error {
	if ext.Status == extensions.StatusUninstalling {
		return nil
	}
	if _, err := m.setStatus(ctx, ext.ExtensionID, ext.Status, extensions.StatusUninstalling, nil); err != nil {
		return err
	}
	if ext.Status == extensions.StatusActive {
		m.emit(ctx, events.ExtensionDeactivated, ext.ExtensionID, map[string]interface{}{"reason": "uninstall"})
	}
	return nil
}

// purge deletes an uninstalling extension and everything kept for it
func (m *Manager) purge(ctx context.Context, ext *extensions.Extension, force bool) error {
	id := ext.ExtensionID
	if _, err := m.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete extension %s: %w", id, err)
	}
	m.dispatcher.Handlers().Unbind(id)
	if m.history != nil {
		m.history.Forget(id)
	}

	m.emit(ctx, events.ExtensionUninstalled, id, map[string]interface{}{
		"name":    ext.Name,
		"version": ext.Version,
		"forced":  force,
	})
	return nil
}

// restore re-registers an active extension after a failed status change
func (m *Manager) restore(ctx context.Context, ext *extensions.Extension) {
	if err := m.register(ctx, ext); err != nil {
		m.logger.WithField("extension_id", ext.ExtensionID).Errorf("Failed to restore registrations: %v", err)
	}
}

// dependents lists the installed extensions that declare a non-optional
// dependency on ext.
func (m *Manager) dependents(ctx context.Context, ext *extensions.Extension) ([]string, error) {
	all, err := m.repo.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list installed extensions: %w", err)
	}
	var ids []string
	for _, other := range all {
		if other.ExtensionID != ext.ExtensionID && other.DependsOn(ext.ExtensionID, ext.Name) {
			ids = append(ids, other.ExtensionID)
		}
	}
	return ids, nil
}
