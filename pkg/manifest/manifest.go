// Package manifest loads the declarative plexus.yaml description of an
// extension package.
package manifest

import (
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/plexus/pkg/extensions"
)

// FileName is the manifest file looked up inside a package directory
const FileName = "plexus.yaml"

// Manifest is the declarative description of an extension package
type Manifest struct {
	Name               string                         `yaml:"name"`
	DisplayName        string                         `yaml:"display_name"`
	Description        string                         `yaml:"description,omitempty"`
	Version            string                         `yaml:"version"`
	Type               extensions.ExtensionType       `yaml:"type"`
	Compatibility      extensions.Compatibility       `yaml:"compatibility,omitempty"`
	Configuration      extensions.Configuration       `yaml:"configuration,omitempty"`
	ExtensionPoints    []PointSpec                    `yaml:"extension_points,omitempty"`
	APIExtensions      []extensions.APIExtension      `yaml:"api_extensions,omitempty"`
	EventSubscriptions []extensions.EventSubscription `yaml:"event_subscriptions,omitempty"`
	Security           *extensions.Security           `yaml:"security,omitempty"`
	Metadata           *extensions.Metadata           `yaml:"metadata,omitempty"`
	HealthCheck        *extensions.HealthCheckConfig  `yaml:"health_check,omitempty"`
}

// PointSpec is an extension point as written in a manifest. Points are
// enabled unless the manifest says otherwise.
type PointSpec struct {
	PointID        string                     `yaml:"point_id,omitempty"`
	Name           string                     `yaml:"name"`
	Type           extensions.PointType       `yaml:"type"`
	TargetModule   string                     `yaml:"target_module"`
	ExecutionOrder int                        `yaml:"execution_order"`
	Enabled        *bool                      `yaml:"enabled,omitempty"`
	Handler        extensions.HandlerSpec     `yaml:"handler"`
	Conditions     *extensions.PointCondition `yaml:"conditions,omitempty"`
}

// Point converts a PointSpec into a registry extension point, assigning a
// point id when the manifest has none.
func (p PointSpec) Point() extensions.ExtensionPoint {
	id := p.PointID
	if id == "" {
		id = uuid.New().String()
	}
	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	pointType := p.Type
	if pointType == "" {
		pointType = extensions.PointHook
	}
	return extensions.ExtensionPoint{
		PointID:        id,
		Name:           p.Name,
		Type:           pointType,
		TargetModule:   p.TargetModule,
		ExecutionOrder: p.ExecutionOrder,
		Enabled:        enabled,
		Handler:        p.Handler,
		Conditions:     p.Conditions,
	}
}

// Points converts every declared point, keeping manifest order
func (m *Manifest) Points() []extensions.ExtensionPoint {
	points := make([]extensions.ExtensionPoint, 0, len(m.ExtensionPoints))
	for _, p := range m.ExtensionPoints {
		points = append(points, p.Point())
	}
	return points
}

// ExtensionType returns the declared type, defaulting to plugin
func (m *Manifest) ExtensionType() extensions.ExtensionType {
	if m.Type == "" {
		return extensions.TypePlugin
	}
	return m.Type
}

// Parse decodes a manifest document
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

// LoadFile reads and parses a manifest file
func LoadFile(filePath string) (*Manifest, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data)
}

// Save writes a manifest to filePath
func Save(m *Manifest, filePath string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	return nil
}

var validMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true,
}

// Validate performs structural validation. An empty result means the
// manifest is usable; security is judged separately.
func Validate(m *Manifest) extensions.ValidationErrors {
	var errs extensions.ValidationErrors

	if m.Name != "" {
		if verr := extensions.ValidateName(m.Name); verr != nil {
			errs = append(errs, *verr)
		}
	}

	if m.Version == "" {
		errs = append(errs, extensions.ValidationError{
			Field:   "version",
			Message: "version is required",
		})
	} else if !extensions.IsValidVersion(m.Version) {
		errs = append(errs, extensions.ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("invalid semver format: %s", m.Version),
		})
	}

	if m.Type != "" && !m.Type.IsValid() {
		errs = append(errs, extensions.ValidationError{
			Field:   "type",
			Message: fmt.Sprintf("invalid extension type: %s", m.Type),
		})
	}

	for i, p := range m.ExtensionPoints {
		field := fmt.Sprintf("extension_points[%d]", i)
		if p.Name == "" {
			errs = append(errs, extensions.ValidationError{Field: field + ".name", Message: "point name is required"})
		}
		if p.TargetModule == "" {
			errs = append(errs, extensions.ValidationError{Field: field + ".target_module", Message: "target module is required"})
		}
		if p.Handler.FunctionName == "" {
			errs = append(errs, extensions.ValidationError{Field: field + ".handler.function_name", Message: "handler function is required"})
		}
		if p.Handler.TimeoutMs < 0 {
			errs = append(errs, extensions.ValidationError{Field: field + ".handler.timeout_ms", Message: "timeout must not be negative"})
		}
	}

	for i, api := range m.APIExtensions {
		field := fmt.Sprintf("api_extensions[%d]", i)
		if !strings.HasPrefix(api.Endpoint, "/") {
			errs = append(errs, extensions.ValidationError{Field: field + ".endpoint", Message: "endpoint must start with /"})
		}
		if !validMethods[strings.ToUpper(api.Method)] {
			errs = append(errs, extensions.ValidationError{Field: field + ".method", Message: fmt.Sprintf("unsupported method: %s", api.Method)})
		}
		if api.Handler == "" {
			errs = append(errs, extensions.ValidationError{Field: field + ".handler", Message: "handler is required"})
		}
	}

	for i, sub := range m.EventSubscriptions {
		field := fmt.Sprintf("event_subscriptions[%d]", i)
		if _, err := path.Match(sub.EventPattern, ""); sub.EventPattern == "" || err != nil {
			errs = append(errs, extensions.ValidationError{Field: field + ".event_pattern", Message: "invalid event pattern"})
		}
		if sub.Handler == "" {
			errs = append(errs, extensions.ValidationError{Field: field + ".handler", Message: "handler is required"})
		}
	}

	return errs
}
