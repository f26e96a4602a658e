package manifest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/plexus/pkg/extensions"
)

const auditManifest = `
name: audit-log
display_name: Audit Log
description: Records context updates
version: 1.2.0
type: middleware
compatibility:
  required_modules: [context]
  dependencies:
    - name: storage-core
      version_range: ">=1.0.0"
  conflicts:
    - name: legacy-audit
configuration:
  schema:
    type: object
    properties:
      level:
        type: string
  default_config:
    level: info
extension_points:
  - name: context.before_update
    target_module: context
    execution_order: 2
    handler:
      function_name: onBeforeUpdate
      timeout_ms: 250
      retry_policy:
        max_attempts: 3
  - name: context.after_update
    target_module: system
    enabled: false
    handler:
      function_name: onAfterUpdate
api_extensions:
  - endpoint: /audit/events
    method: GET
    handler: listEvents
    auth_required: true
event_subscriptions:
  - event_pattern: extension_*
    handler: onExtensionEvent
security:
  sandbox_enabled: true
  resource_limits:
    max_memory_mb: 256
    max_cpu_percent: 20
    max_file_size_mb: 10
    network_access: false
    file_system_access: sandbox
  permissions:
    - permission: context:read
      justification: reads context snapshots for auditing
      auto_approved: true
metadata:
  author: platform-team
  categories: [security, compliance]
  keywords: [audit]
health_check:
  enabled: true
  endpoint: http://localhost:9000/health
  timeout_ms: 500
`

func getTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestParse(t *testing.T) {
	m, err := Parse([]byte(auditManifest))
	require.NoError(t, err)

	assert.Equal(t, "audit-log", m.Name)
	assert.Equal(t, "Audit Log", m.DisplayName)
	assert.Equal(t, extensions.TypeMiddleware, m.Type)
	assert.Equal(t, []string{"context"}, m.Compatibility.RequiredModules)
	require.Len(t, m.Compatibility.Dependencies, 1)
	assert.Equal(t, "storage-core", m.Compatibility.Dependencies[0].Name)
	assert.Equal(t, "info", m.Configuration.DefaultConfig["level"])
	require.Len(t, m.ExtensionPoints, 2)
	require.NotNil(t, m.ExtensionPoints[0].Handler.RetryPolicy)
	assert.Equal(t, 3, m.ExtensionPoints[0].Handler.RetryPolicy.MaxAttempts)
	require.NotNil(t, m.Security)
	assert.Equal(t, 256, m.Security.ResourceLimits.MaxMemoryMB)
	require.NotNil(t, m.Metadata)
	assert.Equal(t, []string{"security", "compliance"}, m.Metadata.Categories)
	require.NotNil(t, m.HealthCheck)
	assert.Equal(t, 500, m.HealthCheck.TimeoutMs)
	assert.Empty(t, Validate(m))
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("name: [unterminated"))
	assert.Error(t, err)
}

func TestPoints(t *testing.T) {
	m, err := Parse([]byte(auditManifest))
	require.NoError(t, err)

	points := m.Points()
	require.Len(t, points, 2)

	assert.NotEmpty(t, points[0].PointID)
	assert.NotEqual(t, points[0].PointID, points[1].PointID)
	assert.True(t, points[0].Enabled, "points default to enabled")
	assert.False(t, points[1].Enabled)
	assert.Equal(t, extensions.PointHook, points[0].Type)
	assert.Equal(t, 2, points[0].ExecutionOrder)
	assert.Equal(t, "onBeforeUpdate", points[0].Handler.FunctionName)
}

func TestExtensionType_DefaultsToPlugin(t *testing.T) {
	m := &Manifest{Version: "1.0.0"}
	assert.Equal(t, extensions.TypePlugin, m.ExtensionType())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		m      *Manifest
		fields []string
	}{
		{
			name:   "missing version",
			m:      &Manifest{},
			fields: []string{"version"},
		},
		{
			name:   "bad semver",
			m:      &Manifest{Version: "one"},
			fields: []string{"version"},
		},
		{
			name:   "bad type",
			m:      &Manifest{Version: "1.0.0", Type: "widget"},
			fields: []string{"type"},
		},
		{
			name:   "bad name",
			m:      &Manifest{Name: "Bad Name", Version: "1.0.0"},
			fields: []string{"name"},
		},
		{
			name: "incomplete point",
			m: &Manifest{
				Version:         "1.0.0",
				ExtensionPoints: []PointSpec{{Handler: extensions.HandlerSpec{TimeoutMs: -1}}},
			},
			fields: []string{
				"extension_points[0].name",
				"extension_points[0].target_module",
				"extension_points[0].handler.function_name",
				"extension_points[0].handler.timeout_ms",
			},
		},
		{
			name: "bad api extension",
			m: &Manifest{
				Version:       "1.0.0",
				APIExtensions: []extensions.APIExtension{{Endpoint: "audit", Method: "TRACE"}},
			},
			fields: []string{
				"api_extensions[0].endpoint",
				"api_extensions[0].method",
				"api_extensions[0].handler",
			},
		},
		{
			name: "bad subscription",
			m: &Manifest{
				Version:            "1.0.0",
				EventSubscriptions: []extensions.EventSubscription{{EventPattern: "["}},
			},
			fields: []string{
				"event_subscriptions[0].event_pattern",
				"event_subscriptions[0].handler",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := Validate(tt.m)
			var fields []string
			for _, e := range errs {
				fields = append(fields, e.Field)
			}
			assert.Equal(t, tt.fields, fields)
			assert.True(t, errors.Is(errs, extensions.ErrValidation))
		})
	}
}

func TestFileLoader(t *testing.T) {
	root := t.TempDir()
	pkgDir := filepath.Join(root, "audit-log")
	require.NoError(t, os.MkdirAll(pkgDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(pkgDir, FileName), []byte(auditManifest), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "broken.yaml"), []byte("version: nope"), 0644))

	loader := NewFileLoader(root, getTestLogger())
	ctx := context.Background()

	t.Run("directory source", func(t *testing.T) {
		m, err := loader.Load(ctx, "audit-log")
		require.NoError(t, err)
		assert.Equal(t, "audit-log", m.Name)
	})

	t.Run("absolute file source", func(t *testing.T) {
		m, err := loader.Load(ctx, filepath.Join(pkgDir, FileName))
		require.NoError(t, err)
		assert.Equal(t, "1.2.0", m.Version)
	})

	t.Run("missing source", func(t *testing.T) {
		_, err := loader.Load(ctx, "nowhere")
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("invalid manifest", func(t *testing.T) {
		_, err := loader.Load(ctx, "broken.yaml")
		assert.ErrorIs(t, err, extensions.ErrValidation)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := loader.Load(cancelled, "audit-log")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestSaveRoundTrip(t *testing.T) {
	m, err := Parse([]byte(auditManifest))
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, Save(m, out))

	loaded, err := LoadFile(out)
	require.NoError(t, err)
	assert.Equal(t, m.Name, loaded.Name)
	assert.Equal(t, m.Security.Permissions, loaded.Security.Permissions)
	assert.Len(t, loaded.ExtensionPoints, 2)
}

func TestStaticLoader(t *testing.T) {
	loader := NewStaticLoader()
	loader.Add("mem://audit", &Manifest{
		Version:         "1.0.0",
		ExtensionPoints: []PointSpec{{Name: "p", TargetModule: "context", Handler: extensions.HandlerSpec{FunctionName: "fn"}}},
	})
	loader.Add("mem://broken", &Manifest{})

	m, err := loader.Load(context.Background(), "mem://audit")
	require.NoError(t, err)
	m.ExtensionPoints[0].Name = "changed"

	again, err := loader.Load(context.Background(), "mem://audit")
	require.NoError(t, err)
	assert.Equal(t, "p", again.ExtensionPoints[0].Name)

	_, err = loader.Load(context.Background(), "mem://missing")
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = loader.Load(context.Background(), "mem://broken")
	assert.ErrorIs(t, err, extensions.ErrValidation)
}
