package service

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/plexus/pkg/dispatch"
	"github.com/platinummonkey/plexus/pkg/extensions"
	"github.com/platinummonkey/plexus/pkg/lifecycle"
	"github.com/platinummonkey/plexus/pkg/manifest"
	"github.com/platinummonkey/plexus/pkg/observability"
	"github.com/platinummonkey/plexus/pkg/registry"
	"github.com/platinummonkey/plexus/pkg/security"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func getTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func auditManifest() *manifest.Manifest {
	return &manifest.Manifest{
		DisplayName: "Audit Log",
		Version:     "1.0.0",
		Type:        extensions.TypeMiddleware,
		ExtensionPoints: []manifest.PointSpec{{
			Name:         "context.before_update",
			TargetModule: "context",
			Handler:      extensions.HandlerSpec{FunctionName: "onUpdate"},
		}},
		Security: &extensions.Security{
			SandboxEnabled: true,
			ResourceLimits: extensions.ResourceLimits{
				MaxMemoryMB:      256,
				MaxCPUPercent:    25,
				MaxFileSizeMB:    10,
				FileSystemAccess: extensions.FileSystemSandbox,
			},
			CodeSigning: &extensions.CodeSigning{
				Signature:   "MEUCIQD1x8signature",
				Certificate: "CN=Acme Extensions, O=DigiCert Inc",
				Timestamp:   testNow.Add(-48 * time.Hour),
			},
		},
	}
}

func newTestService(t *testing.T) (*Service, *observability.Metrics) {
	t.Helper()

	loader := manifest.NewStaticLoader()
	loader.Add("mem://audit", auditManifest())

	secOpts := security.DefaultOptions()
	secOpts.Now = func() time.Time { return testNow }

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	svc, err := New(Options{
		Repository:     registry.NewMemoryRepository(),
		Loader:         loader,
		Security:       secOpts,
		HealthSchedule: "@every 1h",
		SampleSchedule: "@every 1h",
		Logger:         getTestLogger(),
		Metrics:        metrics,
		Now:            func() time.Time { return testNow },
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = svc.Stop(context.Background())
	})
	return svc, metrics
}

func installAudit(t *testing.T, svc *Service) string {
	t.Helper()
	result, err := svc.InstallExtension(context.Background(), lifecycle.InstallRequest{
		Name:         "audit-log",
		Source:       "mem://audit",
		AutoActivate: true,
	})
	require.NoError(t, err)
	require.True(t, result.Success, result.Message)
	return result.ExtensionID
}

func TestNewRequiresRepositoryAndLoader(t *testing.T) {
	_, err := New(Options{Loader: manifest.NewStaticLoader()})
	assert.Error(t, err)

	_, err = New(Options{Repository: registry.NewMemoryRepository()})
	assert.Error(t, err)
}

func TestService_InstallExecuteAndStatistics(t *testing.T) {
	svc, metrics := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.BindHandler("audit-log", "onUpdate", func(ctx context.Context, inv *dispatch.Invocation) (interface{}, error) {
		return map[string]interface{}{"seen": inv.EventData["field"]}, nil
	}))
	id := installAudit(t, svc)

	results := svc.ExecuteExtensionPoint(ctx, "context.before_update", "context", map[string]interface{}{"field": "title"}, dispatch.DispatchOptions{})
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, id, results[0].ExtensionID)

	stats, err := svc.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalExtensions)
	assert.Equal(t, 1, stats.ActiveExtensions)
	assert.Equal(t, 0, stats.FailedExtensions)
	assert.Equal(t, 1, stats.ByType[string(extensions.TypeMiddleware)])
	assert.Equal(t, int64(1), stats.TotalExecutions)
	assert.Equal(t, 1, stats.RegisteredPoints)
	assert.Equal(t, 0, stats.ActiveExecutions)
	assert.Equal(t, 1, stats.ValidationCache.ItemCount)
	assert.Equal(t, testNow, stats.GeneratedAt)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ExtensionsByStatus.WithLabelValues("active")))

	ext, err := svc.GetExtension(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ext.Lifecycle.PerformanceMetrics.TotalExecutions)
	assert.Equal(t, 1.0, ext.Lifecycle.PerformanceMetrics.SuccessRate)
}

func TestService_SearchAndCount(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	id := installAudit(t, svc)

	found, err := svc.SearchExtensions(ctx, extensions.SearchCriteria{Statuses: []extensions.Status{extensions.StatusActive}})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, id, found[0].ExtensionID)

	found, err = svc.SearchExtensions(ctx, extensions.SearchCriteria{Statuses: []extensions.Status{extensions.StatusDisabled}})
	require.NoError(t, err)
	assert.Empty(t, found)

	counts, err := svc.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"active": 1}, counts)

	_, err = svc.GetExtension(ctx, "missing")
	assert.ErrorIs(t, err, extensions.ErrNotFound)
}

func TestService_SecurityReport(t *testing.T) {
	svc, _ := newTestService(t)
	id := installAudit(t, svc)

	report, actions, err := svc.SecurityReport(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Equal(t, 100.0, report.SecurityScore)
	assert.Equal(t, security.RiskLow, report.RiskLevel)
	assert.Equal(t, 100.0, report.ComplianceScore)
	assert.Empty(t, actions)
}

func TestService_ReportMemoryUsageFeedsHealthMonitor(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.BindHandler("audit-log", "onUpdate", func(ctx context.Context, inv *dispatch.Invocation) (interface{}, error) {
		return nil, nil
	}))
	id := installAudit(t, svc)

	assert.ErrorIs(t, svc.ReportMemoryUsage(ctx, id, -1), extensions.ErrValidation)
	require.NoError(t, svc.ReportMemoryUsage(ctx, id, 300))

	report, err := svc.HealthMonitor().CheckNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Contains(t, report.Failed, id)

	stats, err := svc.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FailedExtensions)
	assert.Equal(t, 300.0, stats.MemoryUsageMB)

	// error keeps registrations until the extension is deactivated
	assert.Equal(t, 1, stats.RegisteredPoints)
	_, err = svc.SetExtensionActivation(ctx, lifecycle.ActivationRequest{ExtensionID: id, Activate: false})
	require.NoError(t, err)
	assert.Equal(t, 0, svc.dispatcher.RegisteredPointCount())
}

func TestService_LifecycleOperations(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	id := installAudit(t, svc)

	_, err := svc.UpdateConfiguration(ctx, lifecycle.ConfigurationUpdateRequest{
		ExtensionID:   id,
		Configuration: map[string]interface{}{"level": "debug"},
	})
	require.NoError(t, err)

	updated, err := svc.UpdateExtension(ctx, lifecycle.UpdateRequest{ExtensionID: id, Version: "1.1.0"})
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", updated.Version)
	assert.Equal(t, "debug", updated.Configuration.CurrentConfig["level"])

	order, err := svc.ResolveDependencies(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, order)

	disabled, err := svc.DisableExtension(ctx, id, "maintenance")
	require.NoError(t, err)
	assert.Equal(t, extensions.StatusDisabled, disabled.Status)

	ok, err := svc.UninstallExtension(ctx, id, false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, svc.Routes().Len())
}

func TestService_StartStop(t *testing.T) {
	svc, _ := newTestService(t)
	require.NoError(t, svc.Start())
	assert.Error(t, svc.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(ctx))
}

func TestService_VerifyExtensionDoesNotInstall(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	result, err := svc.VerifyExtension(ctx, lifecycle.InstallRequest{Name: "audit-log", Source: "mem://audit"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "Extension audit-log passed verification", result.Message)
	require.NotNil(t, result.SecurityValidation)
	assert.Equal(t, 100.0, result.SecurityValidation.SecurityScore)
	assert.Empty(t, result.PolicyActions)

	counts, err := svc.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)

	_, err = svc.VerifyExtension(ctx, lifecycle.InstallRequest{Name: "audit-log", Source: "mem://missing"})
	assert.Error(t, err)
}
