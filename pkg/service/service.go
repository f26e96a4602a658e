// Package service is the exposed facade of the extension host. It wires the
// registry, security pipeline, lifecycle manager, dispatcher and monitors
// into one value and exposes the operations callers are allowed to use.
package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plexus/pkg/apiroutes"
	"github.com/platinummonkey/plexus/pkg/dispatch"
	"github.com/platinummonkey/plexus/pkg/events"
	"github.com/platinummonkey/plexus/pkg/extensions"
	"github.com/platinummonkey/plexus/pkg/lifecycle"
	"github.com/platinummonkey/plexus/pkg/manifest"
	"github.com/platinummonkey/plexus/pkg/monitor"
	"github.com/platinummonkey/plexus/pkg/observability"
	"github.com/platinummonkey/plexus/pkg/policy"
	"github.com/platinummonkey/plexus/pkg/registry"
	"github.com/platinummonkey/plexus/pkg/security"
)

// Options configures a Service. Repository and Loader are required.
type Options struct {
	Repository registry.Repository
	Loader     manifest.Loader
	// Bus defaults to an in-process MemoryBus
	Bus      events.Bus
	Security security.Options

	HandlerTimeout time.Duration
	HealthSchedule string
	SampleSchedule string
	HTTPClient     *http.Client
	HealthChecks   []monitor.Check

	ConfigReloader lifecycle.ConfigReloader
	Logger         *logrus.Logger
	Metrics        *observability.Metrics
	Now            func() time.Time
}

// Statistics is a point-in-time summary of the host
type Statistics struct {
	GeneratedAt           time.Time           `json:"generated_at"`
	TotalExtensions       int                 `json:"total_extensions"`
	ActiveExtensions      int                 `json:"active_extensions"`
	FailedExtensions      int                 `json:"failed_extensions"`
	ByStatus              map[string]int      `json:"by_status"`
	ByType                map[string]int      `json:"by_type"`
	RegisteredPoints      int                 `json:"registered_points"`
	RegisteredRoutes      int                 `json:"registered_routes"`
	ActiveExecutions      int                 `json:"active_executions"`
	TotalExecutions       int64               `json:"total_executions"`
	AverageResponseTimeMs float64             `json:"average_response_time_ms"`
	MemoryUsageMB         float64             `json:"memory_usage_mb"`
	ProcessMemoryMB       float64             `json:"process_memory_mb"`
	CPUUsagePercent       float64             `json:"cpu_usage_percent"`
	ValidationCache       security.CacheStats `json:"validation_cache"`
}

// Service is the extension host
type Service struct {
	repo        registry.Repository
	bus         events.Bus
	ownsBus     bool
	pipeline    *security.Pipeline
	enforcer    *policy.Enforcer
	handlers    *dispatch.HandlerRegistry
	dispatcher  *dispatch.Dispatcher
	emitter     *events.Emitter
	manager     *lifecycle.Manager
	performance *monitor.PerformanceMonitor
	health      *monitor.HealthMonitor
	logger      *logrus.Logger
	metrics     *observability.Metrics
	now         func() time.Time

	healthSchedule string
	sampleSchedule string
}

// New builds the component graph
func New(opts Options) (*Service, error) {
	if opts.Repository == nil {
		return nil, fmt.Errorf("service: repository is required")
	}
	if opts.Loader == nil {
		return nil, fmt.Errorf("service: manifest loader is required")
	}

	logger := observability.OrDefault(opts.Logger)
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Service{
		repo:           opts.Repository,
		bus:            opts.Bus,
		logger:         logger,
		metrics:        opts.Metrics,
		now:            opts.Now,
		healthSchedule: opts.HealthSchedule,
		sampleSchedule: opts.SampleSchedule,
	}
	if s.bus == nil {
		s.bus = events.NewMemoryBus(logger)
		s.ownsBus = true
	}

	s.pipeline = security.NewPipeline(opts.Security, logger, opts.Metrics)
	s.enforcer = policy.NewEnforcer(logger, opts.Metrics)
	s.performance = monitor.NewPerformanceMonitor(logger, opts.Metrics)
	s.handlers = dispatch.NewHandlerRegistry()
	s.dispatcher = dispatch.NewDispatcher(opts.Repository, s.handlers, logger, dispatch.Options{
		DefaultTimeout: opts.HandlerTimeout,
		Recorder:       s.performance,
		Metrics:        opts.Metrics,
		Now:            opts.Now,
	})
	s.emitter = events.NewEmitter(s.bus, logger, opts.Metrics)

	manager, err := lifecycle.NewManager(lifecycle.Deps{
		Repository:     opts.Repository,
		Loader:         opts.Loader,
		Validator:      s.pipeline,
		Enforcer:       s.enforcer,
		Dispatcher:     s.dispatcher,
		Routes:         apiroutes.NewTable(),
		Bus:            s.bus,
		Emitter:        s.emitter,
		History:        s.performance,
		ConfigReloader: opts.ConfigReloader,
		Logger:         logger,
		Metrics:        opts.Metrics,
		Now:            opts.Now,
	})
	if err != nil {
		return nil, err
	}
	s.manager = manager

	s.health = monitor.NewHealthMonitor(opts.Repository, s.handlers, s.emitter, logger, opts.Metrics, monitor.HealthOptions{
		Schedule:   opts.HealthSchedule,
		HTTPClient: opts.HTTPClient,
		Now:        opts.Now,
		Extra:      opts.HealthChecks,
	})
	return s, nil
}

// Start schedules the health monitor and performance sampling
func (s *Service) Start() error {
	if err := s.performance.Start(s.sampleSchedule); err != nil {
		return err
	}
	if err := s.health.Start(); err != nil {
		_ = s.performance.Stop(context.Background())
		return err
	}
	s.logger.Info("Extension host started")
	return nil
}

// Stop halts the monitors, drains pending events and closes a bus the
// service created itself.
func (s *Service) Stop(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(s.health.Stop(ctx))
	keep(s.performance.Stop(ctx))
	keep(s.emitter.Flush(ctx))
	if s.ownsBus {
		keep(s.bus.Close())
	}
	s.logger.Info("Extension host stopped")
	return firstErr
}

// BindHandler binds fn as functionName for the extension with the given id
// or name.
func (s *Service) BindHandler(owner, functionName string, fn dispatch.HandlerFunc) error {
	return s.handlers.Bind(owner, functionName, fn)
}

// Routes returns the API routes contributed by active extensions
func (s *Service) Routes() *apiroutes.Table {
	return s.manager.Routes()
}

// HealthMonitor exposes the monitor for on-demand passes
func (s *Service) HealthMonitor() *monitor.HealthMonitor {
	return s.health
}

// InstallExtension installs an extension from its manifest source
func (s *Service) InstallExtension(ctx context.Context, req lifecycle.InstallRequest) (*lifecycle.InstallResult, error) {
	return s.manager.Install(ctx, req)
}

// VerifyExtension runs the install checks for req without installing
func (s *Service) VerifyExtension(ctx context.Context, req lifecycle.InstallRequest) (*lifecycle.InstallResult, error) {
	return s.manager.Verify(ctx, req)
}

// UninstallExtension removes an extension
func (s *Service) UninstallExtension(ctx context.Context, extensionID string, force bool) (bool, error) {
	return s.manager.Uninstall(ctx, extensionID, force)
}

// SetExtensionActivation activates or deactivates an extension
func (s *Service) SetExtensionActivation(ctx context.Context, req lifecycle.ActivationRequest) (*extensions.Extension, error) {
	return s.manager.SetActivation(ctx, req)
}

// UpdateConfiguration validates and applies a configuration change
func (s *Service) UpdateConfiguration(ctx context.Context, req lifecycle.ConfigurationUpdateRequest) (*extensions.Extension, error) {
	return s.manager.UpdateConfiguration(ctx, req)
}

// UpdateExtension upgrades an extension from a new manifest
func (s *Service) UpdateExtension(ctx context.Context, req lifecycle.UpdateRequest) (*extensions.Extension, error) {
	return s.manager.UpdateExtension(ctx, req)
}

// DisableExtension moves an extension to disabled
func (s *Service) DisableExtension(ctx context.Context, extensionID, reason string) (*extensions.Extension, error) {
	return s.manager.Disable(ctx, extensionID, reason)
}

// ResolveDependencies returns the activation order for an extension
func (s *Service) ResolveDependencies(ctx context.Context, extensionID string) ([]string, error) {
	return s.manager.ResolveDependencies(ctx, extensionID)
}

// ExecuteExtensionPoint runs every active handler registered for pointName
func (s *Service) ExecuteExtensionPoint(ctx context.Context, pointName, targetModule string, eventData map[string]interface{}, opts dispatch.DispatchOptions) []extensions.ExecutionResult {
	return s.dispatcher.ExecutePoint(ctx, pointName, targetModule, eventData, opts)
}

// SearchExtensions returns the extensions matching criteria
func (s *Service) SearchExtensions(ctx context.Context, criteria extensions.SearchCriteria) ([]*extensions.Extension, error) {
	return s.repo.Search(ctx, criteria)
}

// GetExtension returns one extension or a NotFoundError
func (s *Service) GetExtension(ctx context.Context, extensionID string) (*extensions.Extension, error) {
	ext, err := s.repo.GetByID(ctx, extensionID)
	if err != nil {
		return nil, err
	}
	if ext == nil {
		return nil, &extensions.NotFoundError{ExtensionID: extensionID}
	}
	return ext, nil
}

// SecurityReport validates the stored extension and summarizes the result
// together with the policy actions it triggers.
func (s *Service) SecurityReport(ctx context.Context, extensionID string) (*security.Report, []policy.Action, error) {
	ext, err := s.GetExtension(ctx, extensionID)
	if err != nil {
		return nil, nil, err
	}
	result, err := s.pipeline.Validate(ctx, ext)
	if err != nil {
		return nil, nil, err
	}
	actions := s.enforcer.Enforce(ext.ExtensionID, result)
	report := security.BuildReport(result)
	return &report, actions, nil
}

// ReportMemoryUsage stores the memory an extension was measured to use.
// The health monitor compares it against the extension's limit.
func (s *Service) ReportMemoryUsage(ctx context.Context, extensionID string, memoryMB float64) error {
	if memoryMB < 0 {
		return &extensions.ValidationError{Field: "memory_usage_mb", Message: "must not be negative"}
	}
	_, err := s.repo.Update(ctx, extensionID, func(ext *extensions.Extension) error {
		ext.Lifecycle.PerformanceMetrics.MemoryUsageMB = memoryMB
		return nil
	})
	return err
}

// CountByStatus reports the number of extensions in each status
func (s *Service) CountByStatus(ctx context.Context) (map[string]int, error) {
	all, err := s.repo.All(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, ext := range all {
		counts[string(ext.Status)]++
	}
	return counts, nil
}

// GetStatistics summarizes the registry, dispatcher, monitors and
// validation cache. It also refreshes the extension count gauges.
func (s *Service) GetStatistics(ctx context.Context) (*Statistics, error) {
	all, err := s.repo.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list extensions: %w", err)
	}

	stats := &Statistics{
		GeneratedAt:           s.now(),
		TotalExtensions:       len(all),
		ByStatus:              make(map[string]int),
		ByType:                make(map[string]int),
		RegisteredPoints:      s.dispatcher.RegisteredPointCount(),
		RegisteredRoutes:      s.manager.Routes().Len(),
		ActiveExecutions:      s.dispatcher.ActiveExecutionCount(""),
		TotalExecutions:       s.performance.TotalExecutions(),
		AverageResponseTimeMs: s.performance.AverageResponseTimeMs(),
		ValidationCache:       s.pipeline.CacheStats(),
	}
	for _, ext := range all {
		stats.ByStatus[string(ext.Status)]++
		stats.ByType[string(ext.Type)]++
		stats.MemoryUsageMB += ext.Lifecycle.PerformanceMetrics.MemoryUsageMB
	}
	stats.ActiveExtensions = stats.ByStatus[string(extensions.StatusActive)]
	stats.FailedExtensions = stats.ByStatus[string(extensions.StatusError)]
	stats.ProcessMemoryMB, stats.CPUUsagePercent = s.performance.ProcessUsage()

	s.metrics.SetExtensionCounts(stats.ByStatus)
	return stats, nil
}
