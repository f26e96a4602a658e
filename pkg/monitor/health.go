package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/plexus/pkg/dispatch"
	"github.com/platinummonkey/plexus/pkg/events"
	"github.com/platinummonkey/plexus/pkg/extensions"
	"github.com/platinummonkey/plexus/pkg/observability"
	"github.com/platinummonkey/plexus/pkg/registry"
)

// DefaultHealthSchedule is the health check period
const DefaultHealthSchedule = "@every 30s"

const (
	defaultConcurrency  = 8
	defaultProbeTimeout = 5 * time.Second
	healthCheckFailed   = "HEALTH_CHECK_FAILED"
)

// Check inspects one active extension and returns an error when it is unhealthy
type Check struct {
	Name string
	Run  func(ctx context.Context, ext *extensions.Extension) error
}

// HealthOptions configures a HealthMonitor
type HealthOptions struct {
	Schedule    string
	Concurrency int
	HTTPClient  *http.Client
	Now         func() time.Time
	// Extra checks run after the built-in ones
	Extra []Check
}

// HealthReport is the outcome of one pass
type HealthReport struct {
	Checked int               `json:"checked"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// HealthMonitor periodically checks active extensions. A failed check
// moves the extension to error; it is the only background actor that
// changes extension status.
type HealthMonitor struct {
	repo     registry.Repository
	handlers *dispatch.HandlerRegistry
	emitter  *events.Emitter
	logger   *logrus.Logger
	metrics  *observability.Metrics
	opts     HealthOptions
	checks   []Check

	mu   sync.Mutex
	cron *cron.Cron
}

var errNoLongerActive = errors.New("extension no longer active")

// NewHealthMonitor creates a monitor. emitter, logger and metrics may be nil.
func NewHealthMonitor(repo registry.Repository, handlers *dispatch.HandlerRegistry, emitter *events.Emitter, logger *logrus.Logger, metrics *observability.Metrics, opts HealthOptions) *HealthMonitor {
	if opts.Schedule == "" {
		opts.Schedule = DefaultHealthSchedule
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &HealthMonitor{
		repo:     repo,
		handlers: handlers,
		emitter:  emitter,
		logger:   observability.OrDefault(logger),
		metrics:  metrics,
		opts:     opts,
	}
	m.checks = append([]Check{
		{Name: "handlers", Run: m.checkHandlers},
		{Name: "endpoint", Run: m.checkEndpoint},
		{Name: "memory", Run: checkMemory},
	}, opts.Extra...)
	return m
}

// Start schedules periodic checks
func (m *HealthMonitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cron != nil {
		return fmt.Errorf("health monitor already started")
	}

	c := cron.New()
	_, err := c.AddFunc(m.opts.Schedule, func() {
		if _, err := m.CheckNow(context.Background()); err != nil {
			m.logger.Errorf("Health check pass failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule health checks: %w", err)
	}
	c.Start()
	m.cron = c
	m.logger.Infof("Health monitor started: %s", m.opts.Schedule)
	return nil
}

// Stop halts scheduling and waits for a running pass
func (m *HealthMonitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CheckNow runs one pass over every active extension
func (m *HealthMonitor) CheckNow(ctx context.Context) (HealthReport, error) {
	active, err := m.repo.Search(ctx, extensions.SearchCriteria{
		Statuses: []extensions.Status{extensions.StatusActive},
	})
	if err != nil {
		return HealthReport{}, fmt.Errorf("failed to list active extensions: %w", err)
	}

	report := HealthReport{Checked: len(active), Failed: make(map[string]string)}
	var reportMu sync.Mutex

	var g errgroup.Group
	g.SetLimit(m.opts.Concurrency)
	for _, ext := range active {
		ext := ext
		g.Go(func() error {
			failure := m.checkExtension(ctx, ext)
			m.metrics.RecordHealthCheck(failure == nil)
			if failure == nil {
				return nil
			}
			if m.markFailed(ctx, ext, failure) {
				reportMu.Lock()
				report.Failed[ext.ExtensionID] = failure.Error()
				reportMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return report, nil
}

func (m *HealthMonitor) checkExtension(ctx context.Context, ext *extensions.Extension) error {
	defer observability.RecoverPanic(m.logger, "health check "+ext.ExtensionID)

	for _, check := range m.checks {
		if err := check.Run(ctx, ext); err != nil {
			return fmt.Errorf("%s check failed: %w", check.Name, err)
		}
	}
	return nil
}

// markFailed records the failure and reports whether the extension was
// moved to error.
func (m *HealthMonitor) markFailed(ctx context.Context, ext *extensions.Extension, failure error) bool {
	now := m.opts.Now()
	_, err := m.repo.Update(ctx, ext.ExtensionID, func(stored *extensions.Extension) error {
		if stored.Status != extensions.StatusActive {
			return errNoLongerActive
		}
		stored.Lifecycle.ErrorCount++
		stored.Lifecycle.LastError = &extensions.ErrorRecord{
			Timestamp: now,
			ErrorType: healthCheckFailed,
			Message:   failure.Error(),
		}
		stored.Status = extensions.StatusError
		return nil
	})
	if errors.Is(err, errNoLongerActive) || errors.Is(err, extensions.ErrNotFound) {
		return false
	}
	if err != nil {
		m.logger.WithField("extension_id", ext.ExtensionID).Errorf("Failed to record health check failure: %v", err)
		return false
	}

	m.logger.WithFields(logrus.Fields{
		"extension_id": ext.ExtensionID,
		"name":         ext.Name,
	}).Warnf("Extension failed health check: %v", failure)
	m.emitter.Emit(ctx, events.ExtensionHealthCheckFailed, ext.ExtensionID, map[string]interface{}{
		"name":  ext.Name,
		"error": failure.Error(),
	})
	return true
}

func (m *HealthMonitor) checkHandlers(_ context.Context, ext *extensions.Extension) error {
	if m.handlers == nil {
		return nil
	}
	for _, p := range ext.ExtensionPoints {
		if !p.Enabled {
			continue
		}
		if _, ok := m.handlers.Lookup(ext, p.Handler.FunctionName); !ok {
			return fmt.Errorf("no handler bound for %s (point %s)", p.Handler.FunctionName, p.Name)
		}
	}
	return nil
}

func (m *HealthMonitor) checkEndpoint(ctx context.Context, ext *extensions.Extension) error {
	hc := ext.Lifecycle.HealthCheck
	if hc == nil || !hc.Enabled || hc.Endpoint == "" {
		return nil
	}

	timeout := defaultProbeTimeout
	if hc.TimeoutMs > 0 {
		timeout = time.Duration(hc.TimeoutMs) * time.Millisecond
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, hc.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("invalid health endpoint: %w", err)
	}
	resp, err := m.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("health endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func checkMemory(_ context.Context, ext *extensions.Extension) error {
	limit := ext.Security.ResourceLimits.MaxMemoryMB
	used := ext.Lifecycle.PerformanceMetrics.MemoryUsageMB
	if limit > 0 && used > float64(limit) {
		return fmt.Errorf("memory usage %.1f MB exceeds limit %d MB", used, limit)
	}
	return nil
}
