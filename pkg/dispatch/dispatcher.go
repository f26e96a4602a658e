// Package dispatch runs the handlers registered for an extension point in
// execution order and tracks the executions in flight.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/plexus/pkg/extensions"
	"github.com/platinummonkey/plexus/pkg/observability"
	"github.com/platinummonkey/plexus/pkg/registry"
)

// DefaultHandlerTimeout applies when a point declares no timeout
const DefaultHandlerTimeout = 5000 * time.Millisecond

// Recorder receives every measured handler execution
type Recorder interface {
	Record(extensionID string, d time.Duration, success bool)
}

// Options configures a Dispatcher
type Options struct {
	DefaultTimeout time.Duration
	Recorder       Recorder
	Metrics        *observability.Metrics
	Now            func() time.Time
}

// DispatchOptions are the optional caller-supplied execution context fields
type DispatchOptions struct {
	ContextID  string
	Parameters map[string]interface{}
	// TimeoutMs overrides every handler's own timeout when positive
	TimeoutMs int
}

type registeredPoint struct {
	extensionID string
	point       extensions.ExtensionPoint
	seq         uint64
}

// Dispatcher executes extension points
type Dispatcher struct {
	repo     registry.Repository
	handlers *HandlerRegistry
	logger   *logrus.Logger
	opts     Options
	tracer   trace.Tracer

	mu     sync.RWMutex
	points map[string][]registeredPoint
	seq    uint64

	execMu sync.Mutex
	active map[string]extensions.ExecutionContext
}

// NewDispatcher creates a dispatcher over repo and handlers
func NewDispatcher(repo registry.Repository, handlers *HandlerRegistry, logger *logrus.Logger, opts Options) *Dispatcher {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultHandlerTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Dispatcher{
		repo:     repo,
		handlers: handlers,
		logger:   observability.OrDefault(logger),
		opts:     opts,
		tracer:   otel.Tracer("github.com/platinummonkey/plexus/pkg/dispatch"),
		points:   make(map[string][]registeredPoint),
		active:   make(map[string]extensions.ExecutionContext),
	}
}

// Handlers returns the handler registry the dispatcher resolves against
func (d *Dispatcher) Handlers() *HandlerRegistry {
	return d.handlers
}

// RegisterPoints makes the enabled points of ext dispatchable. Existing
// registrations for ext are replaced.
func (d *Dispatcher) RegisterPoints(ext *extensions.Extension) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.removeLocked(ext.ExtensionID)

	n := 0
	for _, p := range ext.ExtensionPoints {
		if !p.Enabled {
			continue
		}
		d.seq++
		d.points[p.Name] = append(d.points[p.Name], registeredPoint{
			extensionID: ext.ExtensionID,
			point:       p,
			seq:         d.seq,
		})
		n++
	}
	return n
}

// UnregisterPoints removes every point registered for extensionID
func (d *Dispatcher) UnregisterPoints(extensionID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removeLocked(extensionID)
}

func (d *Dispatcher) removeLocked(extensionID string) int {
	removed := 0
	for name, list := range d.points {
		kept := list[:0]
		for _, rp := range list {
			if rp.extensionID == extensionID {
				removed++
				continue
			}
			kept = append(kept, rp)
		}
		if len(kept) == 0 {
			delete(d.points, name)
		} else {
			d.points[name] = kept
		}
	}
	return removed
}

// RegisteredPointCount returns the number of dispatchable points
func (d *Dispatcher) RegisteredPointCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := 0
	for _, list := range d.points {
		n += len(list)
	}
	return n
}

type match struct {
	ext *extensions.Extension
	rp  registeredPoint
}

// discover returns the matching points of active extensions in execution
// order, ties kept in registration order.
func (d *Dispatcher) discover(ctx context.Context, pointName, targetModule string) ([]match, error) {
	d.mu.RLock()
	candidates := make([]registeredPoint, 0, len(d.points[pointName]))
	for _, rp := range d.points[pointName] {
		if rp.point.TargetModule == targetModule || rp.point.TargetModule == extensions.SystemModule {
			candidates = append(candidates, rp)
		}
	}
	d.mu.RUnlock()

	owners := make(map[string]*extensions.Extension)
	matches := make([]match, 0, len(candidates))
	for _, rp := range candidates {
		ext, seen := owners[rp.extensionID]
		if !seen {
			var err error
			ext, err = d.repo.GetByID(ctx, rp.extensionID)
			if err != nil {
				return nil, fmt.Errorf("failed to load extension %s: %w", rp.extensionID, err)
			}
			owners[rp.extensionID] = ext
		}
		if ext == nil || ext.Status != extensions.StatusActive {
			continue
		}
		matches = append(matches, match{ext: ext, rp: rp})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i].rp, matches[j].rp
		if a.point.ExecutionOrder != b.point.ExecutionOrder {
			return a.point.ExecutionOrder < b.point.ExecutionOrder
		}
		return a.seq < b.seq
	})
	return matches, nil
}

// ExecutePoint invokes every matching handler sequentially and returns one
// result per handler. Handler failures never abort the run and are never
// returned as an error.
func (d *Dispatcher) ExecutePoint(ctx context.Context, pointName, targetModule string, eventData map[string]interface{}, opts DispatchOptions) []extensions.ExecutionResult {
	ctx, span := d.tracer.Start(ctx, "dispatch.ExecutePoint", trace.WithAttributes(
		attribute.String("point.name", pointName),
		attribute.String("point.target_module", targetModule),
	))
	defer span.End()

	matches, err := d.discover(ctx, pointName, targetModule)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "discovery failed")
		d.logger.WithField("point", pointName).Errorf("Extension point discovery failed: %v", err)
		return []extensions.ExecutionResult{{
			ExecutionID:  uuid.New().String(),
			Success:      false,
			ErrorCode:    extensions.CodeDiscoveryFailed,
			ErrorMessage: err.Error(),
		}}
	}

	results := make([]extensions.ExecutionResult, 0, len(matches))
	for _, m := range matches {
		results = append(results, d.invoke(ctx, m, pointName, targetModule, eventData, opts))
	}
	span.SetAttributes(attribute.Int("handlers", len(results)))
	return results
}

// InvokeHandler runs a single handler of ext outside point discovery, such
// as an event subscription. Timeout, tracking and execution accounting match
// ExecutePoint; the result is reported under pointName.
func (d *Dispatcher) InvokeHandler(ctx context.Context, ext *extensions.Extension, handler extensions.HandlerSpec, pointName string, eventData map[string]interface{}, opts DispatchOptions) extensions.ExecutionResult {
	m := match{
		ext: ext,
		rp: registeredPoint{
			extensionID: ext.ExtensionID,
			point:       extensions.ExtensionPoint{Name: pointName, Enabled: true, Handler: handler},
		},
	}
	return d.invoke(ctx, m, pointName, "", eventData, opts)
}

type outcome struct {
	value interface{}
	err   error
}

func (d *Dispatcher) invoke(ctx context.Context, m match, pointName, targetModule string, eventData map[string]interface{}, opts DispatchOptions) extensions.ExecutionResult {
	point := m.rp.point
	timeoutMs := point.Handler.TimeoutMs
	if opts.TimeoutMs > 0 {
		timeoutMs = opts.TimeoutMs
	}
	timeout := time.Duration(timeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = d.opts.DefaultTimeout
	}

	params := point.Handler.Parameters
	if len(opts.Parameters) > 0 {
		params = make(map[string]interface{}, len(point.Handler.Parameters)+len(opts.Parameters))
		for k, v := range point.Handler.Parameters {
			params[k] = v
		}
		for k, v := range opts.Parameters {
			params[k] = v
		}
	}

	ec := extensions.ExecutionContext{
		ExecutionID: uuid.New().String(),
		ExtensionID: m.ext.ExtensionID,
		PointID:     point.PointID,
		StartTime:   d.opts.Now(),
		TimeoutMs:   int(timeout / time.Millisecond),
		Parameters:  params,
	}
	d.track(ec)
	defer d.untrack(ec.ExecutionID)

	result := extensions.ExecutionResult{
		ExecutionID: ec.ExecutionID,
		ExtensionID: ec.ExtensionID,
		PointID:     ec.PointID,
	}

	start := time.Now()
	value, err := d.call(ctx, m.ext, point, timeout, &Invocation{
		Execution:    ec,
		PointName:    pointName,
		TargetModule: targetModule,
		ContextID:    opts.ContextID,
		EventData:    eventData,
	})
	elapsed := time.Since(start)
	result.ExecutionTimeMs = float64(elapsed) / float64(time.Millisecond)

	if err != nil {
		herr := &extensions.HandlerExecutionError{
			ExtensionID:  m.ext.ExtensionID,
			PointID:      point.PointID,
			FunctionName: point.Handler.FunctionName,
			Err:          err,
		}
		result.ErrorCode = extensions.CodeHandlerExecutionFailed
		if errors.Is(err, context.DeadlineExceeded) {
			result.ErrorCode = extensions.CodeHandlerTimeout
		}
		result.ErrorMessage = herr.Error()
		d.logger.WithFields(logrus.Fields{
			"extension_id": m.ext.ExtensionID,
			"point":        pointName,
			"code":         result.ErrorCode,
		}).Warnf("Extension handler failed: %v", err)
	} else {
		result.Success = true
		result.Result = value
	}

	d.recordOutcome(ctx, m.ext.ExtensionID, pointName, elapsed, result)
	return result
}

// call runs the handler under its timeout. The handler context is detached
// from caller cancellation; only the timeout stops it.
func (d *Dispatcher) call(ctx context.Context, ext *extensions.Extension, point extensions.ExtensionPoint, timeout time.Duration, inv *Invocation) (interface{}, error) {
	fn, ok := d.handlers.Lookup(ext, point.Handler.FunctionName)
	if !ok {
		return nil, fmt.Errorf("no handler bound for function %q", point.Handler.FunctionName)
	}

	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.WithField("extension_id", ext.ExtensionID).Errorf("Extension handler panicked: %v", r)
				done <- outcome{err: observability.PanicError(r)}
			}
		}()
		v, err := fn(hctx, inv)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-hctx.Done():
		return nil, fmt.Errorf("handler timed out after %s: %w", timeout, hctx.Err())
	}
}

func (d *Dispatcher) recordOutcome(ctx context.Context, extensionID, pointName string, elapsed time.Duration, result extensions.ExecutionResult) {
	d.opts.Metrics.RecordExecution(pointName, elapsed, result.Success)
	if d.opts.Recorder != nil {
		d.opts.Recorder.Record(extensionID, elapsed, result.Success)
	}

	_, err := d.repo.Update(ctx, extensionID, func(ext *extensions.Extension) error {
		ext.Lifecycle.PerformanceMetrics.Record(elapsed, result.Success)
		if !result.Success {
			ext.Lifecycle.ErrorCount++
			ext.Lifecycle.LastError = &extensions.ErrorRecord{
				Timestamp: d.opts.Now(),
				ErrorType: result.ErrorCode,
				Message:   result.ErrorMessage,
			}
		}
		return nil
	})
	if err != nil {
		d.logger.WithField("extension_id", extensionID).Warnf("Failed to update execution metrics: %v", err)
	}
}

func (d *Dispatcher) track(ec extensions.ExecutionContext) {
	d.execMu.Lock()
	d.active[ec.ExecutionID] = ec
	n := len(d.active)
	d.execMu.Unlock()
	d.opts.Metrics.SetActiveExecutions(n)
}

func (d *Dispatcher) untrack(executionID string) {
	d.execMu.Lock()
	delete(d.active, executionID)
	n := len(d.active)
	d.execMu.Unlock()
	d.opts.Metrics.SetActiveExecutions(n)
}

// StopActiveExecutions drops the tracking entries of extensionID and returns
// how many were dropped. Running handlers are not interrupted.
func (d *Dispatcher) StopActiveExecutions(extensionID string) int {
	d.execMu.Lock()
	stopped := 0
	for id, ec := range d.active {
		if ec.ExtensionID == extensionID {
			delete(d.active, id)
			stopped++
		}
	}
	n := len(d.active)
	d.execMu.Unlock()

	d.opts.Metrics.SetActiveExecutions(n)
	if stopped > 0 {
		d.logger.WithField("extension_id", extensionID).Infof("Stopped tracking %d active executions", stopped)
	}
	return stopped
}

// ActiveExecutionCount returns the tracked executions of extensionID, or
// of every extension when extensionID is empty.
func (d *Dispatcher) ActiveExecutionCount(extensionID string) int {
	d.execMu.Lock()
	defer d.execMu.Unlock()

	if extensionID == "" {
		return len(d.active)
	}
	n := 0
	for _, ec := range d.active {
		if ec.ExtensionID == extensionID {
			n++
		}
	}
	return n
}

// ActiveExecutions returns a snapshot of the tracked executions
func (d *Dispatcher) ActiveExecutions() []extensions.ExecutionContext {
	d.execMu.Lock()
	defer d.execMu.Unlock()

	out := make([]extensions.ExecutionContext, 0, len(d.active))
	for _, ec := range d.active {
		out = append(out, ec)
	}
	return out
}
