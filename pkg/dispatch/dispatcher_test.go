package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/plexus/pkg/extensions"
	"github.com/platinummonkey/plexus/pkg/registry"
)

func getTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

type recordedCall struct {
	extensionID string
	success     bool
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (r *fakeRecorder) Record(extensionID string, _ time.Duration, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedCall{extensionID: extensionID, success: success})
}

type fixture struct {
	repo       *registry.MemoryRepository
	handlers   *HandlerRegistry
	recorder   *fakeRecorder
	dispatcher *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := registry.NewMemoryRepository()
	handlers := NewHandlerRegistry()
	recorder := &fakeRecorder{}
	return &fixture{
		repo:       repo,
		handlers:   handlers,
		recorder:   recorder,
		dispatcher: NewDispatcher(repo, handlers, getTestLogger(), Options{Recorder: recorder}),
	}
}

func point(name, target string, order int, fn string) extensions.ExtensionPoint {
	return extensions.ExtensionPoint{
		PointID:        fmt.Sprintf("%s-%d", fn, order),
		Name:           name,
		Type:           extensions.PointHook,
		TargetModule:   target,
		ExecutionOrder: order,
		Enabled:        true,
		Handler:        extensions.HandlerSpec{FunctionName: fn},
	}
}

// install saves an active extension and registers its points
func (f *fixture) install(t *testing.T, name string, points ...extensions.ExtensionPoint) *extensions.Extension {
	t.Helper()
	ext, err := f.repo.Save(context.Background(), &extensions.Extension{
		Name:            name,
		Version:         "1.0.0",
		Type:            extensions.TypeHook,
		Status:          extensions.StatusActive,
		ExtensionPoints: points,
	})
	require.NoError(t, err)
	f.dispatcher.RegisterPoints(ext)
	return ext
}

func TestExecutePoint_Order(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var order []int
	record := func(n int) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) (interface{}, error) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, n)
			return n, nil
		}
	}
	require.NoError(t, f.handlers.Bind("ordered", "third", record(3)))
	require.NoError(t, f.handlers.Bind("ordered", "first", record(1)))
	require.NoError(t, f.handlers.Bind("ordered", "second", record(2)))

	f.install(t, "ordered",
		point("context.before_update", "context", 3, "third"),
		point("context.before_update", "context", 1, "first"),
		point("context.before_update", "context", 2, "second"),
	)

	results := f.dispatcher.ExecutePoint(context.Background(), "context.before_update", "context", nil, DispatchOptions{})
	require.Len(t, results, 3)
	assert.Equal(t, []int{1, 2, 3}, order)
	for i, r := range results {
		assert.True(t, r.Success)
		assert.Equal(t, i+1, r.Result)
		assert.NotEmpty(t, r.ExecutionID)
	}
}

func TestExecutePoint_TiesKeepRegistrationOrder(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var seen []string
	for _, name := range []string{"alpha", "beta", "gamma"} {
		name := name
		require.NoError(t, f.handlers.Bind(name, "run", func(ctx context.Context, inv *Invocation) (interface{}, error) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, name)
			return nil, nil
		}))
		f.install(t, name, point("tick", "system", 0, "run"))
	}

	f.dispatcher.ExecutePoint(context.Background(), "tick", "plan", nil, DispatchOptions{})
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, seen)
}

func TestExecutePoint_Discovery(t *testing.T) {
	f := newFixture(t)
	noop := func(ctx context.Context, inv *Invocation) (interface{}, error) { return "ok", nil }
	require.NoError(t, f.handlers.Bind("ext", "fn", noop))

	disabled := point("evt", "context", 1, "fn")
	disabled.Enabled = false
	f.install(t, "ext",
		point("evt", "context", 1, "fn"),
		point("evt", "system", 2, "fn"),
		point("evt", "plan", 3, "fn"),
		point("other", "context", 4, "fn"),
		disabled,
	)
	inactive := f.install(t, "inactive-ext", point("evt", "context", 0, "fn"))
	_, err := f.repo.Update(context.Background(), inactive.ExtensionID, func(e *extensions.Extension) error {
		e.Status = extensions.StatusInactive
		return nil
	})
	require.NoError(t, err)

	results := f.dispatcher.ExecutePoint(context.Background(), "evt", "context", nil, DispatchOptions{})
	require.Len(t, results, 2)
	assert.Equal(t, "fn-1", results[0].PointID)
	assert.Equal(t, "fn-2", results[1].PointID)

	assert.Empty(t, f.dispatcher.ExecutePoint(context.Background(), "missing", "context", nil, DispatchOptions{}))
}

func TestExecutePoint_FailuresDoNotStopLaterHandlers(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.handlers.Bind("ext", "fails", func(ctx context.Context, inv *Invocation) (interface{}, error) {
		return nil, errors.New("bad payload")
	}))
	require.NoError(t, f.handlers.Bind("ext", "panics", func(ctx context.Context, inv *Invocation) (interface{}, error) {
		panic("handler bug")
	}))
	require.NoError(t, f.handlers.Bind("ext", "works", func(ctx context.Context, inv *Invocation) (interface{}, error) {
		return inv.EventData["id"], nil
	}))

	ext := f.install(t, "ext",
		point("evt", "context", 1, "fails"),
		point("evt", "context", 2, "panics"),
		point("evt", "context", 3, "unbound"),
		point("evt", "context", 4, "works"),
	)

	results := f.dispatcher.ExecutePoint(context.Background(), "evt", "context", map[string]interface{}{"id": "ctx-1"}, DispatchOptions{})
	require.Len(t, results, 4)

	for _, r := range results[:3] {
		assert.False(t, r.Success)
		assert.Equal(t, extensions.CodeHandlerExecutionFailed, r.ErrorCode)
		assert.NotEmpty(t, r.ErrorMessage)
	}
	assert.Contains(t, results[0].ErrorMessage, "bad payload")
	assert.Contains(t, results[1].ErrorMessage, "handler bug")
	assert.True(t, results[3].Success)
	assert.Equal(t, "ctx-1", results[3].Result)

	stored, err := f.repo.GetByID(context.Background(), ext.ExtensionID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Lifecycle.ErrorCount)
	require.NotNil(t, stored.Lifecycle.LastError)
	assert.Equal(t, extensions.CodeHandlerExecutionFailed, stored.Lifecycle.LastError.ErrorType)
	assert.Equal(t, int64(4), stored.Lifecycle.PerformanceMetrics.TotalExecutions)
	assert.InDelta(t, 0.25, stored.Lifecycle.PerformanceMetrics.SuccessRate, 0.0001)

	f.recorder.mu.Lock()
	assert.Len(t, f.recorder.calls, 4)
	f.recorder.mu.Unlock()
}

func TestExecutePoint_Timeout(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	defer close(release)

	require.NoError(t, f.handlers.Bind("slow", "wait", func(ctx context.Context, inv *Invocation) (interface{}, error) {
		<-release
		return nil, nil
	}))
	p := point("evt", "context", 1, "wait")
	p.Handler.TimeoutMs = 20
	f.install(t, "slow", p)

	results := f.dispatcher.ExecutePoint(context.Background(), "evt", "context", nil, DispatchOptions{})
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, extensions.CodeHandlerTimeout, results[0].ErrorCode)
	assert.Equal(t, 0, f.dispatcher.ActiveExecutionCount(""))
}

func TestInvokeHandler_RecordsOutcome(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	defer close(release)

	require.NoError(t, f.handlers.Bind("listener", "onEvent", func(ctx context.Context, inv *Invocation) (interface{}, error) {
		assert.Equal(t, "context.created", inv.PointName)
		assert.Equal(t, "evt-1", inv.ContextID)
		return "seen", nil
	}))
	require.NoError(t, f.handlers.Bind("listener", "onSlow", func(ctx context.Context, inv *Invocation) (interface{}, error) {
		<-release
		return nil, nil
	}))
	ext := f.install(t, "listener")

	ok := f.dispatcher.InvokeHandler(context.Background(), ext, extensions.HandlerSpec{FunctionName: "onEvent"}, "context.created",
		map[string]interface{}{"event_id": "evt-1"}, DispatchOptions{ContextID: "evt-1"})
	assert.True(t, ok.Success)
	assert.Equal(t, "seen", ok.Result)

	slow := f.dispatcher.InvokeHandler(context.Background(), ext, extensions.HandlerSpec{FunctionName: "onSlow", TimeoutMs: 20}, "context.updated", nil, DispatchOptions{})
	assert.False(t, slow.Success)
	assert.Equal(t, extensions.CodeHandlerTimeout, slow.ErrorCode)
	assert.Equal(t, 0, f.dispatcher.ActiveExecutionCount(""))

	stored, err := f.repo.GetByID(context.Background(), ext.ExtensionID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Lifecycle.PerformanceMetrics.TotalExecutions)
	assert.Equal(t, 1, stored.Lifecycle.ErrorCount)
	require.NotNil(t, stored.Lifecycle.LastError)
	assert.Equal(t, extensions.CodeHandlerTimeout, stored.Lifecycle.LastError.ErrorType)

	f.recorder.mu.Lock()
	defer f.recorder.mu.Unlock()
	assert.Equal(t, []recordedCall{
		{extensionID: ext.ExtensionID, success: true},
		{extensionID: ext.ExtensionID, success: false},
	}, f.recorder.calls)
}

func TestExecutePoint_ExecutionContext(t *testing.T) {
	f := newFixture(t)

	var got *Invocation
	require.NoError(t, f.handlers.Bind("ext", "fn", func(ctx context.Context, inv *Invocation) (interface{}, error) {
		got = inv
		return nil, nil
	}))
	p := point("evt", "context", 1, "fn")
	p.Handler.Parameters = map[string]interface{}{"mode": "strict", "depth": 1}
	ext := f.install(t, "ext", p)

	f.dispatcher.ExecutePoint(context.Background(), "evt", "context", nil, DispatchOptions{
		ContextID:  "ctx-9",
		Parameters: map[string]interface{}{"depth": 2},
	})

	require.NotNil(t, got)
	assert.Equal(t, ext.ExtensionID, got.Execution.ExtensionID)
	assert.Equal(t, "fn-1", got.Execution.PointID)
	assert.Equal(t, int(DefaultHandlerTimeout/time.Millisecond), got.Execution.TimeoutMs)
	assert.Equal(t, "ctx-9", got.ContextID)
	assert.Equal(t, map[string]interface{}{"mode": "strict", "depth": 2}, got.Execution.Parameters)
}

func TestExecutePoint_HandlerBoundByID(t *testing.T) {
	f := newFixture(t)
	ext := f.install(t, "ext", point("evt", "context", 1, "fn"))

	require.NoError(t, f.handlers.Bind("ext", "fn", func(ctx context.Context, inv *Invocation) (interface{}, error) {
		return "by-name", nil
	}))
	require.NoError(t, f.handlers.Bind(ext.ExtensionID, "fn", func(ctx context.Context, inv *Invocation) (interface{}, error) {
		return "by-id", nil
	}))

	results := f.dispatcher.ExecutePoint(context.Background(), "evt", "context", nil, DispatchOptions{})
	require.Len(t, results, 1)
	assert.Equal(t, "by-id", results[0].Result)
}

type failingRepo struct {
	registry.Repository
}

func (failingRepo) GetByID(ctx context.Context, id string) (*extensions.Extension, error) {
	return nil, errors.New("database unavailable")
}

func TestExecutePoint_DiscoveryFailure(t *testing.T) {
	d := NewDispatcher(failingRepo{registry.NewMemoryRepository()}, NewHandlerRegistry(), getTestLogger(), Options{})
	d.RegisterPoints(&extensions.Extension{
		ExtensionID:     "ext-1",
		ExtensionPoints: []extensions.ExtensionPoint{point("evt", "context", 1, "fn")},
	})

	results := d.ExecutePoint(context.Background(), "evt", "context", nil, DispatchOptions{})
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, extensions.CodeDiscoveryFailed, results[0].ErrorCode)
	assert.Contains(t, results[0].ErrorMessage, "database unavailable")
}

func TestStopActiveExecutions_TwoInFlight(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{}, 2)
	release := make(chan struct{})

	require.NoError(t, f.handlers.Bind("busy", "block", func(ctx context.Context, inv *Invocation) (interface{}, error) {
		started <- struct{}{}
		<-release
		return "done", nil
	}))
	ext := f.install(t, "busy", point("evt", "context", 1, "block"))

	var wg sync.WaitGroup
	results := make([][]extensions.ExecutionResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.dispatcher.ExecutePoint(context.Background(), "evt", "context", nil, DispatchOptions{})
		}(i)
	}
	<-started
	<-started
	require.Equal(t, 2, f.dispatcher.ActiveExecutionCount(ext.ExtensionID))

	assert.NotPanics(t, func() {
		assert.Equal(t, 2, f.dispatcher.StopActiveExecutions(ext.ExtensionID))
	})
	assert.Equal(t, 0, f.dispatcher.ActiveExecutionCount(ext.ExtensionID))

	close(release)
	wg.Wait()
	for _, r := range results {
		require.Len(t, r, 1)
		assert.True(t, r[0].Success)
	}
	assert.Equal(t, 0, f.dispatcher.ActiveExecutionCount(""))
}

func TestRegisterUnregisterPoints(t *testing.T) {
	f := newFixture(t)
	disabled := point("evt", "context", 2, "fn")
	disabled.Enabled = false
	ext := f.install(t, "ext", point("evt", "context", 1, "fn"), disabled, point("other", "plan", 1, "fn"))

	assert.Equal(t, 2, f.dispatcher.RegisteredPointCount())
	assert.Equal(t, 2, f.dispatcher.RegisterPoints(ext), "re-registering replaces")
	assert.Equal(t, 2, f.dispatcher.RegisteredPointCount())

	assert.Equal(t, 2, f.dispatcher.UnregisterPoints(ext.ExtensionID))
	assert.Equal(t, 0, f.dispatcher.RegisteredPointCount())
	assert.Equal(t, 0, f.dispatcher.UnregisterPoints(ext.ExtensionID))
}

func TestHandlerRegistry(t *testing.T) {
	r := NewHandlerRegistry()
	fn := func(ctx context.Context, inv *Invocation) (interface{}, error) { return nil, nil }

	assert.Error(t, r.Bind("", "fn", fn))
	assert.Error(t, r.Bind("ext", "", fn))
	assert.Error(t, r.Bind("ext", "fn", nil))
	require.NoError(t, r.Bind("ext", "fn", fn))

	_, ok := r.Lookup(&extensions.Extension{Name: "ext"}, "fn")
	assert.True(t, ok)
	_, ok = r.Lookup(&extensions.Extension{Name: "ext"}, "other")
	assert.False(t, ok)

	r.Unbind("ext")
	_, ok = r.Lookup(&extensions.Extension{Name: "ext"}, "fn")
	assert.False(t, ok)
}
