package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/plexus/pkg/observability"
)

func getTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

// recorder collects delivered events for assertions
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func TestMatches(t *testing.T) {
	tests := []struct {
		pattern   string
		eventType string
		want      bool
	}{
		{"*", ExtensionInstalled, true},
		{ExtensionInstalled, ExtensionInstalled, true},
		{"extension_*", ExtensionActivated, true},
		{"extension_*", "context.created", false},
		{"context.*", "context.created", true},
		{"[", "anything", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.eventType, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(tt.pattern, tt.eventType))
		})
	}
}

func TestMemoryBus_PublishDeliversToMatchingSubscribers(t *testing.T) {
	bus := NewMemoryBus(getTestLogger())
	ctx := context.Background()

	all := &recorder{}
	installs := &recorder{}
	_, err := bus.Subscribe(ctx, "*", all.handle)
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, ExtensionInstalled, installs.handle)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, Event{Type: ExtensionInstalled, ExtensionID: "ext-1"}))
	require.NoError(t, bus.Publish(ctx, Event{Type: ExtensionActivated, ExtensionID: "ext-1"}))

	assert.Equal(t, []string{ExtensionInstalled, ExtensionActivated}, all.types())
	assert.Equal(t, []string{ExtensionInstalled}, installs.types())
}

func TestMemoryBus_HandlerFailuresDoNotReachPublisher(t *testing.T) {
	bus := NewMemoryBus(getTestLogger())
	ctx := context.Background()

	after := &recorder{}
	_, err := bus.Subscribe(ctx, "*", func(context.Context, Event) error {
		return errors.New("boom")
	})
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, "*", func(context.Context, Event) error {
		panic("handler panic")
	})
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, "*", after.handle)
	require.NoError(t, err)

	assert.NoError(t, bus.Publish(ctx, Event{Type: ExtensionUninstalled}))
	assert.Equal(t, []string{ExtensionUninstalled}, after.types())
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus(getTestLogger())
	ctx := context.Background()

	rec := &recorder{}
	sub, err := bus.Subscribe(ctx, "*", rec.handle)
	require.NoError(t, err)
	assert.Equal(t, 1, bus.SubscriberCount())

	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, 0, bus.SubscriberCount())

	require.NoError(t, bus.Publish(ctx, Event{Type: ExtensionInstalled}))
	assert.Empty(t, rec.types())
}

func TestMemoryBus_SubscribeValidation(t *testing.T) {
	bus := NewMemoryBus(getTestLogger())
	ctx := context.Background()

	_, err := bus.Subscribe(ctx, "*", nil)
	assert.Error(t, err)

	_, err = bus.Subscribe(ctx, "[", func(context.Context, Event) error { return nil })
	assert.Error(t, err)
}

func TestMemoryBus_Closed(t *testing.T) {
	bus := NewMemoryBus(getTestLogger())
	ctx := context.Background()
	require.NoError(t, bus.Close())

	assert.ErrorIs(t, bus.Publish(ctx, Event{Type: ExtensionInstalled}), ErrBusClosed)
	_, err := bus.Subscribe(ctx, "*", func(context.Context, Event) error { return nil })
	assert.ErrorIs(t, err, ErrBusClosed)
}

func newTestRedisBus(t *testing.T) *RedisBus {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	bus := NewRedisBus(client, "", getTestLogger())
	t.Cleanup(func() { bus.Close() })
	return bus
}

func TestRedisBus_PublishSubscribe(t *testing.T) {
	bus := newTestRedisBus(t)
	ctx := context.Background()

	rec := &recorder{}
	_, err := bus.Subscribe(ctx, "extension_*", rec.handle)
	require.NoError(t, err)

	err = bus.Publish(ctx, Event{
		ID:          "evt-1",
		Type:        ExtensionInstalled,
		ExtensionID: "ext-1",
		Timestamp:   time.Now(),
		Data:        map[string]interface{}{"name": "audit-log"},
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(rec.types()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	got := rec.events[0]
	rec.mu.Unlock()
	assert.Equal(t, "evt-1", got.ID)
	assert.Equal(t, "ext-1", got.ExtensionID)
	assert.Equal(t, "audit-log", got.Data["name"])
}

func TestRedisBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := newTestRedisBus(t)
	ctx := context.Background()

	rec := &recorder{}
	sub, err := bus.Subscribe(ctx, "*", rec.handle)
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	assert.NoError(t, sub.Unsubscribe())

	require.NoError(t, bus.Publish(ctx, Event{Type: ExtensionInstalled}))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.types())
}

func TestEmitter_Emit(t *testing.T) {
	bus := NewMemoryBus(getTestLogger())
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	emitter := NewEmitter(bus, getTestLogger(), metrics)

	rec := &recorder{}
	_, err := bus.Subscribe(context.Background(), "*", rec.handle)
	require.NoError(t, err)

	emitter.Emit(context.Background(), ExtensionActivated, "ext-1", map[string]interface{}{"activated": true})
	require.NoError(t, emitter.Flush(context.Background()))

	require.Len(t, rec.types(), 1)
	rec.mu.Lock()
	got := rec.events[0]
	rec.mu.Unlock()
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "ext-1", got.ExtensionID)
	assert.False(t, got.Timestamp.IsZero())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.EventsPublishedTotal.WithLabelValues(ExtensionActivated, "success")))
}

func TestEmitter_PreservesOrder(t *testing.T) {
	bus := NewMemoryBus(getTestLogger())
	emitter := NewEmitter(bus, getTestLogger(), nil)

	rec := &recorder{}
	_, err := bus.Subscribe(context.Background(), "*", rec.handle)
	require.NoError(t, err)

	var want []string
	for i := 0; i < 50; i++ {
		ext := fmt.Sprintf("ext-%d", i)
		want = append(want, ext)
		emitter.Emit(context.Background(), ExtensionInstalled, ext, nil)
	}
	require.NoError(t, emitter.Flush(context.Background()))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	got := make([]string, 0, len(rec.events))
	for _, e := range rec.events {
		got = append(got, e.ExtensionID)
	}
	assert.Equal(t, want, got)
}

func TestEmitter_PublishFailureIsSwallowed(t *testing.T) {
	bus := NewMemoryBus(getTestLogger())
	require.NoError(t, bus.Close())
	emitter := NewEmitter(bus, getTestLogger(), nil)

	emitter.Emit(context.Background(), ExtensionInstalled, "ext-1", nil)
	assert.NoError(t, emitter.Flush(context.Background()))
}

func TestEmitter_NilBus(t *testing.T) {
	emitter := NewEmitter(nil, getTestLogger(), nil)
	emitter.Emit(context.Background(), ExtensionInstalled, "ext-1", nil)
	assert.NoError(t, emitter.Flush(context.Background()))

	var nilEmitter *Emitter
	nilEmitter.Emit(context.Background(), ExtensionInstalled, "ext-1", nil)
	assert.NoError(t, nilEmitter.Flush(context.Background()))
}
