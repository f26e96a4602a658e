package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/plexus/pkg/async"
	"github.com/platinummonkey/plexus/pkg/observability"
	"github.com/sirupsen/logrus"
)

// publishTimeout bounds a single fire-and-forget publish
const publishTimeout = 5 * time.Second

// Emitter publishes lifecycle events without blocking the caller. Events
// reach the bus one at a time in Emit order.
type Emitter struct {
	bus     Bus
	tasks   *async.Group
	logger  *logrus.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu       sync.Mutex
	pending  []Event
	draining bool
}

// NewEmitter wraps bus. A nil bus makes Emit a no-op.
func NewEmitter(bus Bus, logger *logrus.Logger, metrics *observability.Metrics) *Emitter {
	logger = observability.OrDefault(logger)
	return &Emitter{
		bus:     bus,
		tasks:   async.NewGroup(logger),
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Emit publishes an event in the background; failures are only logged
func (e *Emitter) Emit(ctx context.Context, eventType, extensionID string, data map[string]interface{}) {
	if e == nil || e.bus == nil {
		return
	}

	event := Event{
		ID:          uuid.New().String(),
		Type:        eventType,
		ExtensionID: extensionID,
		Timestamp:   e.now(),
		Data:        data,
	}

	e.mu.Lock()
	e.pending = append(e.pending, event)
	start := !e.draining
	e.draining = true
	e.mu.Unlock()

	if start {
		e.tasks.Go(ctx, publishTimeout, "publish events", e.drain)
	}
}

// drain publishes queued events until the queue is empty. Each publish gets
// its own timeout.
func (e *Emitter) drain(ctx context.Context) error {
	defer func() {
		if r := recover(); r != nil {
			e.mu.Lock()
			e.draining = false
			e.mu.Unlock()
			panic(r)
		}
	}()

	for {
		e.mu.Lock()
		if len(e.pending) == 0 {
			e.draining = false
			e.mu.Unlock()
			return nil
		}
		event := e.pending[0]
		e.pending = e.pending[1:]
		e.mu.Unlock()

		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		err := e.bus.Publish(pctx, event)
		cancel()

		e.metrics.RecordEvent(event.Type, err == nil)
		if err != nil {
			e.logger.WithFields(logrus.Fields{
				"event_type":   event.Type,
				"extension_id": event.ExtensionID,
			}).Warnf("Failed to publish event: %v", err)
		}
	}
}

// Flush waits until every queued event was published
func (e *Emitter) Flush(ctx context.Context) error {
	if e == nil {
		return nil
	}
	return e.tasks.Wait(ctx)
}
