package events

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"

	"github.com/platinummonkey/plexus/pkg/observability"
	"github.com/sirupsen/logrus"
)

// ErrBusClosed is returned after Close
var ErrBusClosed = errors.New("event bus closed")

// MemoryBus delivers events synchronously to in-process subscribers.
// Handler errors and panics are logged and do not reach the publisher.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[int]*memorySubscription
	nextID int
	closed bool
	logger *logrus.Logger
}

type memorySubscription struct {
	bus     *MemoryBus
	id      int
	pattern string
	handler Handler
}

// NewMemoryBus creates an in-process bus
func NewMemoryBus(logger *logrus.Logger) *MemoryBus {
	return &MemoryBus{
		subs:   make(map[int]*memorySubscription),
		logger: observability.OrDefault(logger),
	}
}

// Publish delivers event to every matching subscriber
func (b *MemoryBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	matched := make([]*memorySubscription, 0, len(b.subs))
	for _, s := range b.subs {
		if Matches(s.pattern, event.Type) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range matched {
		b.deliver(ctx, s, event)
	}
	return nil
}

func (b *MemoryBus) deliver(ctx context.Context, s *memorySubscription, event Event) {
	defer observability.RecoverPanic(b.logger, "event handler for "+s.pattern)

	if err := s.handler(ctx, event); err != nil {
		b.logger.WithFields(logrus.Fields{
			"event_type": event.Type,
			"pattern":    s.pattern,
		}).Warnf("Event handler failed: %v", err)
	}
}

// Subscribe registers handler for pattern
func (b *MemoryBus) Subscribe(ctx context.Context, pattern string, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid event pattern %q: %w", pattern, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	b.nextID++
	s := &memorySubscription{bus: b, id: b.nextID, pattern: pattern, handler: handler}
	b.subs[s.id] = s
	return s, nil
}

// Close drops every subscription
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.subs = make(map[int]*memorySubscription)
	return nil
}

// SubscriberCount returns the number of live subscriptions
func (b *MemoryBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s.id)
	return nil
}
