package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/platinummonkey/plexus/pkg/observability"
	"github.com/sirupsen/logrus"
)

// DefaultChannelPrefix namespaces event channels in Redis
const DefaultChannelPrefix = "plexus.events."

// RedisBus publishes events as JSON on Redis pub/sub channels named
// prefix + event type. Subscriptions use PSUBSCRIBE, so patterns follow
// Redis glob rules.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger *logrus.Logger

	mu   sync.Mutex
	subs map[*redisSubscription]struct{}
	wg   sync.WaitGroup
}

type redisSubscription struct {
	bus    *RedisBus
	pubsub *redis.PubSub
	once   sync.Once
}

// NewRedisBus creates a bus over an existing client. prefix may be empty.
func NewRedisBus(client *redis.Client, prefix string, logger *logrus.Logger) *RedisBus {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisBus{
		client: client,
		prefix: prefix,
		logger: observability.OrDefault(logger),
		subs:   make(map[*redisSubscription]struct{}),
	}
}

// Publish sends event to its channel
func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := b.client.Publish(ctx, b.prefix+event.Type, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", event.Type, err)
	}
	return nil
}

// Subscribe waits for the subscription to be confirmed before returning, so
// events published afterwards are delivered.
func (b *RedisBus) Subscribe(ctx context.Context, pattern string, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	pubsub := b.client.PSubscribe(ctx, b.prefix+pattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
	}

	sub := &redisSubscription{bus: b, pubsub: pubsub}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	ch := pubsub.Channel()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.consume(ch, pattern, handler)
	}()

	return sub, nil
}

func (b *RedisBus) consume(ch <-chan *redis.Message, pattern string, handler Handler) {
	for msg := range ch {
		var event Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			b.logger.WithField("channel", msg.Channel).Warnf("Dropping undecodable event: %v", err)
			continue
		}
		b.handle(pattern, handler, event)
	}
}

func (b *RedisBus) handle(pattern string, handler Handler, event Event) {
	defer observability.RecoverPanic(b.logger, "event handler for "+pattern)

	if err := handler(context.Background(), event); err != nil {
		b.logger.WithFields(logrus.Fields{
			"event_type": event.Type,
			"pattern":    pattern,
		}).Warnf("Event handler failed: %v", err)
	}
}

// Close unsubscribes everything and waits for consumers to stop. The client
// is owned by the caller and stays open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	subs := make([]*redisSubscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	var firstErr error
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.wg.Wait()
	return firstErr
}

func (s *redisSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		err = s.pubsub.Close()
	})
	return err
}
