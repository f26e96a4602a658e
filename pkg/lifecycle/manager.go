// Package lifecycle drives extensions through install, activation,
// configuration, update and removal, keeping the dispatcher, the API route
// table and the event subscriptions in step with each extension's status.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plexus/pkg/apiroutes"
	"github.com/platinummonkey/plexus/pkg/dispatch"
	"github.com/platinummonkey/plexus/pkg/events"
	"github.com/platinummonkey/plexus/pkg/extensions"
	"github.com/platinummonkey/plexus/pkg/manifest"
	"github.com/platinummonkey/plexus/pkg/observability"
	"github.com/platinummonkey/plexus/pkg/policy"
	"github.com/platinummonkey/plexus/pkg/registry"
	"github.com/platinummonkey/plexus/pkg/security"
)

// ProtocolVersion is stamped on every installed extension
const ProtocolVersion = "1.0.0"

// Validator scores an extension's security declarations
type Validator interface {
	Validate(ctx context.Context, ext *extensions.Extension) (*security.ValidationResult, error)
}

// ConfigReloader is invoked after the configuration of an active extension
// changed. An error rolls the change back.
type ConfigReloader func(ctx context.Context, ext *extensions.Extension) error

// HistoryForgetter drops per-extension execution history
type HistoryForgetter interface {
	Forget(extensionID string)
}

// Deps are the collaborators of a Manager. Repository, Loader, Validator and
// Dispatcher are required.
type Deps struct {
	Repository     registry.Repository
	Loader         manifest.Loader
	Validator      Validator
	Enforcer       *policy.Enforcer
	Dispatcher     *dispatch.Dispatcher
	Routes         *apiroutes.Table
	Bus            events.Bus
	Emitter        *events.Emitter
	History        HistoryForgetter
	ConfigReloader ConfigReloader
	Logger         *logrus.Logger
	Metrics        *observability.Metrics
	Now            func() time.Time
}

// Manager owns every status change triggered by a caller
type Manager struct {
	repo       registry.Repository
	loader     manifest.Loader
	validator  Validator
	enforcer   *policy.Enforcer
	dispatcher *dispatch.Dispatcher
	routes     *apiroutes.Table
	bus        events.Bus
	emitter    *events.Emitter
	history    HistoryForgetter
	reloader   ConfigReloader
	logger     *logrus.Logger
	metrics    *observability.Metrics
	now        func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	subsMu sync.Mutex
	subs   map[string][]events.Subscription
}

// NewManager validates deps and creates a Manager
func NewManager(d Deps) (*Manager, error) {
	switch {
	case d.Repository == nil:
		return nil, fmt.Errorf("lifecycle: repository is required")
	case d.Loader == nil:
		return nil, fmt.Errorf("lifecycle: manifest loader is required")
	case d.Validator == nil:
		return nil, fmt.Errorf("lifecycle: security validator is required")
	case d.Dispatcher == nil:
		return nil, fmt.Errorf("lifecycle: dispatcher is required")
	}

	logger := observability.OrDefault(d.Logger)
	if d.Enforcer == nil {
		d.Enforcer = policy.NewEnforcer(logger, d.Metrics)
	}
	if d.Routes == nil {
		d.Routes = apiroutes.NewTable()
	}
	if d.Now == nil {
		d.Now = time.Now
	}

	return &Manager{
		repo:       d.Repository,
		loader:     d.Loader,
		validator:  d.Validator,
		enforcer:   d.Enforcer,
		dispatcher: d.Dispatcher,
		routes:     d.Routes,
		bus:        d.Bus,
		emitter:    d.Emitter,
		history:    d.History,
		reloader:   d.ConfigReloader,
		logger:     logger,
		metrics:    d.Metrics,
		now:        d.Now,
		locks:      make(map[string]*sync.Mutex),
		subs:       make(map[string][]events.Subscription),
	}, nil
}

// Routes returns the API route table kept by the manager
func (m *Manager) Routes() *apiroutes.Table {
	return m.routes
}

// lock serializes lifecycle operations on one key and returns the unlock
func (m *Manager) lock(key string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	m.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}

func (m *Manager) get(ctx context.Context, id string) (*extensions.Extension, error) {
	ext, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load extension %s: %w", id, err)
	}
	if ext == nil {
		return nil, &extensions.NotFoundError{ExtensionID: id}
	}
	return ext, nil
}

// setStatus moves id from the expected status to another one, applying
// mutate in the same atomic update.
func (m *Manager) setStatus(ctx context.Context, id string, from, to extensions.Status, mutate func(*extensions.Extension)) (*extensions.Extension, error) {
	if err := extensions.Transition(from, to); err != nil {
		return nil, err
	}
	return m.repo.Update(ctx, id, func(ext *extensions.Extension) error {
		if ext.Status != from {
			return &extensions.TransitionError{From: ext.Status, To: to}
		}
		ext.Status = to
		if mutate != nil {
			mutate(ext)
		}
		return nil
	})
}

// register makes the points, API routes and event subscriptions of ext
// live. On error everything registered so far is removed again.
func (m *Manager) register(ctx context.Context, ext *extensions.Extension) error {
	m.unregister(ext.ExtensionID)
	m.dispatcher.RegisterPoints(ext)

	if err := m.routes.Register(ext.ExtensionID, ext.APIExtensions); err != nil {
		m.dispatcher.UnregisterPoints(ext.ExtensionID)
		return fmt.Errorf("failed to register API extensions: %w", err)
	}

	if err := m.subscribe(ctx, ext); err != nil {
		m.routes.Unregister(ext.ExtensionID)
		m.dispatcher.UnregisterPoints(ext.ExtensionID)
		return fmt.Errorf("failed to register event subscriptions: %w", err)
	}
	return nil
}

// hasRegistrations reports whether an extension in status s still holds
// registrations. The health monitor moves active extensions to error
// without touching them.
func hasRegistrations(s extensions.Status) bool {
	return s == extensions.StatusActive || s == extensions.StatusError
}

// unregister removes everything register added. It is idempotent.
func (m *Manager) unregister(extensionID string) {
	m.dispatcher.UnregisterPoints(extensionID)
	m.routes.Unregister(extensionID)
	m.unsubscribe(extensionID)
}

func (m *Manager) subscribe(ctx context.Context, ext *extensions.Extension) error {
	if len(ext.EventSubscriptions) == 0 {
		return nil
	}
	if m.bus == nil {
		return fmt.Errorf("no event bus configured")
	}

	subs := make([]events.Subscription, 0, len(ext.EventSubscriptions))
	for _, es := range ext.EventSubscriptions {
		sub, err := m.bus.Subscribe(ctx, es.EventPattern, m.eventHandler(ext, es))
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return err
		}
		subs = append(subs, sub)
	}

	m.subsMu.Lock()
	m.subs[ext.ExtensionID] = subs
	m.subsMu.Unlock()
	return nil
}

func (m *Manager) unsubscribe(extensionID string) {
	m.subsMu.Lock()
	subs := m.subs[extensionID]
	delete(m.subs, extensionID)
	m.subsMu.Unlock()

	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			m.logger.WithField("extension_id", extensionID).Warnf("Failed to unsubscribe: %v", err)
		}
	}
}

// eventHandler adapts a bound extension function to the event bus
func (m *Manager) eventHandler(ext *extensions.Extension, es extensions.EventSubscription) events.Handler {
	owner := ext.Clone()
	return func(ctx context.Context, event events.Event) error {
		if !matchesFilter(es.FilterConditions, event.Data) {
			return nil
		}
		data := make(map[string]interface{}, len(event.Data)+3)
		for k, v := range event.Data {
			data[k] = v
		}
		data["event_id"] = event.ID
		data["event_type"] = event.Type
		data["source_extension_id"] = event.ExtensionID

		result := m.dispatcher.InvokeHandler(ctx, owner, extensions.HandlerSpec{FunctionName: es.Handler}, event.Type, data, dispatch.DispatchOptions{})
		if !result.Success {
			return errors.New(result.ErrorMessage)
		}
		return nil
	}
}

func matchesFilter(filter map[string]interface{}, data map[string]interface{}) bool {
	for k, want := range filter {
		got, ok := data[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func (m *Manager) emit(ctx context.Context, eventType, extensionID string, data map[string]interface{}) {
	m.emitter.Emit(ctx, eventType, extensionID, data)
}
