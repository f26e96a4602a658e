// Package apiroutes tracks the HTTP endpoints contributed by active
// extensions and rejects two extensions claiming the same route.
package apiroutes

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/platinummonkey/plexus/pkg/extensions"
)

// Route is a registered API extension
type Route struct {
	ExtensionID string
	API         extensions.APIExtension
}

// ConflictError reports a route already owned by another extension
type ConflictError struct {
	Method   string
	Endpoint string
	OwnerID  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("route %s %s already registered by extension %s", e.Method, e.Endpoint, e.OwnerID)
}

func routeKey(method, endpoint string) string {
	return strings.ToUpper(method) + " " + endpoint
}

// Table is the route table. Safe for concurrent use.
type Table struct {
	mu     sync.RWMutex
	routes map[string]Route
	owned  map[string][]string
}

// NewTable creates an empty route table
func NewTable() *Table {
	return &Table{
		routes: make(map[string]Route),
		owned:  make(map[string][]string),
	}
}

// Register adds every api for extensionID. Either all routes are added or,
// on a conflict, none are.
func (t *Table) Register(extensionID string, apis []extensions.APIExtension) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	pending := make(map[string]Route, len(apis))
	for _, api := range apis {
		key := routeKey(api.Method, api.Endpoint)
		if existing, ok := t.routes[key]; ok && existing.ExtensionID != extensionID {
			return &ConflictError{Method: strings.ToUpper(api.Method), Endpoint: api.Endpoint, OwnerID: existing.ExtensionID}
		}
		if _, dup := pending[key]; dup {
			return fmt.Errorf("route %s declared twice by extension %s", key, extensionID)
		}
		pending[key] = Route{ExtensionID: extensionID, API: api}
	}

	for key, route := range pending {
		if _, ok := t.routes[key]; !ok {
			t.owned[extensionID] = append(t.owned[extensionID], key)
		}
		t.routes[key] = route
	}
	return nil
}

// Unregister removes every route owned by extensionID and returns how many
// were removed.
func (t *Table) Unregister(extensionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := t.owned[extensionID]
	for _, key := range keys {
		delete(t.routes, key)
	}
	delete(t.owned, extensionID)
	return len(keys)
}

// Resolve finds the route for method and endpoint
func (t *Table) Resolve(method, endpoint string) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.routes[routeKey(method, endpoint)]
	return r, ok
}

// Routes lists registered routes sorted by endpoint then method
func (t *Table) Routes() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Route, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].API.Endpoint != out[j].API.Endpoint {
			return out[i].API.Endpoint < out[j].API.Endpoint
		}
		return strings.ToUpper(out[i].API.Method) < strings.ToUpper(out[j].API.Method)
	})
	return out
}

// Len returns the number of registered routes
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}
