package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/platinummonkey/plexus/pkg/extensions"
)

// Invocation is what a handler receives for one call
type Invocation struct {
	Execution    extensions.ExecutionContext
	PointName    string
	TargetModule string
	ContextID    string
	EventData    map[string]interface{}
}

// HandlerFunc is the in-process implementation of an extension function
type HandlerFunc func(ctx context.Context, inv *Invocation) (interface{}, error)

// HandlerRegistry binds function names to Go funcs. Bindings are keyed by
// owner, which is an extension id or an extension name; names let hosts bind
// code before the install assigns an id.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]map[string]HandlerFunc
}

// NewHandlerRegistry creates an empty registry
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]map[string]HandlerFunc)}
}

// Bind registers fn as functionName for owner, replacing any previous binding
func (r *HandlerRegistry) Bind(owner, functionName string, fn HandlerFunc) error {
	if owner == "" || functionName == "" {
		return fmt.Errorf("owner and function name are required")
	}
	if fn == nil {
		return fmt.Errorf("handler %s cannot be nil", functionName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	fns, ok := r.handlers[owner]
	if !ok {
		fns = make(map[string]HandlerFunc)
		r.handlers[owner] = fns
	}
	fns[functionName] = fn
	return nil
}

// Unbind drops every function bound for owner
func (r *HandlerRegistry) Unbind(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, owner)
}

// Lookup resolves functionName for ext, preferring bindings made under its
// id over bindings made under its name.
func (r *HandlerRegistry) Lookup(ext *extensions.Extension, functionName string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, owner := range []string{ext.ExtensionID, ext.Name} {
		if owner == "" {
			continue
		}
		if fn, ok := r.handlers[owner][functionName]; ok {
			return fn, true
		}
	}
	return nil, false
}
