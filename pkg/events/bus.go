// Package events carries lifecycle events between the extension host and
// its subscribers, in-process or over Redis pub/sub.
package events

import (
	"context"
	"path"
	"time"
)

// Lifecycle event types
const (
	ExtensionInstalled            = "extension_installed"
	ExtensionActivated            = "extension_activated"
	ExtensionDeactivated          = "extension_deactivated"
	ExtensionConfigurationUpdated = "extension_configuration_updated"
	ExtensionUninstalled          = "extension_uninstalled"
	ExtensionUpdated              = "extension_updated"
	ExtensionDisabled             = "extension_disabled"
	ExtensionHealthCheckFailed    = "extension_health_check_failed"
)

// Event is a single published event
type Event struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	ExtensionID string                 `json:"extension_id,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// Handler receives events matching a subscription pattern
type Handler func(ctx context.Context, event Event) error

// Subscription is an active pattern subscription
type Subscription interface {
	Unsubscribe() error
}

// Bus is the publish/subscribe capability injected into the host
type Bus interface {
	Publish(ctx context.Context, event Event) error
	// Subscribe registers handler for event types matching pattern.
	// Patterns use path.Match syntax, e.g. "extension_*" or "context.*".
	Subscribe(ctx context.Context, pattern string, handler Handler) (Subscription, error)
	Close() error
}

// Matches reports whether an event type matches a subscription pattern
func Matches(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	ok, err := path.Match(pattern, eventType)
	return err == nil && ok
}
