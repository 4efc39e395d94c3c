// Package events carries gateway events from the chat adapter to the bridge:
// a typed fan-out broker and a dispatcher that serializes work per thread.
package events

import (
	"context"
	"time"
)

// EventType identifies the type of event
type EventType string

// Chat gateway event types
const (
	ChatMessageCreated EventType = "chat.message.created"
	ChatMessageUpdated EventType = "chat.message.updated"
	ChatMessageDeleted EventType = "chat.message.deleted"
)

// Event wraps a payload with broker bookkeeping
type Event[T any] struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Payload   T                 `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	// Key groups related events; the bridge uses the chat thread id.
	Key string `json:"key,omitempty"`
}

// Publisher defines the interface for publishing events
type Publisher[T any] interface {
	Publish(eventType EventType, payload T, opts ...PublishOption)
}

// Subscriber defines the interface for subscribing to events
type Subscriber[T any] interface {
	Subscribe(ctx context.Context, filters ...EventFilter) <-chan Event[T]
}

// EventFilter decides whether a subscriber receives an event. Filters only
// see the envelope, never the payload.
type EventFilter func(Envelope) bool

// Envelope is the payload-free part of an Event
type Envelope struct {
	ID        string
	Type      EventType
	Key       string
	Timestamp time.Time
}

// PublishOption defines options for publishing events
type PublishOption func(*PublishOptions)

// PublishOptions contains options for publishing events
type PublishOptions struct {
	Key      string
	Metadata map[string]string
}

// WithKey sets the grouping key for the event
func WithKey(key string) PublishOption {
	return func(opts *PublishOptions) {
		opts.Key = key
	}
}

// WithMetadata sets metadata for the event
func WithMetadata(metadata map[string]string) PublishOption {
	return func(opts *PublishOptions) {
		opts.Metadata = metadata
	}
}

// FilterByType creates a filter for specific event types
func FilterByType(eventTypes ...EventType) EventFilter {
	typeMap := make(map[EventType]bool)
	for _, t := range eventTypes {
		typeMap[t] = true
	}
	return func(env Envelope) bool {
		return typeMap[env.Type]
	}
}

// FilterByKey creates a filter for one grouping key
func FilterByKey(key string) EventFilter {
	return func(env Envelope) bool {
		return env.Key == key
	}
}

// CombineFilters combines multiple filters with AND logic
func CombineFilters(filters ...EventFilter) EventFilter {
	return func(env Envelope) bool {
		for _, filter := range filters {
			if !filter(env) {
				return false
			}
		}
		return true
	}
}
