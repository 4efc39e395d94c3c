package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

const defaultBufferSize = 64

// Broker implements a generic publish-subscribe broker with type safety.
// Publish never blocks: a subscriber whose buffer is full misses the event.
type Broker[T any] struct {
	subs       map[chan Event[T]]SubscriberInfo
	mu         sync.RWMutex
	done       chan struct{}
	bufferSize int
	dropped    atomic.Uint64
	logger     *log.Logger
}

// SubscriberInfo contains metadata about a subscriber
type SubscriberInfo struct {
	ID      string
	Filters []EventFilter
	Created time.Time
}

// NewBroker creates a new broker with default settings
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithOptions[T](defaultBufferSize, log.Default())
}

// NewBrokerWithOptions creates a new broker with custom settings
func NewBrokerWithOptions[T any](channelBufferSize int, logger *log.Logger) *Broker[T] {
	if channelBufferSize <= 0 {
		channelBufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Broker[T]{
		subs:       make(map[chan Event[T]]SubscriberInfo),
		done:       make(chan struct{}),
		bufferSize: channelBufferSize,
		logger:     logger.With("component", "broker"),
	}
}

// Publish publishes an event to all subscribers
func (b *Broker[T]) Publish(eventType EventType, payload T, opts ...PublishOption) {
	select {
	case <-b.done:
		return // Broker is shut down
	default:
	}

	options := &PublishOptions{}
	for _, opt := range opts {
		opt(options)
	}

	event := Event[T]{
		ID:        uuid.New().String(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
		Key:       options.Key,
		Metadata:  options.Metadata,
	}
	env := Envelope{ID: event.ID, Type: event.Type, Key: event.Key, Timestamp: event.Timestamp}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, info := range b.subs {
		if !accepts(env, info.Filters) {
			continue
		}
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
			b.logger.Warn("subscriber channel full, dropping event",
				"subscriber", info.ID, "event", event.ID, "type", event.Type, "key", event.Key)
		}
	}
}

// Subscribe creates a new subscription with optional filters. The channel
// is closed when ctx is cancelled or the broker shuts down.
func (b *Broker[T]) Subscribe(ctx context.Context, filters ...EventFilter) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event[T], b.bufferSize)
	select {
	case <-b.done:
		close(ch)
		return ch
	default:
	}

	b.subs[ch] = SubscriberInfo{
		ID:      uuid.New().String(),
		Filters: filters,
		Created: time.Now(),
	}

	go func() {
		select {
		case <-ctx.Done():
			b.unsubscribe(ch)
		case <-b.done:
		}
	}()

	return ch
}

func (b *Broker[T]) unsubscribe(ch chan Event[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subs[ch]; exists {
		delete(b.subs, ch)
		close(ch)
	}
}

func accepts(env Envelope, filters []EventFilter) bool {
	for _, filter := range filters {
		if !filter(env) {
			return false
		}
	}
	return true
}

// GetStats returns broker statistics
func (b *Broker[T]) GetStats() BrokerStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return BrokerStats{
		SubscriberCount: len(b.subs),
		Dropped:         b.dropped.Load(),
		BufferSize:      b.bufferSize,
		IsShutdown:      b.isShutdown(),
	}
}

// BrokerStats contains broker statistics
type BrokerStats struct {
	SubscriberCount int    `json:"subscriber_count"`
	Dropped         uint64 `json:"dropped"`
	BufferSize      int    `json:"buffer_size"`
	IsShutdown      bool   `json:"is_shutdown"`
}

func (b *Broker[T]) isShutdown() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Shutdown closes every subscriber channel. Later publishes are ignored.
func (b *Broker[T]) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isShutdown() {
		return
	}
	close(b.done)

	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
	b.logger.Debug("event broker shut down", "dropped", b.dropped.Load())
}

// String returns a string representation of the broker
func (b *Broker[T]) String() string {
	stats := b.GetStats()
	return fmt.Sprintf("Broker[subscribers=%d, dropped=%d, shutdown=%v]",
		stats.SubscriberCount, stats.Dropped, stats.IsShutdown)
}
