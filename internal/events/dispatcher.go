package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/entrepeneur4lyf/threadbridge/internal/clock"
)

var (
	ErrQueueFull        = errors.New("dispatch queue full")
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

// HandlerFunc processes one payload for key
type HandlerFunc[T any] func(ctx context.Context, key string, payload T)

// DispatcherOptions tunes a Dispatcher
type DispatcherOptions struct {
	// QueueSize bounds the pending payloads per key.
	QueueSize int
	// IdleTimeout is how long a key's goroutine lingers without work.
	IdleTimeout time.Duration
	Clock       clock.Clock
	Logger      *log.Logger
}

// Dispatcher runs one goroutine per key so payloads for a key are handled
// one at a time in arrival order while different keys proceed in parallel.
// Idle goroutines exit and are recreated on demand.
type Dispatcher[T any] struct {
	handler HandlerFunc[T]
	opts    DispatcherOptions
	logger  *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers map[string]*worker[T]
	closed  bool
	wg      sync.WaitGroup
}

type worker[T any] struct {
	queue chan T
}

// NewDispatcher creates a dispatcher. Handlers receive a context derived
// from ctx that is cancelled by Close.
func NewDispatcher[T any](ctx context.Context, handler HandlerFunc[T], opts DispatcherOptions) *Dispatcher[T] {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 32
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Dispatcher[T]{
		handler: handler,
		opts:    opts,
		logger:  opts.Logger.With("component", "dispatcher"),
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[string]*worker[T]),
	}
}

// Dispatch queues payload behind earlier payloads for key. It never blocks;
// a full queue returns ErrQueueFull.
func (d *Dispatcher[T]) Dispatch(key string, payload T) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.ctx.Err() != nil {
		return ErrDispatcherClosed
	}

	w, ok := d.workers[key]
	if !ok {
		w = &worker[T]{queue: make(chan T, d.opts.QueueSize)}
		d.workers[key] = w
		d.wg.Add(1)
		go d.run(key, w)
	}

	select {
	case w.queue <- payload:
		return nil
	default:
		d.logger.Warn("queue full, dropping event", "key", key)
		return ErrQueueFull
	}
}

func (d *Dispatcher[T]) run(key string, w *worker[T]) {
	defer d.wg.Done()

	for {
		select {
		case payload := <-w.queue:
			d.handle(key, payload)

		case <-d.opts.Clock.After(d.opts.IdleTimeout):
			// Dispatch enqueues under d.mu, so an empty queue observed here
			// stays empty once the worker is unregistered.
			d.mu.Lock()
			if len(w.queue) > 0 {
				d.mu.Unlock()
				continue
			}
			delete(d.workers, key)
			d.mu.Unlock()
			return

		case <-d.ctx.Done():
			d.mu.Lock()
			delete(d.workers, key)
			d.mu.Unlock()
			return
		}
	}
}

func (d *Dispatcher[T]) handle(key string, payload T) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked", "key", key, "panic", r)
		}
	}()
	d.handler(d.ctx, key, payload)
}

// Active returns the number of keys with a live goroutine
func (d *Dispatcher[T]) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}

// Close stops accepting payloads, cancels running handlers and waits for
// every goroutine to exit. Queued payloads are discarded.
func (d *Dispatcher[T]) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}

// Forward dispatches every event from sub under its Key until sub closes or
// ctx is done
func (d *Dispatcher[T]) Forward(ctx context.Context, sub <-chan Event[T]) {
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := d.Dispatch(ev.Key, ev.Payload); err != nil {
				d.logger.Warn("event not dispatched", "event", ev.ID, "type", ev.Type, "key", ev.Key, "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
