// Package eventbus provides in-process publish/subscribe used to fan out
// connection and extension lifecycle events independently of request/response
// traffic. Every handler invocation runs as its own goroutine with isolated
// failure, so a slow or panicking handler never blocks the inbound pump or
// its sibling handlers.
package eventbus

import (
	"log"
	"sync"
	"sync/atomic"
)

// Handler receives the payload of a published event.
type Handler func(payload map[string]any)

// Logger interface for injecting custom loggers
type Logger interface {
	Printf(format string, v ...any)
	Errorf(format string, v ...any)
	Debugf(format string, v ...any)
}

// defaultLogger implements Logger using standard log package
type defaultLogger struct{}

func (l *defaultLogger) Printf(format string, v ...any) {
	log.Printf("[EventBus] "+format, v...)
}

func (l *defaultLogger) Errorf(format string, v ...any) {
	log.Printf("[EventBus ERROR] "+format, v...)
}

func (l *defaultLogger) Debugf(_ string, _ ...any) {
	// Silent by default
}

// Subscription identifies one registered handler so it can be removed.
type Subscription struct {
	eventType string
	id        uint64
}

// Bus routes published events to subscribed handlers. The handler list may
// be mutated concurrently with dispatch; Publish iterates over a snapshot.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]map[uint64]Handler
	nextID   atomic.Uint64
	inflight sync.WaitGroup
	logger   Logger
}

// Option is a functional option for configuring the Bus
type Option func(*Bus)

// WithLogger sets a custom logger for the bus
func WithLogger(logger Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBus creates an empty event bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		handlers: make(map[string]map[uint64]Handler),
		logger:   &defaultLogger{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for an event type and returns the
// subscription used to remove it.
func (b *Bus) Subscribe(eventType string, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID.Add(1)
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[uint64]Handler)
	}
	b.handlers[eventType][id] = handler

	return &Subscription{eventType: eventType, id: id}
}

// Unsubscribe removes a previously registered handler. Removing an already
// removed subscription is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if handlers, ok := b.handlers[sub.eventType]; ok {
		delete(handlers, sub.id)
		if len(handlers) == 0 {
			delete(b.handlers, sub.eventType)
		}
	}
}

// Publish dispatches the payload to every handler subscribed to eventType.
// Handlers are scheduled, not awaited; a panic in one handler is logged and
// does not reach the publisher or other handlers.
func (b *Bus) Publish(eventType string, payload map[string]any) {
	b.mu.RLock()
	snapshot := make([]Handler, 0, len(b.handlers[eventType]))
	for _, h := range b.handlers[eventType] {
		snapshot = append(snapshot, h)
	}
	b.mu.RUnlock()

	for _, handler := range snapshot {
		h := handler
		b.inflight.Add(1)
		go func() {
			defer b.inflight.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Errorf("handler panic for event %q: %v", eventType, r)
				}
			}()
			h(payload)
		}()
	}
}

// Wait blocks until all handlers dispatched so far have returned. Intended
// for shutdown and tests.
func (b *Bus) Wait() {
	b.inflight.Wait()
}
