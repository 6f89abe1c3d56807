// Package event provides the in-process publish/subscribe bus that carries
// device state changes from the protocol engine to its consumers.
package event

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Topics published by the controller.
const (
	TopicDeviceState     = "profinet.device.state"
	TopicDeviceAuthority = "profinet.device.authority"
	TopicDeviceSample    = "profinet.device.sample"
	TopicDeviceSeen      = "profinet.dcp.device_seen"
	TopicDeviceRemoved   = "profinet.device.removed"
)

// Event is a message carried on the bus.
type Event struct {
	Topic     string    `json:"topic"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Handler receives events.
type Handler func(ctx context.Context, e Event)

// Publisher is the publishing half of the bus, the only part the protocol
// engine depends on.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	PublishAsync(ctx context.Context, e Event)
}

// Bus is a synchronous topic bus with wildcard subscribers.
type Bus struct {
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[string]map[uint64]Handler
	all      map[uint64]Handler
	nextID   uint64
}

var _ Publisher = (*Bus)(nil)

// NewBus returns an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger:   logger.Named("event"),
		handlers: make(map[string]map[uint64]Handler),
		all:      make(map[uint64]Handler),
	}
}

// Subscribe registers h for topic and returns a function that removes it.
func (b *Bus) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[uint64]Handler)
	}
	b.handlers[topic][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[topic], id)
		if len(b.handlers[topic]) == 0 {
			delete(b.handlers, topic)
		}
	}
}

// SubscribeAll registers h for every topic.
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.all[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.all, id)
	}
}

func (b *Bus) snapshot(topic string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Handler, 0, len(b.handlers[topic])+len(b.all))
	for _, h := range b.handlers[topic] {
		out = append(out, h)
	}
	for _, h := range b.all {
		out = append(out, h)
	}
	return out
}

// Publish calls every matching handler on the caller's goroutine. A
// panicking handler is logged and does not stop the others.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	for _, h := range b.snapshot(e.Topic) {
		b.call(ctx, h, e)
	}
	return nil
}

// PublishAsync runs each matching handler on its own goroutine.
func (b *Bus) PublishAsync(ctx context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	for _, h := range b.snapshot(e.Topic) {
		go b.call(ctx, h, e)
	}
}

func (b *Bus) call(ctx context.Context, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", e.Topic),
				zap.Any("panic", r),
			)
		}
	}()
	h(ctx, e)
}
