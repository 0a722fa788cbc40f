package idemflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Event is a named notification carrying a small payload (usually just the
// id of the entity that changed).
type Event struct {
	Name string         `json:"name"`
	Data map[string]any `json:"data,omitempty"`
}

// Bus is the event sink injected into each service.
//
// Services publish after the triggering transaction commits; delivery is
// at-least-once, so consumers must be idempotent.
type Bus interface {
	Publish(ctx context.Context, evt Event) error
}

// MemoryBus dispatches events synchronously to in-process subscribers.
// It also records everything it publishes, which tests lean on.
type MemoryBus struct {
	mu        sync.RWMutex
	handlers  map[string][]func(context.Context, Event) error
	published []Event
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: map[string][]func(context.Context, Event) error{}}
}

// Subscribe registers a handler for one event name.
func (b *MemoryBus) Subscribe(name string, handler func(context.Context, Event) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], handler)
}

func (b *MemoryBus) Publish(ctx context.Context, evt Event) error {
	b.mu.Lock()
	b.published = append(b.published, evt)
	handlers := append([]func(context.Context, Event) error(nil), b.handlers[evt.Name]...)
	b.mu.Unlock()

	for _, h := range handlers {
		if err := h(ctx, evt); err != nil {
			return fmt.Errorf("handle %s: %w", evt.Name, err)
		}
	}
	return nil
}

// Published returns a copy of everything published so far.
func (b *MemoryBus) Published() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Event(nil), b.published...)
}

// RedisBus publishes events to Redis pub/sub channels, one channel per event
// name under a common prefix.
type RedisBus struct {
	Client redis.UniversalClient

	// Prefix defaults to "idemflow:events:".
	Prefix string
}

func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{Client: client}
}

func (b *RedisBus) prefix() string {
	if b.Prefix == "" {
		return "idemflow:events:"
	}
	return b.Prefix
}

func (b *RedisBus) Publish(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", evt.Name, err)
	}
	if err := b.Client.Publish(ctx, b.prefix()+evt.Name, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", evt.Name, err)
	}
	return nil
}

// Subscribe returns a pub/sub subscription for the given event names.
// The caller owns the returned subscription and must Close it.
func (b *RedisBus) Subscribe(ctx context.Context, names ...string) *redis.PubSub {
	channels := make([]string, len(names))
	for i, n := range names {
		channels[i] = b.prefix() + n
	}
	return b.Client.Subscribe(ctx, channels...)
}
