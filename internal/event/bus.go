// Package event delivers VM lifecycle events from the controller to the
// session registry.
//
// Publish is synchronous: it returns only after every handler has run.
// The controller relies on this to finish force-closing a VM's sessions
// before it tells the driver to stop the VM.
package event

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"

	"github.com/javanstorm/vmlab/internal/lab"
)

// Handler handles one lifecycle event.
type Handler func(lab.Event)

type subscription struct {
	id      string
	kind    string
	handler Handler
}

const wildcard = "*"

// Bus is a synchronous pub-sub bus for lab.Event values.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string][]subscription // event kind -> subscriptions
	logger        *slog.Logger
}

// NewBus creates a bus. A nil logger discards handler panics' reports.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{
		subscriptions: make(map[string][]subscription),
		logger:        logger,
	}
}

// Subscribe registers a handler for one event kind and returns a
// subscription id for Unsubscribe.
func (b *Bus) Subscribe(kind lab.EventKind, handler Handler) string {
	return b.subscribe(string(kind), handler)
}

// SubscribeAll registers a handler for every event kind.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.subscribe(wildcard, handler)
}

func (b *Bus) subscribe(kind string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	b.subscriptions[kind] = append(b.subscriptions[kind], subscription{id: id, kind: kind, handler: handler})
	return id
}

// Unsubscribe removes a subscription. It reports whether the id was found.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for kind, subs := range b.subscriptions {
		for i, sub := range subs {
			if sub.id == id {
				b.subscriptions[kind] = append(subs[:i:i], subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Publish runs every handler subscribed to the event's kind, then every
// wildcard handler, in registration order. A panicking handler is logged
// and skipped.
func (b *Bus) Publish(ev lab.Event) {
	b.mu.RLock()
	specific := append([]subscription(nil), b.subscriptions[ev.EventType()]...)
	all := append([]subscription(nil), b.subscriptions[wildcard]...)
	b.mu.RUnlock()

	for _, sub := range specific {
		b.safeCall(sub.handler, ev)
	}
	for _, sub := range all {
		b.safeCall(sub.handler, ev)
	}
}

func (b *Bus) safeCall(handler Handler, ev lab.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", ev.EventType(),
				"vm_id", ev.VMID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	handler(ev)
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subscriptions {
		n += len(subs)
	}
	return n
}
