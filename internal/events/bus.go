// Package events carries state-change notifications from the coordination
// components to whoever listens (audit trail, UIs, external pub-sub).
package events

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fentz26/conductor/internal/logging"
)

// Event types published after a successful transition.
const (
	TaskCreated          = "task.created"
	TaskClaimed          = "task.claimed"
	TaskReleased         = "task.released"
	TaskCompleted        = "task.completed"
	TaskBlocked          = "task.blocked"
	TaskDeleted          = "task.deleted"
	InstanceRegistered   = "instance.registered"
	InstanceDisconnected = "instance.disconnected"
	LockAcquired         = "lock.acquired"
	LockReleased         = "lock.released"
	LockExtended         = "lock.extended"
	DispatchAssigned     = "dispatch.assigned"
)

// Event is a single notification.
type Event struct {
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	InstanceID string         `json:"instance_id,omitempty"`
	Path       string         `json:"path,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Time       time.Time      `json:"time"`
}

// Handler is a function that handles an event.
type Handler func(Event)

type subscription struct {
	id      string
	handler Handler
}

const wildcard = "*"

// Bus is a simple synchronous pub-sub event bus. A nil *Bus is valid and
// drops every event.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string][]subscription // eventType -> subscriptions
	nextID        atomic.Uint64
	logger        *slog.Logger
}

// NewBus creates a new event bus. logger may be nil.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subscriptions: make(map[string][]subscription),
		logger:        logging.OrDiscard(logger),
	}
}

// Subscribe registers a handler for a specific event type and returns a
// subscription ID for Unsubscribe.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := fmt.Sprintf("sub-%d", b.nextID.Add(1))
	b.subscriptions[eventType] = append(b.subscriptions[eventType], subscription{id: id, handler: handler})
	return id
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe(wildcard, handler)
}

// Unsubscribe removes a subscription by ID.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscriptions {
		for i, sub := range subs {
			if sub.id == id {
				b.subscriptions[eventType] = append(subs[:i:i], subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Publish dispatches an event to specific handlers first, then wildcard
// handlers, each group in registration order. A panicking handler is
// logged and skipped.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]subscription, 0, len(b.subscriptions[event.Type])+len(b.subscriptions[wildcard]))
	subs = append(subs, b.subscriptions[event.Type]...)
	subs = append(subs, b.subscriptions[wildcard]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		b.safeCall(sub.handler, event)
	}
}

func (b *Bus) safeCall(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", event.Type, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	handler(event)
}

// SubscriptionCount returns the total number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, subs := range b.subscriptions {
		count += len(subs)
	}
	return count
}
