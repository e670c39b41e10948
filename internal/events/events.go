// Package events defines the event types and a synchronous in-process bus.
// It is a leaf package so publishers and subscribers never import each other.
package events

import (
	"sync"
	"time"
)

// Type identifies an event.
type Type string

const (
	TypeSyncCompleted Type = "sync_completed"
	TypeSystemError   Type = "system_error"
)

// SyncCompleted carries the completion payload for a finished run.
type SyncCompleted struct {
	NodeCount         int
	PreviousNodeCount int
	RegionsCount      int
	ProtocolsCount    int
	FetchMs           int64
	ProbeMs           int64
	EmitMs            *int64
}

// SystemError carries a fatal diagnostic.
type SystemError struct {
	Message string
}

// Event is a typed envelope. Payload is one of the structs above.
type Event struct {
	Type    Type
	At      time.Time
	Payload any
}

// Handler consumes one event. Handlers run synchronously on the publishing
// goroutine; keep them short or hand off internally.
type Handler func(Event)

// Bus is a synchronous publish/subscribe fan-out. Safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Type][]Handler)}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	b.handlers[t] = append(b.handlers[t], h)
	b.mu.Unlock()
}

// Publish delivers the event to every handler registered for its type.
func (b *Bus) Publish(t Type, payload any) {
	b.mu.RLock()
	handlers := b.handlers[t]
	b.mu.RUnlock()

	event := Event{Type: t, At: time.Now(), Payload: payload}
	for _, h := range handlers {
		h(event)
	}
}
