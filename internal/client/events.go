package client

import (
	"sync"
	"time"

	"pos-sync-service/internal/client/queue"
	"pos-sync-service/internal/model"
)

type State string

const (
	StateIdle     State = "idle"
	StateDraining State = "draining"
)

type EventKind string

const (
	// EventState reports an Idle/Draining transition.
	EventState EventKind = "state"
	// EventSynced reports a queued operation accepted by the server.
	EventSynced EventKind = "synced"
	// EventConflict reports an operation the server refused because its copy wins.
	EventConflict EventKind = "conflict"
	// EventRejected reports an operation the server refused as invalid.
	EventRejected EventKind = "rejected"
	EventRetry    EventKind = "retry"
	// EventEvicted reports an operation dropped after exhausting its retries.
	EventEvicted EventKind = "evicted"
	// EventOptimistic reports a provisional cache change for a queued operation.
	EventOptimistic EventKind = "optimistic"
	// EventRefreshed reports a collection replaced with server data.
	EventRefreshed EventKind = "refreshed"
)

type Event struct {
	Kind     EventKind              `json:"kind" yaml:"kind"`
	State    State                  `json:"state,omitempty" yaml:"state,omitempty"`
	Entity   model.Entity           `json:"entity,omitempty" yaml:"entity,omitempty"`
	Op       *queue.QueuedOperation `json:"op,omitempty" yaml:"op,omitempty"`
	ServerID string                 `json:"serverId,omitempty" yaml:"serverId,omitempty"`
	Conflict *model.ConflictRecord  `json:"conflict,omitempty" yaml:"conflict,omitempty"`
	Message  string                 `json:"message,omitempty" yaml:"message,omitempty"`
	At       time.Time              `json:"at" yaml:"at"`
}

// bus delivers events synchronously to every listener in subscription order.
type bus struct {
	mu        sync.RWMutex
	nextID    int
	listeners []listener
}

type listener struct {
	id int
	fn func(Event)
}

func (b *bus) subscribe(fn func(Event)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners = append(b.listeners, listener{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, l := range b.listeners {
			if l.id == id {
				b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
				return
			}
		}
	}
}

func (b *bus) emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.RLock()
	ls := make([]listener, len(b.listeners))
	copy(ls, b.listeners)
	b.mu.RUnlock()

	for _, l := range ls {
		l.fn(e)
	}
}
