package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const subscriberBuffer = 256

// Subscription is a single observer's view of the bus
type Subscription struct {
	ID     string
	Filter EventFilter
	C      chan *Event

	closed bool
	mu     sync.Mutex
}

// Bus fans published events out to subscribers. Publish never blocks:
// a subscriber that falls behind its buffer drops events rather than
// stalling the engine that produced them.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
	done bool
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]*Subscription),
	}
}

// Subscribe registers a new observer with the given filter
func (b *Bus) Subscribe(filter EventFilter) *Subscription {
	sub := &Subscription{
		ID:     uuid.NewString(),
		Filter: filter,
		C:      make(chan *Event, subscriberBuffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		close(sub.C)
		sub.closed = true
		return sub
	}
	b.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes an observer and closes its channel
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if ok {
		sub.mu.Lock()
		if !sub.closed {
			close(sub.C)
			sub.closed = true
		}
		sub.mu.Unlock()
	}
}

// Publish delivers an event to every subscriber whose filter matches.
// Slow subscribers with a full buffer miss the event.
func (b *Bus) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.done {
		return
	}

	for _, sub := range b.subs {
		if !matches(sub.Filter, event) {
			continue
		}
		select {
		case sub.C <- event:
		default:
		}
	}
}

// Close shuts down the bus and closes all subscriber channels
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	b.done = true
	for id, sub := range b.subs {
		sub.mu.Lock()
		if !sub.closed {
			close(sub.C)
			sub.closed = true
		}
		sub.mu.Unlock()
		delete(b.subs, id)
	}
}

// SubscriberCount returns the number of active subscriptions
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func matches(f EventFilter, e *Event) bool {
	if f.TaskID != "" && f.TaskID != e.TaskID {
		return false
	}
	if f.Workspace != "" && f.Workspace != e.Workspace {
		return false
	}
	if f.Since > 0 && e.Timestamp < f.Since {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
