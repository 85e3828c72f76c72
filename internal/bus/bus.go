package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*Subscription
	next int
}

// Subscription is a registration on the bus. Close it when the consumer goes
// away; the events channel is closed after the last delivery.
type Subscription struct {
	bus       *Bus
	id        int
	namespace string
	ch        chan Event
	dropped   atomic.Int64
	closeOnce sync.Once
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of event.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
				// Drop event if subscriber is full (non-blocking).
				sub.dropped.Add(1)
			}
		}
	}
}

// Subscribe registers for events whose kind starts with namespace.
// bufSize controls the channel buffer.
func (b *Bus) Subscribe(namespace string, bufSize int) *Subscription {
	sub := &Subscription{
		bus:       b,
		namespace: namespace,
		ch:        make(chan Event, bufSize),
	}
	b.mu.Lock()
	sub.id = b.next
	b.next++
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Events returns the delivery channel.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events were dropped because the buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unregisters the subscription and closes its channel. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		close(s.ch)
		s.bus.mu.Unlock()
	})
}
