// Package event delivers session notifications to subscribers.
//
// Each subscriber owns a mailbox drained by its own goroutine, so events reach
// a subscriber in publish order, Publish never blocks on a slow subscriber,
// and a subscriber may call back into the publisher without deadlocking.
package event

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/JingHuan921/secondhalf-coding/pkg/types"
)

// EventType represents the type of event.
type EventType string

const (
	// StateChanged carries a types.SessionState snapshot.
	StateChanged EventType = "session.state"
	// ReconnectScheduled carries a ReconnectData.
	ReconnectScheduled EventType = "stream.reconnect"
)

// Event represents an event to be published.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// State returns the snapshot of a StateChanged event.
func (e Event) State() (types.SessionState, bool) {
	st, ok := e.Data.(types.SessionState)
	return st, ok
}

// ReconnectData describes a scheduled reconnect.
type ReconnectData struct {
	RunID   string        `json:"runId"`
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
	Cause   string        `json:"cause,omitempty"`
}

// Subscriber is a function that receives events.
type Subscriber func(event Event)

// subscriberEntry wraps a subscriber with an ID.
type subscriberEntry struct {
	id  uint64
	typ EventType // empty for all events
	box *mailbox
}

// Bus fans events out to subscriber mailboxes. The zero value is not usable;
// call NewBus.
type Bus struct {
	mu      sync.RWMutex
	entries []subscriberEntry
	nextID  uint64
	closed  bool
}

// NewBus creates a new event bus instance.
func NewBus() *Bus {
	return &Bus{}
}

// newID generates a unique subscriber ID.
func (b *Bus) newID() uint64 {
	return atomic.AddUint64(&b.nextID, 1)
}

// Subscribe registers a subscriber for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	return b.add(eventType, fn)
}

// SubscribeAll registers a subscriber for all events.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	return b.add("", fn)
}

func (b *Bus) add(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	box := newMailbox(fn)
	b.entries = append(b.entries, subscriberEntry{id: id, typ: eventType, box: box})

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

// unsubscribe removes a subscriber and stops its mailbox. Events still queued
// for it are dropped.
func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, entry := range b.entries {
		if entry.id == id {
			entry.box.stop()
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return
		}
	}
}

// Publish queues an event for every matching subscriber and returns without
// waiting for delivery.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, entry := range b.entries {
		if entry.typ == "" || entry.typ == event.Type {
			entry.box.push(event)
		}
	}
}

// Close stops every mailbox. Later publishes are ignored.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, entry := range b.entries {
		entry.box.stop()
	}
	b.entries = nil
	return nil
}

// mailbox is an unbounded FIFO drained by one goroutine.
type mailbox struct {
	fn     Subscriber
	signal chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	queue   []Event
	stopped bool
}

func newMailbox(fn Subscriber) *mailbox {
	m := &mailbox{
		fn:     fn,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go m.loop()
	return m
}

func (m *mailbox) push(e Event) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, e)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	m.queue = nil
	close(m.done)
}

func (m *mailbox) pop() (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || len(m.queue) == 0 {
		return Event{}, false
	}
	e := m.queue[0]
	m.queue[0] = Event{}
	m.queue = m.queue[1:]
	return e, true
}

func (m *mailbox) loop() {
	for {
		select {
		case <-m.done:
			return
		case <-m.signal:
		}
		for {
			e, ok := m.pop()
			if !ok {
				break
			}
			m.fn(e)
		}
	}
}
