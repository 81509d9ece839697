// events.go implements pool event logging for the sshpool package.
//
// Pools emit a PoolEvent for every connection lifecycle action (open, reuse,
// discard, failure, exhaustion, reap, close). Events are kept in a per-host
// ring buffer (100 entries) for diagnostics and fanned out to registered
// listeners, which is how the audit log and metrics observe pool activity.

package sshpool

import (
	"sync"
	"time"
)

// eventBufferSize is the maximum number of events stored per host.
const eventBufferSize = 100

// EventType identifies a pool lifecycle action.
type EventType string

const (
	EventOpened        EventType = "opened"
	EventReused        EventType = "reused"
	EventDiscarded     EventType = "discarded"
	EventAuthFailed    EventType = "auth_failed"
	EventConnectFailed EventType = "connect_failed"
	EventExhausted     EventType = "exhausted"
	EventReaped        EventType = "reaped"
	EventClosed        EventType = "closed"
)

// PoolEvent is one recorded pool action for a host.
type PoolEvent struct {
	Host      string    `json:"host"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details"`
}

// EventListener is called for every pool event. Listeners are called
// synchronously from pool code paths outside the pool lock; long-running
// handlers should spawn goroutines.
type EventListener func(event PoolEvent)

// eventBuffer is a fixed-size ring buffer of PoolEvents for one host.
type eventBuffer struct {
	events [eventBufferSize]PoolEvent
	head   int // next write position
	count  int
}

func (b *eventBuffer) record(event PoolEvent) {
	b.events[b.head] = event
	b.head = (b.head + 1) % eventBufferSize
	if b.count < eventBufferSize {
		b.count++
	}
}

// history returns events in chronological order (oldest first).
func (b *eventBuffer) history() []PoolEvent {
	if b.count == 0 {
		return nil
	}

	result := make([]PoolEvent, b.count)
	if b.count < eventBufferSize {
		copy(result, b.events[:b.count])
	} else {
		// Buffer is full; head is the oldest entry.
		n := copy(result, b.events[b.head:])
		copy(result[n:], b.events[:b.head])
	}
	return result
}

// eventLog stores per-host event history and dispatches to listeners.
type eventLog struct {
	mu        sync.RWMutex
	buffers   map[string]*eventBuffer
	listeners []EventListener
}

func newEventLog() *eventLog {
	return &eventLog{
		buffers: make(map[string]*eventBuffer),
	}
}

// emit records the event and notifies listeners outside the lock.
func (el *eventLog) emit(host string, typ EventType, details string) {
	event := PoolEvent{
		Host:      host,
		Type:      typ,
		Timestamp: time.Now(),
		Details:   details,
	}

	el.mu.Lock()
	buf, ok := el.buffers[host]
	if !ok {
		buf = &eventBuffer{}
		el.buffers[host] = buf
	}
	buf.record(event)
	listeners := make([]EventListener, len(el.listeners))
	copy(listeners, el.listeners)
	el.mu.Unlock()

	for _, l := range listeners {
		l(event)
	}
}

func (el *eventLog) onEvent(l EventListener) {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.listeners = append(el.listeners, l)
}

func (el *eventLog) events(host string) []PoolEvent {
	el.mu.RLock()
	defer el.mu.RUnlock()
	buf, ok := el.buffers[host]
	if !ok {
		return nil
	}
	return buf.history()
}

func (el *eventLog) allEvents() map[string][]PoolEvent {
	el.mu.RLock()
	defer el.mu.RUnlock()

	result := make(map[string][]PoolEvent, len(el.buffers))
	for host, buf := range el.buffers {
		if events := buf.history(); events != nil {
			result[host] = events
		}
	}
	return result
}
