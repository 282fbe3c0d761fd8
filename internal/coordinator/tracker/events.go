package tracker

import (
	"sync"
	"time"

	"tcluster/pkg/model"
)

// EventType classifies task lifecycle events.
type EventType string

const (
	EventCreated   EventType = "created"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventError     EventType = "error"
	EventRequeued  EventType = "requeued"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
	EventAssigned  EventType = "assigned"
)

// Event is a sequenced task change consumed by presentation layers.
type Event struct {
	Seq       int64            `json:"seq"`
	Timestamp time.Time        `json:"timestamp"`
	Type      EventType        `json:"type"`
	TaskID    string           `json:"task_id"`
	Status    model.TaskStatus `json:"status"`
	Progress  int              `json:"progress"`
	Node      string           `json:"node,omitempty"`
	Attempt   int              `json:"attempt"`
	Message   string           `json:"message,omitempty"`
}

// EventBus stores recent events for incremental reads and fans them out to
// live subscribers. A subscriber that falls behind loses events rather than
// stalling publishers.
type EventBus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event
	subs      map[chan Event]struct{}
}

// NewEventBus creates a bounded in-memory event buffer.
func NewEventBus(maxEvents int) *EventBus {
	if maxEvents <= 0 {
		maxEvents = 500
	}
	return &EventBus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
		subs:      make(map[chan Event]struct{}),
	}
}

// Publish appends one event and assigns sequence and timestamp.
func (b *EventBus) Publish(event Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return event
}

// Since returns events with sequence strictly greater than seq.
func (b *EventBus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0, len(b.events))
	for _, event := range b.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// Subscribe registers a live listener. The returned func unregisters it and
// closes the channel.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}
