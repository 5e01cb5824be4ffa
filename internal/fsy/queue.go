package fsy

import (
	"sync"
	"time"
)

// DefaultQueueCapacity bounds the event queue. When full, the oldest event
// is overwritten.
const DefaultQueueCapacity = 1000

// Event is anything the loop tick dispatches.
type Event interface {
	eventName() string
}

// FileChanged is a filesystem notification for a synced path.
type FileChanged struct {
	Path string
	At   time.Time
}

func (FileChanged) eventName() string { return "file-changed" }

// rejecter is implemented by events with a waiting caller, so an event
// lost to overflow can still be answered.
type rejecter interface {
	reject(err error)
}

// EventQueue is a fixed-capacity ring buffer shared by the watcher, the
// transport handlers and outstanding transfers. Safe for concurrent use.
type EventQueue struct {
	mu   sync.Mutex
	buf  []Event
	head int
	size int
}

func NewEventQueue(capacity int) *EventQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &EventQueue{buf: make([]Event, capacity)}
}

// Push appends ev. If the queue was full the oldest event is overwritten
// and returned.
func (q *EventQueue) Push(ev Event) (overwritten Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tail := (q.head + q.size) % len(q.buf)
	if q.size == len(q.buf) {
		overwritten = q.buf[q.head]
		q.buf[tail] = ev
		q.head = (q.head + 1) % len(q.buf)
		return overwritten
	}
	q.buf[tail] = ev
	q.size++
	return nil
}

// Drain removes and returns all queued events, oldest first.
func (q *EventQueue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Event, q.size)
	for i := range out {
		idx := (q.head + i) % len(q.buf)
		out[i] = q.buf[idx]
		q.buf[idx] = nil
	}
	q.head, q.size = 0, 0
	return out
}

func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
