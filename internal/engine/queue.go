package engine

import (
	"sync"

	"github.com/roach88/signalflow/internal/model"
	"github.com/roach88/signalflow/internal/optimize"
)

// EventType distinguishes between event kinds.
type EventType int

const (
	// EventSample records a detector sample and updates rolling demand.
	EventSample EventType = iota + 1
	// EventEmergency requests preemption for an approach.
	EventEmergency
	// EventEmergencyClear ends or withdraws a preemption request.
	EventEmergencyClear
	// EventPlan stages a timing plan for the next cycle boundary.
	EventPlan
	// EventGreenWave coordinates offsets along a corridor.
	EventGreenWave
	// EventOverride forces flashing or off, or returns to normal cycling.
	EventOverride
	// EventSettings replaces the system settings.
	EventSettings
	// EventReload applies a recompiled topology.
	EventReload
	// EventOptimize runs an optimizer and stages the resulting plan.
	EventOptimize
	// EventTick advances every controller by DT seconds.
	EventTick
)

var eventTypeNames = map[EventType]string{
	EventSample:         "sample",
	EventEmergency:      "emergency",
	EventEmergencyClear: "emergency_clear",
	EventPlan:           "plan",
	EventGreenWave:      "green_wave",
	EventOverride:       "override",
	EventSettings:       "settings",
	EventReload:         "reload",
	EventOptimize:       "optimize",
	EventTick:           "tick",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Event is one request to the engine loop. Only the fields relevant to Type
// are read.
type Event struct {
	Type           EventType
	IntersectionID string
	Sample         *model.TrafficSample
	Emergency      *model.EmergencyRequest
	EmergencyID    string
	Plan           *model.TimingPlan
	Wave           *model.GreenWave
	Mode           Mode
	Settings       *model.Settings
	Topology       []model.Intersection
	Algorithm      string
	Conditions     *optimize.Conditions
	DT             float64

	reply chan Reply
}

// Reply is the outcome of a submitted event.
type Reply struct {
	Value any
	Err   error
}

// eventQueue is a thread-safe FIFO queue for events.
//
// The queue is unbounded so API handlers and the MQTT bridge never block on
// a busy engine. Thread-safety is provided for external enqueuing while the
// Engine's Run loop dequeues.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop (prevents goroutine hangs on context cancellation).
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{} // Signals event availability (buffered, size 1)
}

// newEventQueue creates an empty event queue.
func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// Non-blocking: buffer of 1 coalesces multiple signals
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (Event{}, false) if queue is empty.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}

	e := q.events[0]

	// Nil out the slot so the backing array does not pin samples and plans
	q.events[0] = Event{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available.
// Use with select for context-aware waiting:
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-q.Wait():
//	    // Try TryDequeue
//	}
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close signals that no more events will be enqueued.
// Wakes any blocked waiters by closing the signal channel.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}

// Closed reports whether Close has been called.
func (q *eventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Drain removes and returns every queued event.
func (q *eventQueue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.events
	q.events = nil
	return out
}
