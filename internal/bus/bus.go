// Package bus is an in-process topic publish/subscribe hub.
//
// Topics are slash-separated ("intersection/int-001/signal_change").
// Subscription patterns use MQTT wildcards: "+" matches one level and a
// trailing "#" matches any remaining levels. Delivery never blocks the
// publisher; a subscriber whose buffer is full misses the message and the
// drop is counted.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Well-known topics.
const (
	TopicSystemEvents   = "system/events"
	TopicTrafficUpdates = "traffic/updates"
)

// SignalChangeTopic is where an intersection's signal transitions are published.
func SignalChangeTopic(intersectionID string) string {
	return "intersection/" + intersectionID + "/signal_change"
}

// TimingUpdateTopic is where plan activations are published.
func TimingUpdateTopic(intersectionID string) string {
	return "intersection/" + intersectionID + "/timing_update"
}

// EmergencyTopic is where preemption starts and ends are published.
func EmergencyTopic(intersectionID string) string {
	return "intersection/" + intersectionID + "/emergency"
}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Message is one published payload.
type Message struct {
	Seq     uint64    `json:"seq"`
	Topic   string    `json:"topic"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

type subscriber struct {
	pattern []string
	ch      chan Message
}

// Bus fans published messages out to matching subscribers.
// Safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool

	seq     atomic.Uint64
	dropped atomic.Uint64
	now     func() time.Time
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[*subscriber]struct{}),
		now:  time.Now,
	}
}

// Subscribe registers pattern and returns the delivery channel and a cancel
// function. Cancel closes the channel and is safe to call more than once.
// A buffer <= 0 uses DefaultBuffer. Subscribing to a closed bus returns a
// closed channel.
func (b *Bus) Subscribe(pattern string, buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &subscriber{
		pattern: strings.Split(pattern, "/"),
		ch:      make(chan Message, buffer),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[sub]; ok {
				delete(b.subs, sub)
				close(sub.ch)
			}
		})
	}
	return sub.ch, cancel
}

// Publish delivers payload to every subscriber whose pattern matches topic.
// Returns the number of subscribers that received it.
func (b *Bus) Publish(topic string, payload any) int {
	levels := strings.Split(topic, "/")
	msg := Message{
		Seq:     b.seq.Add(1),
		Topic:   topic,
		Payload: payload,
		At:      b.now().UTC(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	delivered := 0
	for sub := range b.subs {
		if !Match(sub.pattern, levels) {
			continue
		}
		select {
		case sub.ch <- msg:
			delivered++
		default:
			b.dropped.Add(1)
		}
	}
	return delivered
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}

// Match reports whether topic levels satisfy pattern levels.
func Match(pattern, topic []string) bool {
	for i, p := range pattern {
		if p == "#" {
			return i == len(pattern)-1
		}
		if i >= len(topic) {
			return false
		}
		if p != "+" && p != topic[i] {
			return false
		}
	}
	return len(pattern) == len(topic)
}
