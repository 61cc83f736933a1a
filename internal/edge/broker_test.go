package edge

import (
	"context"
	"strings"
	"sync"

	"github.com/roach88/signalflow/internal/bus"
)

// memBroker is an in-memory MQTT broker with synchronous delivery.
type memBroker struct {
	mu        sync.Mutex
	clients   []*memClient
	retained  map[string][]byte
	published []memMessage
}

type memMessage struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

func newMemBroker() *memBroker {
	return &memBroker{retained: make(map[string][]byte)}
}

func (b *memBroker) client() *memClient {
	c := &memClient{broker: b, subs: make(map[string]Handler)}
	b.mu.Lock()
	b.clients = append(b.clients, c)
	b.mu.Unlock()
	return c
}

func (b *memBroker) publish(m memMessage) {
	b.mu.Lock()
	b.published = append(b.published, m)
	if m.Retained {
		b.retained[m.Topic] = m.Payload
	}
	var targets []Handler
	levels := strings.Split(m.Topic, "/")
	for _, c := range b.clients {
		targets = append(targets, c.matching(levels)...)
	}
	b.mu.Unlock()

	for _, h := range targets {
		h(m.Topic, m.Payload)
	}
}

// messages returns everything published on topic so far.
func (b *memBroker) messages(topic string) []memMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []memMessage
	for _, m := range b.published {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (b *memBroker) retainedPayload(topic string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.retained[topic]
	return p, ok
}

// subscribed reports whether any connected client holds pattern.
func (b *memBroker) subscribed(pattern string) bool {
	b.mu.Lock()
	clients := append([]*memClient(nil), b.clients...)
	b.mu.Unlock()
	for _, c := range clients {
		c.mu.Lock()
		_, ok := c.subs[pattern]
		connected := c.connected
		c.mu.Unlock()
		if ok && connected {
			return true
		}
	}
	return false
}

type memClient struct {
	broker *memBroker

	mu         sync.Mutex
	connected  bool
	subs       map[string]Handler
	connectErr error
}

func (c *memClient) matching(levels []string) []Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	var out []Handler
	for pattern, h := range c.subs {
		if bus.Match(strings.Split(pattern, "/"), levels) {
			out = append(out, h)
		}
	}
	return out
}

func (c *memClient) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return c.connectErr
	}
	c.connected = true
	return nil
}

func (c *memClient) Publish(_ context.Context, topic string, qos byte, retained bool, payload []byte) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return errNotConnected
	}
	c.broker.publish(memMessage{Topic: topic, QoS: qos, Retained: retained, Payload: payload})
	return nil
}

func (c *memClient) Subscribe(_ context.Context, topic string, _ byte, h Handler) error {
	c.mu.Lock()
	c.subs[topic] = h
	c.mu.Unlock()
	return nil
}

func (c *memClient) Unsubscribe(_ context.Context, topics ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.subs, t)
	}
	return nil
}

func (c *memClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.subs = make(map[string]Handler)
}
