package edge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Handler receives one message from a subscription. It may run on a client
// goroutine and must not block for long.
type Handler func(topic string, payload []byte)

// Client is the subset of an MQTT client that Agent and Bridge need.
type Client interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
	Subscribe(ctx context.Context, topic string, qos byte, h Handler) error
	Unsubscribe(ctx context.Context, topics ...string) error
	Disconnect()
}

// Will is the message the broker publishes if the client drops.
type Will struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// PahoConfig configures NewPahoClient.
type PahoConfig struct {
	// Broker is host:port or a full URL such as tcp://localhost:1883.
	Broker         string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	Will           *Will
}

type pahoClient struct {
	c mqtt.Client

	mu   sync.Mutex
	subs map[string]subscription
}

type subscription struct {
	qos     byte
	handler mqtt.MessageHandler
}

// NewPahoClient returns a Client backed by the Eclipse Paho MQTT client.
// The connection auto-reconnects and restores subscriptions.
func NewPahoClient(cfg PahoConfig) Client {
	broker := cfg.Broker
	if broker == "" {
		broker = "localhost:1883"
	}
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetConnectTimeout(timeout).
		SetOrderMatters(false)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}
	if cfg.Will != nil {
		opts.SetBinaryWill(cfg.Will.Topic, cfg.Will.Payload, cfg.Will.QoS, cfg.Will.Retained)
	}
	p := &pahoClient{subs: make(map[string]subscription)}
	opts.SetOnConnectHandler(p.resubscribe)
	p.c = mqtt.NewClient(opts)
	return p
}

// resubscribe restores subscriptions after a reconnect. Clean sessions
// drop them broker-side.
func (p *pahoClient) resubscribe(c mqtt.Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for topic, sub := range p.subs {
		c.Subscribe(topic, sub.qos, sub.handler)
	}
}

// wait blocks until tok completes or ctx ends.
func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pahoClient) Connect(ctx context.Context) error {
	if err := wait(ctx, p.c.Connect()); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

func (p *pahoClient) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	if err := wait(ctx, p.c.Publish(topic, qos, retained, payload)); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

func (p *pahoClient) Subscribe(ctx context.Context, topic string, qos byte, h Handler) error {
	handler := func(_ mqtt.Client, m mqtt.Message) {
		h(m.Topic(), m.Payload())
	}
	if err := wait(ctx, p.c.Subscribe(topic, qos, handler)); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	p.mu.Lock()
	p.subs[topic] = subscription{qos: qos, handler: handler}
	p.mu.Unlock()
	return nil
}

func (p *pahoClient) Unsubscribe(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	p.mu.Lock()
	for _, t := range topics {
		delete(p.subs, t)
	}
	p.mu.Unlock()
	if !p.c.IsConnectionOpen() {
		return errNotConnected
	}
	if err := wait(ctx, p.c.Unsubscribe(topics...)); err != nil {
		return fmt.Errorf("mqtt unsubscribe: %w", err)
	}
	return nil
}

// Disconnect waits up to 250ms for in-flight work.
func (p *pahoClient) Disconnect() {
	p.c.Disconnect(250)
}

var errNotConnected = errors.New("mqtt: not connected")
