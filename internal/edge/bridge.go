package edge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/roach88/signalflow/internal/bus"
	"github.com/roach88/signalflow/internal/engine"
	"github.com/roach88/signalflow/internal/metrics"
	"github.com/roach88/signalflow/internal/model"
	"github.com/roach88/signalflow/internal/store"
)

// Submitter accepts engine events. Implemented by *engine.Engine.
type Submitter interface {
	Submit(ctx context.Context, ev engine.Event) (any, error)
}

// DeviceTracker records device heartbeats and registrations. Implemented
// by *store.Store.
type DeviceTracker interface {
	TouchDevice(ctx context.Context, id, status string, at time.Time) error
	UpsertDevice(ctx context.Context, d model.Device) error
}

// Bridge relays between MQTT devices and the coordinator.
type Bridge struct {
	client  Client
	engine  Submitter
	devices DeviceTracker
	bus     *bus.Bus
	routes  map[string][]string
	now     func() time.Time
	log     *slog.Logger

	mu  sync.Mutex
	ctx context.Context
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithDeviceRoutes maps intersection ids to the devices that receive its
// signal changes. Intersections without an entry route to the device whose
// id equals the intersection id.
func WithDeviceRoutes(routes map[string][]string) BridgeOption {
	return func(b *Bridge) {
		for k, v := range routes {
			b.routes[k] = append([]string(nil), v...)
		}
	}
}

// WithBridgeClock overrides the heartbeat timestamp source. For tests.
func WithBridgeClock(now func() time.Time) BridgeOption {
	return func(b *Bridge) { b.now = now }
}

// NewBridge creates a Bridge. b may be nil, in which case signal changes
// are not forwarded.
func NewBridge(client Client, eng Submitter, devices DeviceTracker, b *bus.Bus, opts ...BridgeOption) *Bridge {
	br := &Bridge{
		client:  client,
		engine:  eng,
		devices: devices,
		bus:     b,
		routes:  make(map[string][]string),
		now:     time.Now,
		log:     slog.With("component", "edge.bridge"),
	}
	for _, opt := range opts {
		opt(br)
	}
	return br
}

// Run relays until ctx is cancelled or the bus closes.
func (b *Bridge) Run(ctx context.Context) error {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()

	if err := b.client.Connect(ctx); err != nil {
		return err
	}
	subs := []struct {
		topic string
		qos   byte
		h     Handler
	}{
		{TopicAllData, qosData, b.handleData},
		{TopicAllStatus, qosControl, b.handleStatus},
		{TopicRegistration, qosControl, b.handleRegistration},
	}
	for _, s := range subs {
		if err := b.client.Subscribe(ctx, s.topic, s.qos, s.h); err != nil {
			b.client.Disconnect()
			return err
		}
	}
	b.log.Info("bridge started")

	var changes <-chan bus.Message
	if b.bus != nil {
		ch, cancel := b.bus.Subscribe("intersection/+/signal_change", 256)
		defer cancel()
		changes = ch
	}
	err := b.forward(ctx, changes)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = multierr.Append(err, b.client.Unsubscribe(stopCtx, TopicAllData, TopicAllStatus, TopicRegistration))
	b.client.Disconnect()
	b.log.Info("bridge stopped")
	return err
}

func (b *Bridge) forward(ctx context.Context, changes <-chan bus.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-changes:
			if !ok {
				return nil
			}
			ev, ok := msg.Payload.(model.SignalEvent)
			if !ok {
				continue
			}
			if err := b.sendLight(ctx, ev); err != nil {
				b.log.Warn("forward failed", "intersection", ev.IntersectionID, "error", err)
			}
		}
	}
}

func (b *Bridge) sendLight(ctx context.Context, ev model.SignalEvent) error {
	params, err := json.Marshal(LightParams{
		IntersectionID: ev.IntersectionID,
		Approach:       ev.Approach,
		Status:         ev.To,
		Reason:         ev.Reason,
	})
	if err != nil {
		return err
	}
	payload, err := json.Marshal(Command{
		Command:   CommandSetTrafficLight,
		Params:    params,
		Timestamp: ev.At,
	})
	if err != nil {
		return err
	}
	devices, ok := b.routes[ev.IntersectionID]
	if !ok {
		devices = []string{ev.IntersectionID}
	}
	var errs error
	for _, d := range devices {
		if err := b.client.Publish(ctx, CommandTopic(d), qosControl, false, payload); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		metrics.RecordEdgeMessage("out", "command")
	}
	return errs
}

func (b *Bridge) runContext() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return context.Background()
	}
	return b.ctx
}

// handleData converts device readings into engine samples.
func (b *Bridge) handleData(topic string, payload []byte) {
	metrics.RecordEdgeMessage("in", "data")
	deviceID, ok := deviceFromTopic(topic)
	if !ok {
		return
	}
	var msg DataMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		b.log.Warn("malformed data", "device", deviceID, "error", err)
		return
	}
	if err := b.ingest(b.runContext(), msg); err != nil {
		b.log.Warn("ingest failed", "device", deviceID, "error", err)
	}
}

// ingest submits each sample. Samples without an intersection inherit the
// message's; those without a timestamp inherit its time.
func (b *Bridge) ingest(ctx context.Context, msg DataMessage) error {
	var errs error
	for _, s := range msg.Samples {
		if s.IntersectionID == "" {
			s.IntersectionID = msg.IntersectionID
		}
		if s.Timestamp.IsZero() {
			s.Timestamp = msg.Timestamp
		}
		if err := s.Validate(); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		sample := s
		if _, err := b.engine.Submit(ctx, engine.Event{
			Type:           engine.EventSample,
			IntersectionID: sample.IntersectionID,
			Sample:         &sample,
		}); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("sample %s/%s: %w", sample.IntersectionID, sample.ApproachID, err))
		}
	}
	return errs
}

// handleStatus records a heartbeat. Unknown devices are registered from the
// status alone so the device list stays complete.
func (b *Bridge) handleStatus(topic string, payload []byte) {
	metrics.RecordEdgeMessage("in", "status")
	deviceID, ok := deviceFromTopic(topic)
	if !ok {
		return
	}
	var msg StatusMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		b.log.Warn("malformed status", "device", deviceID, "error", err)
		return
	}
	at := msg.Timestamp
	if at.IsZero() {
		at = b.now().UTC()
	}
	ctx := b.runContext()
	err := b.devices.TouchDevice(ctx, deviceID, msg.Status, at)
	if errors.Is(err, store.ErrNotFound) {
		err = b.devices.UpsertDevice(ctx, model.Device{ID: deviceID, Type: "unknown", Status: msg.Status, LastSeen: at})
	}
	if err != nil {
		b.log.Warn("heartbeat not recorded", "device", deviceID, "error", err)
	}
}

// handleRegistration stores devices that registered over MQTT.
func (b *Bridge) handleRegistration(_ string, payload []byte) {
	metrics.RecordEdgeMessage("in", "registration")
	var d model.Device
	if err := json.Unmarshal(payload, &d); err != nil || d.ID == "" {
		b.log.Warn("malformed registration", "error", err)
		return
	}
	if d.LastSeen.IsZero() {
		d.LastSeen = b.now().UTC()
	}
	if err := b.devices.UpsertDevice(b.runContext(), d); err != nil {
		b.log.Warn("registration not stored", "device", d.ID, "error", err)
		return
	}
	b.log.Info("device registered", "device", d.ID, "type", d.Type)
}
