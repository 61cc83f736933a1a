package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/roach88/signalflow/internal/metrics"
	"github.com/roach88/signalflow/internal/model"
)

// Agent defaults.
const (
	DefaultUpdateInterval    = 5 * time.Second
	DefaultHeartbeatInterval = 60 * time.Second
	registerTimeout          = 10 * time.Second
)

// AgentConfig describes the device an Agent speaks for.
type AgentConfig struct {
	DeviceID       string
	DeviceType     string
	IntersectionID string
	Capabilities   []string
	Location       model.Location

	// APIURL is the coordinator base URL used for HTTP registration.
	// Empty registers over MQTT only.
	APIURL string

	UpdateInterval    time.Duration
	HeartbeatInterval time.Duration
}

// Agent is the field-level device manager.
type Agent struct {
	cfg    AgentConfig
	client Client
	sensor Sensor
	http   *http.Client
	now    func() time.Time
	log    *slog.Logger

	mu        sync.Mutex
	update    time.Duration
	heartbeat time.Duration
	lights    map[string]model.SignalStatus
	restarts  int
	started   time.Time
	reconfig  chan struct{}
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithHTTPClient sets the client used for registration.
func WithHTTPClient(c *http.Client) AgentOption {
	return func(a *Agent) { a.http = c }
}

// WithAgentClock overrides the agent's clock. For tests.
func WithAgentClock(now func() time.Time) AgentOption {
	return func(a *Agent) { a.now = now }
}

// NewAgent creates an Agent. sensor may be nil for devices that only
// actuate signals.
func NewAgent(cfg AgentConfig, client Client, sensor Sensor, opts ...AgentOption) *Agent {
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = DefaultUpdateInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	a := &Agent{
		cfg:       cfg,
		client:    client,
		sensor:    sensor,
		http:      &http.Client{Timeout: registerTimeout},
		now:       time.Now,
		log:       slog.With("component", "edge.agent", "device", cfg.DeviceID),
		update:    cfg.UpdateInterval,
		heartbeat: cfg.HeartbeatInterval,
		lights:    make(map[string]model.SignalStatus),
		reconfig:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run connects, registers and reports until ctx is cancelled, then stops
// the agent. The returned error is nil on a clean shutdown.
func (a *Agent) Run(ctx context.Context) error {
	if a.cfg.DeviceID == "" {
		return fmt.Errorf("agent: device id is required")
	}
	if err := a.client.Connect(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	a.started = a.now()
	a.mu.Unlock()

	if err := a.client.Subscribe(ctx, CommandTopic(a.cfg.DeviceID), qosControl, a.handleCommand); err != nil {
		a.client.Disconnect()
		return err
	}
	if err := a.register(ctx); err != nil {
		a.client.Disconnect()
		return err
	}
	if err := a.publishStatus(ctx, "online"); err != nil {
		a.log.Warn("initial status failed", "error", err)
	}
	a.log.Info("agent started", "intersection", a.cfg.IntersectionID)

	err := a.loop(ctx)
	return multierr.Append(err, a.stop())
}

func (a *Agent) intervals() (time.Duration, time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.update, a.heartbeat
}

func (a *Agent) loop(ctx context.Context) error {
	update, heartbeat := a.intervals()
	data := time.NewTimer(update)
	defer data.Stop()
	beat := time.NewTimer(heartbeat)
	defer beat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.reconfig:
			update, heartbeat = a.intervals()
			data.Reset(update)
			beat.Reset(heartbeat)
		case <-data.C:
			if err := a.publishData(ctx); err != nil {
				a.log.Warn("data publish failed", "error", err)
			}
			data.Reset(update)
		case <-beat.C:
			if err := a.publishStatus(ctx, "online"); err != nil {
				a.log.Warn("heartbeat failed", "error", err)
			}
			beat.Reset(heartbeat)
		}
	}
}

// stop reports the device offline and disconnects.
func (a *Agent) stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := multierr.Combine(
		a.publishStatus(ctx, "offline"),
		a.client.Unsubscribe(ctx, CommandTopic(a.cfg.DeviceID)),
	)
	a.client.Disconnect()
	a.log.Info("agent stopped")
	return err
}

func (a *Agent) device() model.Device {
	return model.Device{
		ID:           a.cfg.DeviceID,
		Type:         a.cfg.DeviceType,
		Capabilities: a.cfg.Capabilities,
		Location:     a.cfg.Location,
		Status:       "online",
		LastSeen:     a.now().UTC(),
	}
}

// register announces the device over HTTP, falling back to the MQTT
// registration topic.
func (a *Agent) register(ctx context.Context) error {
	d := a.device()
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode registration: %w", err)
	}
	if a.cfg.APIURL != "" {
		herr := a.registerHTTP(ctx, body)
		if herr == nil {
			a.log.Info("registered over http")
			return nil
		}
		a.log.Warn("http registration failed, using mqtt", "error", herr)
	}
	if err := a.client.Publish(ctx, TopicRegistration, qosControl, false, body); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	metrics.RecordEdgeMessage("out", "registration")
	a.log.Info("registered over mqtt")
	return nil
}

func (a *Agent) registerHTTP(ctx context.Context, body []byte) error {
	url := strings.TrimRight(a.cfg.APIURL, "/") + "/api/devices/register"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("register: %s", resp.Status)
	}
	return nil
}

func (a *Agent) publishStatus(ctx context.Context, status string) error {
	a.mu.Lock()
	msg := StatusMessage{
		DeviceID:  a.cfg.DeviceID,
		Status:    status,
		Timestamp: a.now().UTC(),
		Restarts:  a.restarts,
		Lights:    make(map[string]model.SignalStatus, len(a.lights)),
	}
	if !a.started.IsZero() {
		msg.UptimeSeconds = msg.Timestamp.Sub(a.started).Seconds()
	}
	for k, v := range a.lights {
		msg.Lights[k] = v
	}
	a.mu.Unlock()

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	if err := a.client.Publish(ctx, StatusTopic(a.cfg.DeviceID), qosControl, true, payload); err != nil {
		return err
	}
	metrics.RecordEdgeMessage("out", "status")
	return nil
}

func (a *Agent) publishData(ctx context.Context) error {
	if a.sensor == nil {
		return nil
	}
	at := a.now()
	samples, err := a.sensor.Read(ctx, at)
	if err != nil {
		return fmt.Errorf("read sensor: %w", err)
	}
	if len(samples) == 0 {
		return nil
	}
	payload, err := json.Marshal(DataMessage{
		DeviceID:       a.cfg.DeviceID,
		IntersectionID: a.cfg.IntersectionID,
		Timestamp:      at.UTC(),
		Samples:        samples,
	})
	if err != nil {
		return fmt.Errorf("encode data: %w", err)
	}
	if err := a.client.Publish(ctx, DataTopic(a.cfg.DeviceID), qosData, false, payload); err != nil {
		return err
	}
	metrics.RecordEdgeMessage("out", "data")
	return nil
}

// handleCommand runs on the client's delivery goroutine.
func (a *Agent) handleCommand(_ string, payload []byte) {
	metrics.RecordEdgeMessage("in", "command")
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		a.log.Warn("malformed command", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), registerTimeout)
	defer cancel()

	switch cmd.Command {
	case CommandRestart:
		a.restart(ctx)
	case CommandUpdateConfig:
		var p ConfigParams
		if err := json.Unmarshal(cmd.Params, &p); err != nil {
			a.log.Warn("bad update_config params", "error", err)
			return
		}
		a.updateConfig(p)
	case CommandSetTrafficLight:
		var p LightParams
		if err := json.Unmarshal(cmd.Params, &p); err != nil {
			a.log.Warn("bad set_traffic_light params", "error", err)
			return
		}
		a.setLight(p)
	default:
		a.log.Warn("unknown command", "command", cmd.Command)
	}
}

func (a *Agent) restart(ctx context.Context) {
	a.log.Info("restarting")
	if err := a.publishStatus(ctx, "restarting"); err != nil {
		a.log.Warn("status failed", "error", err)
	}
	a.mu.Lock()
	a.restarts++
	a.started = a.now()
	a.lights = make(map[string]model.SignalStatus)
	a.mu.Unlock()
	if err := a.register(ctx); err != nil {
		a.log.Warn("re-registration failed", "error", err)
	}
	if err := a.publishStatus(ctx, "online"); err != nil {
		a.log.Warn("status failed", "error", err)
	}
}

func (a *Agent) updateConfig(p ConfigParams) {
	a.mu.Lock()
	if p.UpdateInterval > 0 {
		a.update = time.Duration(p.UpdateInterval * float64(time.Second))
	}
	if p.HeartbeatInterval > 0 {
		a.heartbeat = time.Duration(p.HeartbeatInterval * float64(time.Second))
	}
	update, heartbeat := a.update, a.heartbeat
	a.mu.Unlock()

	select {
	case a.reconfig <- struct{}{}:
	default:
	}
	a.log.Info("config updated", "update_interval", update, "heartbeat_interval", heartbeat)
}

func (a *Agent) setLight(p LightParams) {
	if p.Approach == "" || !p.Status.Valid() {
		a.log.Warn("invalid light state", "approach", p.Approach, "status", p.Status)
		return
	}
	a.mu.Lock()
	a.lights[p.Approach] = p.Status
	a.mu.Unlock()
	a.log.Debug("light set", "approach", p.Approach, "status", p.Status, "reason", p.Reason)
}

// Lights returns the last commanded state per approach.
func (a *Agent) Lights() map[string]model.SignalStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]model.SignalStatus, len(a.lights))
	for k, v := range a.lights {
		out[k] = v
	}
	return out
}

// Intervals returns the current data and heartbeat periods.
func (a *Agent) Intervals() (update, heartbeat time.Duration) {
	return a.intervals()
}
