package edge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/signalflow/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitFor = 2 * time.Second

type registrations struct {
	mu      sync.Mutex
	devices []model.Device
}

func (r *registrations) all() []model.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Device(nil), r.devices...)
}

func registrationServer(t *testing.T, status int) (*httptest.Server, *registrations) {
	t.Helper()
	regs := &registrations{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/devices/register" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var d model.Device
		if err := json.Unmarshal(body, &d); err == nil {
			regs.mu.Lock()
			regs.devices = append(regs.devices, d)
			regs.mu.Unlock()
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, regs
}

type runningAgent struct {
	agent  *Agent
	cancel context.CancelFunc
	done   chan error
}

func startAgent(t *testing.T, cfg AgentConfig, c Client, sensor Sensor, opts ...AgentOption) *runningAgent {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ra := &runningAgent{agent: NewAgent(cfg, c, sensor, opts...), cancel: cancel, done: make(chan error, 1)}
	go func() { ra.done <- ra.agent.Run(ctx) }()
	t.Cleanup(func() { ra.stop(t) })
	return ra
}

func (ra *runningAgent) stop(t *testing.T) error {
	t.Helper()
	if ra.cancel == nil {
		return nil
	}
	ra.cancel()
	ra.cancel = nil
	select {
	case err := <-ra.done:
		return err
	case <-time.After(waitFor):
		t.Fatal("agent did not stop")
		return nil
	}
}

func decodeStatus(t *testing.T, payload []byte) StatusMessage {
	t.Helper()
	var st StatusMessage
	require.NoError(t, json.Unmarshal(payload, &st))
	return st
}

func TestAgent_RegistersAndReports(t *testing.T) {
	srv, regs := registrationServer(t, http.StatusOK)
	broker := newMemBroker()

	cfg := AgentConfig{
		DeviceID:          "dev-1",
		DeviceType:        "signal_controller",
		IntersectionID:    "int-001",
		Capabilities:      []string{"camera"},
		APIURL:            srv.URL,
		UpdateInterval:    10 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
	}
	sensor := NewSimulatedSensor("int-001", []string{"north", "east"}, 7)
	ra := startAgent(t, cfg, broker.client(), sensor, WithHTTPClient(srv.Client()))

	require.Eventually(t, func() bool { return len(regs.all()) == 1 }, waitFor, time.Millisecond)
	d := regs.all()[0]
	assert.Equal(t, "dev-1", d.ID)
	assert.Equal(t, "signal_controller", d.Type)
	assert.Equal(t, []string{"camera"}, d.Capabilities)
	assert.Empty(t, broker.messages(TopicRegistration), "http registration succeeded")

	require.Eventually(t, func() bool { return len(broker.messages(DataTopic("dev-1"))) >= 2 }, waitFor, time.Millisecond)
	var data DataMessage
	require.NoError(t, json.Unmarshal(broker.messages(DataTopic("dev-1"))[0].Payload, &data))
	assert.Equal(t, "int-001", data.IntersectionID)
	require.Len(t, data.Samples, 2)
	assert.Equal(t, "north", data.Samples[0].ApproachID)
	assert.Equal(t, byte(0), broker.messages(DataTopic("dev-1"))[0].QoS)

	require.Eventually(t, func() bool { return len(broker.messages(StatusTopic("dev-1"))) >= 2 }, waitFor, time.Millisecond)
	status := broker.messages(StatusTopic("dev-1"))[0]
	assert.True(t, status.Retained)
	assert.Equal(t, byte(1), status.QoS)
	assert.Equal(t, "online", decodeStatus(t, status.Payload).Status)

	require.NoError(t, ra.stop(t))
	last, ok := broker.retainedPayload(StatusTopic("dev-1"))
	require.True(t, ok)
	assert.Equal(t, "offline", decodeStatus(t, last).Status)
}

func TestAgent_RegistrationFallsBackToMQTT(t *testing.T) {
	srv, regs := registrationServer(t, http.StatusInternalServerError)
	broker := newMemBroker()

	startAgent(t, AgentConfig{DeviceID: "dev-2", DeviceType: "camera", APIURL: srv.URL},
		broker.client(), nil, WithHTTPClient(srv.Client()))

	require.Eventually(t, func() bool { return len(broker.messages(TopicRegistration)) == 1 }, waitFor, time.Millisecond)
	assert.Len(t, regs.all(), 1, "http was attempted first")
	var d model.Device
	require.NoError(t, json.Unmarshal(broker.messages(TopicRegistration)[0].Payload, &d))
	assert.Equal(t, "dev-2", d.ID)
}

func TestAgent_Commands(t *testing.T) {
	broker := newMemBroker()
	ra := startAgent(t, AgentConfig{DeviceID: "dev-3", DeviceType: "signal_controller"}, broker.client(), nil)
	require.Eventually(t, func() bool { return broker.subscribed(CommandTopic("dev-3")) }, waitFor, time.Millisecond)

	coordinator := broker.client()
	require.NoError(t, coordinator.Connect(context.Background()))
	send := func(name string, params any) {
		t.Helper()
		raw, err := json.Marshal(params)
		require.NoError(t, err)
		payload, err := json.Marshal(Command{Command: name, Params: raw})
		require.NoError(t, err)
		require.NoError(t, coordinator.Publish(context.Background(), CommandTopic("dev-3"), 1, false, payload))
	}

	send(CommandSetTrafficLight, LightParams{Approach: "north", Status: model.StatusGreen})
	send(CommandSetTrafficLight, LightParams{Approach: "east", Status: "purple"})
	assert.Equal(t, map[string]model.SignalStatus{"north": model.StatusGreen}, ra.agent.Lights())

	send(CommandUpdateConfig, ConfigParams{UpdateInterval: 2, HeartbeatInterval: 30})
	update, heartbeat := ra.agent.Intervals()
	assert.Equal(t, 2*time.Second, update)
	assert.Equal(t, 30*time.Second, heartbeat)

	send("self_destruct", nil)

	send(CommandRestart, nil)
	assert.Empty(t, ra.agent.Lights(), "restart clears commanded state")
	payload, ok := broker.retainedPayload(StatusTopic("dev-3"))
	require.True(t, ok)
	st := decodeStatus(t, payload)
	assert.Equal(t, "online", st.Status)
	assert.Equal(t, 1, st.Restarts)
	assert.Len(t, broker.messages(TopicRegistration), 2, "restart re-registers")
}

func TestAgent_ConnectFailure(t *testing.T) {
	broker := newMemBroker()
	c := broker.client()
	c.connectErr = errors.New("broker unreachable")

	err := NewAgent(AgentConfig{DeviceID: "dev-4"}, c, nil).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unreachable")

	err = NewAgent(AgentConfig{}, broker.client(), nil).Run(context.Background())
	assert.Error(t, err, "device id is required")
}

func TestSimulatedSensor_Deterministic(t *testing.T) {
	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	a, err := NewSimulatedSensor("int-001", []string{"north", "south"}, 42).Read(context.Background(), at)
	require.NoError(t, err)
	b, err := NewSimulatedSensor("int-001", []string{"north", "south"}, 42).Read(context.Background(), at)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	for _, s := range a {
		require.NoError(t, s.Validate())
		total := 0
		for _, n := range s.VehicleTypes {
			total += n
		}
		assert.Equal(t, s.VehicleCount, total)
		assert.GreaterOrEqual(t, s.VehicleCount, 10, "rush hour doubles volume")
	}
}
