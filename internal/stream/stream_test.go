package stream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/signalflow/internal/engine"
	"github.com/roach88/signalflow/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu       sync.Mutex
	statuses []engine.IntersectionStatus
}

func (f *fakeSource) Statuses() []engine.IntersectionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.IntersectionStatus(nil), f.statuses...)
}

func status(id string, queues map[string]int) engine.IntersectionStatus {
	return engine.IntersectionStatus{
		IntersectionID: id,
		Name:           "Test " + id,
		Mode:           engine.ModeNormal,
		Phase:          "ns",
		NextPhase:      "ew",
		Interval:       model.IntervalGreen,
		Remaining:      12.5,
		Signals: map[string]model.SignalStatus{
			"north": model.StatusGreen,
			"east":  model.StatusRed,
		},
		Queues: queues,
	}
}

func TestCongestion(t *testing.T) {
	tests := []struct {
		queue int
		want  string
	}{
		{0, CongestionLow},
		{9, CongestionLow},
		{10, CongestionMedium},
		{24, CongestionMedium},
		{25, CongestionHigh},
		{200, CongestionHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Congestion(tt.queue), "queue %d", tt.queue)
	}
}

func TestBuildFrame(t *testing.T) {
	statuses := []engine.IntersectionStatus{
		status("int-002", map[string]int{"north": 20, "east": 8}),
		status("int-001", map[string]int{"north": 3}),
	}
	statuses[1].Emergency = true

	f := BuildFrame(statuses, "", testNow)
	assert.Equal(t, "traffic_update", f.Type)
	require.Len(t, f.Intersections, 2)
	assert.Equal(t, "int-001", f.Intersections[0].IntersectionID, "ordered by id")
	assert.True(t, f.Intersections[0].SensorData.EmergencyDetected)
	assert.Equal(t, CongestionLow, f.Intersections[0].SensorData.CongestionLevel)
	assert.Equal(t, CongestionHigh, f.Intersections[1].SensorData.CongestionLevel)
	assert.Equal(t, Timings{
		Mode:          engine.ModeNormal,
		CurrentPhase:  "ns",
		NextPhase:     "ew",
		Interval:      "green",
		TimeRemaining: 12.5,
	}, f.Intersections[1].Timings)

	filtered := BuildFrame(statuses, "int-002", testNow)
	require.Len(t, filtered.Intersections, 1)
	assert.Equal(t, "int-002", filtered.Intersections[0].IntersectionID)

	assert.Empty(t, BuildFrame(nil, "", testNow).Intersections)
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	return conn
}

func TestHandler_StreamsFrames(t *testing.T) {
	src := &fakeSource{statuses: []engine.IntersectionStatus{
		status("int-001", map[string]int{"north": 12}),
		status("int-002", nil),
	}}
	h := New(src, WithInterval(10*time.Millisecond), WithClock(func() time.Time { return testNow }))
	srv := httptest.NewServer(h)
	defer srv.Close()
	defer h.Close()

	conn := dial(t, srv, "?intersection=int-001")
	defer conn.Close()

	var first Frame
	require.NoError(t, conn.ReadJSON(&first))
	require.Len(t, first.Intersections, 1)
	assert.Equal(t, "int-001", first.Intersections[0].IntersectionID)
	assert.Equal(t, CongestionMedium, first.Intersections[0].SensorData.CongestionLevel)
	assert.Equal(t, testNow, first.Timestamp)

	src.mu.Lock()
	src.statuses[0].Queues = map[string]int{"north": 30}
	src.mu.Unlock()

	assert.Eventually(t, func() bool {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return false
		}
		return len(f.Intersections) == 1 && f.Intersections[0].SensorData.CongestionLevel == CongestionHigh
	}, 2*time.Second, time.Millisecond)
}

func TestHandler_CloseEndsStreams(t *testing.T) {
	src := &fakeSource{}
	h := New(src, WithInterval(time.Hour))
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv, "")
	defer conn.Close()

	var f Frame
	require.NoError(t, conn.ReadJSON(&f), "a frame is sent on connect")

	h.Close()
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}
