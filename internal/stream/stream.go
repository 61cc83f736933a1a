// Package stream pushes live intersection snapshots to websocket clients.
//
// Each connection gets one frame per interval built from the engine's
// published statuses. Clients may narrow the stream with
// ?intersection=<id>. Incoming messages are read only to service control
// frames and detect disconnects.
package stream

import (
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/signalflow/internal/engine"
	"github.com/roach88/signalflow/internal/metrics"
	"github.com/roach88/signalflow/internal/model"
)

const (
	// DefaultInterval is the push period when none is configured.
	DefaultInterval = time.Second

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Congestion levels derived from the total queue.
const (
	CongestionLow    = "LOW"
	CongestionMedium = "MEDIUM"
	CongestionHigh   = "HIGH"
)

// Congestion classifies a total queue count: under 10 is low, under 25 is
// medium, anything else high.
func Congestion(totalQueue int) string {
	switch {
	case totalQueue < 10:
		return CongestionLow
	case totalQueue < 25:
		return CongestionMedium
	default:
		return CongestionHigh
	}
}

// Source supplies controller snapshots. Implemented by *engine.Engine.
type Source interface {
	Statuses() []engine.IntersectionStatus
}

// Frame is one message pushed to a client.
type Frame struct {
	Type          string     `json:"type"`
	Timestamp     time.Time  `json:"timestamp"`
	Intersections []Snapshot `json:"intersections"`
}

// Snapshot is the live view of one intersection.
type Snapshot struct {
	IntersectionID string                        `json:"intersection_id"`
	Name           string                        `json:"name"`
	Signals        map[string]model.SignalStatus `json:"signals"`
	SensorData     SensorData                    `json:"sensor_data"`
	Timings        Timings                       `json:"timings"`
}

// SensorData summarises detector state.
type SensorData struct {
	Queues            map[string]int `json:"queues"`
	EmergencyDetected bool           `json:"emergency_detected"`
	CongestionLevel   string         `json:"congestion_level"`
}

// Timings describes where the controller is in its cycle.
type Timings struct {
	Mode          engine.Mode `json:"mode"`
	CurrentPhase  string      `json:"current_phase"`
	NextPhase     string      `json:"next_phase"`
	Interval      string      `json:"interval"`
	TimeRemaining float64     `json:"time_remaining"`
}

// BuildFrame converts statuses into a frame. A non-empty filter keeps only
// that intersection. Intersections are ordered by id.
func BuildFrame(statuses []engine.IntersectionStatus, filter string, at time.Time) Frame {
	f := Frame{Type: "traffic_update", Timestamp: at, Intersections: []Snapshot{}}
	for _, st := range statuses {
		if filter != "" && st.IntersectionID != filter {
			continue
		}
		total := 0
		queues := make(map[string]int, len(st.Queues))
		for a, q := range st.Queues {
			queues[a] = q
			total += q
		}
		f.Intersections = append(f.Intersections, Snapshot{
			IntersectionID: st.IntersectionID,
			Name:           st.Name,
			Signals:        st.Signals,
			SensorData: SensorData{
				Queues:            queues,
				EmergencyDetected: st.Emergency,
				CongestionLevel:   Congestion(total),
			},
			Timings: Timings{
				Mode:          st.Mode,
				CurrentPhase:  st.Phase,
				NextPhase:     st.NextPhase,
				Interval:      string(st.Interval),
				TimeRemaining: st.Remaining,
			},
		})
	}
	sort.Slice(f.Intersections, func(i, j int) bool {
		return f.Intersections[i].IntersectionID < f.Intersections[j].IntersectionID
	})
	return f
}

// Handler upgrades requests to websocket streams.
type Handler struct {
	source   Source
	interval time.Duration
	upgrader websocket.Upgrader
	now      func() time.Time
	log      *slog.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Handler.
type Option func(*Handler)

// WithInterval sets the push period.
func WithInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.interval = d
		}
	}
}

// WithClock overrides the frame timestamp source. For tests.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// New creates a Handler streaming from source.
func New(source Source, opts ...Option) *Handler {
	h := &Handler{
		source:   source,
		interval: DefaultInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboards are served from other origins
			CheckOrigin: func(*http.Request) bool { return true },
		},
		now:  time.Now,
		log:  slog.With("component", "stream"),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP streams frames until the client goes away or Close is called.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "stream closed", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		h.log.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	filter := r.URL.Query().Get("intersection")
	metrics.StreamClientConnected()
	h.log.Info("client connected", "remote", r.RemoteAddr, "intersection", filter)
	defer func() {
		metrics.StreamClientDisconnected()
		h.log.Info("client disconnected", "remote", r.RemoteAddr)
	}()

	gone := make(chan struct{})
	go h.readLoop(conn, gone)
	h.writeLoop(conn, filter, gone)
	conn.Close()
	<-gone
}

// readLoop discards client messages and closes gone when the connection
// fails or is closed.
func (h *Handler) readLoop(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) writeLoop(conn *websocket.Conn, filter string, gone <-chan struct{}) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	if err := h.send(conn, filter); err != nil {
		return
	}
	for {
		select {
		case <-gone:
			return
		case <-h.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-ticker.C:
			if err := h.send(conn, filter); err != nil {
				return
			}
		}
	}
}

func (h *Handler) send(conn *websocket.Conn, filter string) error {
	frame := BuildFrame(h.source.Statuses(), filter, h.now().UTC())
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(frame); err != nil {
		h.log.Debug("write failed", "error", err)
		return err
	}
	return nil
}

// Close ends every open stream and waits for the connection goroutines to
// exit. Later requests get 503.
func (h *Handler) Close() {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.done)
	}
	h.mu.Unlock()
	h.wg.Wait()
}
