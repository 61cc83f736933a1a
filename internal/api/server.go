// Package api serves the signalflow HTTP API.
//
// Routes are registered on a net/http ServeMux with method and wildcard
// patterns. Writes to controller state go through the engine's Submit;
// reads come from engine snapshots, the store, and the TTL cache.
package api

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/roach88/signalflow/internal/analytics"
	"github.com/roach88/signalflow/internal/cache"
	"github.com/roach88/signalflow/internal/engine"
	"github.com/roach88/signalflow/internal/metrics"
	"github.com/roach88/signalflow/internal/model"
	"github.com/roach88/signalflow/internal/store"
)

// Coordinator is the part of the engine the API drives.
// Implemented by *engine.Engine.
type Coordinator interface {
	Submit(ctx context.Context, ev engine.Event) (any, error)
	Status(id string) (engine.IntersectionStatus, bool)
	Statuses() []engine.IntersectionStatus
	Settings() model.Settings
}

// Deps are the collaborators a Server needs. Stream and Logs are optional.
type Deps struct {
	Engine    Coordinator
	Store     *store.Store
	Analytics *analytics.Service
	Cache     *cache.Cache
	Logs      *LogBuffer
	Stream    http.Handler
	BackupDir string
	Now       func() time.Time
}

// Server holds the HTTP handlers.
type Server struct {
	engine    Coordinator
	store     *store.Store
	analytics *analytics.Service
	cache     *cache.Cache
	logs      *LogBuffer
	stream    http.Handler
	backupDir string
	now       func() time.Time
	log       *slog.Logger
}

// New creates a Server.
func New(d Deps) *Server {
	s := &Server{
		engine:    d.Engine,
		store:     d.Store,
		analytics: d.Analytics,
		cache:     d.Cache,
		logs:      d.Logs,
		stream:    d.Stream,
		backupDir: d.BackupDir,
		now:       d.Now,
		log:       slog.With("component", "api"),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logs == nil {
		s.logs = NewLogBuffer(0, nil)
	}
	if s.backupDir == "" {
		s.backupDir = "backups"
	}
	return s
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	if s.stream != nil {
		mux.Handle("GET /traffic-stream", s.stream)
	}

	// Signal control
	mux.HandleFunc("GET /signals/intersections", s.handleListIntersections)
	mux.HandleFunc("GET /signals/intersections/{id}/status", s.handleIntersectionStatus)
	mux.HandleFunc("PUT /signals/intersections/{id}/signals/{signal}", s.handleUpdateSignal)
	mux.HandleFunc("POST /signals/intersections/{id}/timing", s.handleUpdateTiming)
	mux.HandleFunc("POST /signals/intersections/{id}/samples", s.handleIngestSample)
	mux.HandleFunc("POST /signals/emergency-vehicle", s.handleEmergency)
	mux.HandleFunc("DELETE /signals/emergency-vehicle/{emergency}", s.handleClearEmergency)
	mux.HandleFunc("POST /signals/green-wave", s.handleGreenWave)
	mux.HandleFunc("GET /signals/green-wave/{wave}", s.handleGetGreenWave)

	// Prediction and optimization
	mux.HandleFunc("POST /prediction/traffic-flow", s.handleTrafficFlow)
	mux.HandleFunc("POST /prediction/predict", s.handlePredict)
	mux.HandleFunc("POST /prediction/optimize", s.handleOptimize)
	mux.HandleFunc("GET /prediction/models", s.handleModels)
	mux.HandleFunc("GET /prediction/algorithms", s.handleAlgorithms)
	mux.HandleFunc("GET /prediction/history/{id}", s.handleHistory)
	mux.HandleFunc("GET /prediction/health", s.handlePredictionHealth)

	// Analytics
	mux.HandleFunc("GET /analytics/traffic-volume/{id}", s.handleTrafficVolume)
	mux.HandleFunc("GET /analytics/wait-times/{id}", s.handleWaitTimes)
	mux.HandleFunc("GET /analytics/performance/{id}", s.handlePerformance)
	mux.HandleFunc("GET /analytics/vehicle-types/{id}", s.handleVehicleTypes)
	mux.HandleFunc("GET /analytics/system-overview", s.handleSystemOverview)
	mux.HandleFunc("GET /analytics/reports/daily", s.handleDailyReport)

	// System
	mux.HandleFunc("GET /system/settings", s.handleGetSettings)
	mux.HandleFunc("POST /system/settings", s.handleUpdateSettings)
	mux.HandleFunc("GET /system/health", s.handleHealth)
	mux.HandleFunc("GET /system/users", s.handleListUsers)
	mux.HandleFunc("POST /system/users", s.handleCreateUser)
	mux.HandleFunc("GET /system/logs", s.handleLogs)
	mux.HandleFunc("POST /system/backup", s.handleBackup)
	mux.HandleFunc("POST /system/restore/{backup}", s.handleRestore)

	// Field devices
	mux.HandleFunc("POST /api/devices/register", s.handleRegisterDevice)
	mux.HandleFunc("GET /api/devices", s.handleListDevices)

	return s.instrument(mux)
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack supports the websocket upgrade on /traffic-stream.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(r.ResponseWriter).Hijack()
	if err == nil {
		r.code = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			if p := recover(); p != nil {
				s.log.Error("handler panic", "method", r.Method, "path", r.URL.Path, "panic", p)
				writeError(rec, http.StatusInternalServerError, "internal server error")
			}
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			metrics.RecordHTTPRequest(route, strconv.Itoa(rec.code), time.Since(start))
		}()
		next.ServeHTTP(rec, r)
	})
}

// Health is the reply of the health endpoints.
type Health struct {
	Name       string                     `json:"name"`
	Version    string                     `json:"version"`
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth is one dependency's state.
type ComponentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    model.AppName,
		"version": model.Version,
		"status":  "online",
		"docs":    "/system/health",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.health(r.Context()))
}

func (s *Server) health(ctx context.Context) Health {
	h := Health{
		Name:       model.AppName,
		Version:    model.Version,
		Status:     "healthy",
		Timestamp:  s.now().UTC(),
		Components: make(map[string]ComponentHealth),
	}
	check := func(name string, err error) {
		if err != nil {
			h.Components[name] = ComponentHealth{Status: "unhealthy", Error: err.Error()}
			h.Status = "degraded"
			return
		}
		h.Components[name] = ComponentHealth{Status: "healthy"}
	}
	check("store", s.store.Ping(ctx))
	if s.cache != nil {
		check("cache", s.cache.Ping())
	}
	h.Components["bus"] = ComponentHealth{Status: "online"}
	h.Components["engine"] = ComponentHealth{Status: "online"}
	return h
}
