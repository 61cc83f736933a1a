package api

import (
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/roach88/signalflow/internal/cache"
	"github.com/roach88/signalflow/internal/engine"
	"github.com/roach88/signalflow/internal/model"
)

// StatusResponse is the reply of GET /signals/intersections/{id}/status.
type StatusResponse struct {
	IntersectionID string                     `json:"intersection_id"`
	Name           string                     `json:"name"`
	Timestamp      time.Time                  `json:"timestamp"`
	Signals        []model.Signal             `json:"signals"`
	Controller     *engine.IntersectionStatus `json:"controller,omitempty"`
}

func (s *Server) handleListIntersections(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	list, err := s.store.ListIntersections(r.Context(), activeOnly)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"intersections": list,
		"count":         len(list),
	})
}

func (s *Server) handleIntersectionStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.cache != nil {
		if cached, ok := cache.Lookup[StatusResponse](s.cache, cache.StatusKey(id)); ok {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	in, err := s.store.GetIntersection(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	signals, err := s.store.ListSignals(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := StatusResponse{
		IntersectionID: in.ID,
		Name:           in.Name,
		Timestamp:      s.now().UTC(),
		Signals:        signals,
	}
	if st, ok := s.engine.Status(id); ok {
		resp.Controller = &st
	}
	if s.cache != nil {
		s.cache.Set(cache.StatusKey(id), resp, cache.StatusTTL)
	}
	writeJSON(w, http.StatusOK, resp)
}

// SignalUpdate is the body of PUT .../signals/{signal}.
type SignalUpdate struct {
	Status string `json:"status"`
}

// handleUpdateSignal applies a manual lamp override. flashing and off put
// the whole controller into that override; green, yellow and red return it
// to normal cycling. The engine remains the only writer of lamp state.
func (s *Server) handleUpdateSignal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	signalID := r.PathValue("signal")
	if !strings.Contains(signalID, ":") {
		signalID = model.SignalID(id, signalID)
	}

	var body SignalUpdate
	if err := decodeJSON(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	status, err := model.ParseSignalStatus(body.Status)
	if err != nil {
		s.fail(w, r, unprocessable("%v", err))
		return
	}

	signals, err := s.store.ListSignals(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !containsSignal(signals, signalID) {
		writeError(w, http.StatusNotFound, "signal %s not found", signalID)
		return
	}

	mode := engine.ModeNormal
	switch status {
	case model.StatusFlashing:
		mode = engine.ModeFlashing
	case model.StatusOff:
		mode = engine.ModeOff
	}
	if _, err := s.engine.Submit(r.Context(), engine.Event{
		Type:           engine.EventOverride,
		IntersectionID: id,
		Mode:           mode,
	}); err != nil {
		s.fail(w, r, err)
		return
	}
	if s.cache != nil {
		s.cache.Invalidate(id)
	}

	signals, err = s.store.ListSignals(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	for _, sig := range signals {
		if sig.ID == signalID {
			writeJSON(w, http.StatusOK, map[string]any{
				"signal": sig,
				"mode":   mode,
			})
			return
		}
	}
	writeError(w, http.StatusNotFound, "signal %s not found", signalID)
}

func containsSignal(signals []model.Signal, id string) bool {
	for _, s := range signals {
		if s.ID == id {
			return true
		}
	}
	return false
}

// SignalTiming is one position's timing bounds in a timing update.
type SignalTiming struct {
	Default float64 `json:"default"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

// handleUpdateTiming stages a manual plan whose phase greens follow the new
// position defaults, then updates the signal timing bounds. Bounds are only
// written once the engine has accepted the plan.
func (s *Server) handleUpdateTiming(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body map[string]SignalTiming
	if err := decodeJSON(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if len(body) == 0 {
		s.fail(w, r, unprocessable("timing update names no positions"))
		return
	}

	in, err := s.store.GetIntersection(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	for pos, t := range body {
		if !in.HasApproach(pos) {
			writeError(w, http.StatusNotFound, "intersection %s has no approach %q", id, pos)
			return
		}
		if t.Min > t.Default || t.Default > t.Max {
			s.fail(w, r, unprocessable("%s: require min <= default <= max", pos))
			return
		}
	}
	base, err := s.store.ActivePlan(r.Context(), id)
	if err != nil {
		base = model.DefaultPlan(in)
	}
	plan := timingPlan(in, base, body)
	staged, err := s.engine.Submit(r.Context(), engine.Event{
		Type: engine.EventPlan,
		Plan: &plan,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	positions := make([]string, 0, len(body))
	for pos := range body {
		positions = append(positions, pos)
	}
	sort.Strings(positions)
	for _, pos := range positions {
		t := body[pos]
		if err := s.store.UpdateSignalTiming(r.Context(), id, pos, t.Default, t.Min, t.Max); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	if s.cache != nil {
		s.cache.Invalidate(id)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Timing plan updated successfully",
		"plan":    staged,
	})
}

// timingPlan derives phase greens from position defaults. A phase takes
// the largest default among its updated approaches, clamped to the phase
// bounds; phases with no updated approach keep base's green.
func timingPlan(in model.Intersection, base model.TimingPlan, timings map[string]SignalTiming) model.TimingPlan {
	greens := make(map[string]float64, len(in.Phases))
	for _, ph := range in.Phases {
		g, found := 0.0, false
		for _, a := range ph.Approaches {
			if t, ok := timings[a]; ok {
				g = math.Max(g, t.Default)
				found = true
			}
		}
		if !found {
			g = base.GreenTimes[ph.ID]
			if g == 0 {
				g = ph.DefaultGreen
			}
		}
		greens[ph.ID] = math.Min(math.Max(g, ph.MinGreen), ph.MaxGreen)
	}
	return model.TimingPlan{
		IntersectionID: in.ID,
		Name:           "timing",
		Source:         model.SourceManual,
		GreenTimes:     greens,
	}
}

// handleIngestSample accepts a detector sample over HTTP, the same way the
// MQTT bridge does for field devices.
func (s *Server) handleIngestSample(w http.ResponseWriter, r *http.Request) {
	var sample model.TrafficSample
	if err := decodeJSON(r, &sample); err != nil {
		s.fail(w, r, err)
		return
	}
	if sample.IntersectionID == "" {
		sample.IntersectionID = r.PathValue("id")
	}
	if sample.IntersectionID != r.PathValue("id") {
		s.fail(w, r, unprocessable("intersection_id %q does not match path", sample.IntersectionID))
		return
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = s.now().UTC()
	}
	if _, err := s.engine.Submit(r.Context(), engine.Event{
		Type:           engine.EventSample,
		IntersectionID: sample.IntersectionID,
		Sample:         &sample,
	}); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

// EmergencyRequest is the body of POST /signals/emergency-vehicle.
type EmergencyRequest struct {
	IntersectionID    string `json:"intersection_id"`
	ApproachDirection string `json:"approach_direction"`
	VehicleType       string `json:"vehicle_type"`
	ETASeconds        int    `json:"eta_seconds"`
	PriorityLevel     int    `json:"priority_level"`
}

// EmergencyResponse acknowledges a preemption request.
type EmergencyResponse struct {
	EmergencyID string    `json:"emergency_id"`
	Status      string    `json:"status"`
	ETASeconds  int       `json:"eta_seconds"`
	Preemption  string    `json:"preemption"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	var body EmergencyRequest
	if err := decodeJSON(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if body.PriorityLevel == 0 {
		body.PriorityLevel = 1
	}
	if body.PriorityLevel < 1 || body.PriorityLevel > 3 {
		s.fail(w, r, unprocessable("priority_level must be between 1 and 3, got %d", body.PriorityLevel))
		return
	}
	if body.ETASeconds < 0 {
		s.fail(w, r, unprocessable("eta_seconds must be non-negative"))
		return
	}

	req := model.EmergencyRequest{
		IntersectionID: body.IntersectionID,
		Approach:       body.ApproachDirection,
		VehicleType:    model.VehicleType(body.VehicleType),
		ETASeconds:     body.ETASeconds,
		PriorityLevel:  body.PriorityLevel,
	}
	v, err := s.engine.Submit(r.Context(), engine.Event{
		Type:           engine.EventEmergency,
		IntersectionID: req.IntersectionID,
		Emergency:      &req,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ack := v.(engine.EmergencyAck)
	if s.cache != nil {
		ttl := time.Duration(ack.ETASeconds)*time.Second + cache.EmergencyTTL
		s.cache.Set(cache.EmergencyKey(ack.ID), ack, ttl)
		s.cache.Invalidate(ack.IntersectionID)
	}
	writeJSON(w, http.StatusOK, EmergencyResponse{
		EmergencyID: ack.ID,
		Status:      "priority_requested",
		ETASeconds:  ack.ETASeconds,
		Preemption:  ack.Status,
		ExpiresAt:   ack.ExpiresAt,
	})
}

func (s *Server) handleClearEmergency(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("emergency")
	if _, err := s.engine.Submit(r.Context(), engine.Event{
		Type:           engine.EventEmergencyClear,
		IntersectionID: r.URL.Query().Get("intersection_id"),
		EmergencyID:    id,
	}); err != nil {
		s.fail(w, r, err)
		return
	}
	if s.cache != nil {
		s.cache.Delete(cache.EmergencyKey(id))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"emergency_id": id,
		"status":       "cleared",
	})
}

// GreenWaveRequest is the body of POST /signals/green-wave.
type GreenWaveRequest struct {
	CorridorID    string     `json:"corridor_id"`
	Direction     string     `json:"direction"`
	SpeedKPH      float64    `json:"speed_kph"`
	Intersections []string   `json:"intersections"`
	StartTime     *time.Time `json:"start_time,omitempty"`
}

// GreenWaveResponse acknowledges a coordinated corridor.
type GreenWaveResponse struct {
	GreenWaveID   string             `json:"green_wave_id"`
	Status        string             `json:"status"`
	Intersections int                `json:"intersections"`
	CycleLength   float64            `json:"cycle_length"`
	Offsets       map[string]float64 `json:"offsets"`
	StartTime     time.Time          `json:"start_time"`
}

func (s *Server) handleGreenWave(w http.ResponseWriter, r *http.Request) {
	var body GreenWaveRequest
	if err := decodeJSON(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	for _, id := range body.Intersections {
		if _, err := s.store.GetIntersection(r.Context(), id); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	wave := model.GreenWave{
		CorridorID:    body.CorridorID,
		Direction:     body.Direction,
		SpeedKPH:      body.SpeedKPH,
		Intersections: body.Intersections,
	}
	if body.StartTime != nil {
		wave.StartTime = body.StartTime.UTC()
	}
	v, err := s.engine.Submit(r.Context(), engine.Event{Type: engine.EventGreenWave, Wave: &wave})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	saved := v.(model.GreenWave)
	if s.cache != nil {
		s.cache.Set(cache.WaveKey(saved.ID), saved, cache.WaveTTL)
		for _, id := range saved.Intersections {
			s.cache.Invalidate(id)
		}
	}
	writeJSON(w, http.StatusOK, GreenWaveResponse{
		GreenWaveID:   saved.ID,
		Status:        model.WaveScheduled,
		Intersections: len(saved.Intersections),
		CycleLength:   saved.CycleLength,
		Offsets:       saved.Offsets,
		StartTime:     saved.StartTime,
	})
}

func (s *Server) handleGetGreenWave(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("wave")
	if s.cache != nil {
		if wave, ok := cache.Lookup[model.GreenWave](s.cache, cache.WaveKey(id)); ok {
			writeJSON(w, http.StatusOK, wave)
			return
		}
	}
	wave, err := s.store.GetGreenWave(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wave)
}
