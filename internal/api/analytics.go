package api

import (
	"net/http"
	"time"

	"github.com/roach88/signalflow/internal/analytics"
)

// rangeParams reads start_time and end_time.
func rangeParams(r *http.Request) (analytics.Range, error) {
	start, err := queryTime(r, "start_time")
	if err != nil {
		return analytics.Range{}, err
	}
	end, err := queryTime(r, "end_time")
	if err != nil {
		return analytics.Range{}, err
	}
	return analytics.Range{Start: start, End: end}, nil
}

// seriesParams reads the range plus an interval, defaulting to hourly.
func seriesParams(r *http.Request) (analytics.Range, time.Duration, error) {
	rng, err := rangeParams(r)
	if err != nil {
		return rng, 0, err
	}
	window, err := queryDuration(r, "interval")
	if err != nil {
		return rng, 0, err
	}
	if window == 0 {
		window = analytics.DefaultWindow
	}
	return rng, window, nil
}

func (s *Server) handleTrafficVolume(w http.ResponseWriter, r *http.Request) {
	rng, window, err := seriesParams(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	report, err := s.analytics.TrafficVolume(r.Context(), r.PathValue("id"), rng, window)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleWaitTimes(w http.ResponseWriter, r *http.Request) {
	rng, window, err := seriesParams(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	report, err := s.analytics.WaitTimes(r.Context(), r.PathValue("id"), rng, window)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	rng, err := rangeParams(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	report, err := s.analytics.Performance(r.Context(), r.PathValue("id"), rng)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleVehicleTypes(w http.ResponseWriter, r *http.Request) {
	rng, err := rangeParams(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	report, err := s.analytics.VehicleTypes(r.Context(), r.PathValue("id"), rng)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSystemOverview(w http.ResponseWriter, r *http.Request) {
	overview, err := s.analytics.SystemOverview(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

// handleDailyReport takes an optional date=YYYY-MM-DD; the default is
// yesterday.
func (s *Server) handleDailyReport(w http.ResponseWriter, r *http.Request) {
	var date time.Time
	if v := r.URL.Query().Get("date"); v != "" {
		d, err := time.Parse(time.DateOnly, v)
		if err != nil {
			s.fail(w, r, invalid("date: expected YYYY-MM-DD, got %q", v))
			return
		}
		date = d
	}
	report, err := s.analytics.Daily(r.Context(), date)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
