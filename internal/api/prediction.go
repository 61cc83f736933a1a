package api

import (
	"net/http"
	"time"

	"github.com/roach88/signalflow/internal/engine"
	"github.com/roach88/signalflow/internal/model"
	"github.com/roach88/signalflow/internal/optimize"
	"github.com/roach88/signalflow/internal/predict"
	"github.com/roach88/signalflow/internal/store"
)

// historyLimit is how many recent samples per approach feed a forecast.
const historyLimit = 60

// TrafficFlowRequest is the body of POST /prediction/traffic-flow.
type TrafficFlowRequest struct {
	IntersectionID    string `json:"intersection_id"`
	PredictionWindow  int    `json:"prediction_window"`
	IncludeHistorical bool   `json:"include_historical"`
}

func (s *Server) handleTrafficFlow(w http.ResponseWriter, r *http.Request) {
	var body TrafficFlowRequest
	if err := decodeJSON(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if body.PredictionWindow < 0 {
		s.fail(w, r, unprocessable("prediction_window must be positive"))
		return
	}
	if _, err := s.store.GetIntersection(r.Context(), body.IntersectionID); err != nil {
		s.fail(w, r, err)
		return
	}
	samples, err := s.store.RecentSamples(r.Context(), body.IntersectionID, historyLimit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	history := make([]float64, len(samples))
	for i, smp := range samples {
		history[i] = float64(smp.VehicleCount)
	}

	f := predict.FlowForecaster{ModelType: s.engine.Settings().MLModelType}
	forecast, err := f.Forecast(body.IntersectionID, s.now().UTC(), body.PredictionWindow, history, body.IncludeHistorical)
	if err != nil {
		s.fail(w, r, unprocessable("%v", err))
		return
	}
	writeJSON(w, http.StatusOK, forecast)
}

// PredictRequest is the body of POST /prediction/predict. Without
// historical_data the stored samples are used.
type PredictRequest struct {
	IntersectionID    string                `json:"intersection_id"`
	HistoricalData    []model.TrafficSample `json:"historical_data"`
	PredictionHorizon int                   `json:"prediction_horizon"`
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var body PredictRequest
	if err := decodeJSON(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if body.PredictionHorizon < 0 || body.PredictionHorizon > predict.MaxWindow {
		s.fail(w, r, unprocessable("prediction_horizon must be between 1 and %d", predict.MaxWindow))
		return
	}
	if _, err := s.store.GetIntersection(r.Context(), body.IntersectionID); err != nil {
		s.fail(w, r, err)
		return
	}
	samples := body.HistoricalData
	if len(samples) == 0 {
		var err error
		samples, err = s.store.RecentSamples(r.Context(), body.IntersectionID, predict.RecentSamples)
		if err != nil {
			s.fail(w, r, err)
			return
		}
	}
	p := predict.ApproachPredictor{Horizon: body.PredictionHorizon}
	writeJSON(w, http.StatusOK, p.Predict(body.IntersectionID, s.now().UTC(), samples))
}

// OptimizeRequest is the body of POST /prediction/optimize. Conditions
// override the demand the engine has observed.
type OptimizeRequest struct {
	IntersectionID string               `json:"intersection_id"`
	Algorithm      string               `json:"algorithm"`
	Conditions     *optimize.Conditions `json:"conditions,omitempty"`
}

// OptimizeResponse reports an optimizer run and the staged plan.
type OptimizeResponse struct {
	RunID          string                   `json:"run_id"`
	IntersectionID string                   `json:"intersection_id"`
	Algorithm      string                   `json:"algorithm"`
	Result         model.OptimizationResult `json:"result"`
	Plan           *model.TimingPlan        `json:"plan,omitempty"`
	Timestamp      time.Time                `json:"timestamp"`
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var body OptimizeRequest
	if err := decodeJSON(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if body.Conditions != nil {
		if err := body.Conditions.Validate(); err != nil {
			s.fail(w, r, unprocessable("%v", err))
			return
		}
	}
	v, err := s.engine.Submit(r.Context(), engine.Event{
		Type:           engine.EventOptimize,
		IntersectionID: body.IntersectionID,
		Algorithm:      body.Algorithm,
		Conditions:     body.Conditions,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := v.(engine.OptimizeOutcome)
	if s.cache != nil {
		s.cache.Invalidate(body.IntersectionID)
	}
	writeJSON(w, http.StatusOK, OptimizeResponse{
		RunID:          out.Run.ID,
		IntersectionID: out.Run.IntersectionID,
		Algorithm:      out.Run.Algorithm,
		Result:         out.Run.Result,
		Plan:           out.Plan,
		Timestamp:      out.Run.CreatedAt,
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models := predict.Models()
	writeJSON(w, http.StatusOK, map[string]any{
		"models": models,
		"count":  len(models),
		"active": s.engine.Settings().MLModelType,
	})
}

func (s *Server) handleAlgorithms(w http.ResponseWriter, r *http.Request) {
	algs := optimize.Catalogue()
	writeJSON(w, http.StatusOK, map[string]any{
		"algorithms": algs,
		"count":      len(algs),
		"active":     s.engine.Settings().OptimizationAlgorithm,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit, err := queryInt(r, "limit", store.HistoryLimit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	runs, err := s.store.ListOptimizationRuns(r.Context(), id, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"intersection_id":      id,
		"optimization_history": runs,
		"count":                len(runs),
	})
}

func (s *Server) handlePredictionHealth(w http.ResponseWriter, r *http.Request) {
	settings := s.engine.Settings()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                 "healthy",
		"ml_model_type":          settings.MLModelType,
		"optimization_algorithm": settings.OptimizationAlgorithm,
		"models_available":       len(predict.Models()),
		"algorithms_available":   len(optimize.Catalogue()),
		"timestamp":              s.now().UTC(),
	})
}
