package predict

import (
	"sort"
	"time"

	"github.com/roach88/signalflow/internal/model"
)

// Approach predictor defaults.
const (
	DefaultHorizon     = 10
	RecentSamples      = 3
	ApproachConfidence = 0.93
)

// ApproachForecast holds per-approach volume and queue predictions.
type ApproachForecast struct {
	IntersectionID        string               `json:"intersection_id"`
	PredictedVolumes      map[string][]float64 `json:"predicted_volumes"`
	PredictedQueueLengths map[string][]float64 `json:"predicted_queue_lengths"`
	Timestamps            []time.Time          `json:"timestamps"`
	Confidence            float64              `json:"confidence"`
}

// ApproachPredictor averages the most recent samples per approach and
// applies a small periodic variation over the horizon.
type ApproachPredictor struct {
	Horizon int
}

// Predict forecasts Horizon minutes from start. Samples must be in time
// order; only the last RecentSamples of each approach are used. Approaches
// with no samples are absent from the result.
func (p ApproachPredictor) Predict(intersectionID string, start time.Time, samples []model.TrafficSample) ApproachForecast {
	horizon := p.Horizon
	if horizon <= 0 {
		horizon = DefaultHorizon
	}

	byApproach := make(map[string][]model.TrafficSample)
	for _, s := range samples {
		byApproach[s.ApproachID] = append(byApproach[s.ApproachID], s)
	}
	approaches := make([]string, 0, len(byApproach))
	for a := range byApproach {
		approaches = append(approaches, a)
	}
	sort.Strings(approaches)

	out := ApproachForecast{
		IntersectionID:        intersectionID,
		PredictedVolumes:      make(map[string][]float64, len(approaches)),
		PredictedQueueLengths: make(map[string][]float64, len(approaches)),
		Timestamps:            make([]time.Time, horizon),
		Confidence:            ApproachConfidence,
	}
	for i := range out.Timestamps {
		out.Timestamps[i] = start.Add(time.Duration(i) * time.Minute)
	}

	for _, a := range approaches {
		recent := byApproach[a]
		if len(recent) > RecentSamples {
			recent = recent[len(recent)-RecentSamples:]
		}
		var vol, queue float64
		for _, s := range recent {
			vol += float64(s.VehicleCount)
			queue += float64(s.QueueLength)
		}
		vol /= float64(len(recent))
		queue /= float64(len(recent))

		vols := make([]float64, horizon)
		queues := make([]float64, horizon)
		for i := 0; i < horizon; i++ {
			vols[i] = vol * (0.9 + 0.2*float64(i%3)/10)
			queues[i] = queue * (0.95 + 0.1*float64(i%2)/10)
		}
		out.PredictedVolumes[a] = vols
		out.PredictedQueueLengths[a] = queues
	}
	return out
}
