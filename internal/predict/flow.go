package predict

import (
	"fmt"
	"time"
)

// DefaultWindow is the forecast length in minutes when none is given.
const DefaultWindow = 30

// MaxWindow bounds a single forecast request.
const MaxWindow = 24 * 60

// FlowPoint is the forecast for one minute.
type FlowPoint struct {
	Timestamp  time.Time `json:"timestamp"`
	Volume     float64   `json:"volume"`
	Confidence float64   `json:"confidence"`
}

// FlowForecast is a minute-by-minute volume forecast for an intersection.
type FlowForecast struct {
	IntersectionID string      `json:"intersection_id"`
	PredictionTime time.Time   `json:"prediction_time"`
	ModelType      string      `json:"model_type"`
	Predictions    []FlowPoint `json:"predictions"`
	Historical     []float64   `json:"historical_data,omitempty"`
}

// FlowForecaster forecasts intersection volume from a time-of-day profile.
type FlowForecaster struct {
	ModelType string
}

// IsRushHour reports whether hour falls in the morning (07-09) or evening
// (16-18) peak, bounds inclusive.
func IsRushHour(hour int) bool {
	return (hour >= 7 && hour <= 9) || (hour >= 16 && hour <= 18)
}

// profileVolume is the unblended volume for step i at hour.
func profileVolume(hour, i int) float64 {
	if IsRushHour(hour) {
		return float64(80 + (i%5)*10)
	}
	return float64(30 + (i%5)*5)
}

// Confidence decays by 0.01 per step from 0.85 and never goes negative.
func Confidence(i int) float64 {
	c := 0.85 - 0.01*float64(i)
	if c < 0 {
		return 0
	}
	return c
}

// Forecast returns window one-minute steps starting at start.
//
// When history holds observed volumes, each step is the mean of the profile
// volume and the historical mean. includeHistory copies history into the
// forecast for display.
func (f FlowForecaster) Forecast(intersectionID string, start time.Time, window int, history []float64, includeHistory bool) (FlowForecast, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	if window > MaxWindow {
		return FlowForecast{}, fmt.Errorf("predict: window %d exceeds %d minutes", window, MaxWindow)
	}
	modelType := f.ModelType
	if modelType == "" {
		modelType = "edge_impulse"
	}

	var histMean float64
	if len(history) > 0 {
		for _, v := range history {
			histMean += v
		}
		histMean /= float64(len(history))
	}

	out := FlowForecast{
		IntersectionID: intersectionID,
		PredictionTime: start,
		ModelType:      modelType,
		Predictions:    make([]FlowPoint, 0, window),
	}
	for i := 0; i < window; i++ {
		ts := start.Add(time.Duration(i) * time.Minute)
		v := profileVolume(ts.Hour(), i)
		if len(history) > 0 {
			v = 0.5*v + 0.5*histMean
		}
		out.Predictions = append(out.Predictions, FlowPoint{
			Timestamp:  ts,
			Volume:     v,
			Confidence: Confidence(i),
		})
	}
	if includeHistory {
		out.Historical = append([]float64{}, history...)
	}
	return out, nil
}
