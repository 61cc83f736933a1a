package predict

// ModelInfo describes a prediction model available to operators.
type ModelInfo struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Version     string  `json:"version"`
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Accuracy    float64 `json:"accuracy"`
	Latency     string  `json:"latency"`
}

// Models returns the model catalogue.
func Models() []ModelInfo {
	return []ModelInfo{
		{
			ID:          "edge_impulse_v1",
			Name:        "Edge Impulse",
			Version:     "1.0",
			Type:        "edge_impulse",
			Description: "Lightweight ML model optimized for edge devices",
			Accuracy:    0.89,
			Latency:     "15ms",
		},
		{
			ID:          "mlp_nn_v2",
			Name:        "MLP Neural Network",
			Version:     "2.0",
			Type:        "mlp_nn",
			Description: "Multi-layer perceptron neural network for traffic prediction",
			Accuracy:    0.92,
			Latency:     "45ms",
		},
		{
			ID:          "lstm_v1",
			Name:        "LSTM Time Series",
			Version:     "1.0",
			Type:        "lstm",
			Description: "Long Short-Term Memory network for time series prediction",
			Accuracy:    0.94,
			Latency:     "120ms",
		},
	}
}

// KnownModelType reports whether t is the Type of a catalogued model.
func KnownModelType(t string) bool {
	for _, m := range Models() {
		if m.Type == t {
			return true
		}
	}
	return false
}
