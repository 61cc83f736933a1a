// Package predict produces short-horizon traffic forecasts.
//
// FlowForecaster gives intersection-level volume per minute from a
// time-of-day profile, optionally blended with observed history.
// ApproachPredictor extrapolates per-approach volume and queue from the
// latest samples. The remaining helpers (Features, Density, ArrivalTime)
// derive inputs for the optimizer and for emergency preemption ETAs.
package predict
