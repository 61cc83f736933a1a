package predict

import (
	"errors"
	"fmt"

	"github.com/roach88/signalflow/internal/model"
)

// DefaultRoadLengthKm is the detection zone length assumed by Density.
const DefaultRoadLengthKm = 0.1

// HeavyDensity is the vehicles/km at which travel time doubles.
const HeavyDensity = 50.0

// ErrInvalidSpeed is returned by ArrivalTime for a non-positive speed limit.
var ErrInvalidSpeed = errors.New("predict: speed limit must be positive")

// Features converts a sample into the model input vector:
// count, queue, speed, hour, minute, weekday (Monday=0), emergency flag,
// followed by one count per model.VehicleTypes entry when the sample carries
// a type breakdown.
func Features(s model.TrafficSample) []float64 {
	emergency := 0.0
	if s.EmergencyPresent {
		emergency = 1
	}
	// time.Weekday counts from Sunday
	weekday := (int(s.Timestamp.Weekday()) + 6) % 7

	f := []float64{
		float64(s.VehicleCount),
		float64(s.QueueLength),
		s.AverageSpeed,
		float64(s.Timestamp.Hour()),
		float64(s.Timestamp.Minute()),
		float64(weekday),
		emergency,
	}
	if len(s.VehicleTypes) > 0 {
		for _, vt := range model.VehicleTypes {
			f = append(f, float64(s.VehicleTypes[vt]))
		}
	}
	return f
}

// Density returns vehicles per km over a road segment.
func Density(count int, roadKm float64) (float64, error) {
	if roadKm <= 0 {
		return 0, fmt.Errorf("predict: road length must be positive, got %g", roadKm)
	}
	return float64(count) / roadKm, nil
}

// ArrivalTime estimates seconds until a vehicle covers distanceM at
// speedLimitKPH, slowed linearly by density (vehicles/km).
func ArrivalTime(density, distanceM, speedLimitKPH float64) (float64, error) {
	if speedLimitKPH <= 0 {
		return 0, ErrInvalidSpeed
	}
	base := distanceM / 1000 / speedLimitKPH * 3600
	return base * (1 + density/HeavyDensity), nil
}
