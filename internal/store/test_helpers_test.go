package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/signalflow/internal/model"
)

var testNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

// createTestStore opens a fresh database in a temp dir with a fixed clock.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	s.SetNow(func() time.Time { return testNow })
	t.Cleanup(func() { s.Close() })
	return s
}

// testIntersection returns a valid two-phase four-way intersection.
func testIntersection(id string) model.Intersection {
	return model.Intersection{
		ID:         id,
		Name:       "Test " + id,
		Location:   model.Location{Lat: 40.7128, Lon: -74.0060},
		Type:       model.FourWay,
		LanesCount: 4,
		Approaches: []string{"north", "south", "east", "west"},
		Phases: []model.Phase{
			{ID: "ns", Approaches: []string{"north", "south"}, MinGreen: 10, DefaultGreen: 30, MaxGreen: 120, Yellow: 4, AllRed: 2},
			{ID: "ew", Approaches: []string{"east", "west"}, MinGreen: 10, DefaultGreen: 25, MaxGreen: 120, Yellow: 4, AllRed: 2},
		},
		Active: true,
	}
}

func testSample(intersectionID, approach string, count int, at time.Time) model.TrafficSample {
	return model.TrafficSample{
		IntersectionID: intersectionID,
		ApproachID:     approach,
		VehicleCount:   count,
		QueueLength:    count / 2,
		AverageSpeed:   35,
		WaitingTime:    20,
		VehicleTypes:   map[model.VehicleType]int{model.VehicleCar: count},
		Timestamp:      at,
	}
}
