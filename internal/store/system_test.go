package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/signalflow/internal/model"
)

func TestSettings_DefaultThenLatest(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	st, err := s.LatestSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultSettings(), st)

	first := model.DefaultSettings()
	first.DataRetentionDays = 7
	_, err = s.SaveSettings(ctx, first)
	require.NoError(t, err)

	second := model.DefaultSettings()
	second.OptimizationAlgorithm = "proportional"
	second.EmergencyVehiclePriority = false
	saved, err := s.SaveSettings(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved.ID)

	latest, err := s.LatestSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "proportional", latest.OptimizationAlgorithm)
	assert.False(t, latest.EmergencyVehiclePriority)
	assert.Equal(t, 30, latest.DataRetentionDays)
	assert.Equal(t, testNow, latest.CreatedAt)
}

func TestCreateUser_DuplicateUsername(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx, model.User{Username: "ops", Email: "ops@example.com", PasswordHash: "x"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.ID)
	assert.Equal(t, "operator", u.Role)

	_, err = s.CreateUser(ctx, model.User{Username: "ops", Email: "other@example.com", PasswordHash: "y"})
	assert.ErrorIs(t, err, ErrConflict)

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Nil(t, users[0].LastLogin)
}

func TestDevices_UpsertAndTouch(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertDevice(ctx, model.Device{
		ID:           "edge-001",
		Type:         "traffic_sensor",
		Capabilities: []string{"vehicle_counting", "speed_detection"},
	}))
	require.NoError(t, s.TouchDevice(ctx, "edge-001", "online", testNow.Add(time.Minute)))
	assert.ErrorIs(t, s.TouchDevice(ctx, "edge-404", "online", testNow), ErrNotFound)

	devices, err := s.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, []string{"vehicle_counting", "speed_detection"}, devices[0].Capabilities)
	assert.Equal(t, testNow.Add(time.Minute), devices[0].LastSeen)
	assert.Equal(t, "online", devices[0].Status)
}

func TestOptimizationRuns_HistoryLimit(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		require.NoError(t, s.WriteOptimizationRun(ctx, model.OptimizationRun{
			ID:             fmt.Sprintf("run-%02d", i),
			IntersectionID: "int-001",
			Algorithm:      "afsa",
			Parameters:     map[string]float64{"fish": 50},
			Result: model.OptimizationResult{
				GreenTimes: map[string]float64{"ns": float64(20 + i)},
				CycleTime:  float64(20 + i),
			},
			CreatedAt: testNow.Add(time.Duration(i) * time.Minute),
		}))
	}

	runs, err := s.ListOptimizationRuns(ctx, "int-001", 0)
	require.NoError(t, err)
	require.Len(t, runs, HistoryLimit)
	assert.Equal(t, "run-11", runs[0].ID)
	assert.Equal(t, 31.0, runs[0].Result.GreenTimes["ns"])
	assert.Equal(t, 50.0, runs[0].Parameters["fish"])

	other, err := s.ListOptimizationRuns(ctx, "int-999", 5)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestEmergencies_OpenAndClear(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	low := model.EmergencyRequest{ID: "e-low", IntersectionID: "int-001", Approach: "north",
		VehicleType: model.VehicleEmergency, ETASeconds: 30, PriorityLevel: 1, CreatedAt: testNow}
	high := model.EmergencyRequest{ID: "e-high", IntersectionID: "int-001", Approach: "east",
		VehicleType: model.VehicleEmergency, ETASeconds: 30, PriorityLevel: 3, CreatedAt: testNow.Add(time.Second)}
	require.NoError(t, s.WriteEmergency(ctx, low))
	require.NoError(t, s.WriteEmergency(ctx, high))

	open, err := s.OpenEmergencies(ctx, "int-001", testNow)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "e-high", open[0].ID)
	assert.Equal(t, testNow.Add(90*time.Second), open[1].ExpiresAt)

	require.NoError(t, s.ClearEmergency(ctx, "e-high", testNow))
	assert.ErrorIs(t, s.ClearEmergency(ctx, "e-high", testNow), ErrNotFound)

	open, err = s.OpenEmergencies(ctx, "int-001", testNow)
	require.NoError(t, err)
	require.Len(t, open, 1)

	// Past expiry nothing is open
	open, err = s.OpenEmergencies(ctx, "int-001", testNow.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestGreenWave_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	w := model.GreenWave{
		ID:            "gw-1",
		CorridorID:    "main-st",
		Direction:     "eastbound",
		SpeedKPH:      50,
		Intersections: []string{"int-001", "int-002"},
		Offsets:       map[string]float64{"int-001": 0, "int-002": 36},
		CycleLength:   90,
		StartTime:     testNow,
		Status:        model.WaveScheduled,
	}
	require.NoError(t, s.WriteGreenWave(ctx, w))

	w.Status = model.WaveActive
	require.NoError(t, s.WriteGreenWave(ctx, w))

	got, err := s.GetGreenWave(ctx, "gw-1")
	require.NoError(t, err)
	assert.Equal(t, w, got)

	_, err = s.GetGreenWave(ctx, "gw-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
