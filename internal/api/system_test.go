package api

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/signalflow/internal/analytics"
	"github.com/roach88/signalflow/internal/cache"
	"github.com/roach88/signalflow/internal/model"
)

func TestSettings(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/system/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[model.Settings](t, rec)
	assert.Equal(t, model.DefaultSettings().OptimizationAlgorithm, st.OptimizationAlgorithm)

	next := model.DefaultSettings()
	next.OptimizationAlgorithm = "proportional"
	next.GreenWaveCoordination = false
	rec = env.do(t, http.MethodPost, "/system/settings", next)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[struct {
		Status   string         `json:"status"`
		Settings model.Settings `json:"settings"`
	}](t, rec)
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, "proportional", resp.Settings.OptimizationAlgorithm)

	cached, ok := cache.Lookup[model.Settings](env.cache, cache.SettingsKey)
	require.True(t, ok)
	assert.Equal(t, "proportional", cached.OptimizationAlgorithm)

	env.cache.Delete(cache.SettingsKey)
	rec = env.do(t, http.MethodGet, "/system/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[model.Settings](t, rec).GreenWaveCoordination)
	assert.Equal(t, "proportional", env.engine.Settings().OptimizationAlgorithm)

	// Coordination is now switched off
	rec = env.do(t, http.MethodPost, "/signals/green-wave", GreenWaveRequest{
		CorridorID: "c", SpeedKPH: 50, Intersections: []string{"int-001", "int-002"},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSettings_Invalid(t *testing.T) {
	env := newTestEnv(t)

	bad := model.DefaultSettings()
	bad.OptimizationAlgorithm = "genetic"
	rec := env.do(t, http.MethodPost, "/system/settings", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	bad = model.DefaultSettings()
	bad.MLModelType = "transformer"
	rec = env.do(t, http.MethodPost, "/system/settings", bad)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestUsers(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/system/users", UserRequest{
		Username: "ada", Email: "ada@example.com", Role: "admin", Password: "s3cret",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "s3cret")
	assert.NotContains(t, rec.Body.String(), "password")

	rec = env.do(t, http.MethodPost, "/system/users", UserRequest{Username: "ada"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/system/users", UserRequest{Username: "bob", Role: "root"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(t, http.MethodGet, "/system/users", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	users := decode[[]model.User](t, rec)
	require.Len(t, users, 1)
	assert.Equal(t, "ada", users[0].Username)
	assert.Equal(t, "admin", users[0].Role)
}

func TestLogs(t *testing.T) {
	env := newTestEnv(t)
	log := slog.New(env.logs).With("component", "test")
	log.Info("first")
	log.Warn("second", "intersection", "int-001")
	log.Error("third")

	rec := env.do(t, http.MethodGet, "/system/logs?level=warning", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Logs  []LogEntry `json:"logs"`
		Count int        `json:"count"`
	}](t, rec)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "second", body.Logs[0].Message)
	assert.Equal(t, "test", body.Logs[0].Component)
	assert.Equal(t, "int-001", body.Logs[0].Attrs["intersection"])

	rec = env.do(t, http.MethodGet, "/system/logs?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode[struct {
		Logs  []LogEntry `json:"logs"`
		Count int        `json:"count"`
	}](t, rec)
	require.Equal(t, 2, body.Count)
	assert.Equal(t, "third", body.Logs[0].Message, "newest first")

	rec = env.do(t, http.MethodGet, "/system/logs?level=loud", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBackupAndRestore(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/system/backup", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[map[string]any](t, rec)
	id := body["backup_id"].(string)
	assert.Equal(t, "signalflow-20260302T080000Z.db", id)
	info, err := os.Stat(filepath.Join(env.backups, id))
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	rec = env.do(t, http.MethodPost, "/system/backup", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "same timestamp")

	rec = env.do(t, http.MethodPost, "/system/restore/"+id, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "initiated", decode[map[string]any](t, rec)["status"])

	rec = env.do(t, http.MethodPost, "/system/restore/signalflow-20250101T000000Z.db", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/system/restore/bogus.db", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDevices(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/devices/register", model.Device{
		ID:           "dev-1",
		Type:         "signal_controller",
		Capabilities: []string{"camera", "radar"},
		Location:     model.Location{Lat: 40.7, Lon: -74},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/devices/register", model.Device{Type: "camera"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/devices", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Devices []model.Device `json:"devices"`
	}](t, rec)
	require.Len(t, body.Devices, 1)
	assert.Equal(t, "online", body.Devices[0].Status)
	assert.Equal(t, []string{"camera", "radar"}, body.Devices[0].Capabilities)
}

func TestAnalytics(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, env.store.WriteSample(ctx, model.TrafficSample{
			IntersectionID: "int-001",
			ApproachID:     "north",
			VehicleCount:   10,
			WaitingTime:    20,
			VehicleTypes:   map[model.VehicleType]int{model.VehicleCar: 8, model.VehicleBus: 2},
			Timestamp:      testNow.Add(-time.Duration(i+1) * 30 * time.Minute),
		}))
	}

	rec := env.do(t, http.MethodGet, "/analytics/traffic-volume/int-001", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	vol := decode[analytics.SeriesReport](t, rec)
	var total float64
	for _, p := range vol.Data {
		total += p.Value
	}
	assert.Equal(t, 40.0, total)

	rec = env.do(t, http.MethodGet, "/analytics/wait-times/int-001?interval=30m", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/analytics/vehicle-types/int-001", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dist := decode[analytics.DistributionReport](t, rec)
	assert.InDelta(t, 80.0, dist.Distribution["car"], 1e-9)

	rec = env.do(t, http.MethodGet, "/analytics/performance/int-001", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/analytics/system-overview", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[analytics.Overview](t, rec).ActiveIntersections)

	rec = env.do(t, http.MethodGet, "/analytics/reports/daily?date=2026-03-02", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2026-03-02", decode[analytics.DailyReport](t, rec).Date)
}

func TestAnalytics_BadParams(t *testing.T) {
	env := newTestEnv(t)

	tests := []string{
		"/analytics/traffic-volume/int-001?start_time=yesterday",
		"/analytics/traffic-volume/int-001?interval=fortnight",
		"/analytics/traffic-volume/int-001?interval=10s",
		"/analytics/wait-times/int-001?start_time=2026-03-02T08:00:00Z&end_time=2026-03-01T08:00:00Z",
		"/analytics/reports/daily?date=03/02/2026",
	}
	for _, path := range tests {
		rec := env.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
