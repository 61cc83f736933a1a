package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScenario writes a scenario next to a copy of the single-intersection
// topology so relative paths resolve.
func writeScenario(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	src, err := os.ReadFile(filepath.Join("testdata", "topology", "single.cue"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "single.cue"), src, 0o644))

	path := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadScenario(t *testing.T) {
	path := writeScenario(t, `
name: load
description: "Loads every step kind"
topology: single.cue
start: 2026-03-02T08:00:00Z
seed: 42
adapt_every: 2
steps:
  - advance: 1.5
  - sample: { intersection: int-001, approach: north, vehicle_count: 4, queue_length: 1, average_speed: 20, waiting_time: 3 }
  - emergency: { intersection: int-001, approach: east, eta_seconds: 20, priority: 3 }
    expect: { status: active }
  - clear: { intersection: int-001 }
  - override: { intersection: int-001, mode: flashing }
  - optimize: { intersection: int-001, algorithm: afsa }
    expect: { error: OVERRIDE_ACTIVE }
  - green_wave: { corridor: c1, direction: east, speed_kph: 50, intersections: [int-001, int-002] }
    expect: { error: UNKNOWN_INTERSECTION }
  - settings: { emergency_vehicle_priority: false }
assertions:
  - type: mode
    intersection: int-001
    mode: flashing
`)

	sc, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "load", sc.Name)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "single.cue"), sc.Topology)
	assert.Equal(t, uint64(42), sc.Seed)
	require.NotNil(t, sc.AdaptEvery)
	assert.Equal(t, 2, *sc.AdaptEvery)
	assert.Equal(t, 2026, sc.Start.Year())

	actions := make([]string, len(sc.Steps))
	for i, s := range sc.Steps {
		actions[i] = s.action()
	}
	assert.Equal(t, []string{
		ActionAdvance, ActionSample, ActionEmergency, ActionClear,
		ActionOverride, ActionOptimize, ActionGreenWave, ActionSettings,
	}, actions)

	require.NotNil(t, sc.Steps[7].Settings.EmergencyVehiclePriority)
	assert.False(t, *sc.Steps[7].Settings.EmergencyVehiclePriority)
	assert.Nil(t, sc.Steps[7].Settings.GreenWaveCoordination)
}

func TestLoadScenario_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "unknown field",
			body: "name: x\ndescription: d\ntopology: single.cue\nsteps:\n  - advance: 1\nassertion: []\n",
			want: "failed to parse YAML",
		},
		{
			name: "missing name",
			body: "description: d\ntopology: single.cue\nsteps:\n  - advance: 1\n",
			want: "name is required",
		},
		{
			name: "missing topology file",
			body: "name: x\ndescription: d\ntopology: nowhere.cue\nsteps:\n  - advance: 1\n",
			want: "topology not found",
		},
		{
			name: "no steps",
			body: "name: x\ndescription: d\ntopology: single.cue\n",
			want: "steps list is required",
		},
		{
			name: "two actions",
			body: "name: x\ndescription: d\ntopology: single.cue\nsteps:\n  - advance: 1\n    override: { intersection: int-001, mode: off }\n",
			want: "exactly one action",
		},
		{
			name: "negative advance",
			body: "name: x\ndescription: d\ntopology: single.cue\nsteps:\n  - advance: -2\n",
			want: "advance must be positive",
		},
		{
			name: "expect on advance",
			body: "name: x\ndescription: d\ntopology: single.cue\nsteps:\n  - advance: 2\n    expect: { status: ok }\n",
			want: "advance steps take no expect",
		},
		{
			name: "error and status",
			body: "name: x\ndescription: d\ntopology: single.cue\nsteps:\n  - override: { intersection: int-001, mode: off }\n    expect: { status: ok, error: INVALID_REQUEST }\n",
			want: "error and status are exclusive",
		},
		{
			name: "unknown assertion",
			body: "name: x\ndescription: d\ntopology: single.cue\nsteps:\n  - advance: 1\nassertions:\n  - type: trace_contains\n",
			want: "unknown assertion type",
		},
		{
			name: "signal assertion without status",
			body: "name: x\ndescription: d\ntopology: single.cue\nsteps:\n  - advance: 1\nassertions:\n  - type: signal\n    intersection: int-001\n    approach: north\n",
			want: "required for signal",
		},
		{
			name: "final_state without expect",
			body: "name: x\ndescription: d\ntopology: single.cue\nsteps:\n  - advance: 1\nassertions:\n  - type: final_state\n    table: signals\n",
			want: "expect is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadScenario(writeScenario(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}
