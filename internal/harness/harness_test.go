package harness

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/signalflow/internal/model"
)

func loadTestScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	sc, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return sc
}

func TestRun_Scenarios(t *testing.T) {
	paths, err := FindScenarios(filepath.Join("testdata", "scenarios"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			sc, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := Run(context.Background(), sc)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Empty(t, result.Errors)
		})
	}
}

func TestRun_FixedCycleGolden(t *testing.T) {
	sc := loadTestScenario(t, "fixed_cycle")

	result, err := RunWithGolden(t, sc)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Len(t, result.Signals(), 8)
}

func TestRun_Deterministic(t *testing.T) {
	sc := loadTestScenario(t, "emergency_preemption")

	first, err := Run(context.Background(), sc)
	require.NoError(t, err)
	second, err := Run(context.Background(), sc)
	require.NoError(t, err)

	if diff := cmp.Diff(first.Trace, second.Trace); diff != "" {
		t.Errorf("trace differs between runs (-first +second):\n%s", diff)
	}
}

func TestRun_EmergencyTrace(t *testing.T) {
	sc := loadTestScenario(t, "emergency_preemption")

	result, err := Run(context.Background(), sc)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	var steps []TraceEvent
	for _, ev := range result.Trace {
		if ev.Kind == KindStep {
			steps = append(steps, ev)
		}
	}
	want := []TraceEvent{
		{Kind: KindStep, AtMillis: 5000, Intersection: "int-001", Action: ActionEmergency, Outcome: "active"},
		{Kind: KindStep, AtMillis: 15000, Intersection: "int-001", Action: ActionEmergency, Outcome: "queued"},
		{Kind: KindStep, AtMillis: 15000, Intersection: "int-001", Action: ActionClear, Outcome: OutcomeOK},
		{Kind: KindStep, AtMillis: 15000, Intersection: "int-001", Action: ActionClear, Outcome: "UNKNOWN_EMERGENCY"},
		{Kind: KindStep, AtMillis: 15000, Intersection: "int-001", Action: ActionEmergency, Outcome: "UNKNOWN_APPROACH"},
		{Kind: KindStep, AtMillis: 15000, Intersection: "int-001", Action: ActionClear, Outcome: OutcomeOK},
	}
	if diff := cmp.Diff(want, steps); diff != "" {
		t.Errorf("step outcomes mismatch (-want +got):\n%s", diff)
	}

	// The conflicting green is cut the moment the request is accepted
	var cut []TraceEvent
	for _, ev := range result.Signals() {
		if ev.AtMillis == 5000 {
			cut = append(cut, ev)
		}
	}
	require.Len(t, cut, 2)
	for _, ev := range cut {
		assert.Equal(t, model.StatusGreen, ev.From)
		assert.Equal(t, model.StatusYellow, ev.To)
		assert.Equal(t, model.ReasonPreempt, ev.Reason)
	}
}

func TestRun_ExpectationMismatch(t *testing.T) {
	sc := loadTestScenario(t, "override_flashing")
	sc.Steps[2].Expect = &Expect{Status: "active"}

	result, err := Run(context.Background(), sc)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "steps[2] emergency")
	assert.Contains(t, result.Errors[0], "OVERRIDE_ACTIVE")
}

func TestRun_UnexpectedStepError(t *testing.T) {
	sc := loadTestScenario(t, "fixed_cycle")
	sc.Steps = append(sc.Steps, Step{Override: &OverrideStep{Intersection: "int-009", Mode: "off"}})
	sc.Assertions = nil

	result, err := Run(context.Background(), sc)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "unexpected error")
}

func TestRun_TopologyDirectory(t *testing.T) {
	dir := t.TempDir()
	src, err := os.ReadFile(filepath.Join("testdata", "topology", "corridor.cue"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "corridor.cue"), src, 0o644))

	sc := &Scenario{
		Name:        "dir",
		Description: "directory topology",
		Topology:    dir,
		Steps:       []Step{{Advance: 3}},
	}
	result, err := Run(context.Background(), sc)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Len(t, result.Final, 2)
}

func TestRun_InvalidTopology(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.cue")
	require.NoError(t, os.WriteFile(path, []byte(`
package topology

intersection: "int-001": {
	approaches: ["north"]
	phases: [{id: "n", approaches: ["north"], yellow: 1}]
}
`), 0o644))

	_, err := Run(context.Background(), &Scenario{Name: "bad", Topology: path, Steps: []Step{{Advance: 1}}})
	assert.Error(t, err)
}
