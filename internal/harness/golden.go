package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/signalflow/internal/model"
)

// TraceSnapshot captures the trace and final lamps of a scenario execution.
type TraceSnapshot struct {
	ScenarioName string
	Trace        []TraceEvent
	Final        map[string]finalSnapshot
}

type finalSnapshot struct {
	Mode    string
	Phase   string
	Signals map[string]string
}

// NewTraceSnapshot builds a snapshot from a result.
func NewTraceSnapshot(name string, result *Result) TraceSnapshot {
	final := make(map[string]finalSnapshot, len(result.Final))
	for id, st := range result.Final {
		signals := make(map[string]string, len(st.Signals))
		for a, s := range st.Signals {
			signals[a] = string(s)
		}
		final[id] = finalSnapshot{Mode: string(st.Mode), Phase: st.Phase, Signals: signals}
	}
	return TraceSnapshot{ScenarioName: name, Trace: result.Trace, Final: final}
}

// toCanonicalMap converts a TraceSnapshot to a map[string]any for canonical JSON serialization.
// This is required because model.MarshalCanonical only handles primitives, slices and maps.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		m := map[string]any{
			"kind":  ev.Kind,
			"at_ms": ev.AtMillis,
		}
		put := func(k, v string) {
			if v != "" {
				m[k] = v
			}
		}
		if ev.Seq != 0 {
			m["seq"] = ev.Seq
		}
		put("intersection", ev.Intersection)
		put("approach", ev.Approach)
		put("phase", ev.Phase)
		put("from", string(ev.From))
		put("to", string(ev.To))
		put("reason", ev.Reason)
		put("action", ev.Action)
		put("outcome", ev.Outcome)
		traceList[i] = m
	}

	final := make(map[string]any, len(s.Final))
	for id, f := range s.Final {
		final[id] = map[string]any{
			"mode":    f.Mode,
			"phase":   f.Phase,
			"signals": f.Signals,
		}
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
		"final":         final,
	}
}

// MarshalSnapshot renders a snapshot as canonical JSON.
func MarshalSnapshot(s TraceSnapshot) ([]byte, error) {
	return model.MarshalCanonical(s.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the trace doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares the given result's trace against a golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := MarshalSnapshot(NewTraceSnapshot(scenarioName, result))
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
