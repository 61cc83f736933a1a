package harness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/signalflow/internal/engine"
	"github.com/roach88/signalflow/internal/model"
	"github.com/roach88/signalflow/internal/store"
)

func signal(seq int64, at int64, approach string, from, to model.SignalStatus, reason string) TraceEvent {
	return TraceEvent{
		Kind:         KindSignal,
		AtMillis:     at,
		Seq:          seq,
		Intersection: "int-001",
		Approach:     approach,
		From:         from,
		To:           to,
		Reason:       reason,
	}
}

func sampleResult() *Result {
	r := NewResult()
	r.Trace = []TraceEvent{
		signal(1, 1000, "north", model.StatusRed, model.StatusGreen, model.ReasonCycle),
		{Kind: KindStep, AtMillis: 2000, Intersection: "int-001", Action: ActionEmergency, Outcome: "active"},
		signal(2, 2000, "north", model.StatusGreen, model.StatusYellow, model.ReasonPreempt),
		signal(3, 5000, "north", model.StatusYellow, model.StatusRed, model.ReasonPreempt),
		signal(4, 6000, "east", model.StatusRed, model.StatusGreen, model.ReasonPreempt),
	}
	r.Final["int-001"] = engine.IntersectionStatus{
		IntersectionID: "int-001",
		Mode:           engine.ModePreempt,
		Signals: map[string]model.SignalStatus{
			"north": model.StatusRed,
			"east":  model.StatusGreen,
		},
	}
	return r
}

func TestEvaluateAssertions_Trace(t *testing.T) {
	tests := []struct {
		name      string
		assertion Assertion
		want      string
	}{
		{
			name:      "signal holds",
			assertion: Assertion{Type: AssertSignal, Intersection: "int-001", Approach: "east", Status: "green"},
		},
		{
			name:      "signal differs",
			assertion: Assertion{Type: AssertSignal, Intersection: "int-001", Approach: "north", Status: "green"},
			want:      `int-001/north is "red"`,
		},
		{
			name:      "signal unknown intersection",
			assertion: Assertion{Type: AssertSignal, Intersection: "int-404", Approach: "north", Status: "red"},
			want:      "intersection not found",
		},
		{
			name:      "mode holds",
			assertion: Assertion{Type: AssertMode, Intersection: "int-001", Mode: "preempt"},
		},
		{
			name:      "mode differs",
			assertion: Assertion{Type: AssertMode, Intersection: "int-001", Mode: "normal"},
			want:      "mode preempt",
		},
		{
			name:      "event count by reason",
			assertion: Assertion{Type: AssertEventCount, Intersection: "int-001", Reason: "preempt", Count: 3},
		},
		{
			name:      "event count by status and approach",
			assertion: Assertion{Type: AssertEventCount, Approach: "north", Status: "green", Count: 1},
		},
		{
			name:      "event count zero",
			assertion: Assertion{Type: AssertEventCount, Reason: "override", Count: 0},
		},
		{
			name:      "event count differs",
			assertion: Assertion{Type: AssertEventCount, Count: 2},
			want:      "4 events",
		},
		{
			name:      "transitions in order with gaps",
			assertion: Assertion{Type: AssertTransitions, Intersection: "int-001", Approach: "north", Statuses: []string{"green", "red"}},
		},
		{
			name:      "transitions out of order",
			assertion: Assertion{Type: AssertTransitions, Intersection: "int-001", Approach: "north", Statuses: []string{"yellow", "green"}},
			want:      "missing green after [yellow]",
		},
		{
			name:      "final_state without store",
			assertion: Assertion{Type: AssertFinalState, Table: "signals", Expect: map[string]any{"status": "red"}},
			want:      "requires database context",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := EvaluateAssertions(sampleResult(), []Assertion{tt.assertion}, nil)
			if tt.want == "" {
				assert.Empty(t, errs)
				return
			}
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0], tt.want)
		})
	}
}

func TestAssertionError_IncludesTrace(t *testing.T) {
	errs := EvaluateAssertions(sampleResult(), []Assertion{
		{Type: AssertTransitions, Intersection: "int-001", Approach: "north", Statuses: []string{"flashing"}},
	}, nil)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "Assertion failed: transitions")
	assert.Contains(t, errs[0], "[2] t=2000ms int-001/north green -> yellow (preempt)")
}

func TestEvaluateAssertions_FinalState(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	in := model.Intersection{
		ID:         "int-001",
		Name:       "Main St & 1st Ave",
		Type:       model.FourWay,
		LanesCount: 4,
		Approaches: []string{"north", "east"},
		Phases: []model.Phase{
			{ID: "n", Approaches: []string{"north"}, MinGreen: 10, DefaultGreen: 20, MaxGreen: 60, Yellow: 4, AllRed: 2},
			{ID: "e", Approaches: []string{"east"}, MinGreen: 10, DefaultGreen: 20, MaxGreen: 60, Yellow: 4, AllRed: 2},
		},
		Active: true,
	}
	require.NoError(t, st.UpsertIntersection(ctx, in))
	require.NoError(t, st.UpdateSignalStatus(ctx, model.SignalID("int-001", "east"), model.StatusGreen, time.Unix(100, 0)))

	actx := &AssertionContext{Store: st, Ctx: ctx}
	tests := []struct {
		name      string
		assertion Assertion
		want      string
	}{
		{
			name: "row matches",
			assertion: Assertion{Type: AssertFinalState, Table: "signals",
				Where:  map[string]any{"intersection_id": "int-001", "position": "east"},
				Expect: map[string]any{"status": "green", "default_timing": 20}},
		},
		{
			name: "boolean column",
			assertion: Assertion{Type: AssertFinalState, Table: "intersections",
				Where:  map[string]any{"id": "int-001"},
				Expect: map[string]any{"active": true, "lanes_count": 4}},
		},
		{
			name: "value differs",
			assertion: Assertion{Type: AssertFinalState, Table: "signals",
				Where:  map[string]any{"intersection_id": "int-001", "position": "north"},
				Expect: map[string]any{"status": "green"}},
			want: `field "status" = red`,
		},
		{
			name: "row missing",
			assertion: Assertion{Type: AssertFinalState, Table: "signals",
				Where:  map[string]any{"position": "west"},
				Expect: map[string]any{"status": "red"}},
			want: "row not found",
		},
		{
			name: "ambiguous",
			assertion: Assertion{Type: AssertFinalState, Table: "signals",
				Where:  map[string]any{"intersection_id": "int-001"},
				Expect: map[string]any{"status": "red"}},
			want: "multiple rows matched",
		},
		{
			name: "unknown column",
			assertion: Assertion{Type: AssertFinalState, Table: "signals",
				Where:  map[string]any{"position": "north"},
				Expect: map[string]any{"colour": "red"}},
			want: `field "colour" not present`,
		},
		{
			name: "table injection",
			assertion: Assertion{Type: AssertFinalState, Table: "signals; DROP TABLE signals",
				Expect: map[string]any{"status": "red"}},
			want: "invalid table name",
		},
		{
			name: "column injection",
			assertion: Assertion{Type: AssertFinalState, Table: "signals",
				Where:  map[string]any{"1=1 OR position": "north"},
				Expect: map[string]any{"status": "red"}},
			want: "invalid column name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := EvaluateAssertions(NewResult(), []Assertion{tt.assertion}, actx)
			if tt.want == "" {
				assert.Empty(t, errs)
				return
			}
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0], tt.want)
		})
	}
}

func TestStateValuesEqual(t *testing.T) {
	tests := []struct {
		expected any
		actual   any
		want     bool
	}{
		{"red", "red", true},
		{"red", []byte("red"), true},
		{"red", "green", false},
		{4, int64(4), true},
		{4, 4.0, true},
		{4.5, 4.5, true},
		{4.5, int64(4), false},
		{true, int64(1), true},
		{false, int64(0), true},
		{true, int64(0), false},
		{nil, nil, true},
		{"red", nil, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, stateValuesEqual(tt.expected, tt.actual), "%v vs %v", tt.expected, tt.actual)
	}
}

func TestBuildWhereClause(t *testing.T) {
	sql, args, err := buildWhereClause(map[string]any{"position": "north", "active": true, "intersection_id": "int-001"})
	require.NoError(t, err)
	assert.Equal(t, "active = ? AND intersection_id = ? AND position = ?", sql)
	assert.Equal(t, []any{int64(1), "int-001", "north"}, args)

	sql, args, err = buildWhereClause(nil)
	require.NoError(t, err)
	assert.Empty(t, sql)
	assert.Nil(t, args)
}
