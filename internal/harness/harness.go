package harness

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/roach88/signalflow/internal/compiler"
	"github.com/roach88/signalflow/internal/engine"
	"github.com/roach88/signalflow/internal/model"
	"github.com/roach88/signalflow/internal/optimize"
	"github.com/roach88/signalflow/internal/store"
	"github.com/roach88/signalflow/internal/testutil"
)

// Outcomes recorded for successful steps without a more specific status.
const (
	OutcomeOK       = "ok"
	OutcomeStaged   = "staged"
	OutcomeRecorded = "recorded"
	outcomeError    = "ERROR"
)

// Harness drives one engine through a scenario without its Run loop.
//
// The engine is stepped synchronously, one second per tick, against a
// fresh in-memory store whose clock follows simulated time. Ids come from
// a sequence generator and the optimizer from a fixed seed, so the same
// scenario always produces the same trace.
type Harness struct {
	store    *store.Store
	engine   *engine.Engine
	clock    *testutil.ManualClock
	start    time.Time
	topology []model.Intersection

	seq           int64
	lastEmergency string
}

// LoadTopology compiles a CUE topology file or directory.
func LoadTopology(path string) ([]model.Intersection, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("topology: %w", err)
	}
	if info.IsDir() {
		topo, err := compiler.LoadDir(path)
		if err != nil {
			return nil, err
		}
		return topo.Intersections, nil
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology: %w", err)
	}
	return compiler.CompileSource(path, src)
}

// Run executes a scenario and returns the result.
//
// Execution flow:
//  1. Compile and validate the topology
//  2. Open a fresh in-memory store and restore an engine over it
//  3. Execute steps, tracing each outcome and the signal changes it caused
//  4. Check the safety principles over the whole trace
//  5. Evaluate assertions
//
// The returned error is for harness failures (bad topology, store errors).
// Expectation and assertion failures are reported in the Result.
func Run(ctx context.Context, sc *Scenario) (*Result, error) {
	topology, err := LoadTopology(sc.Topology)
	if err != nil {
		return nil, err
	}
	if errs := compiler.Validate(topology); len(errs) > 0 {
		return nil, fmt.Errorf("topology: %v", errs[0])
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	start := sc.Start
	if start.IsZero() {
		start = DefaultStart
	}
	clock := testutil.NewManualClock(start)
	st.SetNow(clock.Now)

	for _, in := range topology {
		if err := st.UpsertIntersection(ctx, in); err != nil {
			return nil, fmt.Errorf("seed topology: %w", err)
		}
	}

	opts := []engine.EngineOption{
		engine.WithStart(start),
		engine.WithIDGenerator(engine.NewSequenceGenerator("id")),
		engine.WithOptimizerOptions(optimize.WithSeed(sc.Seed)),
	}
	if sc.AdaptEvery != nil {
		opts = append(opts, engine.WithAdaptEvery(*sc.AdaptEvery))
	}
	eng := engine.New(st, opts...)
	if _, err := eng.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}

	h := &Harness{store: st, engine: eng, clock: clock, start: clock.Now(), topology: topology}
	result := NewResult()
	if err := h.collect(ctx, result); err != nil {
		return nil, err
	}
	for i, step := range sc.Steps {
		if err := h.runStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for _, s := range eng.Statuses() {
		result.Final[s.IntersectionID] = s
	}
	for _, v := range CheckPrinciples(topology, result.Trace) {
		result.AddError(v.Error())
	}
	actx := &AssertionContext{Store: st, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, sc.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// collect appends signal events written since the last collection.
func (h *Harness) collect(ctx context.Context, result *Result) error {
	events, err := h.store.ReadSignalEvents(ctx, "", h.seq, 0)
	if err != nil {
		return err
	}
	for _, ev := range events {
		result.Trace = append(result.Trace, TraceEvent{
			Kind:         KindSignal,
			AtMillis:     ev.At.Sub(h.start).Milliseconds(),
			Seq:          ev.Seq,
			Intersection: ev.IntersectionID,
			Approach:     ev.Approach,
			Phase:        ev.Phase,
			From:         ev.From,
			To:           ev.To,
			Reason:       ev.Reason,
		})
		h.seq = ev.Seq
	}
	return nil
}

func (h *Harness) runStep(ctx context.Context, i int, step Step, result *Result) error {
	action := step.action()
	if action == ActionAdvance {
		if err := h.advance(ctx, step.Advance); err != nil {
			return err
		}
		return h.collect(ctx, result)
	}

	intersection, ev, err := h.event(step)
	var outcome string
	if err == nil {
		var v any
		v, err = h.engine.Process(ctx, ev)
		outcome = h.outcome(v)
	}
	if err != nil {
		outcome = outcomeError
		if code := engine.CodeOf(err); code != "" {
			outcome = string(code)
		}
	}

	result.Trace = append(result.Trace, TraceEvent{
		Kind:         KindStep,
		AtMillis:     h.clock.Elapsed().Milliseconds(),
		Intersection: intersection,
		Action:       action,
		Outcome:      outcome,
	})
	checkExpect(i, action, step.Expect, outcome, err, result)
	return h.collect(ctx, result)
}

// advance ticks the engine one second at a time; a fractional remainder
// becomes a final short tick.
func (h *Harness) advance(ctx context.Context, seconds float64) error {
	for remaining := seconds; remaining > 1e-9; {
		dt := math.Min(1, remaining)
		if err := h.engine.Step(ctx, dt); err != nil {
			return err
		}
		h.clock.Advance(time.Duration(dt * float64(time.Second)))
		remaining -= dt
	}
	return nil
}

// event translates a step into an engine event.
func (h *Harness) event(step Step) (string, engine.Event, error) {
	switch {
	case step.Sample != nil:
		s := step.Sample
		return s.Intersection, engine.Event{
			Type:           engine.EventSample,
			IntersectionID: s.Intersection,
			Sample: &model.TrafficSample{
				IntersectionID: s.Intersection,
				ApproachID:     s.Approach,
				VehicleCount:   s.VehicleCount,
				QueueLength:    s.QueueLength,
				AverageSpeed:   s.AverageSpeed,
				WaitingTime:    s.WaitingTime,
				Timestamp:      h.clock.Now(),
			},
		}, nil
	case step.Emergency != nil:
		s := step.Emergency
		priority := s.Priority
		if priority == 0 {
			priority = 1
		}
		return s.Intersection, engine.Event{
			Type:           engine.EventEmergency,
			IntersectionID: s.Intersection,
			Emergency: &model.EmergencyRequest{
				IntersectionID: s.Intersection,
				Approach:       s.Approach,
				VehicleType:    model.VehicleType(s.VehicleType),
				ETASeconds:     s.ETASeconds,
				PriorityLevel:  priority,
			},
		}, nil
	case step.Clear != nil:
		id := step.Clear.ID
		if id == "" {
			id = h.lastEmergency
		}
		return step.Clear.Intersection, engine.Event{
			Type:           engine.EventEmergencyClear,
			IntersectionID: step.Clear.Intersection,
			EmergencyID:    id,
		}, nil
	case step.Override != nil:
		return step.Override.Intersection, engine.Event{
			Type:           engine.EventOverride,
			IntersectionID: step.Override.Intersection,
			Mode:           engine.Mode(step.Override.Mode),
		}, nil
	case step.Optimize != nil:
		return step.Optimize.Intersection, engine.Event{
			Type:           engine.EventOptimize,
			IntersectionID: step.Optimize.Intersection,
			Algorithm:      step.Optimize.Algorithm,
		}, nil
	case step.GreenWave != nil:
		s := step.GreenWave
		return "", engine.Event{
			Type: engine.EventGreenWave,
			Wave: &model.GreenWave{
				CorridorID:    s.Corridor,
				Direction:     s.Direction,
				SpeedKPH:      s.SpeedKPH,
				Intersections: s.Intersections,
			},
		}, nil
	case step.Settings != nil:
		next := h.engine.Settings()
		s := step.Settings
		if s.EmergencyVehiclePriority != nil {
			next.EmergencyVehiclePriority = *s.EmergencyVehiclePriority
		}
		if s.GreenWaveCoordination != nil {
			next.GreenWaveCoordination = *s.GreenWaveCoordination
		}
		if s.OptimizationAlgorithm != "" {
			next.OptimizationAlgorithm = s.OptimizationAlgorithm
		}
		return "", engine.Event{Type: engine.EventSettings, Settings: &next}, nil
	}
	return "", engine.Event{}, fmt.Errorf("step has no action")
}

// outcome summarises a successful reply.
func (h *Harness) outcome(v any) string {
	switch r := v.(type) {
	case engine.EmergencyAck:
		h.lastEmergency = r.ID
		return r.Status
	case model.GreenWave:
		return r.Status
	case engine.OptimizeOutcome:
		if r.Plan != nil {
			return OutcomeStaged
		}
		return OutcomeRecorded
	}
	return OutcomeOK
}

func checkExpect(i int, action string, want *Expect, outcome string, err error, result *Result) {
	switch {
	case want == nil:
		if err != nil {
			result.AddError(fmt.Sprintf("steps[%d] %s: unexpected error: %v", i, action, err))
		}
	case want.Error != "":
		if outcome != want.Error {
			result.AddError(fmt.Sprintf("steps[%d] %s: expected error %s, got %s", i, action, want.Error, outcome))
		}
	case want.Status != "":
		if err != nil {
			result.AddError(fmt.Sprintf("steps[%d] %s: expected %s, got error: %v", i, action, want.Status, err))
		} else if outcome != want.Status {
			result.AddError(fmt.Sprintf("steps[%d] %s: expected %s, got %s", i, action, want.Status, outcome))
		}
	}
}
