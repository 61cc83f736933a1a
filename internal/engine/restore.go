package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/signalflow/internal/model"
	"github.com/roach88/signalflow/internal/store"
)

// RestoreReport summarises what Restore loaded.
type RestoreReport struct {
	Intersections int   `json:"intersections"`
	DefaultPlans  int   `json:"default_plans"`
	Emergencies   int   `json:"emergencies"`
	Samples       int   `json:"samples"`
	Seq           int64 `json:"seq"`
}

// Restore rebuilds engine state from the store.
//
// Active intersections get a controller running their active plan (the
// default plan is saved and activated when none fits). The seq resumes
// after the highest stored seq so the event log continues without gaps.
// Open emergencies are re-admitted in priority order without charging the
// budget. Rolling demand is warmed from the latest stored samples. Head
// statuses left over from the previous run are reconciled to the all-red
// start state and logged with reason "restore".
//
// Must be called before Run, never concurrently with it.
func (e *Engine) Restore(ctx context.Context) (RestoreReport, error) {
	var report RestoreReport

	settings, err := e.store.LatestSettings(ctx)
	if err != nil {
		return report, fmt.Errorf("restore settings: %w", err)
	}
	e.settings = settings

	seq, err := e.store.MaxSeq(ctx)
	if err != nil {
		return report, fmt.Errorf("restore seq: %w", err)
	}
	e.seq.resume(seq)

	intersections, err := e.store.ListIntersections(ctx, true)
	if err != nil {
		return report, fmt.Errorf("restore intersections: %w", err)
	}

	for _, in := range intersections {
		if _, ok := e.controllers[in.ID]; ok {
			continue
		}
		stored, err := e.store.ActivePlan(ctx, in.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return report, fmt.Errorf("restore plan for %s: %w", in.ID, err)
		}
		plan, err := e.loadPlan(ctx, in)
		if err != nil {
			return report, fmt.Errorf("restore plan for %s: %w", in.ID, err)
		}
		if plan.ID != stored.ID {
			report.DefaultPlans++
		}

		c := newController(in, plan, e.waveStart(ctx, plan))
		signals, err := e.store.ListSignals(ctx, in.ID)
		if err != nil {
			return report, fmt.Errorf("restore signals for %s: %w", in.ID, err)
		}
		c.seedStatuses(signals)
		if err := e.emit(ctx, c, c.sync(e.now, model.ReasonRestore)); err != nil {
			return report, err
		}

		open, err := e.store.OpenEmergencies(ctx, in.ID, e.now)
		if err != nil {
			return report, fmt.Errorf("restore emergencies for %s: %w", in.ID, err)
		}
		for _, req := range open {
			_, trans := c.requestPreempt(req, e.now)
			if err := e.emit(ctx, c, trans); err != nil {
				return report, err
			}
			e.budget.Record(in.ID, req.CreatedAt)
			report.Emergencies++
		}

		recent, err := e.store.RecentSamples(ctx, in.ID, DemandWindow)
		if err != nil {
			return report, fmt.Errorf("restore samples for %s: %w", in.ID, err)
		}
		for _, s := range recent {
			if in.HasApproach(s.ApproachID) {
				c.observe(s)
				report.Samples++
			}
		}

		e.addController(c)
		report.Intersections++
	}

	report.Seq = e.seq.current()
	e.refresh()
	e.log.Info("engine restored",
		"intersections", report.Intersections,
		"default_plans", report.DefaultPlans,
		"emergencies", report.Emergencies,
		"samples", report.Samples,
		"seq", report.Seq,
	)
	return report, nil
}

// waveStart recovers the coordination start time of a green wave plan.
// Returns the zero time for uncoordinated plans or unknown waves.
func (e *Engine) waveStart(ctx context.Context, plan model.TimingPlan) time.Time {
	id, ok := waveIDFromPlan(plan)
	if !ok {
		return time.Time{}
	}
	wave, err := e.store.GetGreenWave(ctx, id)
	if err != nil || wave.Status != model.WaveActive {
		e.log.Warn("green wave not restored", "plan", plan.ID, "wave", id, "error", err)
		return time.Time{}
	}
	return wave.StartTime
}
