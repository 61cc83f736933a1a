package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.uber.org/multierr"

	"github.com/roach88/signalflow/internal/bus"
	"github.com/roach88/signalflow/internal/metrics"
	"github.com/roach88/signalflow/internal/model"
	"github.com/roach88/signalflow/internal/optimize"
	"github.com/roach88/signalflow/internal/store"
)

// EmergencyAck is the reply to an accepted emergency request.
type EmergencyAck struct {
	ID             string    `json:"emergency_id"`
	IntersectionID string    `json:"intersection_id"`
	Status         string    `json:"status"`
	ETASeconds     int       `json:"eta_seconds"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Emergency ack statuses.
const (
	EmergencyActive = "active"
	EmergencyQueued = "queued"
)

// EmergencyNotice is published on the intersection emergency topic.
type EmergencyNotice struct {
	Event     string                 `json:"event"`
	Emergency model.EmergencyRequest `json:"emergency"`
	At        time.Time              `json:"at"`
}

// OptimizeOutcome is the reply to EventOptimize. Plan is nil when the result
// could not be applied to the intersection's phases.
type OptimizeOutcome struct {
	Run  model.OptimizationRun `json:"run"`
	Plan *model.TimingPlan     `json:"plan,omitempty"`
}

func (e *Engine) handleSample(ctx context.Context, s *model.TrafficSample) error {
	if s == nil {
		return newError(ErrCodeInvalidRequest, "", "sample event missing sample")
	}
	if err := s.Validate(); err != nil {
		return newError(ErrCodeInvalidRequest, s.IntersectionID, "%v", err)
	}
	c, err := e.controllerFor(s.IntersectionID)
	if err != nil {
		return err
	}
	if !c.in.HasApproach(s.ApproachID) {
		return newError(ErrCodeUnknownApproach, s.IntersectionID, "unknown approach %q", s.ApproachID)
	}
	sample := *s
	if sample.Timestamp.IsZero() {
		sample.Timestamp = e.now
	}
	if err := e.store.WriteSample(ctx, sample); err != nil {
		return fmt.Errorf("record sample: %w", err)
	}
	c.observe(sample)
	metrics.RecordSample(sample.IntersectionID)
	e.bus.Publish(bus.TopicTrafficUpdates, sample)
	return nil
}

func (e *Engine) handleEmergency(ctx context.Context, r *model.EmergencyRequest) (EmergencyAck, error) {
	if r == nil {
		return EmergencyAck{}, newError(ErrCodeInvalidRequest, "", "emergency event missing request")
	}
	req := *r
	reject := func(err error) (EmergencyAck, error) {
		if req.IntersectionID != "" {
			metrics.RecordPreemption(req.IntersectionID, metrics.PreemptRejected)
		}
		return EmergencyAck{}, err
	}

	if err := req.Validate(); err != nil {
		return reject(newError(ErrCodeInvalidRequest, req.IntersectionID, "%v", err))
	}
	c, err := e.controllerFor(req.IntersectionID)
	if err != nil {
		return reject(err)
	}
	if c.in.PhaseIndexFor(req.Approach) < 0 {
		return reject(newError(ErrCodeUnknownApproach, req.IntersectionID, "no phase serves approach %q", req.Approach))
	}
	if !e.settings.EmergencyVehiclePriority {
		return reject(newError(ErrCodePreemptionDisabled, req.IntersectionID, "emergency vehicle priority is disabled"))
	}
	if c.overridden() {
		return reject(newError(ErrCodeOverrideActive, req.IntersectionID, "controller is in %s override", c.mode))
	}
	// Priority 3 requests bypass the budget but still count against it
	if req.PriorityLevel < 3 {
		if err := e.budget.Check(req.IntersectionID, e.now); err != nil {
			return reject(err)
		}
	}

	if req.ID == "" {
		req.ID = e.ids.Generate()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = e.now
	}
	req.ExpiresAt = req.Expiry()
	if req.VehicleType == "" {
		req.VehicleType = model.VehicleEmergency
	}

	if err := e.store.WriteEmergency(ctx, req); err != nil {
		return EmergencyAck{}, fmt.Errorf("record emergency: %w", err)
	}
	e.budget.Record(req.IntersectionID, e.now)

	active, trans := c.requestPreempt(req, e.now)
	if err := e.emit(ctx, c, trans); err != nil {
		return EmergencyAck{}, err
	}

	ack := EmergencyAck{
		ID:             req.ID,
		IntersectionID: req.IntersectionID,
		Status:         EmergencyQueued,
		ETASeconds:     req.ETASeconds,
		ExpiresAt:      req.ExpiresAt,
	}
	outcome := metrics.PreemptQueued
	if active {
		ack.Status = EmergencyActive
		outcome = metrics.PreemptAccepted
	}
	metrics.RecordPreemption(req.IntersectionID, outcome)
	e.notifyEmergency(req, outcome)
	e.log.Info("emergency accepted",
		"id", req.ID,
		"intersection", req.IntersectionID,
		"approach", req.Approach,
		"priority", req.PriorityLevel,
		"status", ack.Status,
	)
	return ack, nil
}

// handleClear ends an active preemption or withdraws a pending one.
// intersectionID may be empty, in which case every controller is searched.
func (e *Engine) handleClear(ctx context.Context, intersectionID, id string) error {
	if id == "" {
		return newError(ErrCodeInvalidRequest, intersectionID, "emergency id is required")
	}
	var c *controller
	for _, cid := range e.order {
		if intersectionID != "" && cid != intersectionID {
			continue
		}
		if e.controllers[cid].holds(id) {
			c = e.controllers[cid]
			break
		}
	}
	if c == nil {
		return newError(ErrCodeUnknownEmergency, intersectionID, "emergency %s is not open", id)
	}

	if err := e.store.ClearEmergency(ctx, id, e.now); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("clear emergency: %w", err)
	}

	if c.preempt == nil || c.preempt.ID != id {
		req := e.pendingRequest(c, id)
		c.withdraw(id)
		metrics.RecordPreemption(c.in.ID, metrics.PreemptCleared)
		e.notifyEmergency(req, metrics.PreemptCleared)
		return nil
	}

	released := *c.preempt
	next, trans := c.release(e.now)
	metrics.RecordPreemption(c.in.ID, metrics.PreemptCleared)
	e.notifyEmergency(released, metrics.PreemptCleared)
	if next != nil {
		e.notifyEmergency(*next, metrics.PreemptAccepted)
	}
	return e.emit(ctx, c, trans)
}

func (e *Engine) pendingRequest(c *controller, id string) model.EmergencyRequest {
	for _, p := range c.pending {
		if p.ID == id {
			return p
		}
	}
	return model.EmergencyRequest{ID: id, IntersectionID: c.in.ID}
}

func (e *Engine) notifyEmergency(req model.EmergencyRequest, event string) {
	e.bus.Publish(bus.EmergencyTopic(req.IntersectionID), EmergencyNotice{
		Event:     event,
		Emergency: req,
		At:        e.now,
	})
}

// handlePlan validates and stages a manual plan. It takes effect at the
// next cycle boundary and ends any green wave coordination.
func (e *Engine) handlePlan(ctx context.Context, p *model.TimingPlan) (model.TimingPlan, error) {
	if p == nil {
		return model.TimingPlan{}, newError(ErrCodeInvalidRequest, "", "plan event missing plan")
	}
	plan := *p
	c, err := e.controllerFor(plan.IntersectionID)
	if err != nil {
		return model.TimingPlan{}, err
	}
	plan.ID = ""
	plan.Active = false
	if plan.Source == "" {
		plan.Source = model.SourceManual
	}
	if plan.Name == "" {
		plan.Name = plan.Source
	}
	if plan.CycleLength == 0 {
		plan.CycleLength = model.NaturalCycle(c.in, plan.GreenTimes)
	}
	if err := plan.Validate(c.in); err != nil {
		return model.TimingPlan{}, newError(ErrCodeInvalidRequest, c.in.ID, "%v", err)
	}
	return e.stagePlan(ctx, c, plan, time.Time{})
}

// stagePlan saves, activates, and stages plan on c.
func (e *Engine) stagePlan(ctx context.Context, c *controller, plan model.TimingPlan, waveStart time.Time) (model.TimingPlan, error) {
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = e.now
	}
	saved, err := e.store.SavePlan(ctx, plan)
	if err != nil {
		return model.TimingPlan{}, fmt.Errorf("stage plan: %w", err)
	}
	if err := e.store.ActivatePlan(ctx, c.in.ID, saved.ID); err != nil {
		return model.TimingPlan{}, fmt.Errorf("stage plan: %w", err)
	}
	saved.Active = true
	c.stage(saved, waveStart)
	e.bus.Publish(bus.TimingUpdateTopic(c.in.ID), saved)
	e.log.Info("plan staged",
		"intersection", c.in.ID,
		"plan", saved.ID,
		"source", saved.Source,
		"cycle", saved.CycleLength,
		"offset", saved.Offset,
	)
	return saved, nil
}

func (e *Engine) handleGreenWave(ctx context.Context, w *model.GreenWave) (model.GreenWave, error) {
	if w == nil {
		return model.GreenWave{}, newError(ErrCodeInvalidRequest, "", "green wave event missing wave")
	}
	wave := *w
	if !e.settings.GreenWaveCoordination {
		return model.GreenWave{}, newError(ErrCodeCoordinationDisabled, "", "green wave coordination is disabled")
	}
	if len(wave.Intersections) < MinWaveMembers {
		return model.GreenWave{}, newError(ErrCodeInvalidRequest, "", "green wave needs at least %d intersections", MinWaveMembers)
	}
	if wave.SpeedKPH <= 0 {
		return model.GreenWave{}, newError(ErrCodeInvalidRequest, "", "%v", ErrWaveSpeed)
	}

	members := make([]*controller, 0, len(wave.Intersections))
	seen := make(map[string]bool, len(wave.Intersections))
	locations := make([]model.Location, 0, len(wave.Intersections))
	cycles := make([]float64, 0, len(wave.Intersections))
	for _, id := range wave.Intersections {
		if seen[id] {
			return model.GreenWave{}, newError(ErrCodeInvalidRequest, id, "intersection listed twice")
		}
		seen[id] = true
		c, err := e.controllerFor(id)
		if err != nil {
			return model.GreenWave{}, err
		}
		members = append(members, c)
		locations = append(locations, c.in.Location)
		base, _ := c.upcoming()
		cycles = append(cycles, model.NaturalCycle(c.in, base.GreenTimes))
	}

	cycle := CommonCycle(cycles)
	offsets, err := WaveOffsets(locations, wave.SpeedKPH, cycle)
	if err != nil {
		return model.GreenWave{}, newError(ErrCodeInvalidRequest, "", "%v", err)
	}

	if wave.ID == "" {
		wave.ID = e.ids.Generate()
	}
	if wave.StartTime.IsZero() {
		wave.StartTime = e.now
	}
	wave.CycleLength = cycle
	wave.Offsets = make(map[string]float64, len(members))
	wave.Status = model.WaveActive

	for i, c := range members {
		base, _ := c.upcoming()
		greens := make(map[string]float64, len(base.GreenTimes))
		for k, v := range base.GreenTimes {
			greens[k] = v
		}
		plan := model.TimingPlan{
			IntersectionID: c.in.ID,
			Name:           wavePlanName(wave.ID),
			Source:         model.SourceWave,
			GreenTimes:     greens,
			CycleLength:    cycle,
			Offset:         offsets[i],
		}
		if _, err := e.stagePlan(ctx, c, plan, wave.StartTime); err != nil {
			return model.GreenWave{}, err
		}
		wave.Offsets[c.in.ID] = offsets[i]
	}

	if err := e.store.WriteGreenWave(ctx, wave); err != nil {
		return model.GreenWave{}, fmt.Errorf("record green wave: %w", err)
	}
	e.bus.Publish(bus.TopicSystemEvents, map[string]any{
		"type": "green_wave_active",
		"data": wave,
	})
	e.log.Info("green wave active",
		"id", wave.ID,
		"corridor", wave.CorridorID,
		"members", len(members),
		"cycle", cycle,
	)
	return wave, nil
}

func (e *Engine) handleOverride(ctx context.Context, id string, mode Mode) error {
	c, err := e.controllerFor(id)
	if err != nil {
		return err
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return newError(ErrCodeInvalidRequest, id, "%v", err)
	}
	trans := c.setOverride(mode, e.now)
	e.log.Info("override", "intersection", id, "mode", mode)
	return e.emit(ctx, c, trans)
}

func (e *Engine) handleSettings(ctx context.Context, st *model.Settings) (model.Settings, error) {
	if st == nil {
		return model.Settings{}, newError(ErrCodeInvalidRequest, "", "settings event missing settings")
	}
	if st.OptimizationAlgorithm != "" {
		if _, err := optimize.Lookup(st.OptimizationAlgorithm); err != nil {
			return model.Settings{}, newError(ErrCodeInvalidRequest, "", "%v", err)
		}
	}
	if st.DataRetentionDays < 0 {
		return model.Settings{}, newError(ErrCodeInvalidRequest, "", "data_retention_days must be non-negative")
	}
	next := *st
	next.ID = 0
	next.CreatedAt = time.Time{}
	saved, err := e.store.SaveSettings(ctx, next)
	if err != nil {
		return model.Settings{}, err
	}
	e.settings = saved
	e.bus.Publish(bus.TopicSystemEvents, map[string]any{
		"type": "settings_updated",
		"data": saved,
	})
	return saved, nil
}

// handleReload applies a recompiled topology. The whole batch is validated
// before anything is written. Existing controllers pick up the new
// definition at their next cycle boundary.
func (e *Engine) handleReload(ctx context.Context, topology []model.Intersection) (int, error) {
	var errs error
	for _, in := range topology {
		errs = multierr.Append(errs, in.Validate())
	}
	if errs != nil {
		return 0, newError(ErrCodeInvalidRequest, "", "%v", errs)
	}

	applied := 0
	for _, in := range topology {
		if err := e.store.UpsertIntersection(ctx, in); err != nil {
			return applied, fmt.Errorf("reload: %w", err)
		}
		if !in.Active {
			e.removeController(in.ID)
			continue
		}
		if c, ok := e.controllers[in.ID]; ok {
			c.stageDefinition(in)
			if base, _ := c.upcoming(); base.Validate(in) != nil {
				if _, err := e.stagePlan(ctx, c, model.DefaultPlan(in), time.Time{}); err != nil {
					return applied, err
				}
			}
		} else {
			plan, err := e.loadPlan(ctx, in)
			if err != nil {
				return applied, err
			}
			e.addController(newController(in, plan, time.Time{}))
		}
		applied++
	}
	e.log.Info("topology reloaded", "intersections", applied)
	return applied, nil
}

// loadPlan returns the active plan for in, saving and activating the
// default plan when none is stored or the stored one no longer fits.
func (e *Engine) loadPlan(ctx context.Context, in model.Intersection) (model.TimingPlan, error) {
	plan, err := e.store.ActivePlan(ctx, in.ID)
	if err == nil && plan.Validate(in) == nil {
		return plan, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return model.TimingPlan{}, err
	}
	def := model.DefaultPlan(in)
	def.CreatedAt = e.now
	saved, err := e.store.SavePlan(ctx, def)
	if err != nil {
		return model.TimingPlan{}, err
	}
	if err := e.store.ActivatePlan(ctx, in.ID, saved.ID); err != nil {
		return model.TimingPlan{}, err
	}
	saved.Active = true
	return saved, nil
}

func (e *Engine) handleOptimize(ctx context.Context, id, algorithm string, cond *optimize.Conditions) (OptimizeOutcome, error) {
	c, err := e.controllerFor(id)
	if err != nil {
		return OptimizeOutcome{}, err
	}
	if algorithm == "" {
		algorithm = e.settings.OptimizationAlgorithm
	}
	var conditions optimize.Conditions
	if cond != nil {
		conditions = *cond
	} else {
		var ok bool
		conditions, ok = c.conditions()
		if !ok {
			return OptimizeOutcome{}, newError(ErrCodeInvalidRequest, id, "no traffic samples observed")
		}
	}
	return e.optimizeController(ctx, c, algorithm, conditions)
}

// optimizeController runs algorithm on conditions, records the run, and
// stages the result when it has one green per phase.
func (e *Engine) optimizeController(ctx context.Context, c *controller, algorithm string, cond optimize.Conditions) (OptimizeOutcome, error) {
	alg, err := optimize.Lookup(algorithm, e.optOpts...)
	if err != nil {
		return OptimizeOutcome{}, newError(ErrCodeInvalidRequest, c.in.ID, "%v", err)
	}
	if l, ok := alg.(optimize.CycleLimiter); ok {
		l.SetCycleLimit(greenBudget(c.in))
	}
	start := time.Now()
	res, err := alg.Optimize(ctx, cond)
	metrics.RecordOptimization(algorithm, time.Since(start), err)
	if err != nil {
		if ctx.Err() != nil {
			return OptimizeOutcome{}, err
		}
		return OptimizeOutcome{}, newError(ErrCodeInvalidRequest, c.in.ID, "%v", err)
	}

	fits := len(res.GreenTimes) == len(c.in.Phases)
	keys := make([]string, len(res.GreenTimes))
	for i := range keys {
		if fits {
			keys[i] = c.in.Phases[i].ID
		} else {
			keys[i] = "phase_" + strconv.Itoa(i)
		}
	}
	result := model.OptimizationResult{
		GreenTimes:       make(map[string]float64, len(keys)),
		CycleTime:        res.CycleTime,
		PhaseProportions: make(map[string]float64, len(keys)),
		Fitness:          res.Fitness,
		Improvements:     res.Improvements,
	}
	for i, k := range keys {
		result.GreenTimes[k] = res.GreenTimes[i]
		result.PhaseProportions[k] = res.PhaseProportions[i]
	}

	run := model.OptimizationRun{
		ID:             e.ids.Generate(),
		IntersectionID: c.in.ID,
		Algorithm:      algorithm,
		Parameters:     alg.Parameters(),
		Result:         result,
		CreatedAt:      e.now,
	}
	if err := e.store.WriteOptimizationRun(ctx, run); err != nil {
		return OptimizeOutcome{}, fmt.Errorf("record optimization: %w", err)
	}
	out := OptimizeOutcome{Run: run}
	if !fits {
		return out, nil
	}

	greens := make(map[string]float64, len(c.in.Phases))
	for i, ph := range c.in.Phases {
		greens[ph.ID] = floorMillis(math.Min(ph.MaxGreen, math.Max(ph.MinGreen, res.GreenTimes[i])))
	}
	plan := model.TimingPlan{
		IntersectionID: c.in.ID,
		Name:           algorithm,
		Source:         algorithm,
		GreenTimes:     greens,
		CycleLength:    model.NaturalCycle(c.in, greens),
	}
	if plan.CycleLength > model.MaxCycle+timeEpsilon {
		// Phase minimums can push a split past the cap
		e.log.Info("optimized plan exceeds max cycle",
			"intersection", c.in.ID,
			"cycle", plan.CycleLength,
		)
		return out, nil
	}

	base, waveStart := c.upcoming()
	if !waveStart.IsZero() {
		// Coordinated: keep the wave cycle and offset, or skip
		if plan.CycleLength > base.CycleLength+timeEpsilon {
			e.log.Info("optimized plan does not fit green wave cycle",
				"intersection", c.in.ID,
				"natural", plan.CycleLength,
				"wave_cycle", base.CycleLength,
			)
			return out, nil
		}
		plan.Name = base.Name
		plan.CycleLength = base.CycleLength
		plan.Offset = base.Offset
	}

	saved, err := e.stagePlan(ctx, c, plan, waveStart)
	if err != nil {
		return out, err
	}
	out.Plan = &saved
	return out, nil
}

// handleTick advances every controller by dt seconds. Preemption expiry is
// checked at the start of the tick; cycle completions may trigger adaptive
// re-optimization at the end of it.
func (e *Engine) handleTick(ctx context.Context, dt float64) error {
	if dt <= 0 || math.IsNaN(dt) || math.IsInf(dt, 0) {
		return nil
	}
	t0 := e.now
	end := t0.Add(seconds(dt))

	var errs error
	for _, id := range e.order {
		c := e.controllers[id]
		errs = multierr.Append(errs, e.expire(ctx, c, t0))

		trans, cycles := c.advance(t0, dt)
		errs = multierr.Append(errs, e.emit(ctx, c, trans))
		for i := 0; i < cycles; i++ {
			metrics.RecordCycle(id)
		}
		if cycles > 0 {
			errs = multierr.Append(errs, e.adapt(ctx, c))
		}
	}
	e.now = end
	return errs
}

// expire releases an active preemption whose hold has run out and drops
// expired pending requests.
func (e *Engine) expire(ctx context.Context, c *controller, at time.Time) error {
	for _, req := range c.dropExpired(at) {
		metrics.RecordPreemption(c.in.ID, metrics.PreemptExpired)
		e.notifyEmergency(req, metrics.PreemptExpired)
	}
	if c.preempt == nil || at.Before(c.preempt.Expiry()) {
		return nil
	}
	expired := *c.preempt
	next, trans := c.release(at)
	metrics.RecordPreemption(c.in.ID, metrics.PreemptExpired)
	e.notifyEmergency(expired, metrics.PreemptExpired)
	if next != nil {
		e.notifyEmergency(*next, metrics.PreemptAccepted)
	}
	e.log.Info("emergency expired", "id", expired.ID, "intersection", c.in.ID)
	return e.emit(ctx, c, trans)
}

// adapt re-optimizes c from rolling demand every adaptEvery cycles while
// cycling normally.
func (e *Engine) adapt(ctx context.Context, c *controller) error {
	algorithm := e.settings.OptimizationAlgorithm
	if e.adaptEvery <= 0 || algorithm == "" || c.mode != ModeNormal {
		return nil
	}
	if c.cycles-c.lastAdapt < e.adaptEvery {
		return nil
	}
	cond, ok := c.conditions()
	if !ok {
		return nil
	}
	c.lastAdapt = c.cycles
	if _, err := e.optimizeController(ctx, c, algorithm, cond); err != nil {
		return fmt.Errorf("adapt %s: %w", c.in.ID, err)
	}
	return nil
}

// greenBudget is the green time left in a MaxCycle once every phase's
// clearance is taken out.
func greenBudget(in model.Intersection) float64 {
	budget := model.MaxCycle
	for _, ph := range in.Phases {
		budget -= ph.Clearance()
	}
	return budget
}
