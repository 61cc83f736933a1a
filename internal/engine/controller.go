package engine

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/roach88/signalflow/internal/model"
	"github.com/roach88/signalflow/internal/optimize"
)

// Mode is the operating mode of an intersection controller.
type Mode string

const (
	ModeNormal   Mode = "normal"
	ModePreempt  Mode = "preempt"
	ModeFlashing Mode = "flashing"
	ModeOff      Mode = "off"
)

// Modes lists every controller mode, in display order.
var Modes = []string{string(ModeNormal), string(ModePreempt), string(ModeFlashing), string(ModeOff)}

// ParseMode converts an override request into a Mode. Preempt cannot be
// requested directly; it is entered through emergency requests.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeNormal, ModeFlashing, ModeOff:
		return m, nil
	}
	return "", fmt.Errorf("invalid override mode %q", s)
}

// DemandWindow is the number of recent samples per approach that feed
// adaptive optimization.
const DemandWindow = 3

const (
	timeEpsilon = 1e-9
	waveEpsilon = 1e-6
)

// transition is one signal head changing status.
type transition struct {
	Approach string
	Phase    string
	From     model.SignalStatus
	To       model.SignalStatus
	Reason   string
	At       time.Time
}

type stagedPlan struct {
	plan      model.TimingPlan
	waveStart time.Time
}

// controller is the signal state machine for one intersection.
//
// The cycle runs green, yellow, all_red for each phase in order. Only the
// engine loop touches a controller, so it needs no locking. Methods return
// the head transitions they caused; persisting and publishing them is the
// engine's job.
type controller struct {
	in        model.Intersection
	plan      model.TimingPlan
	waveStart time.Time // zero unless the plan belongs to a green wave

	staged    *stagedPlan
	stagedDef *model.Intersection

	phase    int
	interval model.Interval
	elapsed  float64
	duration float64
	started  bool

	mode    Mode
	preempt *model.EmergencyRequest
	target  int
	pending []model.EmergencyRequest

	cycles    int
	lastAdapt int

	statuses map[string]model.SignalStatus
	demand   map[string][]model.TrafficSample
}

// newController starts in the all-red interval of the last phase, so the
// first green served is phase 0.
func newController(in model.Intersection, plan model.TimingPlan, waveStart time.Time) *controller {
	c := &controller{
		in:        in,
		plan:      plan,
		waveStart: waveStart,
		mode:      ModeNormal,
		target:    -1,
		statuses:  make(map[string]model.SignalStatus, len(in.Approaches)),
		demand:    make(map[string][]model.TrafficSample),
	}
	for _, a := range in.Approaches {
		c.statuses[a] = model.StatusRed
	}
	c.restartClearance()
	return c
}

func (c *controller) restartClearance() {
	last := len(c.in.Phases) - 1
	c.phase = last
	c.interval = model.IntervalAllRed
	c.elapsed = 0
	c.duration = c.in.Phases[last].AllRed
	c.started = false
}

// seedStatuses replaces the believed head statuses, e.g. with the values
// last written to the store before a restart.
func (c *controller) seedStatuses(signals []model.Signal) {
	for _, s := range signals {
		if _, ok := c.statuses[s.Position]; ok && s.Status.Valid() {
			c.statuses[s.Position] = s.Status
		}
	}
}

// statusFor derives the lamp shown on approach from the current state.
func (c *controller) statusFor(approach string) model.SignalStatus {
	switch c.mode {
	case ModeFlashing:
		return model.StatusFlashing
	case ModeOff:
		return model.StatusOff
	}
	if c.in.Phases[c.phase].Serves(approach) {
		return c.interval.Status()
	}
	return model.StatusRed
}

// sync brings statuses in line with the state and reports the differences.
func (c *controller) sync(at time.Time, reason string) []transition {
	var out []transition
	phaseID := c.in.Phases[c.phase].ID
	for _, a := range c.in.Approaches {
		want := c.statusFor(a)
		if have := c.statuses[a]; have != want {
			out = append(out, transition{
				Approach: a,
				Phase:    phaseID,
				From:     have,
				To:       want,
				Reason:   reason,
				At:       at,
			})
			c.statuses[a] = want
		}
	}
	return out
}

func (c *controller) reason() string {
	if c.mode == ModePreempt {
		return model.ReasonPreempt
	}
	return model.ReasonCycle
}

// holding reports whether the preemption target green is being held.
func (c *controller) holding() bool {
	return c.mode == ModePreempt && c.interval == model.IntervalGreen && c.phase == c.target
}

// advance runs the state machine forward dt seconds from t0 and returns the
// transitions plus the number of cycles completed.
func (c *controller) advance(t0 time.Time, dt float64) ([]transition, int) {
	if c.mode == ModeFlashing || c.mode == ModeOff {
		c.elapsed += dt
		return nil, 0
	}

	var (
		out       []transition
		completed int
		consumed  float64
	)
	for {
		remaining := dt - consumed
		if c.holding() {
			c.elapsed += remaining
			break
		}
		left := math.Max(0, c.duration-c.elapsed)
		if left > remaining+timeEpsilon {
			c.elapsed += remaining
			break
		}
		consumed += left
		trans, cycle := c.next(t0.Add(seconds(consumed)))
		out = append(out, trans...)
		if cycle {
			completed++
		}
	}
	return out, completed
}

// next moves to the following interval.
func (c *controller) next(at time.Time) ([]transition, bool) {
	ph := c.in.Phases[c.phase]
	switch c.interval {
	case model.IntervalGreen:
		c.setInterval(model.IntervalYellow, ph.Yellow)
	case model.IntervalYellow:
		c.setInterval(model.IntervalAllRed, ph.AllRed)
	default:
		return c.enterGreen(c.nextPhase(), at)
	}
	return c.sync(at, c.reason()), false
}

func (c *controller) setInterval(iv model.Interval, duration float64) {
	c.interval = iv
	c.elapsed = 0
	c.duration = duration
}

func (c *controller) nextPhase() int {
	if c.mode == ModePreempt && c.target >= 0 {
		return c.target
	}
	return (c.phase + 1) % len(c.in.Phases)
}

// enterGreen starts phase p. Entering phase 0 is the cycle boundary where
// staged definitions and plans take effect.
func (c *controller) enterGreen(p int, at time.Time) ([]transition, bool) {
	completed := false
	if p == 0 {
		if c.started {
			c.cycles++
			completed = true
		}
		c.applyStaged()
	}
	c.started = true
	c.phase = p
	c.setInterval(model.IntervalGreen, c.greenFor(p))

	reason := c.reason()
	if c.mode == ModeNormal && p == len(c.in.Phases)-1 {
		if gap := c.waveGap(at); gap > 0 {
			c.duration += gap
			reason = model.ReasonWave
		}
	}
	return c.sync(at, reason), completed
}

// greenFor is the planned green of phase i. The last phase also absorbs the
// plan's coordination slack.
func (c *controller) greenFor(i int) float64 {
	ph := c.in.Phases[i]
	g, ok := c.plan.GreenTimes[ph.ID]
	if !ok || g <= 0 {
		g = ph.DefaultGreen
	}
	if i == len(c.in.Phases)-1 {
		g += c.plan.Slack(c.in)
	}
	return g
}

// waveGap is the green extension that makes the next phase 0 green start on
// the wave grid waveStart + offset + k*cycle. Called on entering the last
// phase green, with c.duration already set.
func (c *controller) waveGap(at time.Time) float64 {
	plan, start := c.upcoming()
	if start.IsZero() || plan.CycleLength <= 0 {
		return 0
	}
	cycle := plan.CycleLength
	last := c.in.Phases[len(c.in.Phases)-1]
	rel := at.Sub(start).Seconds() + c.duration + last.Clearance() - plan.Offset
	gap := math.Mod(-rel, cycle)
	if gap < 0 {
		gap += cycle
	}
	if gap < waveEpsilon || cycle-gap < waveEpsilon {
		return 0
	}
	return gap
}

// upcoming is the plan that will run from the next cycle boundary.
func (c *controller) upcoming() (model.TimingPlan, time.Time) {
	if c.staged != nil {
		return c.staged.plan, c.staged.waveStart
	}
	return c.plan, c.waveStart
}

func (c *controller) stage(plan model.TimingPlan, waveStart time.Time) {
	c.staged = &stagedPlan{plan: plan, waveStart: waveStart}
}

func (c *controller) stageDefinition(in model.Intersection) {
	c.stagedDef = &in
}

func (c *controller) applyStaged() {
	if c.stagedDef != nil {
		c.in = *c.stagedDef
		c.stagedDef = nil
		known := make(map[string]bool, len(c.in.Approaches))
		for _, a := range c.in.Approaches {
			known[a] = true
			if _, ok := c.statuses[a]; !ok {
				c.statuses[a] = model.StatusRed
			}
		}
		for a := range c.statuses {
			if !known[a] {
				delete(c.statuses, a)
				delete(c.demand, a)
			}
		}
		if c.preempt != nil {
			c.target = c.in.PhaseIndexFor(c.preempt.Approach)
			if c.target < 0 {
				c.preempt = nil
				c.mode = ModeNormal
			}
		}
	}
	if c.staged != nil {
		c.plan = c.staged.plan
		c.waveStart = c.staged.waveStart
		c.staged = nil
	}
}

// requestPreempt admits req. It becomes active when nothing is active or it
// outranks the active request, which then goes back to pending. Otherwise
// it waits in pending.
func (c *controller) requestPreempt(req model.EmergencyRequest, at time.Time) (bool, []transition) {
	if c.preempt != nil && req.PriorityLevel <= c.preempt.PriorityLevel {
		c.addPending(req)
		return false, nil
	}
	if c.preempt != nil {
		c.addPending(*c.preempt)
	}
	return true, c.startPreempt(req, at)
}

// startPreempt makes req active. A conflicting green ends at once; yellow
// and all-red still run before the target green.
func (c *controller) startPreempt(req model.EmergencyRequest, at time.Time) []transition {
	c.mode = ModePreempt
	c.preempt = &req
	c.target = c.in.PhaseIndexFor(req.Approach)
	if c.interval == model.IntervalGreen && c.phase != c.target {
		c.setInterval(model.IntervalYellow, c.in.Phases[c.phase].Yellow)
		return c.sync(at, model.ReasonPreempt)
	}
	return nil
}

// release ends the active preemption and starts the next pending request,
// if any. The held green continues until its planned duration runs out.
func (c *controller) release(at time.Time) (next *model.EmergencyRequest, out []transition) {
	c.preempt = nil
	c.target = -1
	c.mode = ModeNormal
	c.dropExpired(at)
	if len(c.pending) == 0 {
		return nil, nil
	}
	req := c.pending[0]
	c.pending = c.pending[1:]
	out = c.startPreempt(req, at)
	return c.preempt, out
}

// withdraw removes a pending request. Returns false if id is not pending.
func (c *controller) withdraw(id string) bool {
	for i, p := range c.pending {
		if p.ID == id {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return true
		}
	}
	return false
}

// dropExpired removes pending requests whose expiry has passed.
func (c *controller) dropExpired(at time.Time) []model.EmergencyRequest {
	var expired []model.EmergencyRequest
	kept := c.pending[:0]
	for _, p := range c.pending {
		if !at.Before(p.Expiry()) {
			expired = append(expired, p)
			continue
		}
		kept = append(kept, p)
	}
	c.pending = kept
	return expired
}

// addPending keeps pending ordered by priority, highest first, then by age.
func (c *controller) addPending(req model.EmergencyRequest) {
	c.pending = append(c.pending, req)
	sort.SliceStable(c.pending, func(i, j int) bool {
		a, b := c.pending[i], c.pending[j]
		if a.PriorityLevel != b.PriorityLevel {
			return a.PriorityLevel > b.PriorityLevel
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

// holds reports whether id is the active or a pending request.
func (c *controller) holds(id string) bool {
	if c.preempt != nil && c.preempt.ID == id {
		return true
	}
	for _, p := range c.pending {
		if p.ID == id {
			return true
		}
	}
	return false
}

// setOverride forces flashing or off, or returns to normal cycling from the
// all-red of the last phase. An active preemption is parked in pending
// while overridden.
func (c *controller) setOverride(mode Mode, at time.Time) []transition {
	switch mode {
	case ModeFlashing, ModeOff:
		if c.preempt != nil {
			c.addPending(*c.preempt)
			c.preempt = nil
			c.target = -1
		}
		c.mode = mode
		return c.sync(at, model.ReasonOverride)
	case ModeNormal:
		if c.mode != ModeFlashing && c.mode != ModeOff {
			return nil
		}
		c.mode = ModeNormal
		c.restartClearance()
		out := c.sync(at, model.ReasonRelease)
		c.dropExpired(at)
		if len(c.pending) > 0 {
			req := c.pending[0]
			c.pending = c.pending[1:]
			out = append(out, c.startPreempt(req, at)...)
		}
		return out
	}
	return nil
}

func (c *controller) overridden() bool {
	return c.mode == ModeFlashing || c.mode == ModeOff
}

// observe adds a sample to the rolling demand for its approach.
func (c *controller) observe(s model.TrafficSample) {
	d := append(c.demand[s.ApproachID], s)
	if len(d) > DemandWindow {
		d = d[len(d)-DemandWindow:]
	}
	c.demand[s.ApproachID] = d
}

// conditions aggregates rolling demand per phase. Volumes and queues are
// summed over the phase's approaches, waits take the worst approach.
// Returns false when no samples have been observed.
func (c *controller) conditions() (optimize.Conditions, bool) {
	n := len(c.in.Phases)
	cond := optimize.Conditions{
		Volumes:   make([]float64, n),
		Queues:    make([]float64, n),
		Waits:     make([]float64, n),
		Emergency: make([]float64, n),
	}
	seen := false
	for i, ph := range c.in.Phases {
		for _, a := range ph.Approaches {
			samples := c.demand[a]
			if len(samples) == 0 {
				continue
			}
			seen = true
			var vol, queue, wait float64
			for _, s := range samples {
				vol += float64(s.VehicleCount)
				queue += float64(s.QueueLength)
				wait += s.WaitingTime
				if s.EmergencyPresent {
					cond.Emergency[i] = 1
				}
			}
			k := float64(len(samples))
			cond.Volumes[i] += vol / k
			cond.Queues[i] += queue / k
			cond.Waits[i] = math.Max(cond.Waits[i], wait/k)
		}
	}
	return cond, seen
}

// IntersectionStatus is a point-in-time view of one controller.
type IntersectionStatus struct {
	IntersectionID string                        `json:"intersection_id"`
	Name           string                        `json:"name"`
	Mode           Mode                          `json:"mode"`
	Phase          string                        `json:"current_phase"`
	NextPhase      string                        `json:"next_phase"`
	PhaseIndex     int                           `json:"phase_index"`
	Interval       model.Interval                `json:"interval"`
	Elapsed        float64                       `json:"elapsed"`
	Remaining      float64                       `json:"time_remaining"`
	Signals        map[string]model.SignalStatus `json:"signals"`
	Queues         map[string]int                `json:"queue_counts"`
	Emergency      bool                          `json:"emergency_vehicle_present"`
	Preempt        *model.EmergencyRequest       `json:"preempt,omitempty"`
	Pending        int                           `json:"pending_preemptions"`
	PlanID         string                        `json:"plan_id"`
	CycleLength    float64                       `json:"cycle_length"`
	Cycles         int                           `json:"cycles_completed"`
	UpdatedAt      time.Time                     `json:"updated_at"`
}

func (c *controller) snapshot(at time.Time) IntersectionStatus {
	st := IntersectionStatus{
		IntersectionID: c.in.ID,
		Name:           c.in.Name,
		Mode:           c.mode,
		Phase:          c.in.Phases[c.phase].ID,
		NextPhase:      c.in.Phases[(c.phase+1)%len(c.in.Phases)].ID,
		PhaseIndex:     c.phase,
		Interval:       c.interval,
		Elapsed:        c.elapsed,
		Signals:        make(map[string]model.SignalStatus, len(c.statuses)),
		Queues:         make(map[string]int, len(c.demand)),
		Pending:        len(c.pending),
		PlanID:         c.plan.ID,
		CycleLength:    c.plan.CycleLength,
		Cycles:         c.cycles,
		UpdatedAt:      at,
	}
	if !c.holding() && !c.overridden() {
		st.Remaining = math.Max(0, c.duration-c.elapsed)
	}
	for a, s := range c.statuses {
		st.Signals[a] = s
	}
	for a, samples := range c.demand {
		if len(samples) == 0 {
			continue
		}
		latest := samples[len(samples)-1]
		st.Queues[a] = latest.QueueLength
		if latest.EmergencyPresent {
			st.Emergency = true
		}
	}
	if c.preempt != nil {
		p := *c.preempt
		st.Preempt = &p
		st.Emergency = true
	}
	return st
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}
