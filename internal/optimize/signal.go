package optimize

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Sentinel errors returned by optimizers.
var (
	ErrDimensionMismatch = errors.New("optimize: input lengths differ")
	ErrNoPhases          = errors.New("optimize: at least one phase is required")
	ErrInfeasible        = errors.New("optimize: minimum greens exceed cycle limit")
	ErrInvalidBounds     = errors.New("optimize: min green exceeds max green")
	ErrUnknownAlgorithm  = errors.New("optimize: unknown algorithm")
)

// Default green bounds and cycle limit, in seconds.
const (
	DefaultMinGreen   = 10.0
	DefaultMaxGreen   = 120.0
	DefaultCycleLimit = 180.0
)

// Objective weights.
const (
	weightThroughput = 0.4
	weightQueue      = 0.3
	weightWait       = 0.2
	weightEmergency  = 0.1
)

// Improvement keys reported in Result.Improvements.
const (
	ImprovementThroughput = "throughput_increase"
	ImprovementWait       = "wait_time_reduction"
	ImprovementCongestion = "congestion_reduction"
)

// Conditions are per-phase traffic measurements. All slices are indexed by
// phase and must have the same length. Emergency may be nil.
type Conditions struct {
	Volumes   []float64 `json:"traffic_volumes"`
	Queues    []float64 `json:"queue_lengths"`
	Waits     []float64 `json:"waiting_times"`
	Emergency []float64 `json:"emergency_priority,omitempty"`
}

// Phases returns the number of phases described.
func (c Conditions) Phases() int {
	return len(c.Volumes)
}

// Validate checks that every slice has one entry per phase.
func (c Conditions) Validate() error {
	n := len(c.Volumes)
	if n == 0 {
		return ErrNoPhases
	}
	if len(c.Queues) != n || len(c.Waits) != n {
		return fmt.Errorf("%w: volumes=%d queues=%d waits=%d", ErrDimensionMismatch, n, len(c.Queues), len(c.Waits))
	}
	if c.Emergency != nil && len(c.Emergency) != n {
		return fmt.Errorf("%w: volumes=%d emergency=%d", ErrDimensionMismatch, n, len(c.Emergency))
	}
	return nil
}

// Result is an optimised split.
type Result struct {
	GreenTimes       []float64          `json:"green_times"`
	CycleTime        float64            `json:"cycle_time"`
	PhaseProportions []float64          `json:"phase_proportions"`
	Fitness          float64            `json:"fitness"`
	Improvements     map[string]float64 `json:"estimated_improvements"`
}

// SignalOptimizer scores and searches green-time splits with a Swarm.
type SignalOptimizer struct {
	MinGreen   float64
	MaxGreen   float64
	CycleLimit float64
	Swarm      *Swarm
}

// NewSignalOptimizer returns an optimizer with default bounds.
// A nil swarm uses NewSwarm().
func NewSignalOptimizer(swarm *Swarm) *SignalOptimizer {
	if swarm == nil {
		swarm = NewSwarm()
	}
	return &SignalOptimizer{
		MinGreen:   DefaultMinGreen,
		MaxGreen:   DefaultMaxGreen,
		CycleLimit: DefaultCycleLimit,
		Swarm:      swarm,
	}
}

// Name implements Algorithm.
func (o *SignalOptimizer) Name() string { return AlgorithmAFSA }

// SetCycleLimit implements CycleLimiter.
func (o *SignalOptimizer) SetCycleLimit(seconds float64) { o.CycleLimit = seconds }

// Parameters implements Algorithm.
func (o *SignalOptimizer) Parameters() map[string]float64 {
	params := o.Swarm.Parameters()
	params["min_green_time"] = o.MinGreen
	params["max_green_time"] = o.MaxGreen
	params["cycle_time_constraint"] = o.CycleLimit
	return params
}

// Fitness scores green times g against conditions c:
//
//	0.4*sum(g*volume) + 0.3*sum(g*queue) + 0.2*sum(g/wait) + 0.1*sum(g*emergency)
//
// Waits at or below zero count as one second. A split whose total exceeds
// CycleLimit scores -Inf.
func (o *SignalOptimizer) Fitness(g []float64, c Conditions) float64 {
	var total, throughput, queue, wait, emergency float64
	for i, gi := range g {
		total += gi
		throughput += gi * c.Volumes[i]
		queue += gi * c.Queues[i]
		wait += gi / clampWait(c.Waits[i])
		if c.Emergency != nil {
			emergency += gi * c.Emergency[i]
		}
	}
	if total > o.CycleLimit {
		return math.Inf(-1)
	}
	return weightThroughput*throughput + weightQueue*queue + weightWait*wait + weightEmergency*emergency
}

func (o *SignalOptimizer) checkBounds(n int) error {
	if o.MinGreen > o.MaxGreen {
		return fmt.Errorf("%w: %g > %g", ErrInvalidBounds, o.MinGreen, o.MaxGreen)
	}
	if o.MinGreen*float64(n) > o.CycleLimit {
		return fmt.Errorf("%w: %d phases x %gs > %gs", ErrInfeasible, n, o.MinGreen, o.CycleLimit)
	}
	return nil
}

// Optimize searches for the split maximising Fitness.
//
// When no fish ever finds a feasible split, the all-minimum split is returned.
func (o *SignalOptimizer) Optimize(ctx context.Context, c Conditions) (Result, error) {
	if err := c.Validate(); err != nil {
		return Result{}, err
	}
	n := c.Phases()
	if err := o.checkBounds(n); err != nil {
		return Result{}, err
	}

	lower := make([]float64, n)
	upper := make([]float64, n)
	for i := range lower {
		lower[i] = o.MinGreen
		upper[i] = o.MaxGreen
	}

	sol, err := o.Swarm.Maximize(ctx, func(g []float64) float64 { return o.Fitness(g, c) }, lower, upper)
	if err != nil {
		return Result{}, err
	}

	greens := sol.Position
	if math.IsInf(sol.Fitness, -1) {
		greens = lower
	}
	return o.result(greens, c), nil
}

func (o *SignalOptimizer) result(greens []float64, c Conditions) Result {
	return buildResult(greens, o.Fitness(greens, c), c)
}

func buildResult(greens []float64, fitness float64, c Conditions) Result {
	var cycle float64
	for _, g := range greens {
		cycle += g
	}
	props := make([]float64, len(greens))
	for i, g := range greens {
		if cycle > 0 {
			props[i] = g / cycle
		}
	}
	return Result{
		GreenTimes:       clone(greens),
		CycleTime:        cycle,
		PhaseProportions: props,
		Fitness:          fitness,
		Improvements:     EstimateImprovements(greens, c),
	}
}

// EstimateImprovements compares greens against an equal split of the same
// cycle and reports percentage changes.
//
// Throughput is green-weighted volume. Wait is the volume-weighted uniform
// delay (C-g)^2/2C. Congestion is the sum of queue per second of green.
// Positive numbers are improvements. Degenerate baselines report zero.
func EstimateImprovements(greens []float64, c Conditions) map[string]float64 {
	n := len(greens)
	var cycle float64
	for _, g := range greens {
		cycle += g
	}
	out := map[string]float64{
		ImprovementThroughput: 0,
		ImprovementWait:       0,
		ImprovementCongestion: 0,
	}
	if n == 0 || cycle <= 0 {
		return out
	}
	equal := cycle / float64(n)

	var thr, thrBase, wait, waitBase, cong, congBase float64
	for i, g := range greens {
		v := c.Volumes[i]
		thr += g * v
		thrBase += equal * v
		wait += v * (cycle - g) * (cycle - g) / (2 * cycle)
		waitBase += v * (cycle - equal) * (cycle - equal) / (2 * cycle)
		if g > 0 {
			cong += c.Queues[i] / g
		}
		congBase += c.Queues[i] / equal
	}

	if thrBase > 0 {
		out[ImprovementThroughput] = round2((thr - thrBase) / thrBase * 100)
	}
	if waitBase > 0 {
		out[ImprovementWait] = round2((waitBase - wait) / waitBase * 100)
	}
	if congBase > 0 {
		out[ImprovementCongestion] = round2((congBase - cong) / congBase * 100)
	}
	return out
}

func clampWait(w float64) float64 {
	if w <= 0 {
		return 1
	}
	return w
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
