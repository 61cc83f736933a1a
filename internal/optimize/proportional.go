package optimize

import (
	"context"
	"math"
)

// DefaultGreenBudget is the total green time Proportional distributes.
const DefaultGreenBudget = 120.0

// Proportional splits a fixed green budget in proportion to phase demand
// (volume plus queue), Webster style, then clamps each phase into
// [MinGreen, MaxGreen]. Phases with no demand anywhere get an equal split.
type Proportional struct {
	MinGreen    float64
	MaxGreen    float64
	CycleLimit  float64
	GreenBudget float64
}

// NewProportional returns a Proportional with default bounds.
func NewProportional() *Proportional {
	return &Proportional{
		MinGreen:    DefaultMinGreen,
		MaxGreen:    DefaultMaxGreen,
		CycleLimit:  DefaultCycleLimit,
		GreenBudget: DefaultGreenBudget,
	}
}

// Name implements Algorithm.
func (p *Proportional) Name() string { return AlgorithmProportional }

// SetCycleLimit implements CycleLimiter.
func (p *Proportional) SetCycleLimit(seconds float64) { p.CycleLimit = seconds }

// Parameters implements Algorithm.
func (p *Proportional) Parameters() map[string]float64 {
	return map[string]float64{
		"min_green_time":        p.MinGreen,
		"max_green_time":        p.MaxGreen,
		"cycle_time_constraint": p.CycleLimit,
		"green_budget":          p.GreenBudget,
	}
}

// Optimize implements Algorithm.
func (p *Proportional) Optimize(ctx context.Context, c Conditions) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := c.Validate(); err != nil {
		return Result{}, err
	}
	scorer := &SignalOptimizer{MinGreen: p.MinGreen, MaxGreen: p.MaxGreen, CycleLimit: p.CycleLimit}
	n := c.Phases()
	if err := scorer.checkBounds(n); err != nil {
		return Result{}, err
	}

	budget := math.Min(p.GreenBudget, p.CycleLimit)
	demand := make([]float64, n)
	var total float64
	for i := range demand {
		demand[i] = math.Max(0, c.Volumes[i]) + math.Max(0, c.Queues[i])
		total += demand[i]
	}

	greens := make([]float64, n)
	var sum float64
	for i := range greens {
		share := 1 / float64(n)
		if total > 0 {
			share = demand[i] / total
		}
		greens[i] = math.Max(p.MinGreen, math.Min(p.MaxGreen, budget*share))
		sum += greens[i]
	}

	// Clamping to MinGreen can push the total over the limit; take the
	// excess back from phases above their minimum.
	if excess := sum - p.CycleLimit; excess > 0 {
		var slack float64
		for _, g := range greens {
			slack += g - p.MinGreen
		}
		for i, g := range greens {
			greens[i] = g - excess*(g-p.MinGreen)/slack
		}
	}
	for i := range greens {
		greens[i] = round2(greens[i])
	}

	return scorer.result(greens, c), nil
}
