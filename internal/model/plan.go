package model

import (
	"fmt"
	"time"
)

// Plan sources.
const (
	SourceDefault      = "default"
	SourceManual       = "manual"
	SourceAFSA         = "afsa"
	SourceProportional = "proportional"
	SourceWave         = "wave"
)

// MaxCycle is the longest cycle, in seconds, a plan may run outside a
// green wave.
const MaxCycle = 180.0

// TimingPlan assigns a green time to every phase of an intersection.
//
// CycleLength is the full cycle including clearance intervals. When the plan
// is part of a green wave, CycleLength may exceed the natural cycle; the
// remainder is absorbed by the last phase green. Offset shifts the start of
// phase 0 green relative to the wave start.
type TimingPlan struct {
	ID             string             `json:"id"`
	IntersectionID string             `json:"intersection_id"`
	Name           string             `json:"name"`
	Source         string             `json:"source"`
	GreenTimes     map[string]float64 `json:"green_times"`
	CycleLength    float64            `json:"cycle_length"`
	Offset         float64            `json:"offset"`
	Active         bool               `json:"active"`
	Hash           string             `json:"hash"`
	CreatedAt      time.Time          `json:"created_at"`
}

// DefaultPlan builds the plan implied by each phase's default green.
func DefaultPlan(in Intersection) TimingPlan {
	greens := make(map[string]float64, len(in.Phases))
	for _, p := range in.Phases {
		greens[p.ID] = p.DefaultGreen
	}
	plan := TimingPlan{
		IntersectionID: in.ID,
		Name:           "default",
		Source:         SourceDefault,
		GreenTimes:     greens,
	}
	plan.CycleLength = NaturalCycle(in, greens)
	return plan
}

// NaturalCycle sums green and clearance times for the given greens.
func NaturalCycle(in Intersection, greens map[string]float64) float64 {
	var total float64
	for _, p := range in.Phases {
		total += greens[p.ID] + p.Clearance()
	}
	return total
}

// Validate checks the plan against the intersection's phase bounds.
func (p TimingPlan) Validate(in Intersection) error {
	if p.IntersectionID != in.ID {
		return fmt.Errorf("plan: intersection mismatch %q != %q", p.IntersectionID, in.ID)
	}
	for _, ph := range in.Phases {
		g, ok := p.GreenTimes[ph.ID]
		if !ok {
			return fmt.Errorf("plan: missing green time for phase %s", ph.ID)
		}
		if g < ph.MinGreen || g > ph.MaxGreen {
			return fmt.Errorf("plan: phase %s green %gs outside [%g, %g]", ph.ID, g, ph.MinGreen, ph.MaxGreen)
		}
	}
	for id := range p.GreenTimes {
		found := false
		for _, ph := range in.Phases {
			if ph.ID == id {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("plan: unknown phase %s", id)
		}
	}
	natural := NaturalCycle(in, p.GreenTimes)
	if p.CycleLength != 0 && p.CycleLength+1e-9 < natural {
		return fmt.Errorf("plan: cycle length %gs shorter than phase sum %gs", p.CycleLength, natural)
	}
	if p.Offset < 0 {
		return fmt.Errorf("plan: offset must be non-negative")
	}
	return nil
}

// Slack is the extra time a coordinated cycle adds to the last phase green.
func (p TimingPlan) Slack(in Intersection) float64 {
	natural := NaturalCycle(in, p.GreenTimes)
	if p.CycleLength <= natural {
		return 0
	}
	return p.CycleLength - natural
}
