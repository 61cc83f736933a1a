package model

import (
	"fmt"
	"time"
)

// MinYellow is the shortest yellow interval accepted by validation.
const MinYellow = 3.0

// Phase is a set of non-conflicting approaches that receive green together.
// All durations are seconds.
type Phase struct {
	ID           string   `json:"id" yaml:"id"`
	Approaches   []string `json:"approaches" yaml:"approaches"`
	MinGreen     float64  `json:"min_green" yaml:"min_green"`
	DefaultGreen float64  `json:"default_green" yaml:"default_green"`
	MaxGreen     float64  `json:"max_green" yaml:"max_green"`
	Yellow       float64  `json:"yellow" yaml:"yellow"`
	AllRed       float64  `json:"all_red" yaml:"all_red"`
}

// Serves reports whether the phase gives green to approach.
func (p Phase) Serves(approach string) bool {
	for _, a := range p.Approaches {
		if a == approach {
			return true
		}
	}
	return false
}

// Clearance is the yellow plus all-red time that follows the phase green.
func (p Phase) Clearance() float64 {
	return p.Yellow + p.AllRed
}

// Intersection is a signalised junction with its phase plan.
type Intersection struct {
	ID         string           `json:"id" yaml:"id"`
	Name       string           `json:"name" yaml:"name"`
	Location   Location         `json:"location" yaml:"location"`
	Type       IntersectionType `json:"type" yaml:"type"`
	LanesCount int              `json:"lanes_count" yaml:"lanes_count"`
	Approaches []string         `json:"approaches" yaml:"approaches"`
	Phases     []Phase          `json:"phases" yaml:"phases"`
	Adjacent   []string         `json:"adjacent,omitempty" yaml:"adjacent,omitempty"`
	Active     bool             `json:"active" yaml:"active"`
	CreatedAt  time.Time        `json:"created_at" yaml:"-"`
	UpdatedAt  time.Time        `json:"updated_at" yaml:"-"`
}

// PhaseIndexFor returns the index of the first phase serving approach, or -1.
func (in Intersection) PhaseIndexFor(approach string) int {
	for i, p := range in.Phases {
		if p.Serves(approach) {
			return i
		}
	}
	return -1
}

// HasApproach reports whether approach belongs to the intersection.
func (in Intersection) HasApproach(approach string) bool {
	for _, a := range in.Approaches {
		if a == approach {
			return true
		}
	}
	return false
}

// Signals derives one signal head per approach. Timing bounds come from the
// first phase serving that approach.
func (in Intersection) Signals() []Signal {
	signals := make([]Signal, 0, len(in.Approaches))
	for _, a := range in.Approaches {
		s := Signal{
			ID:             SignalID(in.ID, a),
			IntersectionID: in.ID,
			Position:       a,
			Status:         StatusRed,
		}
		if idx := in.PhaseIndexFor(a); idx >= 0 {
			p := in.Phases[idx]
			s.DefaultTiming = p.DefaultGreen
			s.MinTiming = p.MinGreen
			s.MaxTiming = p.MaxGreen
		}
		signals = append(signals, s)
	}
	return signals
}

// Validate checks structural consistency of the intersection definition.
// Returns the first problem found.
func (in Intersection) Validate() error {
	if in.ID == "" {
		return fmt.Errorf("intersection: id is required")
	}
	if in.Type != "" && !in.Type.Valid() {
		return fmt.Errorf("intersection %s: unknown type %q", in.ID, in.Type)
	}
	if len(in.Approaches) == 0 {
		return fmt.Errorf("intersection %s: at least one approach is required", in.ID)
	}
	if len(in.Phases) == 0 {
		return fmt.Errorf("intersection %s: at least one phase is required", in.ID)
	}

	approaches := make(map[string]bool, len(in.Approaches))
	for _, a := range in.Approaches {
		if approaches[a] {
			return fmt.Errorf("intersection %s: duplicate approach %q", in.ID, a)
		}
		approaches[a] = true
	}

	served := make(map[string]bool, len(in.Approaches))
	phaseIDs := make(map[string]bool, len(in.Phases))
	for _, p := range in.Phases {
		if p.ID == "" {
			return fmt.Errorf("intersection %s: phase id is required", in.ID)
		}
		if phaseIDs[p.ID] {
			return fmt.Errorf("intersection %s: duplicate phase %q", in.ID, p.ID)
		}
		phaseIDs[p.ID] = true
		if len(p.Approaches) == 0 {
			return fmt.Errorf("intersection %s: phase %s serves no approach", in.ID, p.ID)
		}
		for _, a := range p.Approaches {
			if !approaches[a] {
				return fmt.Errorf("intersection %s: phase %s references unknown approach %q", in.ID, p.ID, a)
			}
			served[a] = true
		}
		if p.MinGreen <= 0 {
			return fmt.Errorf("intersection %s: phase %s min_green must be positive", in.ID, p.ID)
		}
		if p.MinGreen > p.DefaultGreen || p.DefaultGreen > p.MaxGreen {
			return fmt.Errorf("intersection %s: phase %s requires min_green <= default_green <= max_green (%g, %g, %g)",
				in.ID, p.ID, p.MinGreen, p.DefaultGreen, p.MaxGreen)
		}
		if p.Yellow < MinYellow {
			return fmt.Errorf("intersection %s: phase %s yellow must be at least %gs", in.ID, p.ID, MinYellow)
		}
		if p.AllRed < 0 {
			return fmt.Errorf("intersection %s: phase %s all_red must be non-negative", in.ID, p.ID)
		}
	}

	for _, a := range in.Approaches {
		if !served[a] {
			return fmt.Errorf("intersection %s: approach %q is not served by any phase", in.ID, a)
		}
	}
	return nil
}
