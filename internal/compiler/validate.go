package compiler

import (
	"fmt"

	"github.com/roach88/signalflow/internal/model"
)

// Validation error codes (E200-E299)
const (
	ErrInvalidIntersection = "E201" // intersection definition rejected
	ErrDuplicateID         = "E202" // intersection declared twice
	ErrUnknownAdjacent     = "E203" // adjacent id not in topology
	ErrSelfAdjacent        = "E204" // intersection lists itself as adjacent
	ErrCycleTooLong        = "E205" // default cycle exceeds MaxCycle
)

// MaxCycle is the longest natural cycle, in seconds, a topology may declare.
const MaxCycle = model.MaxCycle

// ValidationError represents a topology validation error.
type ValidationError struct {
	IntersectionID string `json:"intersection_id,omitempty"`
	Field          string `json:"field"`
	Message        string `json:"message"`
	Code           string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.IntersectionID != "" {
		return fmt.Sprintf("[%s] %s: %s: %s", e.Code, e.IntersectionID, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks a compiled topology.
// Returns all errors found (does not fail-fast).
func Validate(topology []model.Intersection) []ValidationError {
	var errs []ValidationError

	ids := make(map[string]bool, len(topology))
	for _, in := range topology {
		if ids[in.ID] {
			errs = append(errs, ValidationError{
				IntersectionID: in.ID,
				Field:          "id",
				Message:        "duplicate intersection id",
				Code:           ErrDuplicateID,
			})
		}
		ids[in.ID] = true
	}

	for _, in := range topology {
		if err := in.Validate(); err != nil {
			errs = append(errs, ValidationError{
				IntersectionID: in.ID,
				Field:          "intersection",
				Message:        err.Error(),
				Code:           ErrInvalidIntersection,
			})
			continue
		}

		if cycle := model.NaturalCycle(in, model.DefaultPlan(in).GreenTimes); cycle > MaxCycle {
			errs = append(errs, ValidationError{
				IntersectionID: in.ID,
				Field:          "phases",
				Message:        fmt.Sprintf("default cycle %.0fs exceeds %.0fs", cycle, MaxCycle),
				Code:           ErrCycleTooLong,
			})
		}

		for i, adj := range in.Adjacent {
			field := fmt.Sprintf("adjacent[%d]", i)
			switch {
			case adj == in.ID:
				errs = append(errs, ValidationError{
					IntersectionID: in.ID,
					Field:          field,
					Message:        "intersection cannot be adjacent to itself",
					Code:           ErrSelfAdjacent,
				})
			case !ids[adj]:
				errs = append(errs, ValidationError{
					IntersectionID: in.ID,
					Field:          field,
					Message:        fmt.Sprintf("unknown intersection %q", adj),
					Code:           ErrUnknownAdjacent,
				})
			}
		}
	}

	return errs
}
