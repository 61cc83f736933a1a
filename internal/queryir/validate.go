package queryir

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError lists every problem found in a query.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid query: " + strings.Join(e.Problems, "; ")
}

// Validate checks a query before compilation. It returns nil or a
// *ValidationError carrying every problem, not only the first.
//
// Validate is a pure function with no side effects.
func Validate(query Query) error {
	v := &validator{}
	v.validateQuery(query)
	if len(v.problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: v.problems}
}

// validator accumulates problems during traversal.
type validator struct {
	problems []string
}

func (v *validator) addProblem(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) validateQuery(q Query) {
	switch query := q.(type) {
	case nil:
		v.addProblem("nil query")
	case Series:
		v.validateSeries(query)
	case *Series:
		v.validateSeries(*query)
	case Distribution:
		v.requireIntersection(query.IntersectionID)
		v.validateRange(query.Start, query.End)
	case *Distribution:
		v.validateQuery(*query)
	case Performance:
		v.validatePerformance(query)
	case *Performance:
		v.validatePerformance(*query)
	case Totals:
		v.validateRange(query.Start, query.End)
	case *Totals:
		v.validateRange(query.Start, query.End)
	default:
		v.addProblem("unknown query type %T", q)
	}
}

func (v *validator) validateSeries(s Series) {
	v.requireIntersection(s.IntersectionID)
	v.validateRange(s.Start, s.End)
	if !s.Metric.Valid() {
		v.addProblem("unknown metric %q", s.Metric)
	}
	if !s.Agg.Valid() {
		v.addProblem("unknown aggregation %q", s.Agg)
	}
	if s.Window < MinWindow {
		v.addProblem("window %s shorter than %s", s.Window, MinWindow)
	}
}

func (v *validator) validatePerformance(p Performance) {
	v.requireIntersection(p.IntersectionID)
	v.validateRange(p.Start, p.End)
	if p.Split.Before(p.Start) || p.Split.After(p.End) {
		v.addProblem("split %s outside range", p.Split.Format(time.RFC3339))
	}
}

func (v *validator) requireIntersection(id string) {
	if id == "" {
		v.addProblem("intersection id is required")
	}
}

func (v *validator) validateRange(start, end time.Time) {
	if !end.After(start) {
		v.addProblem("end %s must be after start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
}

// Valid reports whether m is a known metric.
func (m Metric) Valid() bool {
	for _, known := range Metrics {
		if m == known {
			return true
		}
	}
	return false
}

// Valid reports whether a is a known aggregation.
func (a Agg) Valid() bool {
	for _, known := range Aggs {
		if a == known {
			return true
		}
	}
	return false
}
