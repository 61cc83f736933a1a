// Package compiler turns CUE topology files into validated intersections.
//
// A topology file declares intersections under the "intersection" field,
// keyed by id:
//
//	package topology
//
//	intersection: "int-001": {
//		name: "Main St & 1st Ave"
//		location: {lat: 40.7128, lon: -74.0060}
//		approaches: ["north", "south", "east", "west"]
//		phases: [
//			{id: "ns", approaches: ["north", "south"], default_green: 30},
//			{id: "ew", approaches: ["east", "west"], default_green: 25},
//		]
//		adjacent: ["int-002"]
//	}
//
// Every intersection is unified with the #Intersection schema below, which
// fills defaults and rejects out-of-range timings before decoding.
package compiler

import (
	"fmt"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/signalflow/internal/model"
)

// schemaSource constrains each intersection declaration.
const schemaSource = `
#Phase: {
	id:            string & !=""
	approaches:    [...string]
	min_green:     *10 | number & >0
	default_green: *30 | number & >0
	max_green:     *120 | number & >0
	yellow:        *4 | number & >=3
	all_red:       *2 | number & >=0
}

#Intersection: {
	id?:         string
	name:        *"" | string
	location?:   {lat: number & >=-90 & <=90, lon: number & >=-180 & <=180}
	type:        *"four_way" | "three_way" | "roundabout" | "complex"
	lanes_count: *4 | int & >0
	approaches:  [...string]
	phases:      [...#Phase]
	adjacent?:   [...string]
	active:      *true | bool
}
`

// CompileError is a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// CompileTopology decodes every intersection under v's "intersection"
// field, sorted by id. A value with no intersections compiles to an empty
// slice.
func CompileTopology(v cue.Value) ([]model.Intersection, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	set := v.LookupPath(cue.ParsePath("intersection"))
	if !set.Exists() {
		return []model.Intersection{}, nil
	}
	iter, err := set.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	schema, err := intersectionSchema(v.Context())
	if err != nil {
		return nil, err
	}

	var out []model.Intersection
	for iter.Next() {
		in, err := compileIntersection(schema, labelOf(iter.Selector()), iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if out == nil {
		out = []model.Intersection{}
	}
	return out, nil
}

// CompileIntersection decodes a single intersection declaration. The id is
// taken from the value's last path label unless the body sets one.
func CompileIntersection(v cue.Value) (model.Intersection, error) {
	if err := v.Err(); err != nil {
		return model.Intersection{}, formatCUEError(err)
	}
	schema, err := intersectionSchema(v.Context())
	if err != nil {
		return model.Intersection{}, err
	}
	var label string
	if sels := v.Path().Selectors(); len(sels) > 0 {
		label = labelOf(sels[len(sels)-1])
	}
	return compileIntersection(schema, label, v)
}

func intersectionSchema(ctx *cue.Context) (cue.Value, error) {
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return cue.Value{}, formatCUEError(err)
	}
	return schema.LookupPath(cue.ParsePath("#Intersection")), nil
}

func compileIntersection(schema cue.Value, label string, v cue.Value) (model.Intersection, error) {
	unified := schema.Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return model.Intersection{}, formatCUEError(err)
	}

	var in model.Intersection
	if err := unified.Decode(&in); err != nil {
		return model.Intersection{}, formatCUEError(err)
	}

	switch {
	case in.ID == "":
		in.ID = label
	case label != "" && in.ID != label:
		return model.Intersection{}, &CompileError{
			Field:   "id",
			Message: fmt.Sprintf("id %q does not match label %q", in.ID, label),
			Pos:     v.Pos(),
		}
	}
	if in.ID == "" {
		return model.Intersection{}, &CompileError{
			Field:   "id",
			Message: "intersection id is required",
			Pos:     v.Pos(),
		}
	}
	if in.Approaches == nil {
		in.Approaches = []string{}
	}
	return in, nil
}

// labelOf returns the unquoted name of a regular field selector, or "".
func labelOf(sel cue.Selector) string {
	if sel.LabelType() != cue.StringLabel {
		return ""
	}
	return sel.Unquoted()
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
