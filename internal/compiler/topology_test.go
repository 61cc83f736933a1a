package compiler

import (
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/signalflow/internal/model"
)

const corridorSource = `
package topology

intersection: "int-002": {
	name: "Main St & 2nd Ave"
	location: {lat: 40.7173, lon: -74.006}
	approaches: ["north", "south", "east", "west"]
	phases: [
		{id: "ns", approaches: ["north", "south"], default_green: 35},
		{id: "ew", approaches: ["east", "west"], yellow: 3.5, all_red: 1},
	]
	adjacent: ["int-001"]
}

intersection: "int-001": {
	name: "Main St & 1st Ave"
	location: {lat: 40.7128, lon: -74.006}
	type: "three_way"
	lanes_count: 3
	approaches: ["north", "south", "east"]
	phases: [
		{id: "ns", approaches: ["north", "south"]},
		{id: "e", approaches: ["east"], min_green: 5, default_green: 20, max_green: 60},
	]
	adjacent: ["int-002"]
	active: false
}
`

func TestCompileSource(t *testing.T) {
	got, err := CompileSource("corridor.cue", []byte(corridorSource))
	require.NoError(t, err)
	require.Len(t, got, 2)

	want := []model.Intersection{
		{
			ID:         "int-001",
			Name:       "Main St & 1st Ave",
			Location:   model.Location{Lat: 40.7128, Lon: -74.006},
			Type:       model.ThreeWay,
			LanesCount: 3,
			Approaches: []string{"north", "south", "east"},
			Phases: []model.Phase{
				{ID: "ns", Approaches: []string{"north", "south"}, MinGreen: 10, DefaultGreen: 30, MaxGreen: 120, Yellow: 4, AllRed: 2},
				{ID: "e", Approaches: []string{"east"}, MinGreen: 5, DefaultGreen: 20, MaxGreen: 60, Yellow: 4, AllRed: 2},
			},
			Adjacent: []string{"int-002"},
			Active:   false,
		},
		{
			ID:         "int-002",
			Name:       "Main St & 2nd Ave",
			Location:   model.Location{Lat: 40.7173, Lon: -74.006},
			Type:       model.FourWay,
			LanesCount: 4,
			Approaches: []string{"north", "south", "east", "west"},
			Phases: []model.Phase{
				{ID: "ns", Approaches: []string{"north", "south"}, MinGreen: 10, DefaultGreen: 35, MaxGreen: 120, Yellow: 4, AllRed: 2},
				{ID: "ew", Approaches: []string{"east", "west"}, MinGreen: 10, DefaultGreen: 30, MaxGreen: 120, Yellow: 3.5, AllRed: 1},
			},
			Adjacent: []string{"int-001"},
			Active:   true,
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("compiled topology mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, Validate(got))
}

func TestCompileSource_Empty(t *testing.T) {
	got, err := CompileSource("empty.cue", []byte(`package topology`))
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestCompileSource_SchemaViolation(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"short yellow", `intersection: a: {approaches: ["n"], phases: [{id: "p", approaches: ["n"], yellow: 2}]}`},
		{"unknown type", `intersection: a: {type: "cloverleaf", approaches: ["n"], phases: [{id: "p", approaches: ["n"]}]}`},
		{"latitude out of range", `intersection: a: {location: {lat: 91, lon: 0}, approaches: ["n"], phases: [{id: "p", approaches: ["n"]}]}`},
		{"syntax", `intersection: a: {`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileSource("bad.cue", []byte(tt.src))
			require.Error(t, err)
		})
	}
}

func TestCompileSource_IDMismatch(t *testing.T) {
	_, err := CompileSource("bad.cue", []byte(`
intersection: "int-001": {
	id: "int-009"
	approaches: ["n"]
	phases: [{id: "p", approaches: ["n"]}]
}`))
	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "id", cerr.Field)
	assert.Contains(t, cerr.Message, "int-009")
}

func TestCompileIntersection_LabelFromPath(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`
intersection: "int-005": {
	approaches: ["n", "s"]
	phases: [{id: "p", approaches: ["n", "s"]}]
}`)
	require.NoError(t, v.Err())

	in, err := CompileIntersection(v.LookupPath(cue.ParsePath(`intersection."int-005"`)))
	require.NoError(t, err)
	assert.Equal(t, "int-005", in.ID)
	assert.True(t, in.Active)
	assert.Equal(t, 4, in.LanesCount)
}

func TestCompileErrorFormat(t *testing.T) {
	err := &CompileError{Field: "id", Message: "intersection id is required"}
	assert.Equal(t, "id: intersection id is required", err.Error())
}
