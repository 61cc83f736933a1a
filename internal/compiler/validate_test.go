package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/signalflow/internal/model"
)

func node(id string, adjacent ...string) model.Intersection {
	return model.Intersection{
		ID:         id,
		Type:       model.FourWay,
		LanesCount: 4,
		Approaches: []string{"north", "south", "east", "west"},
		Phases: []model.Phase{
			{ID: "ns", Approaches: []string{"north", "south"}, MinGreen: 10, DefaultGreen: 30, MaxGreen: 120, Yellow: 4, AllRed: 2},
			{ID: "ew", Approaches: []string{"east", "west"}, MinGreen: 10, DefaultGreen: 25, MaxGreen: 120, Yellow: 4, AllRed: 2},
		},
		Adjacent: adjacent,
		Active:   true,
	}
}

func codes(errs []ValidationError) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Code)
	}
	return out
}

func TestValidate_Clean(t *testing.T) {
	errs := Validate([]model.Intersection{node("a", "b"), node("b", "a")})
	assert.Empty(t, errs)
}

func TestValidate_CollectsAll(t *testing.T) {
	broken := node("c")
	broken.Phases = nil

	long := node("d")
	long.Phases[0].DefaultGreen = 100
	long.Phases[1].DefaultGreen = 100

	errs := Validate([]model.Intersection{
		node("a", "a", "zzz"),
		node("b"),
		node("b"),
		broken,
		long,
	})
	assert.Equal(t, []string{
		ErrDuplicateID,
		ErrSelfAdjacent,
		ErrUnknownAdjacent,
		ErrInvalidIntersection,
		ErrCycleTooLong,
	}, codes(errs))
	assert.Equal(t, "adjacent[1]", errs[2].Field)
}

func TestValidationErrorFormat(t *testing.T) {
	err := ValidationError{IntersectionID: "a", Field: "adjacent[0]", Message: "unknown intersection \"x\"", Code: ErrUnknownAdjacent}
	assert.Equal(t, `[E203] a: adjacent[0]: unknown intersection "x"`, err.Error())

	err = ValidationError{Field: "id", Message: "m", Code: ErrDuplicateID}
	assert.Equal(t, "[E202] id: m", err.Error())
}

func TestAnalyzeAdjacency(t *testing.T) {
	warnings := AnalyzeAdjacency([]model.Intersection{
		node("a", "b"),
		node("b"),
		node("c"),
	})
	require.Len(t, warnings, 2)
	assert.Equal(t, []string{"a", "b"}, warnings[0].Path)
	assert.Equal(t, "warning", warnings[0].Level)
	assert.Equal(t, []string{"c"}, warnings[1].Path)
	assert.Equal(t, "info", warnings[1].Level)

	assert.Empty(t, AnalyzeAdjacency([]model.Intersection{node("solo")}))
}

func TestNetworks(t *testing.T) {
	got := Networks([]model.Intersection{
		node("d"),
		node("c", "b"),
		node("a", "b"),
		node("b"),
	})
	assert.Equal(t, [][]string{{"a", "b", "c"}, {"d"}}, got)
}

func TestCorridorGaps(t *testing.T) {
	topology := []model.Intersection{node("a", "b"), node("b"), node("c", "b")}
	assert.Empty(t, CorridorGaps(topology, []string{"a", "b", "c"}))
	assert.Equal(t, []string{"a->c"}, CorridorGaps(topology, []string{"b", "a", "c"}))
}
