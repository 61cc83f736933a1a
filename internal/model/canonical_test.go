package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalSortsKeys(t *testing.T) {
	data, err := MarshalCanonical(map[string]any{
		"b": int64(2),
		"a": "x",
		"c": []any{true, 1},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":2,"c":[true,1]}`, string(data))
}

func TestMarshalCanonicalUTF16Ordering(t *testing.T) {
	// U+1F600 encodes as a surrogate pair (0xD83D...) which sorts before
	// U+FF61 in UTF-16 even though its UTF-8 bytes sort after.
	data, err := MarshalCanonical(map[string]any{
		"\uff61":     int64(1),
		"\U0001F600": int64(2),
	})
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"\uff61\":1}", string(data))
}

func TestMarshalCanonicalNoHTMLEscape(t *testing.T) {
	data, err := MarshalCanonical("<a&b>")
	require.NoError(t, err)
	assert.Equal(t, `"<a&b>"`, string(data))
}

func TestMarshalCanonicalNFC(t *testing.T) {
	decomposed := "e\u0301"
	data, err := MarshalCanonical(decomposed)
	require.NoError(t, err)
	assert.Equal(t, "\"\u00e9\"", string(data))
}

func TestMarshalCanonicalLineSeparators(t *testing.T) {
	data, err := MarshalCanonical("a\u2028b")
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\"", string(data))

	// An escaped backslash followed by the text u2028 stays escaped.
	data, err = MarshalCanonical(`a\u2028`)
	require.NoError(t, err)
	assert.Equal(t, `"a\\u2028"`, string(data))
}

func TestMarshalCanonicalRejectsFloatsAndNull(t *testing.T) {
	_, err := MarshalCanonical(map[string]any{"x": 1.5})
	assert.ErrorContains(t, err, "floats are forbidden")

	_, err = MarshalCanonical(map[string]any{"x": nil})
	assert.ErrorContains(t, err, "null is forbidden")

	_, err = MarshalCanonical(struct{}{})
	assert.ErrorContains(t, err, "unsupported type")
}

func TestPlanHashDeterministic(t *testing.T) {
	in := fourWay()
	p1 := DefaultPlan(in)
	p2 := DefaultPlan(in)
	p2.CreatedAt = p1.CreatedAt.Add(time.Hour)

	h1, err := PlanHash(p1)
	require.NoError(t, err)
	h2, err := PlanHash(p2)
	require.NoError(t, err)

	assert.Equal(t, h1, h2, "timestamps do not change identity")
	assert.Len(t, h1, 64)

	p2.GreenTimes["ns"] = 31
	h3, err := PlanHash(p2)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestPlanHashIncludesNameAndSource(t *testing.T) {
	in := fourWay()
	base := DefaultPlan(in)
	h0, err := PlanHash(base)
	require.NoError(t, err)

	renamed := DefaultPlan(in)
	renamed.Name = "wave/w-1"
	h1, err := PlanHash(renamed)
	require.NoError(t, err)
	assert.NotEqual(t, h0, h1)

	resourced := DefaultPlan(in)
	resourced.Source = SourceWave
	h2, err := PlanHash(resourced)
	require.NoError(t, err)
	assert.NotEqual(t, h0, h2)
	assert.NotEqual(t, h1, h2)
}

func TestPlanHashIgnoresSubMillisecondNoise(t *testing.T) {
	in := fourWay()
	p1 := DefaultPlan(in)
	p2 := DefaultPlan(in)
	p2.GreenTimes["ns"] = 30.0000001

	h1, _ := PlanHash(p1)
	h2, _ := PlanHash(p2)
	assert.Equal(t, h1, h2)
}

func TestEventHash(t *testing.T) {
	e := SignalEvent{Seq: 1, IntersectionID: "int-001", Approach: "north", From: StatusRed, To: StatusGreen, Reason: ReasonCycle}
	h1, err := EventHash(e)
	require.NoError(t, err)

	e.Seq = 2
	h2, err := EventHash(e)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
