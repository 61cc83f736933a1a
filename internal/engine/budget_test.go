package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreemptionBudget_WithinLimit(t *testing.T) {
	b := NewPreemptionBudget(3, time.Minute)

	for i := 0; i < 3; i++ {
		at := testStart.Add(time.Duration(i) * time.Second)
		require.NoError(t, b.Check("int-001", at), "request %d should be allowed", i+1)
		b.Record("int-001", at)
	}
	assert.Equal(t, 3, b.Used("int-001", testStart.Add(3*time.Second)))
	assert.Equal(t, 3, b.Max())
	assert.Equal(t, time.Minute, b.Window())
}

func TestPreemptionBudget_Exceeded(t *testing.T) {
	b := NewPreemptionBudget(2, time.Minute)
	b.Record("int-001", testStart)
	b.Record("int-001", testStart.Add(10*time.Second))

	err := b.Check("int-001", testStart.Add(20*time.Second))
	require.Error(t, err)
	assert.True(t, IsBudgetError(err))

	var re *RuntimeError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "int-001", re.IntersectionID)
	assert.Equal(t, "2", re.Details["used"])
	assert.Equal(t, "2", re.Details["limit"])

	// Other intersections have their own window
	assert.NoError(t, b.Check("int-002", testStart.Add(20*time.Second)))
}

func TestPreemptionBudget_WindowSlides(t *testing.T) {
	b := NewPreemptionBudget(2, time.Minute)
	b.Record("int-001", testStart)
	b.Record("int-001", testStart.Add(30*time.Second))

	assert.Error(t, b.Check("int-001", testStart.Add(59*time.Second)))

	// Exactly one window after the first request it drops out
	assert.Equal(t, 1, b.Used("int-001", testStart.Add(time.Minute)))
	assert.NoError(t, b.Check("int-001", testStart.Add(time.Minute)))
}

func TestPreemptionBudget_Disabled(t *testing.T) {
	b := NewPreemptionBudget(0, time.Minute)
	for i := 0; i < 100; i++ {
		b.Record("int-001", testStart)
	}
	assert.NoError(t, b.Check("int-001", testStart))
}

func TestPreemptionBudget_Reset(t *testing.T) {
	b := NewPreemptionBudget(1, time.Minute)
	b.Record("int-001", testStart)
	require.Error(t, b.Check("int-001", testStart))

	b.Reset()
	assert.NoError(t, b.Check("int-001", testStart))
}
