package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/signalflow/internal/model"
)

func TestSavePlan_ContentAddressed(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	in := testIntersection("int-001")
	require.NoError(t, s.UpsertIntersection(ctx, in))

	p1, err := s.SavePlan(ctx, model.DefaultPlan(in))
	require.NoError(t, err)
	assert.Len(t, p1.Hash, 64)
	assert.Equal(t, "plan-"+p1.Hash[:16], p1.ID)
	assert.Equal(t, testNow, p1.CreatedAt)

	// Saving the same timing again is a no-op
	p2, err := s.SavePlan(ctx, model.DefaultPlan(in))
	require.NoError(t, err)
	assert.Equal(t, p1.ID, p2.ID)

	plans, err := s.ListPlans(ctx, "int-001")
	require.NoError(t, err)
	assert.Len(t, plans, 1)
}

func TestSavePlan_NameAndSourceAreIdentity(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	in := testIntersection("int-001")
	require.NoError(t, s.UpsertIntersection(ctx, in))

	def, err := s.SavePlan(ctx, model.DefaultPlan(in))
	require.NoError(t, err)

	wave := model.DefaultPlan(in)
	wave.Name = "wave/w-1"
	wave.Source = model.SourceWave
	saved, err := s.SavePlan(ctx, wave)
	require.NoError(t, err)
	assert.NotEqual(t, def.ID, saved.ID)
	assert.Equal(t, "wave/w-1", saved.Name)
	assert.Equal(t, model.SourceWave, saved.Source)

	require.NoError(t, s.ActivatePlan(ctx, "int-001", saved.ID))
	active, err := s.ActivePlan(ctx, "int-001")
	require.NoError(t, err)
	assert.Equal(t, "wave/w-1", active.Name)
	assert.Equal(t, model.SourceWave, active.Source)

	plans, err := s.ListPlans(ctx, "int-001")
	require.NoError(t, err)
	assert.Len(t, plans, 2)
}

func TestSavePlan_ReturnsStoredRow(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	in := testIntersection("int-001")
	require.NoError(t, s.UpsertIntersection(ctx, in))

	first, err := s.SavePlan(ctx, model.DefaultPlan(in))
	require.NoError(t, err)
	require.NoError(t, s.ActivatePlan(ctx, "int-001", first.ID))

	again := model.DefaultPlan(in)
	again.CreatedAt = testNow.Add(time.Hour)
	got, err := s.SavePlan(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, testNow, got.CreatedAt, "first write wins")
	assert.True(t, got.Active)
}

func TestActivatePlan_SingleActive(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	in := testIntersection("int-001")
	require.NoError(t, s.UpsertIntersection(ctx, in))

	_, err := s.ActivePlan(ctx, "int-001")
	assert.ErrorIs(t, err, ErrNotFound)

	def, err := s.SavePlan(ctx, model.DefaultPlan(in))
	require.NoError(t, err)
	require.NoError(t, s.ActivatePlan(ctx, "int-001", def.ID))

	alt := model.DefaultPlan(in)
	alt.Name = "peak"
	alt.Source = model.SourceManual
	alt.GreenTimes = map[string]float64{"ns": 45, "ew": 20}
	alt.CycleLength = model.NaturalCycle(in, alt.GreenTimes)
	alt, err = s.SavePlan(ctx, alt)
	require.NoError(t, err)
	require.NoError(t, s.ActivatePlan(ctx, "int-001", alt.ID))

	active, err := s.ActivePlan(ctx, "int-001")
	require.NoError(t, err)
	assert.Equal(t, alt.ID, active.ID)
	assert.Equal(t, 45.0, active.GreenTimes["ns"])
	assert.True(t, active.Active)

	plans, err := s.ListPlans(ctx, "int-001")
	require.NoError(t, err)
	activeCount := 0
	for _, p := range plans {
		if p.Active {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)
}

func TestActivatePlan_NotFound(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertIntersection(ctx, testIntersection("int-001")))

	err := s.ActivatePlan(ctx, "int-001", "plan-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
