package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/signalflow/internal/compiler"
	"github.com/roach88/signalflow/internal/model"
	"github.com/roach88/signalflow/internal/store"
)

// seedStore writes the corridor topology into a fresh database and
// returns its path with the store still open for further seeding.
func seedStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "signalflow.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	intersections, err := compiler.CompileSource("corridor.cue", []byte(corridorCUE))
	require.NoError(t, err)
	for _, in := range intersections {
		require.NoError(t, st.UpsertIntersection(context.Background(), in))
	}
	return st, path
}

func TestIntersectionsList(t *testing.T) {
	st, dbPath := seedStore(t)
	require.NoError(t, st.SetIntersectionActive(context.Background(), "int-002", false))

	buf := &bytes.Buffer{}
	cmd := NewIntersectionsCommand(testRootOptions(t, "text"))
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"list", "--db", dbPath})
	require.NoError(t, cmd.Execute())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, []string{"ID", "NAME", "TYPE", "APPROACHES", "PHASES", "ACTIVE"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"int-001", "Main", "St", "&", "1st", "Ave", "four_way", "4", "2", "true"}, strings.Fields(lines[1]))

	buf.Reset()
	cmd = NewIntersectionsCommand(testRootOptions(t, "json"))
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"list", "--db", dbPath, "--all"})
	require.NoError(t, cmd.Execute())

	var resp struct {
		Data struct {
			Intersections []IntersectionSummary `json:"intersections"`
			Count         int                   `json:"count"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, 2, resp.Data.Count)
	assert.False(t, resp.Data.Intersections[1].Active)
}

func TestIntersectionsListEmpty(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewIntersectionsCommand(testRootOptions(t, "text"))
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"list", "--db", filepath.Join(t.TempDir(), "empty.db")})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "No intersections found.\n", buf.String())
}

func TestIntersectionStatus(t *testing.T) {
	ctx := context.Background()
	st, dbPath := seedStore(t)

	plan, err := st.SavePlan(ctx, model.TimingPlan{
		IntersectionID: "int-001",
		Name:           "peak",
		Source:         model.SourceManual,
		GreenTimes:     map[string]float64{"ns": 30, "ew": 20},
		CycleLength:    58,
	})
	require.NoError(t, err)
	require.NoError(t, st.ActivatePlan(ctx, "int-001", plan.ID))

	now := time.Now().UTC()
	require.NoError(t, st.WriteEmergency(ctx, model.EmergencyRequest{
		ID:             "em-1",
		IntersectionID: "int-001",
		Approach:       "north",
		VehicleType:    model.VehicleEmergency,
		ETASeconds:     30,
		PriorityLevel:  3,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
	}))
	require.NoError(t, st.UpdateSignalStatus(ctx, model.SignalID("int-001", "north"), model.StatusGreen, now))

	buf := &bytes.Buffer{}
	cmd := NewIntersectionsCommand(testRootOptions(t, "json"))
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"status", "int-001", "--db", dbPath})
	require.NoError(t, cmd.Execute())

	var resp struct {
		Data StoredStatus `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	status := resp.Data
	assert.Equal(t, "int-001", status.IntersectionID)
	require.Len(t, status.Signals, 4)
	byApproach := map[string]model.SignalStatus{}
	for _, s := range status.Signals {
		byApproach[s.Position] = s.Status
	}
	assert.Equal(t, model.StatusGreen, byApproach["north"])
	assert.Equal(t, model.StatusRed, byApproach["east"])
	require.NotNil(t, status.Plan)
	assert.Equal(t, plan.ID, status.Plan.ID)
	require.Len(t, status.Emergencies, 1)
	assert.Equal(t, "em-1", status.Emergencies[0].ID)

	buf.Reset()
	cmd = NewIntersectionsCommand(testRootOptions(t, "text"))
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"status", "int-001", "--db", dbPath})
	require.NoError(t, cmd.Execute())
	out := buf.String()
	assert.Contains(t, out, "plan "+plan.ID+" (manual) cycle 58s: ew=20 ns=30")
	assert.Contains(t, out, "emergency em-1 on north, priority 3")
}

func TestIntersectionStatusNotFound(t *testing.T) {
	_, dbPath := seedStore(t)

	buf := &bytes.Buffer{}
	cmd := NewIntersectionsCommand(testRootOptions(t, "text"))
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"status", "int-404", "--db", dbPath})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "Error [E005]: intersection not found: int-404\n", buf.String())
}
