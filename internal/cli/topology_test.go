package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/signalflow/internal/store"
)

const singleCUE = `package topology

intersection: "int-001": {
	name: "Main St & 1st Ave"
	location: {lat: 40.7128, lon: -74.006}
	approaches: ["north", "south", "east", "west"]
	phases: [
		{id: "ns", approaches: ["north", "south"], default_green: 12, yellow: 3, all_red: 1},
		{id: "ew", approaches: ["east", "west"], default_green: 10, yellow: 3, all_red: 1},
	]
}
`

func TestTopologyValidate(t *testing.T) {
	dir := writeTopology(t, corridorCUE)

	buf := &bytes.Buffer{}
	cmd := NewTopologyCommand(testRootOptions(t, "text"))
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"validate", dir})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "✓ 2 intersection(s) valid in 1 network(s)\n", buf.String())
}

func TestTopologyValidateJSON(t *testing.T) {
	dir := writeTopology(t, corridorCUE)

	buf := &bytes.Buffer{}
	cmd := NewTopologyCommand(testRootOptions(t, "json"))
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"validate", dir})
	require.NoError(t, cmd.Execute())

	var resp struct {
		Status string             `json:"status"`
		Data   TopologyValidation `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Valid)
	assert.Equal(t, 2, resp.Data.Intersections)
	assert.Equal(t, [][]string{{"int-001", "int-002"}}, resp.Data.Networks)
}

func TestTopologyValidateUnknownAdjacent(t *testing.T) {
	src := strings.Replace(singleCUE, "\tphases:", "\tadjacent: [\"int-999\"]\n\tphases:", 1)
	dir := writeTopology(t, src)

	buf := &bytes.Buffer{}
	cmd := NewTopologyCommand(testRootOptions(t, "text"))
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"validate", dir})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, buf.String(), "✗ [E203] int-001")
	assert.Contains(t, buf.String(), "1 error(s) in 1 intersection(s)")
}

func TestTopologyValidateOneWayWarning(t *testing.T) {
	src := strings.Replace(corridorCUE, `adjacent: ["int-001"]`, `adjacent: []`, 1)
	dir := writeTopology(t, src)

	buf := &bytes.Buffer{}
	cmd := NewTopologyCommand(testRootOptions(t, "text"))
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"validate", dir})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "! warning: int-001 lists int-002 as adjacent but not the reverse")
	assert.Contains(t, buf.String(), "✓ 2 intersection(s) valid")
}

func TestTopologyValidateNotFound(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewTopologyCommand(testRootOptions(t, "json"))
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"validate", "/nonexistent/topology"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)
}

func TestTopologyValidateCompileError(t *testing.T) {
	dir := writeTopology(t, "package topology\n\nintersection: {\n")

	buf := &bytes.Buffer{}
	cmd := NewTopologyCommand(testRootOptions(t, "json"))
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"validate", dir})

	err := cmd.Execute()
	require.Error(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeCompile, resp.Error.Code)
}

func TestTopologyLoadAndPrune(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "signalflow.db")

	buf := &bytes.Buffer{}
	cmd := NewTopologyCommand(testRootOptions(t, "text"))
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"load", writeTopology(t, corridorCUE), "--db", dbPath})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "✓ Loaded 2 intersection(s) into "+dbPath+"\n", buf.String())

	buf.Reset()
	cmd = NewTopologyCommand(testRootOptions(t, "json"))
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"load", writeTopology(t, singleCUE), "--db", dbPath, "--prune"})
	require.NoError(t, cmd.Execute())

	var resp struct {
		Data TopologyLoadResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, []string{"int-001"}, resp.Data.Intersections)
	assert.Equal(t, []string{"int-002"}, resp.Data.Deactivated)

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()

	active, err := st.ListIntersections(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "int-001", active[0].ID)
	assert.Len(t, active[0].Phases, 2)

	all, err := st.ListIntersections(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestTopologyLoadInvalid(t *testing.T) {
	src := strings.Replace(singleCUE, "\tphases:", "\tadjacent: [\"int-001\"]\n\tphases:", 1)
	dbPath := filepath.Join(t.TempDir(), "signalflow.db")

	buf := &bytes.Buffer{}
	cmd := NewTopologyCommand(testRootOptions(t, "text"))
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"load", writeTopology(t, src), "--db", dbPath})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[E204] int-001")
}
