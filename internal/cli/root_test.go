package cli

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const corridorCUE = `package topology

intersection: "int-001": {
	name: "Main St & 1st Ave"
	location: {lat: 40.7128, lon: -74.006}
	approaches: ["north", "south", "east", "west"]
	phases: [
		{id: "ns", approaches: ["north", "south"], default_green: 20},
		{id: "ew", approaches: ["east", "west"], default_green: 15},
	]
	adjacent: ["int-002"]
}

intersection: "int-002": {
	name: "Main St & 2nd Ave"
	location: {lat: 40.7173, lon: -74.006}
	approaches: ["north", "south", "east", "west"]
	phases: [
		{id: "ns", approaches: ["north", "south"], default_green: 25},
		{id: "ew", approaches: ["east", "west"], default_green: 15},
	]
	adjacent: ["int-001"]
}
`

// writeTopology writes a CUE topology into a fresh directory.
func writeTopology(t *testing.T, src string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "topology")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "corridor.cue"), []byte(src), 0o644))
	return dir
}

// testRootOptions points --config at a missing file so defaults apply.
func testRootOptions(t *testing.T, format string) *RootOptions {
	t.Helper()
	return &RootOptions{Format: format, Config: filepath.Join(t.TempDir(), "signalflow.yaml")}
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "signalflow", cmd.Use)
	assert.Contains(t, cmd.Long, "emergency preemption")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"serve", "topology", "intersections", "trace", "optimize", "predict", "scenario", "device"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestSubcommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{
		{"topology", "validate"},
		{"topology", "load"},
		{"intersections", "list"},
		{"int", "status"},
		{"scenario", "test"},
		{"device", "run"},
	} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "%v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "signalflow.yaml", configFlag.DefValue)
}

func TestServeCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)

	for _, name := range []string{"db", "addr", "topology", "mqtt-broker", "no-watch"} {
		assert.NotNil(t, serveCmd.Flags().Lookup(name), "serve --%s", name)
	}
	// Empty defaults defer to the config file.
	assert.Equal(t, "", serveCmd.Flags().Lookup("db").DefValue)
}

func TestTraceCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	traceCmd, _, err := cmd.Find([]string{"trace"})
	require.NoError(t, err)

	limit := traceCmd.Flags().Lookup("limit")
	require.NotNil(t, limit)
	assert.Equal(t, "n", limit.Shorthand)
	assert.Equal(t, "100", limit.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--format", "xml", "optimize", "--list"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid format "xml"`)
}
