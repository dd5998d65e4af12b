package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet(t *testing.T) {
	t.Helper()
	t.Setenv("THREADMESH_LOG_LEVEL", "error")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd("1.2.3")
	assert.Equal(t, "1.2.3", root.Version)
	require.NotNil(t, root.PersistentFlags().Lookup("config"))

	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "react", "trace", "threads"} {
		assert.True(t, names[want], "missing subcommand %q", want)
	}
}

func TestReactCmd_BuiltinEcho(t *testing.T) {
	quiet(t)

	out, err := execute(t, "react", "echo", "hello", "world")
	require.NoError(t, err)

	var res struct {
		Result struct {
			Status string `json:"status"`
		} `json:"result"`
		Reaction string `json:"reaction"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "completed", res.Result.Status)
	assert.Equal(t, "hello world", res.Reaction)
}

func TestReactCmd_Events(t *testing.T) {
	quiet(t)

	out, err := execute(t, "react", "echo", "ping", "--events")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Greater(t, len(lines), 2)
	var first struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.NotEmpty(t, first.Type)
	assert.Contains(t, lines[len(lines)-1], `"reaction":"ping"`)
}

func TestReactCmd_UnknownThread(t *testing.T) {
	quiet(t)

	_, err := execute(t, "react", "missing", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown thread")
}

func TestDefinitionsAndTrace_SQLite(t *testing.T) {
	quiet(t)
	dir := t.TempDir()

	defs := filepath.Join(dir, "threads.yaml")
	require.NoError(t, os.WriteFile(defs, []byte(`
version: "1"
threads:
  - key: clock
    actions: [current_time]
    reactor:
      steps:
        - action: current_time
        - reply: done
`), 0o600))

	cfgPath := filepath.Join(dir, "threadmesh.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
store:
  driver: sqlite
  dsn: `+filepath.Join(dir, "threads.db")+`
definitions_file: `+defs+`
`), 0o600))

	out, err := execute(t, "--config", cfgPath, "threads")
	require.NoError(t, err)
	assert.Equal(t, "clock\necho\n", out)

	out, err = execute(t, "--config", cfgPath, "react", "clock", "what time is it", "--run-id", "run-clock")
	require.NoError(t, err)
	assert.Contains(t, out, `"reaction":"done"`)

	out, err = execute(t, "--config", cfgPath, "trace", "run-clock")
	require.NoError(t, err)
	var dump struct {
		Records []map[string]any `json:"records"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &dump))
	assert.NotEmpty(t, dump.Records)

	_, err = execute(t, "--config", cfgPath, "trace", "run-missing")
	require.Error(t, err)
}
