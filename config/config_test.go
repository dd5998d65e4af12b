package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/threadmesh/engine"
	"github.com/hupe1980/threadmesh/logging"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.Engine.MaxIterations)
	assert.Equal(t, 1, cfg.Engine.MaxModelSteps)
	assert.True(t, cfg.Engine.SendFinish)
	assert.False(t, cfg.Engine.PreventClose)
	assert.False(t, cfg.Engine.Silent)
	assert.Equal(t, "reuse", cfg.Engine.EventIDPolicy)
	assert.Equal(t, 4, cfg.Engine.MaxParallelActions)
	assert.True(t, cfg.Engine.RecoverStaleExecutions)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("THREADMESH_MAX_ITERATIONS", "5")
	t.Setenv("THREADMESH_SEND_FINISH", "false")
	t.Setenv("THREADMESH_RECOVER_STALE_EXECUTIONS", "false")
	t.Setenv("THREADMESH_EVENT_ID_POLICY", "per-step")
	t.Setenv("THREADMESH_STORE_DRIVER", "sqlite")
	t.Setenv("THREADMESH_STORE_DSN", "file:threads.db")
	t.Setenv("THREADMESH_LOG_LEVEL", "debug")
	t.Setenv("THREADMESH_MAX_PARALLEL_ACTIONS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Engine.MaxIterations)
	assert.False(t, cfg.Engine.SendFinish)
	assert.Equal(t, "per-step", cfg.Engine.EventIDPolicy)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "file:threads.db", cfg.Store.DSN)
	assert.Equal(t, 4, cfg.Engine.MaxParallelActions)
	assert.Equal(t, logging.LogLevelDebug, cfg.LoggerConfig().Level)

	var o engine.Options
	cfg.EngineOptions()(&o)
	assert.Equal(t, 5, o.MaxIterations)
	assert.False(t, o.SendFinish)
	assert.False(t, o.RecoverStaleExecutions)
	assert.Equal(t, engine.EventIDPerStep, o.EventIDPolicy)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threadmesh.yaml")
	doc := `
engine:
  max_iterations: 8
  silent: true
store:
  driver: pgx
  dsn: postgres://localhost/threads
log:
  format: console
model:
  provider: anthropic
  name: claude-sonnet-4-5
definitions_file: threads.yaml
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	t.Setenv("THREADMESH_HTTP_ADDR", ":9090")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Engine.MaxIterations)
	assert.True(t, cfg.Engine.SendFinish, "unset keys keep defaults")
	assert.True(t, cfg.ReactOptions().Silent)
	assert.Equal(t, "pgx", cfg.Store.Driver)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "anthropic", cfg.Model.Provider)
	assert.Equal(t, "threads.yaml", cfg.DefinitionsFile)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"negative iterations", func(c *Config) { c.Engine.MaxIterations = -1 }, "max_iterations"},
		{"event id policy", func(c *Config) { c.Engine.EventIDPolicy = "random" }, "event id policy"},
		{"driver", func(c *Config) { c.Store.Driver = "mysql" }, "unsupported sql driver"},
		{"dsn", func(c *Config) { c.Store.Driver = "sqlite" }, "store.dsn"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log format"},
		{"provider", func(c *Config) { c.Model.Provider = "oracle" }, "model provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
	require.NoError(t, Default().Validate())
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
