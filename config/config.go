// Package config provides configuration for the threadmesh server and CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/threadmesh/engine"
	"github.com/hupe1980/threadmesh/logging"
	"github.com/hupe1980/threadmesh/store/sqlstore"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "THREADMESH_"

// DriverMemory selects the in-memory store.
const DriverMemory = "memory"

// Config holds the server configuration.
type Config struct {
	Engine EngineConfig `yaml:"engine"`
	Store  StoreConfig  `yaml:"store"`
	Log    LogConfig    `yaml:"log"`
	HTTP   HTTPConfig   `yaml:"http"`
	Model  ModelConfig  `yaml:"model"`
	Trace  TraceConfig  `yaml:"trace"`

	// PolicyFile is a Rego module gating action calls. Empty allows all.
	PolicyFile string `yaml:"policy_file"`
	// DefinitionsFile declares the registered threads.
	DefinitionsFile string `yaml:"definitions_file"`
}

// EngineConfig mirrors the engine and stream defaults.
type EngineConfig struct {
	MaxIterations           int    `yaml:"max_iterations"`
	MaxModelSteps           int    `yaml:"max_model_steps"`
	SendFinish              bool   `yaml:"send_finish"`
	PreventClose            bool   `yaml:"prevent_close"`
	Silent                  bool   `yaml:"silent"`
	EventIDPolicy           string `yaml:"event_id_policy"`
	MaxParallelActions      int    `yaml:"max_parallel_actions"`
	MaxConcurrentExecutions int    `yaml:"max_concurrent_executions"`
	EventBufferSize         int    `yaml:"event_buffer_size"`
	RecoverStaleExecutions  bool   `yaml:"recover_stale_executions"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is memory, sqlite (pure Go), sqlite3 (cgo) or pgx.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// LogConfig configures the thread logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// ModelConfig selects the model behind reactor type "model".
type ModelConfig struct {
	// Provider is openai, anthropic or empty for none.
	Provider string `yaml:"provider"`
	Name     string `yaml:"name"`
}

// TraceConfig configures trace persistence and export.
type TraceConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Strict    bool   `yaml:"strict"`
	ExportURL string `yaml:"export_url"`
	ProjectID string `yaml:"project_id"`
	Token     string `yaml:"token"`
	BatchSize int    `yaml:"batch_size"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxIterations:           engine.DefaultMaxIterations,
			MaxModelSteps:           1,
			SendFinish:              true,
			EventIDPolicy:           string(engine.EventIDReuse),
			MaxParallelActions:      4,
			MaxConcurrentExecutions: 10,
			EventBufferSize:         100,
			RecoverStaleExecutions:  true,
		},
		Store: StoreConfig{Driver: DriverMemory},
		Log:   LogConfig{Level: "info", Format: "json"},
		HTTP:  HTTPConfig{Addr: ":8080"},
		Trace: TraceConfig{Enabled: true, BatchSize: 100},
	}
}

// Load returns the defaults overridden by environment variables.
func Load() (*Config, error) {
	cfg := Default()
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

// LoadFile reads a YAML document over the defaults and then applies
// environment overrides.
func LoadFile(path string) (*Config, error) {
	clean := filepath.Clean(strings.TrimSpace(path))
	data, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", clean, err)
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	c.Engine.MaxIterations = getEnvInt("MAX_ITERATIONS", c.Engine.MaxIterations)
	c.Engine.MaxModelSteps = getEnvInt("MAX_MODEL_STEPS", c.Engine.MaxModelSteps)
	c.Engine.SendFinish = getEnvBool("SEND_FINISH", c.Engine.SendFinish)
	c.Engine.RecoverStaleExecutions = getEnvBool("RECOVER_STALE_EXECUTIONS", c.Engine.RecoverStaleExecutions)
	c.Engine.PreventClose = getEnvBool("PREVENT_CLOSE", c.Engine.PreventClose)
	c.Engine.Silent = getEnvBool("SILENT", c.Engine.Silent)
	c.Engine.EventIDPolicy = getEnv("EVENT_ID_POLICY", c.Engine.EventIDPolicy)
	c.Engine.MaxParallelActions = getEnvInt("MAX_PARALLEL_ACTIONS", c.Engine.MaxParallelActions)
	c.Engine.MaxConcurrentExecutions = getEnvInt("MAX_CONCURRENT_EXECUTIONS", c.Engine.MaxConcurrentExecutions)
	c.Engine.EventBufferSize = getEnvInt("EVENT_BUFFER_SIZE", c.Engine.EventBufferSize)

	c.Store.Driver = getEnv("STORE_DRIVER", c.Store.Driver)
	c.Store.DSN = getEnv("STORE_DSN", c.Store.DSN)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)

	c.HTTP.Addr = getEnv("HTTP_ADDR", c.HTTP.Addr)

	c.Model.Provider = getEnv("MODEL_PROVIDER", c.Model.Provider)
	c.Model.Name = getEnv("MODEL_NAME", c.Model.Name)

	c.Trace.Enabled = getEnvBool("TRACE_ENABLED", c.Trace.Enabled)
	c.Trace.Strict = getEnvBool("TRACE_STRICT", c.Trace.Strict)
	c.Trace.ExportURL = getEnv("TRACE_EXPORT_URL", c.Trace.ExportURL)
	c.Trace.ProjectID = getEnv("TRACE_PROJECT_ID", c.Trace.ProjectID)
	c.Trace.Token = getEnv("TRACE_TOKEN", c.Trace.Token)
	c.Trace.BatchSize = getEnvInt("TRACE_BATCH_SIZE", c.Trace.BatchSize)

	c.PolicyFile = getEnv("POLICY_FILE", c.PolicyFile)
	c.DefinitionsFile = getEnv("DEFINITIONS_FILE", c.DefinitionsFile)
}

// Validate reports settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Engine.MaxIterations < 0 {
		errs = append(errs, errors.New("engine.max_iterations must not be negative"))
	}
	if c.Engine.MaxModelSteps < 0 {
		errs = append(errs, errors.New("engine.max_model_steps must not be negative"))
	}
	if _, err := engine.ParseEventIDPolicy(c.Engine.EventIDPolicy); err != nil {
		errs = append(errs, err)
	}
	if c.Store.Driver != DriverMemory {
		if _, err := sqlstore.DialectFor(c.Store.Driver); err != nil {
			errs = append(errs, err)
		} else if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver))
		}
	}
	switch c.Log.Format {
	case "json", "text", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	switch c.Model.Provider {
	case "", "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("unknown model provider %q", c.Model.Provider))
	}
	return errors.Join(errs...)
}

// EngineOptions maps the configuration onto engine options. Store, executor,
// trace recorder, metrics and logger are wired by the caller.
func (c *Config) EngineOptions() func(o *engine.Options) {
	policy, _ := engine.ParseEventIDPolicy(c.Engine.EventIDPolicy)
	return func(o *engine.Options) {
		o.MaxIterations = c.Engine.MaxIterations
		o.MaxModelSteps = c.Engine.MaxModelSteps
		o.SendFinish = c.Engine.SendFinish
		o.EventIDPolicy = policy
		o.RecoverStaleExecutions = c.Engine.RecoverStaleExecutions
	}
}

// ReactOptions returns the per-call stream defaults.
func (c *Config) ReactOptions() engine.ReactOptions {
	return engine.ReactOptions{
		PreventClose: c.Engine.PreventClose,
		Silent:       c.Engine.Silent,
	}
}

// LoggerConfig maps the log section onto a logging configuration.
func (c *Config) LoggerConfig() *logging.LoggerConfig {
	cfg := logging.DefaultLoggerConfig()
	cfg.Level = logging.ParseLevel(c.Log.Level)
	cfg.Format = c.Log.Format
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
