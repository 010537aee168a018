// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable holding the config file path
// when --config is not given.
const EnvVar = "CODEX_SYNC_CONFIG"

// Config is the complete configuration of codex-sync.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Codex       CodexConfig       `yaml:"codex"`
	Actor       ActorConfig       `yaml:"actor"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Batch       BatchConfig       `yaml:"batch"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Log         LogConfig         `yaml:"log"`
}

// DatabaseConfig locates local state.
type DatabaseConfig struct {
	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// PoolSize is the number of SQLite connections.
	PoolSize int `yaml:"pool_size"`

	// CheckpointFile is where acknowledged stream cursors are written
	// after each batch. Empty disables the file.
	CheckpointFile string `yaml:"checkpoint_file"`
}

// CodexConfig describes how to launch the app-server.
type CodexConfig struct {
	// Bin is the codex executable. Empty falls back to $CODEX_BIN and
	// then to "codex" on PATH.
	Bin string `yaml:"bin"`

	// WorkingDirectory is the app-server's working directory.
	WorkingDirectory string `yaml:"working_directory"`

	// Env holds extra KEY=VALUE entries added to the inherited
	// environment.
	Env []string `yaml:"env"`
}

// ActorConfig is the identity every write is attributed to.
type ActorConfig struct {
	Tenant string `yaml:"tenant"`
	User   string `yaml:"user"`
	Device string `yaml:"device"`
}

// RuntimeConfig mirrors the ingestion runtime options.
type RuntimeConfig struct {
	SaveStreamDeltas          bool     `yaml:"save_stream_deltas"`
	ExposeRawReasoningDeltas  bool     `yaml:"expose_raw_reasoning_deltas"`
	MaxDeltasPerStreamRead    int      `yaml:"max_deltas_per_stream_read"`
	MaxDeltasPerRequestRead   int      `yaml:"max_deltas_per_request_read"`
	FinishedStreamDeleteDelay Duration `yaml:"finished_stream_delete_delay"`

	// PayloadCodec compresses stored payloads: none, lz4, or zstd.
	PayloadCodec string `yaml:"payload_codec"`
}

// BatchConfig controls how bridge events are grouped into ingest calls.
type BatchConfig struct {
	// MaxEvents flushes a thread's batch once it holds this many
	// events.
	MaxEvents int `yaml:"max_events"`

	// FlushInterval flushes non-empty batches at least this often.
	FlushInterval Duration `yaml:"flush_interval"`
}

// MaintenanceConfig controls the deferred task runner.
type MaintenanceConfig struct {
	// PollInterval is how often the runner looks for due tasks.
	PollInterval Duration `yaml:"poll_interval"`

	// MaxAttempts bounds retries of a failing task.
	MaxAttempts int `yaml:"max_attempts"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	// Format is "text" or "json".
	Format string `yaml:"format"`

	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`
}

// Duration is a time.Duration written as a Go duration string ("250ms",
// "5m") in config files.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"5m\": %w", node.Line, err)
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the base configuration that a config file is merged
// onto.
func Default() *Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "local"
	}
	return &Config{
		Database: DatabaseConfig{
			Path:           "${CODEX_SYNC_STATE:-${HOME}/.local/state/codex-sync}/codex-sync.db",
			PoolSize:       4,
			CheckpointFile: "${CODEX_SYNC_STATE:-${HOME}/.local/state/codex-sync}/checkpoints.cbor",
		},
		Actor: ActorConfig{
			Tenant: "local",
			User:   "local",
			Device: hostname,
		},
		Runtime: RuntimeConfig{
			MaxDeltasPerStreamRead:    100,
			MaxDeltasPerRequestRead:   1000,
			FinishedStreamDeleteDelay: Duration(5 * time.Minute),
			PayloadCodec:              "zstd",
		},
		Batch: BatchConfig{
			MaxEvents:     64,
			FlushInterval: Duration(250 * time.Millisecond),
		},
		Maintenance: MaintenanceConfig{
			PollInterval: Duration(time.Second),
			MaxAttempts:  5,
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// Load reads the file named by CODEX_SYNC_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; set it to the path of your config file, or use --config", EnvVar)
	}
	return LoadFile(path)
}

// LoadFile reads a YAML file, or a JSONC file when the extension is
// .json or .jsonc, over Default and expands variables in paths.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// Compact JSON is a YAML flow mapping, so one decoder and one
		// set of struct tags serve both formats.
		var compact bytes.Buffer
		if err := json.Compact(&compact, jsonc.ToJSON(data)); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
		data = compact.Bytes()
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.ExpandVariables()
	return cfg, nil
}

// ExpandVariables expands ${VAR} and ${VAR:-default} in path fields.
// Defaults may themselves contain variables.
func (c *Config) ExpandVariables() {
	c.Database.Path = expandVars(c.Database.Path)
	c.Database.CheckpointFile = expandVars(c.Database.CheckpointFile)
	c.Codex.Bin = expandVars(c.Codex.Bin)
	c.Codex.WorkingDirectory = expandVars(c.Codex.WorkingDirectory)
}

var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-((?:[^{}]|\{[^{}]*\})*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return expandVars(parts[2])
	})
}

var (
	payloadCodecs = []string{"none", "lz4", "zstd"}
	logFormats    = []string{"text", "json"}
	logLevels     = []string{"debug", "info", "warn", "error"}
)

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Database.PoolSize < 1 {
		errs = append(errs, errors.New("database.pool_size must be at least 1"))
	}

	if c.Actor.Tenant == "" {
		errs = append(errs, errors.New("actor.tenant is required"))
	}
	if c.Actor.User == "" {
		errs = append(errs, errors.New("actor.user is required"))
	}
	if c.Actor.Device == "" {
		errs = append(errs, errors.New("actor.device is required"))
	}

	if c.Runtime.MaxDeltasPerStreamRead < 0 {
		errs = append(errs, errors.New("runtime.max_deltas_per_stream_read must not be negative"))
	}
	if c.Runtime.MaxDeltasPerRequestRead < 0 {
		errs = append(errs, errors.New("runtime.max_deltas_per_request_read must not be negative"))
	}
	if c.Runtime.FinishedStreamDeleteDelay < 0 {
		errs = append(errs, errors.New("runtime.finished_stream_delete_delay must not be negative"))
	}
	if !slices.Contains(payloadCodecs, c.Runtime.PayloadCodec) {
		errs = append(errs, fmt.Errorf("runtime.payload_codec must be one of: %v", payloadCodecs))
	}

	if c.Batch.MaxEvents < 1 {
		errs = append(errs, errors.New("batch.max_events must be at least 1"))
	}
	if c.Batch.FlushInterval <= 0 {
		errs = append(errs, errors.New("batch.flush_interval must be positive"))
	}

	if c.Maintenance.PollInterval <= 0 {
		errs = append(errs, errors.New("maintenance.poll_interval must be positive"))
	}
	if c.Maintenance.MaxAttempts < 1 {
		errs = append(errs, errors.New("maintenance.max_attempts must be at least 1"))
	}

	if !slices.Contains(logFormats, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format must be one of: %v", logFormats))
	}
	if !slices.Contains(logLevels, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level must be one of: %v", logLevels))
	}

	return errors.Join(errs...)
}
