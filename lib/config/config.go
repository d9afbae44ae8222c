// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for Chisel's execution core.
type Config struct {
	// WorkspaceName is the final path component of every execution
	// root: <sandbox_base>/<id>/execroot/<workspace_name>/...
	WorkspaceName string `yaml:"workspace_name"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Workers configures the persistent worker pool.
	Workers WorkersConfig `yaml:"workers"`

	// Spawn configures per-spawn execution behavior.
	Spawn SpawnConfig `yaml:"spawn"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for Chisel data.
	Root string `yaml:"root"`

	// SandboxBase is where per-spawn sandbox directories are created.
	// Each spawn gets <sandbox_base>/<id>/execroot/<workspace_name>.
	SandboxBase string `yaml:"sandbox_base"`

	// WorkerWorkDirs is where persistent worker work directories live.
	// Reused across requests to the same worker.
	WorkerWorkDirs string `yaml:"worker_work_dirs"`
}

// WorkersConfig configures the persistent worker pool.
type WorkersConfig struct {
	// MaxInstancesPerKey caps concurrent worker processes per worker
	// key. Borrow blocks when the cap is reached. Default: 4.
	MaxInstancesPerKey int `yaml:"max_instances_per_key"`

	// MaxRequestsPerWorker retires a worker after this many requests
	// (mortality policy). Zero means no limit.
	MaxRequestsPerWorker int `yaml:"max_requests_per_worker"`

	// MemoryEvictionFloorMB triggers idle-worker eviction when host
	// MemAvailable drops below this many megabytes. Zero disables
	// memory-based eviction.
	MemoryEvictionFloorMB int `yaml:"memory_eviction_floor_mb"`

	// EvictionInterval is how often the pool checks memory pressure,
	// as a Go duration string. Default: 10s.
	EvictionInterval string `yaml:"eviction_interval"`

	// MaxFrameSizeBytes bounds a single protocol frame read from a
	// worker. Frames beyond this are treated as poisoning.
	// Default: 64 MiB.
	MaxFrameSizeBytes int `yaml:"max_frame_size_bytes"`
}

// SpawnConfig configures per-spawn execution behavior.
type SpawnConfig struct {
	// DefaultTimeout applies when a spawn declares no timeout, as a
	// Go duration string. Default: 5m.
	DefaultTimeout string `yaml:"default_timeout"`

	// TerminationGrace is how long after SIGTERM the runner waits
	// before SIGKILL, as a Go duration string. Default: 5s.
	TerminationGrace string `yaml:"termination_grace"`

	// CopyInsteadOfSymlink stages sandbox inputs as physical copies
	// rather than symlinks. For filesystems and platforms without
	// reliable symlink semantics. Default: false.
	CopyInsteadOfSymlink bool `yaml:"copy_instead_of_symlink"`

	// AsyncTreeDeletion deletes finished sandbox trees on a
	// background goroutine instead of inline. Default: true.
	AsyncTreeDeletion bool `yaml:"async_tree_deletion"`
}

// Default returns the default configuration. These defaults are used
// as a base before loading the config file; the config file is still
// required for the binaries.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "chisel")

	return &Config{
		WorkspaceName: "workspace",
		Paths: PathsConfig{
			Root:           defaultRoot,
			SandboxBase:    filepath.Join(defaultRoot, "sandboxes"),
			WorkerWorkDirs: filepath.Join(defaultRoot, "workers"),
		},
		Workers: WorkersConfig{
			MaxInstancesPerKey: 4,
			EvictionInterval:   "10s",
			MaxFrameSizeBytes:  64 << 20,
		},
		Spawn: SpawnConfig{
			DefaultTimeout:    "5m",
			TerminationGrace:  "5s",
			AsyncTreeDeletion: true,
		},
	}
}

// Load loads configuration from the CHISEL_CONFIG environment
// variable. There are no fallbacks — if CHISEL_CONFIG is not set,
// this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("CHISEL_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("CHISEL_CONFIG environment variable not set; " +
			"set it to the path of your chisel.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. The config
// file is the single source of truth. Environment variables do not
// override config values; the only expansion performed is ${HOME} and
// similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	cfg.expandVariables()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field ranges and duration syntax.
func (c *Config) Validate() error {
	if c.WorkspaceName == "" {
		return fmt.Errorf("workspace_name must not be empty")
	}
	if c.Workers.MaxInstancesPerKey < 1 {
		return fmt.Errorf("workers.max_instances_per_key must be at least 1, got %d", c.Workers.MaxInstancesPerKey)
	}
	if c.Workers.MaxFrameSizeBytes < 1 {
		return fmt.Errorf("workers.max_frame_size_bytes must be positive, got %d", c.Workers.MaxFrameSizeBytes)
	}
	for name, value := range map[string]string{
		"workers.eviction_interval": c.Workers.EvictionInterval,
		"spawn.default_timeout":     c.Spawn.DefaultTimeout,
		"spawn.termination_grace":   c.Spawn.TerminationGrace,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// EvictionInterval returns the parsed workers.eviction_interval.
// Validate must have succeeded.
func (c *Config) EvictionInterval() time.Duration {
	return mustDuration(c.Workers.EvictionInterval)
}

// DefaultTimeout returns the parsed spawn.default_timeout. Validate
// must have succeeded.
func (c *Config) DefaultTimeout() time.Duration {
	return mustDuration(c.Spawn.DefaultTimeout)
}

// TerminationGrace returns the parsed spawn.termination_grace.
// Validate must have succeeded.
func (c *Config) TerminationGrace() time.Duration {
	return mustDuration(c.Spawn.TerminationGrace)
}

func mustDuration(value string) time.Duration {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		panic("config: duration not validated: " + value)
	}
	return parsed
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// path fields.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"CHISEL_ROOT": c.Paths.Root,
		"HOME":        os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["CHISEL_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.SandboxBase = expandVars(c.Paths.SandboxBase, vars)
	c.Paths.WorkerWorkDirs = expandVars(c.Paths.WorkerWorkDirs, vars)
}

// variablePattern matches ${VAR} and ${VAR:-default}.
var variablePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} using the given
// variable map. Unknown variables without a default expand to the
// empty string.
func expandVars(input string, vars map[string]string) string {
	return variablePattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := variablePattern.FindStringSubmatch(match)
		name, fallback := groups[1], groups[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		return fallback
	})
}
