// Package config handles server configuration from environment variables
// with an optional YAML file underneath.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds configuration for both the continuous-testing server and the
// quick server. Values load from an optional YAML file first; environment
// variables override.
type Config struct {
	// Filesystem
	RootDir string `yaml:"rootDir"` // directory containing all repo working copies

	// Continuous-testing server
	Port       int  `yaml:"port"`
	LocalCount int  `yaml:"localCount"` // number of local worker loops
	UseRootDir bool `yaml:"useRootDir"` // serve the live tree as a single snapshot
	Snapshot   bool `yaml:"snapshot"`   // create new snapshots (false = serve restored state only)

	// Quick server
	QuickPort int `yaml:"quickPort"`

	// Git
	OriginBase string `yaml:"originBase"` // remote base URL, "<base>/<repo>.git"
	SelfRepo   string `yaml:"selfRepo"`   // our own repo, never reported stale

	// Notifications
	SlackWebhookURL string `yaml:"slackWebhookURL"`
	SlackChannel    string `yaml:"slackChannel"`

	// Execution
	ChildHeapMB    int           `yaml:"childHeapMB"` // node heap override for child processes
	CommandTimeout time.Duration `yaml:"commandTimeout"`

	// Cadences
	WeightInterval   time.Duration `yaml:"weightInterval"`
	ReportInterval   time.Duration `yaml:"reportInterval"`
	AutosaveInterval time.Duration `yaml:"autosaveInterval"`
	QuickIdleWait    time.Duration `yaml:"quickIdleWait"`
	WorkerIdleSleep  time.Duration `yaml:"workerIdleSleep"`

	// Bounds
	SnapshotRetainCount int `yaml:"snapshotRetainCount"` // snapshots kept in the list
	SnapshotLiveCount   int `yaml:"snapshotLiveCount"`   // snapshots kept on disk
	ReportSnapshotCap   int `yaml:"reportSnapshotCap"`   // snapshots walked per report

	LogLevel string `yaml:"logLevel"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		Port:                45366,
		QuickPort:           45367,
		Snapshot:            true,
		OriginBase:          "https://github.com/phetsims",
		SelfRepo:            "aqua",
		CommandTimeout:      time.Hour,
		WeightInterval:      30 * time.Second,
		ReportInterval:      5 * time.Second,
		AutosaveInterval:    5 * time.Minute,
		QuickIdleWait:       20 * time.Second,
		WorkerIdleSleep:     time.Second,
		SnapshotRetainCount: 70,
		SnapshotLiveCount:   3,
		ReportSnapshotCap:   100,
		LogLevel:            "info",
	}
}

// Load reads the optional YAML file named by AQUA_CONFIG and then applies
// environment overrides.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("AQUA_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if root := os.Getenv("AQUA_ROOT"); root != "" {
		c.RootDir = root
	}
	if c.RootDir == "" {
		// Default to the parent of the working directory, matching a checkout
		// where this server runs from <root>/aqua.
		wd, err := os.Getwd()
		if err != nil {
			return errors.New("AQUA_ROOT is required")
		}
		c.RootDir = filepath.Dir(wd)
	}

	var err error
	if c.Port, err = intEnv("AQUA_PORT", c.Port); err != nil {
		return err
	}
	if c.QuickPort, err = intEnv("AQUA_QUICK_PORT", c.QuickPort); err != nil {
		return err
	}
	if c.LocalCount, err = intEnv("AQUA_LOCAL_COUNT", c.LocalCount); err != nil {
		return err
	}
	if c.ChildHeapMB, err = intEnv("AQUA_CHILD_HEAP_MB", c.ChildHeapMB); err != nil {
		return err
	}
	if v := os.Getenv("AQUA_USE_ROOT_DIR"); v != "" {
		c.UseRootDir = v == "true" || v == "1"
	}
	if v := os.Getenv("AQUA_SNAPSHOT"); v != "" {
		c.Snapshot = v == "true" || v == "1"
	}
	if v := os.Getenv("AQUA_SLACK_WEBHOOK_URL"); v != "" {
		c.SlackWebhookURL = v
	}
	if v := os.Getenv("AQUA_SLACK_CHANNEL"); v != "" {
		c.SlackChannel = v
	}
	if v := os.Getenv("AQUA_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return nil
}

func intEnv(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number", name)
	}
	return n, nil
}

// Validate checks configuration for the continuous-testing server.
func (c *Config) Validate() error {
	if c.RootDir == "" {
		return errors.New("root directory is required")
	}
	if c.LocalCount <= 0 {
		return errors.New("localCount is required and must be positive")
	}
	if c.SnapshotLiveCount < 1 {
		return errors.New("snapshotLiveCount must be at least 1")
	}
	return nil
}

// ValidateQuick checks configuration for the quick server, which does not
// need worker loops.
func (c *Config) ValidateQuick() error {
	if c.RootDir == "" {
		return errors.New("root directory is required")
	}
	return nil
}

// Warnings returns non-fatal configuration notes worth logging at startup.
func (c *Config) Warnings() []string {
	var warnings []string
	if c.SlackWebhookURL == "" {
		warnings = append(warnings, "no Slack webhook configured; quick-test transitions will only be logged")
	}
	if c.UseRootDir {
		warnings = append(warnings, "root-dir mode: snapshots are not copied and state is not persisted")
	}
	return warnings
}

// DataDir returns the directory holding the newline-delimited repo lists.
func (c *Config) DataDir() string {
	return filepath.Join(c.RootDir, "perennial", "data")
}

// StatePath returns the persistence checkpoint path.
func (c *Config) StatePath() string {
	return filepath.Join(c.RootDir, "aqua", ".continuous-testing-state.json")
}

// HistoryPath returns the dispatch-history database path.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.RootDir, "aqua", "ct-history.db")
}

// SnapshotBaseDir returns the directory under which snapshots are created.
func (c *Config) SnapshotBaseDir() string {
	return filepath.Join(c.RootDir, "ct-snapshots")
}
