package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/buildlauncher/pkg/engine"
	"github.com/openfroyo/buildlauncher/pkg/telemetry"
)

// LauncherConfig is the launcher's own configuration file.
type LauncherConfig struct {
	// Build holds defaults for the start parameter.
	Build BuildDefaults `yaml:"build"`

	// Telemetry configures logging, tracing, metrics and events.
	Telemetry *telemetry.Config `yaml:"telemetry"`

	// History configures the build history database.
	History HistoryConfig `yaml:"history"`

	// Policy configures settings policies.
	Policy PolicyConfig `yaml:"policy"`
}

// BuildDefaults are start parameter defaults, overridden by CLI flags.
type BuildDefaults struct {
	ConfigureOnDemand bool          `yaml:"configure_on_demand"`
	ContinueOnFailure bool          `yaml:"continue_on_failure"`
	MaxWorkers        int           `yaml:"max_workers" validate:"gte=0,lte=256"`
	InitScripts       []string      `yaml:"init_scripts,omitempty"`
	ScriptTimeout     time.Duration `yaml:"script_timeout"`

	// MaxParallelBuilds bounds how many included builds are awaited at once.
	MaxParallelBuilds int `yaml:"max_parallel_builds" validate:"gte=0"`
}

// HistoryConfig configures the build history database.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required_if=Enabled true"`
}

// PolicyConfig configures settings policies.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled"`

	// Dir holds additional .rego policies loaded next to the built-in ones.
	Dir string `yaml:"dir,omitempty"`

	// Mode is "enforcing" (violations fail the build) or "advisory".
	Mode string `yaml:"mode" validate:"omitempty,oneof=advisory enforcing"`
}

// DefaultLauncherConfig returns the configuration used without a file.
func DefaultLauncherConfig() *LauncherConfig {
	tel := telemetry.DefaultConfig()
	tel.Tracing.Enabled = false
	tel.Metrics.Enabled = false
	tel.Events.Enabled = false

	return &LauncherConfig{
		Build: BuildDefaults{
			MaxWorkers:    4,
			ScriptTimeout: 30 * time.Second,
		},
		Telemetry: tel,
		History: HistoryConfig{
			Enabled: false,
			Path:    ".buildlauncher/history.db",
		},
		Policy: PolicyConfig{
			Enabled: true,
			Mode:    "enforcing",
		},
	}
}

// LoadLauncherConfig reads a YAML config file over the defaults. A missing
// file yields the defaults when optional is true.
func LoadLauncherConfig(path string, optional bool) (*LauncherConfig, error) {
	cfg := DefaultLauncherConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *LauncherConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
	}
	return nil
}

// StartParameter applies the build defaults to a start parameter.
func (c *LauncherConfig) StartParameter(projectDir string, tasks []string) engine.StartParameter {
	return engine.StartParameter{
		TaskNames:         tasks,
		ConfigureOnDemand: c.Build.ConfigureOnDemand,
		ContinueOnFailure: c.Build.ContinueOnFailure,
		InitScripts:       append([]string(nil), c.Build.InitScripts...),
		ProjectDir:        projectDir,
		MaxWorkers:        c.Build.MaxWorkers,
	}
}
