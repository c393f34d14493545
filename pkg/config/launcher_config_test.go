package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadLauncherConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "launcher.yaml", `
build:
  continue_on_failure: true
  max_workers: 8
  init_scripts: [ci.star]
  script_timeout: 5s
telemetry:
  logging:
    level: debug
    format: json
history:
  enabled: true
  path: history.db
policy:
  mode: advisory
`)

	cfg, err := LoadLauncherConfig(path, false)
	if err != nil {
		t.Fatalf("LoadLauncherConfig() error = %v", err)
	}

	if !cfg.Build.ContinueOnFailure || cfg.Build.MaxWorkers != 8 || cfg.Build.ScriptTimeout != 5*time.Second {
		t.Errorf("unexpected build defaults %+v", cfg.Build)
	}
	if cfg.Telemetry.Logging.Level != "debug" || cfg.Telemetry.Logging.Format != "json" {
		t.Errorf("unexpected logging config %+v", cfg.Telemetry.Logging)
	}
	if cfg.Telemetry.ServiceName != "buildlauncher" {
		t.Errorf("expected defaults to survive, got service name %q", cfg.Telemetry.ServiceName)
	}
	if !cfg.History.Enabled || cfg.History.Path != "history.db" {
		t.Errorf("unexpected history config %+v", cfg.History)
	}
	if !cfg.Policy.Enabled || cfg.Policy.Mode != "advisory" {
		t.Errorf("unexpected policy config %+v", cfg.Policy)
	}

	params := cfg.StartParameter("/work/app", []string{"build"})
	if diff := cmp.Diff([]string{"ci.star"}, params.InitScripts); diff != "" {
		t.Errorf("init scripts mismatch (-want +got):\n%s", diff)
	}
	if params.MaxWorkers != 8 || !params.ContinueOnFailure || params.ProjectDir != "/work/app" {
		t.Errorf("unexpected start parameter %+v", params)
	}
}

func TestLoadLauncherConfig_Errors(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		optional bool
		wantErr  bool
	}{
		{name: "missing optional file", optional: true},
		{name: "missing required file", wantErr: true},
		{name: "invalid policy mode", content: "policy:\n  mode: strict\n", wantErr: true},
		{name: "history without path", content: "history:\n  enabled: true\n  path: \"\"\n", wantErr: true},
		{name: "negative workers", content: "build:\n  max_workers: -1\n", wantErr: true},
		{name: "bad log level", content: "telemetry:\n  logging:\n    level: loud\n", wantErr: true},
		{name: "malformed yaml", content: "build: [", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "launcher.yaml")
			if tt.content != "" {
				writeFile(t, dir, "launcher.yaml", tt.content)
			}

			cfg, err := LoadLauncherConfig(path, tt.optional)
			if (err != nil) != tt.wantErr {
				t.Fatalf("LoadLauncherConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && cfg.Build.MaxWorkers != 4 {
				t.Errorf("expected defaults, got %+v", cfg.Build)
			}
		})
	}
}
