package config

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/buildlauncher/pkg/engine"
)

func TestCUEParser_ParseInline(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	tests := []struct {
		name      string
		content   string
		errCount  int
		checkFunc func(*testing.T, *ParsedSettings)
	}{
		{
			name: "valid settings",
			content: `
rootProject: name: "app"
projects: {
	":lib": {buildScript: "build.star"}
	"cli": tasks: run: {dependsOn: [":lib:jar"], script: "print('hi')"}
}
includedBuilds: plugins: dir: "../plugins"
defaultTasks: ["run"]
properties: version: "1.2.0"
`,
			checkFunc: func(t *testing.T, ps *ParsedSettings) {
				s := ps.Settings
				if s.RootProject.Name != "app" {
					t.Errorf("expected root name 'app', got %s", s.RootProject.Name)
				}
				if len(s.Projects) != 2 {
					t.Errorf("expected 2 projects, got %d", len(s.Projects))
				}
				if s.IncludedBuilds["plugins"].Dir != "../plugins" {
					t.Errorf("unexpected included builds %v", s.IncludedBuilds)
				}
				if s.Properties["version"] != "1.2.0" {
					t.Errorf("unexpected properties %v", s.Properties)
				}
			},
		},
		{
			name:     "invalid CUE syntax",
			content:  "rootProject: {name: \"app\"\n",
			errCount: 1,
		},
		{
			name:     "included build without dir",
			content:  `includedBuilds: plugins: {}`,
			errCount: 1,
		},
		{
			name:     "unknown field",
			content:  `rootProjects: name: "app"`,
			errCount: 1,
		},
		{
			name:     "invalid task name",
			content:  `rootProject: tasks: "a b": {}`,
			errCount: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ps, err := parser.ParseInline(ctx, tt.content)
			if err != nil {
				t.Fatalf("ParseInline() error = %v", err)
			}
			if tt.errCount == 0 && len(ps.Errors) > 0 {
				t.Fatalf("unexpected errors: %v", ps.Errors)
			}
			if tt.errCount > 0 && len(ps.Errors) < tt.errCount {
				t.Errorf("expected at least %d errors, got %d", tt.errCount, len(ps.Errors))
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, ps)
			}
		})
	}
}

func TestCUEParser_ErrorPositions(t *testing.T) {
	parser := NewCUEParser()
	ps, err := parser.ParseInline(context.Background(), "rootProject: name: \"app\"\nrootProject: name: 3\n")
	if err != nil {
		t.Fatal(err)
	}
	if len(ps.Errors) == 0 {
		t.Fatal("expected a conflict error")
	}
	if ps.Errors[0].Line == 0 {
		t.Errorf("expected a line number, got %+v", ps.Errors[0])
	}
	if err := FormatErrors(ps.Errors); err == nil || !strings.Contains(err.Error(), "inline") {
		t.Errorf("expected formatted error with file name, got %v", err)
	}
}

func TestSettingsConfig_ToSettings(t *testing.T) {
	sc := SettingsConfig{
		RootProject: ProjectConfig{Tasks: map[string]TaskConfig{
			"build": {DependsOn: []string{":lib:jar"}},
			"clean": {},
		}},
		Projects: map[string]ProjectConfig{
			"lib:core": {},
			":lib":     {Dir: "library"},
		},
		IncludedBuilds: map[string]IncludedBuildConfig{
			"zeta":    {Dir: "../zeta"},
			"plugins": {Dir: "/abs/plugins"},
		},
		DefaultProject: "lib",
		Properties:     map[string]interface{}{"version": "1.0"},
	}

	s := sc.ToSettings("/work/app", "/work/app/settings.cue")

	if s.RootProject.Name != "app" || s.RootProject.Path != engine.RootProjectPath {
		t.Errorf("unexpected root project %+v", s.RootProject)
	}
	var paths, dirs []string
	for _, p := range s.Projects {
		paths = append(paths, p.Path)
		dirs = append(dirs, p.Dir)
	}
	if diff := cmp.Diff([]string{":", ":lib", ":lib:core"}, paths); diff != "" {
		t.Errorf("project paths mismatch (-want +got):\n%s", diff)
	}
	wantDirs := []string{"/work/app", filepath.Join("/work/app", "library"), filepath.Join("/work/app", "lib", "core")}
	if diff := cmp.Diff(wantDirs, dirs); diff != "" {
		t.Errorf("project dirs mismatch (-want +got):\n%s", diff)
	}
	if s.DefaultProject == nil || s.DefaultProject.Path != ":lib" {
		t.Errorf("expected default project :lib, got %+v", s.DefaultProject)
	}

	wantIncluded := []engine.IncludedBuildSpec{
		{Name: "plugins", Dir: "/abs/plugins"},
		{Name: "zeta", Dir: "/work/zeta"},
	}
	if diff := cmp.Diff(wantIncluded, s.IncludedBuilds); diff != "" {
		t.Errorf("included builds mismatch (-want +got):\n%s", diff)
	}

	var taskNames []string
	for _, ts := range s.RootProject.Tasks {
		taskNames = append(taskNames, ts.Name)
	}
	if diff := cmp.Diff([]string{"build", "clean"}, taskNames); diff != "" {
		t.Errorf("task order mismatch (-want +got):\n%s", diff)
	}
	if v, ok := s.RootScope.Lookup("version"); !ok || v != "1.0" {
		t.Errorf("expected version property in root scope, got %v", v)
	}
}

func TestSchemaRegistry(t *testing.T) {
	sr := NewSchemaRegistry()

	if diff := cmp.Diff([]string{"includedBuild", "project", "settings", "task"}, sr.ListSchemas()); diff != "" {
		t.Errorf("schemas mismatch (-want +got):\n%s", diff)
	}
	if err := sr.ValidateTask(context.Background(), TaskConfig{DependsOn: []string{"compile"}}); err != nil {
		t.Errorf("expected valid task, got %v", err)
	}
	if err := sr.ValidateTask(context.Background(), TaskConfig{DependsOn: []string{""}}); err == nil {
		t.Error("expected empty dependency to be rejected")
	}
	if err := sr.RegisterSchema("custom", `#Other: {}`); err == nil {
		t.Error("expected schema without matching definition to be rejected")
	}
}
