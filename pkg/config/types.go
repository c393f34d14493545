package config

import (
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/buildlauncher/pkg/engine"
)

// SettingsConfig is the settings file model as written in settings.cue.
type SettingsConfig struct {
	// RootProject configures the root project.
	RootProject ProjectConfig `json:"rootProject"`

	// Projects are the subprojects keyed by path, e.g. ":lib" or "lib:core".
	Projects map[string]ProjectConfig `json:"projects,omitempty" validate:"dive"`

	// IncludedBuilds are nested builds keyed by name.
	IncludedBuilds map[string]IncludedBuildConfig `json:"includedBuilds,omitempty" validate:"dive"`

	// DefaultProject is the path of the project bare task names prefer.
	DefaultProject string `json:"defaultProject,omitempty"`

	// DefaultTasks run when no tasks are requested.
	DefaultTasks []string `json:"defaultTasks,omitempty"`

	// Properties are visible to every build script.
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// ProjectConfig configures one project.
type ProjectConfig struct {
	// Name overrides the project name derived from its path.
	Name string `json:"name,omitempty"`

	// Dir is the project directory relative to the build root.
	Dir string `json:"dir,omitempty"`

	// BuildScript is a Starlark file relative to the project directory.
	BuildScript string `json:"buildScript,omitempty"`

	// Tasks are declarative tasks keyed by name.
	Tasks map[string]TaskConfig `json:"tasks,omitempty" validate:"dive"`
}

// TaskConfig declares a task in settings.
type TaskConfig struct {
	Description string   `json:"description,omitempty"`
	DependsOn   []string `json:"dependsOn,omitempty" validate:"dive,required"`

	// Script is a Starlark snippet run as the task action.
	Script string `json:"script,omitempty"`
}

// IncludedBuildConfig declares a nested build.
type IncludedBuildConfig struct {
	// Dir is the nested build root relative to the including build.
	Dir string `json:"dir" validate:"required"`
}

// ParsedSettings is the result of parsing a settings file.
type ParsedSettings struct {
	Settings   SettingsConfig    `json:"settings"`
	SourceFile string            `json:"source_file"`
	ParsedAt   time.Time         `json:"parsed_at"`
	Errors     []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the CUE path to the error (e.g., "projects.lib.tasks").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

// StarlarkResult represents the result of Starlark execution.
type StarlarkResult struct {
	// Output holds the exported globals of the script.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error is any error that occurred.
	Error string `json:"error,omitempty"`
}

// NormalizeProjectPath turns "lib", "lib:core" or ":lib" into ":lib" form.
func NormalizeProjectPath(key string) string {
	key = strings.Trim(key, engine.PathSeparator)
	return engine.PathSeparator + key
}

// ToSettings converts the settings model into the engine's settings for a
// build rooted at baseDir.
func (sc *SettingsConfig) ToSettings(baseDir, sourceFile string) *engine.Settings {
	rootName := sc.RootProject.Name
	if rootName == "" {
		rootName = filepath.Base(baseDir)
	}
	root := projectDescriptor(engine.RootProjectPath, rootName, baseDir, sc.RootProject)

	settings := &engine.Settings{
		RootProject:  root,
		Projects:     []*engine.ProjectDescriptor{root},
		DefaultTasks: append([]string(nil), sc.DefaultTasks...),
		SourceFile:   sourceFile,
		RootScope:    engine.NewScope("settings", nil, sc.Properties),
	}

	keys := make([]string, 0, len(sc.Projects))
	for key := range sc.Projects {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return NormalizeProjectPath(keys[i]) < NormalizeProjectPath(keys[j])
	})
	for _, key := range keys {
		pc := sc.Projects[key]
		path := NormalizeProjectPath(key)
		segments := strings.Split(strings.TrimPrefix(path, engine.PathSeparator), engine.PathSeparator)
		name := pc.Name
		if name == "" {
			name = segments[len(segments)-1]
		}
		dir := pc.Dir
		if dir == "" {
			dir = filepath.Join(segments...)
		}
		settings.Projects = append(settings.Projects, projectDescriptor(path, name, filepath.Join(baseDir, dir), pc))
	}

	if sc.DefaultProject != "" {
		want := NormalizeProjectPath(sc.DefaultProject)
		for _, p := range settings.Projects {
			if p.Path == want {
				settings.DefaultProject = p
			}
		}
	}

	names := make([]string, 0, len(sc.IncludedBuilds))
	for name := range sc.IncludedBuilds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		dir := sc.IncludedBuilds[name].Dir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(baseDir, dir)
		}
		settings.IncludedBuilds = append(settings.IncludedBuilds, engine.IncludedBuildSpec{Name: name, Dir: filepath.Clean(dir)})
	}

	return settings
}

func projectDescriptor(path, name, dir string, pc ProjectConfig) *engine.ProjectDescriptor {
	desc := &engine.ProjectDescriptor{
		Path:        path,
		Name:        name,
		Dir:         dir,
		BuildScript: pc.BuildScript,
	}
	taskNames := make([]string, 0, len(pc.Tasks))
	for n := range pc.Tasks {
		taskNames = append(taskNames, n)
	}
	sort.Strings(taskNames)
	for _, n := range taskNames {
		tc := pc.Tasks[n]
		desc.Tasks = append(desc.Tasks, engine.TaskSpec{
			Name:        n,
			Description: tc.Description,
			DependsOn:   tc.DependsOn,
			Script:      tc.Script,
		})
	}
	return desc
}
