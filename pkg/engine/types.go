package engine

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// StartParameter holds the invocation options of a build.
type StartParameter struct {
	// TaskNames are the tasks requested on the command line. Names may be
	// absolute paths (":lib:compile") or bare names matched in every project.
	TaskNames []string `json:"task_names,omitempty"`

	// ConfigureOnDemand defers project configuration until a project is
	// needed for task selection.
	ConfigureOnDemand bool `json:"configure_on_demand"`

	// ContinueOnFailure keeps executing independent tasks after a failure.
	ContinueOnFailure bool `json:"continue_on_failure"`

	// DryRun selects tasks but skips their actions.
	DryRun bool `json:"dry_run"`

	// InitScripts are script files evaluated before settings.
	InitScripts []string `json:"init_scripts,omitempty"`

	// ProjectDir is the root directory of the build.
	ProjectDir string `json:"project_dir"`

	// SettingsFile overrides the settings file location.
	SettingsFile string `json:"settings_file,omitempty"`

	// MaxWorkers bounds task execution parallelism.
	MaxWorkers int `json:"max_workers"`
}

// ForIncludedBuild derives the start parameter of a nested build rooted at
// dir. Execution flags carry over; requested tasks and init scripts do not.
// Nested builds are always configured eagerly because their tasks are
// looked up by path once configuration finished.
func (p StartParameter) ForIncludedBuild(dir string) StartParameter {
	return StartParameter{
		ContinueOnFailure: p.ContinueOnFailure,
		DryRun:            p.DryRun,
		ProjectDir:        dir,
		MaxWorkers:        p.MaxWorkers,
	}
}

// Settings is the result of settings evaluation.
type Settings struct {
	// RootProject describes the root project of the build.
	RootProject *ProjectDescriptor `json:"root_project"`

	// DefaultProject is the project bare task names resolve against first.
	DefaultProject *ProjectDescriptor `json:"default_project"`

	// Projects lists every project of the build, root first.
	Projects []*ProjectDescriptor `json:"projects"`

	// IncludedBuilds lists nested builds participating in this build.
	IncludedBuilds []IncludedBuildSpec `json:"included_builds,omitempty"`

	// DefaultTasks are selected when no task names are requested.
	DefaultTasks []string `json:"default_tasks,omitempty"`

	// RootScope is the variable scope shared by all project scripts.
	RootScope *Scope `json:"-"`

	// SourceFile is the settings file the model was read from.
	SourceFile string `json:"source_file,omitempty"`
}

// ProjectDescriptor describes a project before it is loaded.
type ProjectDescriptor struct {
	Path        string     `json:"path"`
	Name        string     `json:"name"`
	Dir         string     `json:"dir"`
	BuildScript string     `json:"build_script,omitempty"`
	Tasks       []TaskSpec `json:"tasks,omitempty"`
}

// TaskSpec is a declarative task definition.
type TaskSpec struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Script      string   `json:"script,omitempty"`
}

// IncludedBuildSpec declares a nested build.
type IncludedBuildSpec struct {
	Name string `json:"name"`
	Dir  string `json:"dir"`
}

// Scope is a chain of variable bindings. Lookups walk to the parent when a
// name is not bound locally.
type Scope struct {
	ID        string
	Parent    *Scope
	mu        sync.RWMutex
	variables map[string]interface{}
}

// NewScope creates a scope whose lookups fall back to parent.
func NewScope(id string, parent *Scope, vars map[string]interface{}) *Scope {
	copied := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		copied[k] = v
	}
	return &Scope{ID: id, Parent: parent, variables: copied}
}

// Lookup resolves a variable through the scope chain.
func (s *Scope) Lookup(name string) (interface{}, bool) {
	for cur := s; cur != nil; cur = cur.Parent {
		cur.mu.RLock()
		v, ok := cur.variables[name]
		cur.mu.RUnlock()
		if ok {
			return v, true
		}
	}
	return nil, false
}

// Set binds a variable in this scope.
func (s *Scope) Set(name string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.variables[name] = value
}

// Flatten returns every visible binding, innermost scope winning.
func (s *Scope) Flatten() map[string]interface{} {
	var chain []*Scope
	for cur := s; cur != nil; cur = cur.Parent {
		chain = append(chain, cur)
	}
	out := make(map[string]interface{})
	for i := len(chain) - 1; i >= 0; i-- {
		chain[i].mu.RLock()
		for k, v := range chain[i].variables {
			out[k] = v
		}
		chain[i].mu.RUnlock()
	}
	return out
}

// TaskContext is handed to a task action while it runs.
type TaskContext struct {
	Build  *Build
	Stdout io.Writer
	Stderr io.Writer
	Logger zerolog.Logger
}

// TaskAction is the work performed by a task.
type TaskAction interface {
	Execute(ctx context.Context, tc TaskContext, task *Task) error
}

// TaskActionFunc adapts a function to TaskAction.
type TaskActionFunc func(ctx context.Context, tc TaskContext, task *Task) error

// Execute implements TaskAction.
func (f TaskActionFunc) Execute(ctx context.Context, tc TaskContext, task *Task) error {
	return f(ctx, tc, task)
}

// Task is a schedulable unit of work owned by a project.
type Task struct {
	Path        TaskPath `json:"path"`
	Name        string   `json:"name"`
	Project     string   `json:"project"`
	Description string   `json:"description,omitempty"`

	// DependsOn lists tasks of the same build that must complete first.
	DependsOn []TaskPath `json:"depends_on,omitempty"`

	// IncludedDependencies lists tasks of nested builds that must complete
	// before this task runs.
	IncludedDependencies []TaskReference `json:"included_dependencies,omitempty"`

	Action TaskAction `json:"-"`
}

// NewTask creates a task in the given project from a declarative spec.
func NewTask(projectPath string, spec TaskSpec, action TaskAction) (*Task, error) {
	task := &Task{
		Path:        NewTaskPath(projectPath, spec.Name),
		Name:        spec.Name,
		Project:     projectPath,
		Description: spec.Description,
		Action:      action,
	}
	for _, raw := range spec.DependsOn {
		local, ref, err := ParseDependency(projectPath, raw)
		if err != nil {
			return nil, err
		}
		if ref != nil {
			task.IncludedDependencies = append(task.IncludedDependencies, *ref)
			continue
		}
		task.DependsOn = append(task.DependsOn, local)
	}
	return task, nil
}

// Project is a loaded project of a build.
type Project struct {
	Path       string
	Name       string
	Dir        string
	Descriptor *ProjectDescriptor

	mu         sync.RWMutex
	tasks      map[string]*Task
	taskOrder  []string
	configured bool
}

// NewProject creates an unconfigured project from its descriptor.
func NewProject(desc *ProjectDescriptor) *Project {
	return &Project{
		Path:       desc.Path,
		Name:       desc.Name,
		Dir:        desc.Dir,
		Descriptor: desc,
		tasks:      make(map[string]*Task),
	}
}

// AddTask registers a task. Task names are unique per project.
func (p *Project) AddTask(task *Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.tasks[task.Name]; exists {
		return NewConfigurationError(fmt.Sprintf("task %q already exists in project %s", task.Name, p.Path), nil).
			WithCode(ErrCodeAlreadyExists).
			WithTask(task.Path)
	}
	p.tasks[task.Name] = task
	p.taskOrder = append(p.taskOrder, task.Name)
	return nil
}

// Task returns the task with the given name.
func (p *Project) Task(name string) (*Task, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.tasks[name]
	return t, ok
}

// Tasks returns the project's tasks in registration order.
func (p *Project) Tasks() []*Task {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Task, 0, len(p.taskOrder))
	for _, name := range p.taskOrder {
		out = append(out, p.tasks[name])
	}
	return out
}

// MarkConfigured flags the project as configured and reports whether this
// call performed the transition.
func (p *Project) MarkConfigured() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.configured {
		return false
	}
	p.configured = true
	return true
}

// Configured reports whether the project has been configured.
func (p *Project) Configured() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.configured
}

// Build is the mutable model of one build invocation.
type Build struct {
	ID             string
	Name           string
	StartParameter StartParameter
	Parent         *Build
	CreatedAt      time.Time

	listeners *ListenerSet
	graph     *TaskGraph

	mu             sync.RWMutex
	settings       *Settings
	rootProject    *Project
	defaultProject *Project
	projects       map[string]*Project
	projectOrder   []string
	properties     map[string]interface{}
}

// NewBuild creates a root build.
func NewBuild(name string, params StartParameter) *Build {
	return &Build{
		ID:             uuid.New().String(),
		Name:           name,
		StartParameter: params,
		CreatedAt:      time.Now(),
		listeners:      NewListenerSet(),
		graph:          NewTaskGraph(),
		projects:       make(map[string]*Project),
		properties:     make(map[string]interface{}),
	}
}

// NewNestedBuild creates a build included by parent.
func NewNestedBuild(parent *Build, spec IncludedBuildSpec) *Build {
	b := NewBuild(spec.Name, parent.StartParameter.ForIncludedBuild(spec.Dir))
	b.Parent = parent
	return b
}

// IsRoot reports whether the build is the top-level build of the tree.
func (b *Build) IsRoot() bool {
	return b.Parent == nil
}

// Listeners returns the build's listener set.
func (b *Build) Listeners() *ListenerSet {
	return b.listeners
}

// TaskGraph returns the build's task graph.
func (b *Build) TaskGraph() *TaskGraph {
	return b.graph
}

// Settings returns the evaluated settings, or nil before evaluation.
func (b *Build) Settings() *Settings {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.settings
}

// SetSettings records the evaluated settings.
func (b *Build) SetSettings(s *Settings) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settings = s
}

// SetProjects installs the loaded project hierarchy.
func (b *Build) SetProjects(root, defaultProject *Project, all []*Project) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rootProject = root
	b.defaultProject = defaultProject
	b.projects = make(map[string]*Project, len(all))
	b.projectOrder = b.projectOrder[:0]
	for _, p := range all {
		b.projects[p.Path] = p
		b.projectOrder = append(b.projectOrder, p.Path)
	}
}

// RootProject returns the root project, or nil before projects are loaded.
func (b *Build) RootProject() *Project {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rootProject
}

// DefaultProject returns the default project.
func (b *Build) DefaultProject() *Project {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.defaultProject
}

// Project returns the project at path.
func (b *Build) Project(path string) (*Project, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.projects[path]
	return p, ok
}

// Projects returns all projects, root first, in load order.
func (b *Build) Projects() []*Project {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Project, 0, len(b.projectOrder))
	for _, path := range b.projectOrder {
		out = append(out, b.projects[path])
	}
	return out
}

// FindTask resolves an absolute task path.
func (b *Build) FindTask(path TaskPath) (*Task, bool) {
	project, ok := b.Project(path.ProjectPath())
	if !ok {
		return nil, false
	}
	return project.Task(path.Name())
}

// SetProperty stores a build-wide property visible to scripts.
func (b *Build) SetProperty(name string, value interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.properties[name] = value
}

// Property returns a build-wide property.
func (b *Build) Property(name string) (interface{}, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.properties[name]
	return v, ok
}

// Properties returns a copy of all build-wide properties.
func (b *Build) Properties() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]interface{}, len(b.properties))
	for k, v := range b.properties {
		out[k] = v
	}
	return out
}

// PropertyNames returns the sorted property names.
func (b *Build) PropertyNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.properties))
	for k := range b.properties {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// BuildResult is the outcome of one launcher invocation.
type BuildResult struct {
	Build   *Build
	Failure error
}

// Succeeded reports whether the invocation completed without failure.
func (r BuildResult) Succeeded() bool {
	return r.Failure == nil
}
