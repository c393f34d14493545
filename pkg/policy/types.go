package policy

import (
	"sort"
	"time"

	"github.com/openfroyo/buildlauncher/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity fails the build in
// enforcing mode.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module producing violations in a "deny" set. Each element
// is a message string or an object with "message" and optional "subject"
// and "severity" fields.
type Policy struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Rego        string   `json:"rego"`
	Severity    Severity `json:"severity"`
	Enabled     bool     `json:"enabled"`
	Tags        []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is a single policy violation.
type Violation struct {
	Policy   string   `json:"policy"`
	Subject  string   `json:"subject,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating all enabled policies.
type Result struct {
	// Allowed is false if any violation is blocking.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`

	// Errors lists policies that could not be evaluated.
	Errors []string `json:"errors,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Blocking returns the violations that fail the build.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity.Blocking() {
			out = append(out, v)
		}
	}
	return out
}

// Input is the document policies are evaluated against.
type Input struct {
	Build          BuildInput           `json:"build"`
	Projects       []ProjectInput       `json:"projects"`
	IncludedBuilds []IncludedBuildInput `json:"included_builds"`
	DefaultTasks   []string             `json:"default_tasks"`
	Properties     map[string]string    `json:"properties"`
}

// BuildInput describes the build being configured.
type BuildInput struct {
	Name              string `json:"name"`
	Root              bool   `json:"root"`
	Parent            string `json:"parent,omitempty"`
	ProjectDir        string `json:"project_dir"`
	ConfigureOnDemand bool   `json:"configure_on_demand"`
}

// ProjectInput describes one project and the tasks registered so far.
type ProjectInput struct {
	Path        string      `json:"path"`
	Name        string      `json:"name"`
	Dir         string      `json:"dir"`
	BuildScript string      `json:"build_script,omitempty"`
	Configured  bool        `json:"configured"`
	Tasks       []TaskInput `json:"tasks"`
}

// TaskInput describes one task.
type TaskInput struct {
	Name                 string              `json:"name"`
	Path                 string              `json:"path"`
	DependsOn            []string            `json:"depends_on"`
	IncludedDependencies []IncludedReference `json:"included_dependencies"`
}

// IncludedReference is a dependency on a task of an included build.
type IncludedReference struct {
	Build string `json:"build"`
	Path  string `json:"path"`
}

// IncludedBuildInput describes an included build declared by settings.
type IncludedBuildInput struct {
	Name string `json:"name"`
	Dir  string `json:"dir"`
}

// NewInput builds the policy input from a loaded build.
func NewInput(build *engine.Build) *Input {
	in := &Input{
		Build: BuildInput{
			Name:              build.Name,
			Root:              build.IsRoot(),
			ProjectDir:        build.StartParameter.ProjectDir,
			ConfigureOnDemand: build.StartParameter.ConfigureOnDemand,
		},
		Projects:       []ProjectInput{},
		IncludedBuilds: []IncludedBuildInput{},
		DefaultTasks:   []string{},
		Properties:     map[string]string{},
	}
	if build.Parent != nil {
		in.Build.Parent = build.Parent.Name
	}

	if settings := build.Settings(); settings != nil {
		if settings.RootProject != nil && settings.RootProject.Dir != "" {
			in.Build.ProjectDir = settings.RootProject.Dir
		}
		for _, inc := range settings.IncludedBuilds {
			in.IncludedBuilds = append(in.IncludedBuilds, IncludedBuildInput{Name: inc.Name, Dir: inc.Dir})
		}
		in.DefaultTasks = append(in.DefaultTasks, settings.DefaultTasks...)
		if settings.RootScope != nil {
			for k, v := range settings.RootScope.Flatten() {
				if s, ok := v.(string); ok {
					in.Properties[k] = s
				}
			}
		}
	}

	for _, project := range build.Projects() {
		pi := ProjectInput{
			Path:       project.Path,
			Name:       project.Name,
			Dir:        project.Dir,
			Configured: project.Configured(),
			Tasks:      []TaskInput{},
		}
		if project.Descriptor != nil {
			pi.BuildScript = project.Descriptor.BuildScript
		}
		for _, task := range project.Tasks() {
			ti := TaskInput{
				Name:                 task.Name,
				Path:                 task.Path.String(),
				DependsOn:            []string{},
				IncludedDependencies: []IncludedReference{},
			}
			for _, dep := range task.DependsOn {
				ti.DependsOn = append(ti.DependsOn, dep.String())
			}
			for _, ref := range task.IncludedDependencies {
				ti.IncludedDependencies = append(ti.IncludedDependencies, IncludedReference{Build: ref.Build, Path: ref.Path.String()})
			}
			pi.Tasks = append(pi.Tasks, ti)
		}
		in.Projects = append(in.Projects, pi)
	}
	return in
}

func sortViolations(vs []Violation) {
	sort.SliceStable(vs, func(i, j int) bool {
		if vs[i].Policy != vs[j].Policy {
			return vs[i].Policy < vs[j].Policy
		}
		return vs[i].Message < vs[j].Message
	})
}
