package engine

import (
	"fmt"
	"strings"
)

// PathSeparator separates project and task segments in a path.
const PathSeparator = ":"

// RootProjectPath is the path of the root project of every build.
const RootProjectPath = ":"

// TaskPath is the absolute path of a task within one build, such as
// ":lib:compile" or ":assemble".
type TaskPath string

// ParseTaskPath validates an absolute task path.
func ParseTaskPath(raw string) (TaskPath, error) {
	if !strings.HasPrefix(raw, PathSeparator) {
		return "", NewConfigurationError(fmt.Sprintf("task path %q must be absolute", raw), nil).
			WithCode(ErrCodeValidation)
	}
	segments := strings.Split(strings.TrimPrefix(raw, PathSeparator), PathSeparator)
	for _, segment := range segments {
		if segment == "" {
			return "", NewConfigurationError(fmt.Sprintf("task path %q has an empty segment", raw), nil).
				WithCode(ErrCodeValidation)
		}
	}
	return TaskPath(raw), nil
}

// NewTaskPath joins a project path and a task name.
func NewTaskPath(projectPath, name string) TaskPath {
	if projectPath == RootProjectPath || projectPath == "" {
		return TaskPath(PathSeparator + name)
	}
	return TaskPath(projectPath + PathSeparator + name)
}

// Name returns the last segment of the path.
func (p TaskPath) Name() string {
	s := string(p)
	return s[strings.LastIndex(s, PathSeparator)+1:]
}

// ProjectPath returns the path of the project owning the task.
func (p TaskPath) ProjectPath() string {
	s := string(p)
	idx := strings.LastIndex(s, PathSeparator)
	if idx <= 0 {
		return RootProjectPath
	}
	return s[:idx]
}

// String implements fmt.Stringer.
func (p TaskPath) String() string {
	return string(p)
}

// TaskReference identifies a task inside a named nested build.
type TaskReference struct {
	Build string   `json:"build"`
	Path  TaskPath `json:"path"`
}

// String renders the reference as "<build>:<path>", e.g. "plugins:compile".
func (r TaskReference) String() string {
	return r.Build + string(r.Path)
}

// ParseDependency resolves a dependency declared by a task in projectPath.
//
//	"compile"        task in the same project
//	":lib:compile"   absolute task in the same build
//	"plugins:jar"    task ":jar" of the included build "plugins"
//	"plugins:a:jar"  task ":a:jar" of the included build "plugins"
func ParseDependency(projectPath, raw string) (TaskPath, *TaskReference, error) {
	if raw == "" {
		return "", nil, NewConfigurationError("empty task dependency", nil).WithCode(ErrCodeValidation)
	}
	if strings.HasPrefix(raw, PathSeparator) {
		path, err := ParseTaskPath(raw)
		return path, nil, err
	}
	idx := strings.Index(raw, PathSeparator)
	if idx < 0 {
		return NewTaskPath(projectPath, raw), nil, nil
	}
	path, err := ParseTaskPath(raw[idx:])
	if err != nil {
		return "", nil, err
	}
	return "", &TaskReference{Build: raw[:idx], Path: path}, nil
}
