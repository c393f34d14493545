package engine

import "testing"

func TestTaskPathParts(t *testing.T) {
	tests := []struct {
		path    TaskPath
		name    string
		project string
	}{
		{":compile", "compile", ":"},
		{":lib:compile", "compile", ":lib"},
		{":lib:core:test", "test", ":lib:core"},
	}
	for _, tt := range tests {
		if tt.path.Name() != tt.name {
			t.Errorf("%s: name = %q, want %q", tt.path, tt.path.Name(), tt.name)
		}
		if tt.path.ProjectPath() != tt.project {
			t.Errorf("%s: project = %q, want %q", tt.path, tt.path.ProjectPath(), tt.project)
		}
	}

	if NewTaskPath(":", "build") != ":build" || NewTaskPath(":lib", "build") != ":lib:build" {
		t.Error("NewTaskPath joined segments incorrectly")
	}
}

func TestParseTaskPath(t *testing.T) {
	for _, bad := range []string{"compile", ":", ":lib::compile", ""} {
		if _, err := ParseTaskPath(bad); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
	if _, err := ParseTaskPath(":lib:compile"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestParseDependency(t *testing.T) {
	local, ref, err := ParseDependency(":lib", "compile")
	if err != nil || ref != nil || local != ":lib:compile" {
		t.Errorf("sibling: got %q %v %v", local, ref, err)
	}

	local, ref, err = ParseDependency(":lib", ":core:jar")
	if err != nil || ref != nil || local != ":core:jar" {
		t.Errorf("absolute: got %q %v %v", local, ref, err)
	}

	local, ref, err = ParseDependency(":lib", "plugins:api:jar")
	if err != nil || local != "" || ref == nil {
		t.Fatalf("included: got %q %v %v", local, ref, err)
	}
	if ref.Build != "plugins" || ref.Path != ":api:jar" || ref.String() != "plugins:api:jar" {
		t.Errorf("unexpected reference: %+v", ref)
	}

	if _, _, err := ParseDependency(":", ""); err == nil {
		t.Error("expected empty dependency to be rejected")
	}
}

func TestNewTaskSplitsDependencies(t *testing.T) {
	task, err := NewTask(":app", TaskSpec{
		Name:      "assemble",
		DependsOn: []string{"compile", ":lib:jar", "plugins:jar"},
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task.Path != ":app:assemble" {
		t.Errorf("unexpected path %s", task.Path)
	}
	if len(task.DependsOn) != 2 || task.DependsOn[0] != ":app:compile" || task.DependsOn[1] != ":lib:jar" {
		t.Errorf("unexpected local dependencies: %v", task.DependsOn)
	}
	if len(task.IncludedDependencies) != 1 || task.IncludedDependencies[0].Build != "plugins" {
		t.Errorf("unexpected included dependencies: %v", task.IncludedDependencies)
	}
}

func TestTaskStateTransitions(t *testing.T) {
	if !TaskStateUnrequested.CanAdvanceTo(TaskStateQueued) {
		t.Error("unrequested -> queued should be allowed")
	}
	if !TaskStateQueued.CanAdvanceTo(TaskStateFailed) {
		t.Error("queued -> failed should be allowed")
	}
	if TaskStateExecuting.CanAdvanceTo(TaskStateQueued) {
		t.Error("executing -> queued must be rejected")
	}
	if TaskStateSucceeded.CanAdvanceTo(TaskStateFailed) {
		t.Error("terminal states must not change")
	}
	if err := TaskState("bogus").Validate(); err == nil {
		t.Error("expected invalid state to fail validation")
	}
}

func TestLifecycleTransitions(t *testing.T) {
	lc := newLifecycle(StageConfigure)
	for _, s := range []LifecycleState{LifecycleStateSettingsEvaluated, LifecycleStateProjectsLoaded, LifecycleStateConfigured} {
		if err := lc.transition(s); err != nil {
			t.Fatalf("transition to %s failed: %v", s, err)
		}
	}
	if !lc.reachedTarget() {
		t.Error("expected configure stage target to be reached")
	}
	if err := lc.transition(LifecycleStateTaskGraphPopulated); err == nil {
		t.Error("expected transition past the target to fail")
	}
	if err := lc.transition(LifecycleStateFinished); err != nil {
		t.Errorf("finished must always be reachable: %v", err)
	}

	skip := newLifecycle(StageBuild)
	if err := skip.transition(LifecycleStateConfigured); err == nil {
		t.Error("expected skipping states to fail")
	}
}

func TestScopeLookup(t *testing.T) {
	root := NewScope("root", nil, map[string]interface{}{"version": "1.0", "group": "org"})
	child := NewScope("child", root, map[string]interface{}{"version": "2.0"})

	if v, _ := child.Lookup("version"); v != "2.0" {
		t.Errorf("expected child binding to win, got %v", v)
	}
	if v, _ := child.Lookup("group"); v != "org" {
		t.Errorf("expected parent binding, got %v", v)
	}
	if _, ok := child.Lookup("missing"); ok {
		t.Error("expected missing binding")
	}
	flat := child.Flatten()
	if flat["version"] != "2.0" || flat["group"] != "org" {
		t.Errorf("unexpected flatten result: %v", flat)
	}
}
