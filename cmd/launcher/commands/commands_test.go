package commands

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// newTestProject creates a build with a passing and a failing task and a
// launcher config recording history next to it.
func newTestProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "settings.cue", `
rootProject: tasks: {
	hello: {description: "Says hello", script: "print('hello')"}
	broken: {dependsOn: ["hello"], script: "fail('boom')"}
}
`)
	writeFile(t, dir, defaultConfigFile, `
history:
  enabled: true
  path: .buildlauncher/history.db
`)
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func TestBuildCommand(t *testing.T) {
	dir := newTestProject(t)

	out, err := execute(t, "build", "hello", "--project-dir", dir, "--json")
	if err != nil {
		t.Fatalf("build error = %v, output %s", err, out)
	}
	var report buildReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("invalid report %q: %v", out, err)
	}
	if !report.Succeeded || report.Build != filepath.Base(dir) || len(report.Failures) != 0 {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestBuildCommand_Failure(t *testing.T) {
	dir := newTestProject(t)

	out, err := execute(t, "build", ":broken", "--project-dir", dir, "--json")
	if !errors.Is(err, errBuildFailed) {
		t.Fatalf("expected build failure, got %v", err)
	}
	var report buildReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("invalid report %q: %v", out, err)
	}
	if report.Succeeded || len(report.Failures) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if f := report.Failures[0]; f.Class != "task_execution" || f.Task != ":broken" || !strings.Contains(f.Message, "boom") {
		t.Errorf("unexpected failure %+v", f)
	}

	out, err = execute(t, "build", ":broken", "--project-dir", dir)
	if !errors.Is(err, errBuildFailed) || !strings.Contains(out, "BUILD FAILED") {
		t.Errorf("unexpected text output %q (%v)", out, err)
	}
}

func TestHistoryCommand(t *testing.T) {
	dir := newTestProject(t)

	if _, err := execute(t, "build", "hello", "--project-dir", dir); err != nil {
		t.Fatalf("build error = %v", err)
	}
	if _, err := execute(t, "build", "broken", "--project-dir", dir); err == nil {
		t.Fatal("expected the second build to fail")
	}

	out, err := execute(t, "history", "--project-dir", dir, "--json")
	if err != nil {
		t.Fatalf("history error = %v", err)
	}
	var entries []struct {
		Name     string `json:"name"`
		Status   string `json:"status"`
		Failures []struct {
			Class string `json:"class"`
		} `json:"failures"`
	}
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("invalid history %q: %v", out, err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 builds, got %d", len(entries))
	}
	// Newest first.
	if entries[0].Status != "failed" || len(entries[0].Failures) != 1 || entries[1].Status != "succeeded" {
		t.Errorf("unexpected history %+v", entries)
	}

	out, err = execute(t, "history", "--project-dir", dir, "--stats")
	if err != nil {
		t.Fatalf("history --stats error = %v", err)
	}
	if !strings.Contains(out, "execution") {
		t.Errorf("expected execution phase statistics, got %q", out)
	}

	if _, err := execute(t, "history", "--project-dir", dir, "--prune", time.Nanosecond.String()); err != nil {
		t.Fatalf("history --prune error = %v", err)
	}
	out, err = execute(t, "history", "--project-dir", dir, "--json")
	if err != nil {
		t.Fatalf("history error = %v", err)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Errorf("expected pruned history, got %q", out)
	}
}

func TestTasksCommand(t *testing.T) {
	dir := newTestProject(t)

	out, err := execute(t, "tasks", "--project-dir", dir)
	if err != nil {
		t.Fatalf("tasks error = %v", err)
	}
	want := ":hello - Says hello\n:broken\n    depends on: :hello\n"
	if !strings.Contains(out, ":hello - Says hello\n") || !strings.Contains(out, "depends on: :hello") {
		t.Errorf("unexpected tasks output %q, want lines of %q", out, want)
	}

	out, err = execute(t, "tasks", "--project-dir", dir, "--dot")
	if err != nil {
		t.Fatalf("tasks --dot error = %v", err)
	}
	if !strings.HasPrefix(out, "digraph TaskGraph {") {
		t.Errorf("unexpected DOT output %q", out)
	}
}

func TestAnalyzeCommand(t *testing.T) {
	dir := newTestProject(t)

	out, err := execute(t, "analyze", "--project-dir", dir, "--json")
	if err != nil {
		t.Fatalf("analyze error = %v", err)
	}
	var report analysisReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("invalid report %q: %v", out, err)
	}
	if !report.Succeeded || len(report.Projects) != 1 || len(report.Projects[0].Tasks) != 2 {
		t.Errorf("unexpected analysis %+v", report)
	}
}

func TestIsBuildFile(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"settings.cue", true},
		{"lib/build.star", true},
		{"lib/main.go", false},
		{".buildlauncher/history.db", false},
	}
	for _, tt := range tests {
		if got := isBuildFile(tt.path); got != tt.want {
			t.Errorf("isBuildFile(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestWaitForChange(t *testing.T) {
	dir := t.TempDir()
	done := make(chan error, 1)
	go func() {
		done <- waitForChange(t.Context(), []string{dir}, 10*time.Millisecond)
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "notes.txt", "ignored")
	writeFile(t, dir, "settings.cue", `rootProject: name: "x"`)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waitForChange() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change")
	}
}
