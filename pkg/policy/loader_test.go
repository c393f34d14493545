package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writePolicyFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	return path
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	regoContent := `# Tasks must not be called "forbidden".
# severity: critical
package custom.forbidden

import rego.v1

deny contains "forbidden task" if {
	some project in input.projects
	some task in project.tasks
	task.name == "forbidden"
}
`
	path := writePolicyFile(t, t.TempDir(), "forbidden-task.rego", regoContent)

	policy, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "forbidden-task" {
		t.Errorf("Expected name 'forbidden-task', got '%s'", policy.Name)
	}
	if policy.Description != `Tasks must not be called "forbidden".` {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	if policy.Severity != SeverityCritical {
		t.Errorf("Expected severity critical, got %s", policy.Severity)
	}
	if policy.Rego != regoContent {
		t.Error("Rego content doesn't match")
	}
	if policy.Source != path {
		t.Errorf("Expected source %s, got %s", path, policy.Source)
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policy := Policy{
		Name:        "json-policy",
		Description: "A test policy",
		Rego:        "package test\n\nimport rego.v1\n\ndeny contains \"never\" if { false }",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"test"},
	}
	data, err := json.Marshal(policy)
	if err != nil {
		t.Fatalf("Failed to marshal policy: %v", err)
	}
	path := writePolicyFile(t, t.TempDir(), "policy.json", string(data))

	loaded, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if loaded.Name != policy.Name {
		t.Errorf("Expected name '%s', got '%s'", policy.Name, loaded.Name)
	}
	if loaded.Severity != policy.Severity {
		t.Errorf("Expected severity '%s', got '%s'", policy.Severity, loaded.Severity)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		file string
		body string
	}{
		{name: "invalid json", file: "bad.json", body: "{not json"},
		{name: "json without name", file: "anon.json", body: `{"rego": "package x"}`},
		{name: "unsupported type", file: "policy.txt", body: "package x"},
	}

	loader := NewLoader(zerolog.Nop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writePolicyFile(t, dir, tt.file, tt.body)
			if _, err := loader.loadFromFile(path); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestLoadFromDirectory_Recursive(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "a.rego", "package a")
	writePolicyFile(t, dir, "nested/b.rego", "package b")
	writePolicyFile(t, dir, "nested/deeper/c.json", `{"name": "c", "rego": "package c"}`)
	writePolicyFile(t, dir, "README.md", "# ignored")
	writePolicyFile(t, dir, "broken.json", "{")

	loaded, err := NewLoader(zerolog.Nop()).loadFromDirectory(context.Background(), dir)
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}

	var names []string
	for _, p := range loaded {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	if len(names) != 3 || names[0] != "a" || names[1] != "b" || names[2] != "c" {
		t.Errorf("Unexpected policies %v", names)
	}
}

func TestLoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	file := writePolicyFile(t, t.TempDir(), "single.rego", "package single")
	writePolicyFile(t, dir, "one.rego", "package one")

	loaded, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{dir, file})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if len(loaded) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(loaded))
	}

	if _, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("Expected error for a missing path")
	}
}

func TestExtractSeverity(t *testing.T) {
	tests := []struct {
		content string
		want    Severity
	}{
		{content: "package x", want: SeverityWarning},
		{content: "# severity: error\npackage x", want: SeverityError},
		{content: "# Description\n#   severity:   info\npackage x", want: SeverityInfo},
		{content: "# severity: fatal\npackage x", want: SeverityWarning},
		{content: "package x\n# severity: error", want: SeverityWarning},
	}

	for _, tt := range tests {
		if got := extractSeverity(tt.content); got != tt.want {
			t.Errorf("extractSeverity(%q) = %s, want %s", tt.content, got, tt.want)
		}
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "first.rego", "package first")

	loader := NewLoader(zerolog.Nop())
	loader.ReloadDelay = 10 * time.Millisecond

	reloaded := make(chan []Policy, 4)
	if err := loader.Watch(t.Context(), []string{dir}, func(policies []Policy) error {
		reloaded <- policies
		return nil
	}); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	writePolicyFile(t, dir, "second.rego", "package second")

	select {
	case policies := <-reloaded:
		if len(policies) != 2 {
			t.Errorf("Expected 2 policies after reload, got %d", len(policies))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}
}
