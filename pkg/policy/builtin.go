package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		includedBuildsPolicy(),
		taskDependenciesPolicy(),
		projectLayoutPolicy(),
		defaultTasksPolicy(),
	}
}

// includedBuildsPolicy rejects included builds that point back at the
// including build or share a directory with another included build.
func includedBuildsPolicy() Policy {
	return Policy{
		Name:        "included-builds",
		Description: "Included builds must live in distinct directories outside the including build",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"composite"},
		Rego: `package buildlauncher.included_builds

import rego.v1

deny contains violation if {
	some inc in input.included_builds
	inc.dir == input.build.project_dir
	violation := {
		"message": sprintf("included build '%s' points at the directory of build '%s'", [inc.name, input.build.name]),
		"subject": inc.name,
	}
}

deny contains violation if {
	some i, a in input.included_builds
	some j, b in input.included_builds
	i < j
	a.dir == b.dir
	violation := {
		"message": sprintf("included builds '%s' and '%s' share directory %s", [a.name, b.name, a.dir]),
		"subject": b.name,
	}
}

deny contains violation if {
	some inc in input.included_builds
	inc.name == input.build.name
	violation := {
		"message": sprintf("included build '%s' has the name of the including build", [inc.name]),
		"subject": inc.name,
	}
}
`,
	}
}

// taskDependenciesPolicy rejects dependencies no build can satisfy.
func taskDependenciesPolicy() Policy {
	return Policy{
		Name:        "task-dependencies",
		Description: "Task dependencies must name declared included builds and must not be self references",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"tasks", "composite"},
		Rego: `package buildlauncher.task_dependencies

import rego.v1

included_names contains inc.name if {
	some inc in input.included_builds
}

deny contains violation if {
	some project in input.projects
	some task in project.tasks
	some ref in task.included_dependencies
	not ref.build in included_names
	violation := {
		"message": sprintf("task %s depends on %s%s but no included build is named '%s'", [task.path, ref.build, ref.path, ref.build]),
		"subject": task.path,
	}
}

deny contains violation if {
	some project in input.projects
	some task in project.tasks
	some dep in task.depends_on
	dep == task.path
	violation := {
		"message": sprintf("task %s depends on itself", [task.path]),
		"subject": task.path,
	}
}
`,
	}
}

// projectLayoutPolicy warns about projects sharing a directory and build
// scripts that are not Starlark files.
func projectLayoutPolicy() Policy {
	return Policy{
		Name:        "project-layout",
		Description: "Projects should have their own directory and a .star build script",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"conventions"},
		Rego: `package buildlauncher.project_layout

import rego.v1

deny contains violation if {
	some i, a in input.projects
	some j, b in input.projects
	i < j
	a.dir == b.dir
	violation := {
		"message": sprintf("projects %s and %s share directory %s", [a.path, b.path, a.dir]),
		"subject": b.path,
	}
}

deny contains violation if {
	some project in input.projects
	project.build_script != ""
	not endswith(project.build_script, ".star")
	violation := {
		"message": sprintf("build script %s of project %s should have the .star extension", [project.build_script, project.path]),
		"subject": project.path,
	}
}
`,
	}
}

// defaultTasksPolicy warns about default tasks no project defines. It is
// only checked once every project is configured.
func defaultTasksPolicy() Policy {
	return Policy{
		Name:        "default-tasks",
		Description: "Default tasks should be defined by at least one project",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"tasks"},
		Rego: `package buildlauncher.default_tasks

import rego.v1

task_names contains task.name if {
	some project in input.projects
	some task in project.tasks
}

task_paths contains task.path if {
	some project in input.projects
	some task in project.tasks
}

all_configured if {
	every project in input.projects {
		project.configured
	}
}

deny contains violation if {
	all_configured
	some name in input.default_tasks
	not startswith(name, ":")
	not name in task_names
	violation := {
		"message": sprintf("default task '%s' is not defined by any project", [name]),
		"subject": name,
	}
}

deny contains violation if {
	all_configured
	some name in input.default_tasks
	startswith(name, ":")
	not name in task_paths
	violation := {
		"message": sprintf("default task %s does not exist", [name]),
		"subject": name,
	}
}
`,
	}
}
