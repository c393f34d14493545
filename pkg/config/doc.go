// Package config evaluates build settings and scripts.
//
// # Overview
//
// The config package supplies the collaborators that turn files on disk
// into a configured build model:
//
//   - CUESettingsLoader reads settings.cue (engine.SettingsLoader)
//   - StarlarkInitScriptHandler runs init scripts (engine.InitScriptHandler)
//   - DefaultBuildLoader creates the declared projects (engine.BuildLoader)
//   - ProjectEvaluator registers tasks and runs build scripts
//     (engine.Configurer and engine.ProjectConfigurer)
//   - StarlarkAction runs task actions written in Starlark
//
// LauncherConfig is the launcher's own YAML configuration.
//
// # Settings
//
// Settings are written in CUE and validated against a built-in schema:
//
//	rootProject: name: "app"
//	projects: {
//	    ":lib": {buildScript: "build.star"}
//	    ":cli": tasks: run: {dependsOn: [":lib:jar"], script: "print('running')"}
//	}
//	includedBuilds: plugins: dir: "../plugins"
//	defaultTasks: ["run"]
//	properties: version: "1.2.0"
//
// A dependency of the form "plugins:jar" refers to task ":jar" of the
// included build "plugins".
//
// # Build scripts
//
// Build scripts are Starlark files evaluated when their project is
// configured. They see the predeclared names build, project, property and
// task:
//
//	def jar(t):
//	    print("packaging", t.path, property("version"))
//
//	task("compile", script = "print('compiling')")
//	task("jar", depends_on = ["compile"], action = jar)
//
// Init scripts run before settings and may call set_property(name, value).
//
// # Errors
//
// CUE problems are reported as ValidationError values carrying file, line
// and column. Loader and evaluator failures are engine configuration errors.
//
// Starlark execution is cancelled when the build's context is done or the
// script timeout elapses.
package config
