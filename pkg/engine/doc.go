// Package engine provides the build lifecycle core of the launcher.
//
// # Overview
//
// A DefaultLauncher drives one Build through an ordered sequence of stages:
//
//  1. Init scripts - InitScriptHandler
//  2. Settings evaluation - SettingsLoader, then SettingsEvaluated
//  3. Project loading - BuildLoader, then ProjectsLoaded
//  4. Configuration - Configurer, then ProjectsEvaluated (eager mode)
//  5. Task graph population - GraphExecuter.Select (ProjectsEvaluated under
//     configure-on-demand)
//  6. Execution - GraphExecuter.Execute, then TasksCompletionListener
//
// Run drives all stages; GetBuildAnalysis stops after configuration. Both
// always notify BuildStarted first and BuildFinished last, and never return
// an error: faults become the Failure of the returned BuildResult after
// passing through the ExceptionAnalyser.
//
// # Timing
//
// Each stage runs inside Measure, which reports a Started/Finished bracket
// to an InternalBuildListener under a PhaseTag ("build", "init-scripts",
// "settings-eval", "projects-loading", "projects-evaluation",
// "graph-population", "execution").
//
// # Failures
//
// Faults are classified EngineErrors:
//
//   - configuration: init scripts, settings, project scripts, task selection
//   - included_build_configuration: a nested build could not be configured
//   - task_execution: a task action failed
//   - resource_teardown: releasing build services failed
//   - internal: anything else, including recovered panics
//
// A FailureAggregator collects failures from concurrent producers and folds
// them into nil, a single error, or MultipleBuildFailures.
//
// # Task Graph
//
// TaskGraph holds the selected tasks of a build. Nodes are claimed before
// they run so overlapping executions of the same graph run each task once:
//
//	graph := build.TaskGraph()
//	if err := graph.AddTasks(build, task); err != nil {
//	    return err
//	}
//	levels, err := graph.Levels(task.Path)
//
// # Teardown
//
// Stop releases the output capture and build services, attempting each even
// when another fails, and notifies the BuildCompletionListener exactly once.
package engine
