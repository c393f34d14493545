// Package execution selects and runs the tasks of a build.
//
// GraphExecuter resolves requested task names into a build's task graph,
// configuring projects on demand, and schedules tasks of included builds
// the graph depends on. Scheduler runs a task graph level by level with a
// bounded worker pool:
//
//	scheduler := execution.NewScheduler(4, observer, log)
//	executer := execution.NewGraphExecuter(scheduler, includedBuilds, configurer, log)
//
// Task output written to TaskContext.Stdout and Stderr is forwarded line by
// line to the build's output listeners.
package execution
