// Package composite coordinates task execution across included builds.
//
// A build may declare nested builds in its settings. Tasks of the including
// build can depend on tasks of a nested build ("plugins:jar"). For every
// nested build an IncludedBuilds registry hands out one Controller, which
// accepts task requests from any goroutine:
//
//	ctl, err := registry.RequestTask(ctx, engine.TaskReference{Build: "plugins", Path: ":jar"})
//	for ctl.PopulateTaskGraph(ctx) {
//	}
//	ctl.StartTaskExecution(ctx)
//	...
//	composite.AwaitAll(ctx, registry.Controllers(), 0, failures)
//
// The nested build is configured lazily, through its own launcher's
// GetBuildAnalysis, the first time its task graph is populated. If that
// fails, a single included_build_configuration failure is reported and every
// requested task fails.
package composite
