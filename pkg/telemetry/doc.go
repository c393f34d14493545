// Package telemetry provides observability for build invocations.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus) and an event publisher, and adapts them to the
// launcher's hooks.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	recorder := telemetry.NewRecorder(tel)
//	launcher, err := engine.NewLauncher(build, engine.Collaborators{
//	    // ...
//	    InternalBuildListener: recorder,
//	    LoggingManager:        telemetry.NewOutputCapture(build, os.Stdout, os.Stderr, tel.Logger),
//	})
//	build.Listeners().AddBuildListener(recorder.BuildListener(build))
//
// The recorder is also the scheduler's task observer.
//
// # Spans
//
// Every launcher invocation gets a "build <name>" span. Phases measured by
// the launcher ("phase settings-eval", "phase execution", ...) are its
// children, and task spans are children of the execution phase. Spans of
// included builds hang below the span of the build that included them.
// Failed spans carry the error class and code.
//
// # Metrics
//
//	<ns>_builds_started_total{kind}
//	<ns>_builds_finished_total{kind,outcome}
//	<ns>_build_duration_seconds{kind,outcome}
//	<ns>_phase_duration_seconds{phase,outcome}
//	<ns>_tasks_executed_total{state}
//	<ns>_task_duration_seconds{state}
//	<ns>_errors_by_class_total{class}
//	<ns>_errors_by_code_total{code}
//	<ns>_active_builds
//	<ns>_running_tasks
//
// kind is "root" or "included". A build carrying several failures counts
// each of them in the error metrics.
//
// # Events
//
// Subscribers receive build, milestone, phase and task events:
//
//	tel.Events.Subscribe(func(ev telemetry.Event) {
//	    fmt.Println(ev.Type, ev.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
package telemetry
