package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfroyo/buildlauncher/pkg/engine"
)

// Metrics provides Prometheus metrics for builds, phases and tasks. A
// disabled instance accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	buildsStarted  *prometheus.CounterVec
	buildsFinished *prometheus.CounterVec
	buildDuration  *prometheus.HistogramVec
	phaseDuration  *prometheus.HistogramVec
	tasksExecuted  *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	errorsByClass  *prometheus.CounterVec
	errorsByCode   *prometheus.CounterVec
	activeBuilds   prometheus.Gauge
	runningTasks   prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()
	m := &Metrics{
		config:   cfg,
		registry: registry,

		buildsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_started_total",
			Help:      "Total number of launcher invocations started",
		}, []string{"kind"}),
		buildsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_finished_total",
			Help:      "Total number of launcher invocations finished",
		}, []string{"kind", "outcome"}),
		buildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Duration of launcher invocations in seconds",
			Buckets:   buckets,
		}, []string{"kind", "outcome"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of lifecycle phases in seconds",
			Buckets:   buckets,
		}, []string{"phase", "outcome"}),
		tasksExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_executed_total",
			Help:      "Total number of tasks by final state",
		}, []string{"state"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Duration of task actions in seconds",
			Buckets:   buckets,
		}, []string{"state"}),
		errorsByClass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_by_class_total",
			Help:      "Total number of build failures by error class",
		}, []string{"class"}),
		errorsByCode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_by_code_total",
			Help:      "Total number of build failures by error code",
		}, []string{"code"}),
		activeBuilds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_builds",
			Help:      "Current number of running launcher invocations",
		}),
		runningTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_tasks",
			Help:      "Current number of running task actions",
		}),
	}

	registry.MustRegister(
		m.buildsStarted,
		m.buildsFinished,
		m.buildDuration,
		m.phaseDuration,
		m.tasksExecuted,
		m.taskDuration,
		m.errorsByClass,
		m.errorsByCode,
		m.activeBuilds,
		m.runningTasks,
	)
	return m, nil
}

// Registry returns the registry metrics are registered on, or nil when
// metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func buildKind(build *engine.Build) string {
	if build.IsRoot() {
		return "root"
	}
	return "included"
}

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// RecordBuildStarted counts a started invocation.
func (m *Metrics) RecordBuildStarted(build *engine.Build) {
	if m.registry == nil {
		return
	}
	m.buildsStarted.WithLabelValues(buildKind(build)).Inc()
	m.activeBuilds.Inc()
}

// RecordBuildFinished records a finished invocation and every failure it
// carried.
func (m *Metrics) RecordBuildFinished(build *engine.Build, duration time.Duration, failure error) {
	if m.registry == nil {
		return
	}
	kind := buildKind(build)
	m.buildsFinished.WithLabelValues(kind, outcome(failure)).Inc()
	m.buildDuration.WithLabelValues(kind, outcome(failure)).Observe(duration.Seconds())
	m.activeBuilds.Dec()
	for _, err := range engine.FlattenFailures(failure) {
		m.RecordError(err)
	}
}

// RecordPhase records the duration of a lifecycle phase.
func (m *Metrics) RecordPhase(tag engine.PhaseTag, duration time.Duration, err error) {
	if m.registry == nil {
		return
	}
	m.phaseDuration.WithLabelValues(string(tag), outcome(err)).Observe(duration.Seconds())
}

// RecordTaskStarted tracks a running task action.
func (m *Metrics) RecordTaskStarted() {
	if m.registry == nil {
		return
	}
	m.runningTasks.Inc()
}

// RecordTaskFinished records a task's final state and duration.
func (m *Metrics) RecordTaskFinished(state engine.TaskState, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.runningTasks.Dec()
	m.tasksExecuted.WithLabelValues(string(state)).Inc()
	m.taskDuration.WithLabelValues(string(state)).Observe(duration.Seconds())
}

// RecordError counts a failure by class and code.
func (m *Metrics) RecordError(err error) {
	if m.registry == nil || err == nil {
		return
	}
	class := engine.ClassOf(err)
	if class == "" {
		class = engine.ErrorClassInternal
	}
	m.errorsByClass.WithLabelValues(string(class)).Inc()
	if code := engine.CodeOf(err); code != "" {
		m.errorsByCode.WithLabelValues(code).Inc()
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartServer exposes metrics over HTTP until Shutdown. Serve errors are
// reported through errs.
func (m *Metrics) StartServer(errs func(error)) {
	if m.registry == nil {
		return
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())
	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && errs != nil {
			errs(err)
		}
	}()
}

// Shutdown stops the metrics server, if started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
