package engine

import (
	"fmt"
	"time"
)

// PhaseTag names a measured region of the build lifecycle.
type PhaseTag string

const (
	PhaseBuild              PhaseTag = "build"
	PhaseInitScripts        PhaseTag = "init-scripts"
	PhaseSettingsEval       PhaseTag = "settings-eval"
	PhaseProjectsLoading    PhaseTag = "projects-loading"
	PhaseProjectsEvaluation PhaseTag = "projects-evaluation"
	PhaseGraphPopulation    PhaseTag = "graph-population"
	PhaseExecution          PhaseTag = "execution"
)

// InternalBuildListener receives timing brackets around lifecycle phases.
// Started and Finished share the same start time; Finished fires whether or
// not the phase failed.
type InternalBuildListener interface {
	Started(source *Build, tag PhaseTag, startTime time.Time)
	Finished(source *Build, tag PhaseTag, startTime, endTime time.Time, err error)
}

// InternalBuildListeners fans timing brackets out to several listeners.
type InternalBuildListeners []InternalBuildListener

// Started implements InternalBuildListener.
func (ls InternalBuildListeners) Started(source *Build, tag PhaseTag, startTime time.Time) {
	for _, l := range ls {
		l.Started(source, tag, startTime)
	}
}

// Finished implements InternalBuildListener.
func (ls InternalBuildListeners) Finished(source *Build, tag PhaseTag, startTime, endTime time.Time, err error) {
	for _, l := range ls {
		l.Finished(source, tag, startTime, endTime, err)
	}
}

type nopInternalListener struct{}

func (nopInternalListener) Started(*Build, PhaseTag, time.Time) {}

func (nopInternalListener) Finished(*Build, PhaseTag, time.Time, time.Time, error) {}

// Measure runs work inside a timing bracket reported to listener and
// returns work's result unchanged. A panic in work is reported as the
// phase error and then re-raised.
func Measure[T any](listener InternalBuildListener, source *Build, tag PhaseTag, work func() (T, error)) (result T, err error) {
	if listener == nil {
		listener = nopInternalListener{}
	}
	start := time.Now()
	listener.Started(source, tag, start)

	defer func() {
		if r := recover(); r != nil {
			listener.Finished(source, tag, start, time.Now(), fmt.Errorf("panic in %s: %v", tag, r))
			panic(r)
		}
	}()

	result, err = work()
	listener.Finished(source, tag, start, time.Now(), err)
	return result, err
}

// MeasureRun is Measure for work without a result value.
func MeasureRun(listener InternalBuildListener, source *Build, tag PhaseTag, work func() error) error {
	_, err := Measure(listener, source, tag, func() (struct{}, error) {
		return struct{}{}, work()
	})
	return err
}
