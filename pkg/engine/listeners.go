package engine

import (
	"reflect"
	"sync"
)

// BuildListener observes the major milestones of a build.
type BuildListener interface {
	BuildStarted(build *Build)
	SettingsEvaluated(settings *Settings)
	ProjectsLoaded(build *Build)
	ProjectsEvaluated(build *Build)
	BuildFinished(result BuildResult)
}

// BuildAdapter implements BuildListener with optional callbacks.
// Register it by pointer.
type BuildAdapter struct {
	OnBuildStarted      func(build *Build)
	OnSettingsEvaluated func(settings *Settings)
	OnProjectsLoaded    func(build *Build)
	OnProjectsEvaluated func(build *Build)
	OnBuildFinished     func(result BuildResult)
}

// BuildStarted implements BuildListener by calling OnBuildStarted when set.
func (a *BuildAdapter) BuildStarted(build *Build) {
	if a.OnBuildStarted != nil {
		a.OnBuildStarted(build)
	}
}

// SettingsEvaluated implements BuildListener by calling OnSettingsEvaluated when set.
func (a *BuildAdapter) SettingsEvaluated(settings *Settings) {
	if a.OnSettingsEvaluated != nil {
		a.OnSettingsEvaluated(settings)
	}
}

// ProjectsLoaded implements BuildListener by calling OnProjectsLoaded when set.
func (a *BuildAdapter) ProjectsLoaded(build *Build) {
	if a.OnProjectsLoaded != nil {
		a.OnProjectsLoaded(build)
	}
}

// ProjectsEvaluated implements BuildListener by calling OnProjectsEvaluated when set.
func (a *BuildAdapter) ProjectsEvaluated(build *Build) {
	if a.OnProjectsEvaluated != nil {
		a.OnProjectsEvaluated(build)
	}
}

// BuildFinished implements BuildListener by calling OnBuildFinished when set.
func (a *BuildAdapter) BuildFinished(result BuildResult) {
	if a.OnBuildFinished != nil {
		a.OnBuildFinished(result)
	}
}

// StandardOutputListener receives text written by the build.
type StandardOutputListener interface {
	OnOutput(output string)
}

// OutputListenerFunc adapts a function to StandardOutputListener.
type OutputListenerFunc func(output string)

// OnOutput implements StandardOutputListener.
func (f OutputListenerFunc) OnOutput(output string) {
	f(output)
}

type listenerKind int

const (
	buildListenerKind listenerKind = iota
	stdoutListenerKind
	stderrListenerKind
)

type listenerEntry struct {
	id       uint64
	listener interface{}
}

// Registration removes a listener it was returned for.
type Registration struct {
	set  *ListenerSet
	kind listenerKind
	id   uint64
}

// Remove unregisters the listener. Removing twice is a no-op.
func (r Registration) Remove() {
	if r.set == nil {
		return
	}
	r.set.remove(r.kind, r.id)
}

// ListenerSet holds the build, standard output and standard error listeners
// of a build. It is safe for concurrent registration and notification;
// callbacks run outside the lock in registration order.
type ListenerSet struct {
	mu     sync.RWMutex
	nextID uint64
	lists  map[listenerKind][]listenerEntry
}

// NewListenerSet creates an empty listener set.
func NewListenerSet() *ListenerSet {
	return &ListenerSet{lists: make(map[listenerKind][]listenerEntry)}
}

// AddBuildListener registers a build listener. Adding a comparable listener
// that is already registered has no effect.
func (s *ListenerSet) AddBuildListener(l BuildListener) Registration {
	return s.add(buildListenerKind, l)
}

// RemoveBuildListener unregisters a comparable build listener.
func (s *ListenerSet) RemoveBuildListener(l BuildListener) bool {
	return s.removeListener(buildListenerKind, l)
}

// AddStandardOutputListener registers a listener for standard output.
func (s *ListenerSet) AddStandardOutputListener(l StandardOutputListener) Registration {
	return s.add(stdoutListenerKind, l)
}

// RemoveStandardOutputListener unregisters a comparable output listener.
func (s *ListenerSet) RemoveStandardOutputListener(l StandardOutputListener) bool {
	return s.removeListener(stdoutListenerKind, l)
}

// AddStandardErrorListener registers a listener for standard error.
func (s *ListenerSet) AddStandardErrorListener(l StandardOutputListener) Registration {
	return s.add(stderrListenerKind, l)
}

// RemoveStandardErrorListener unregisters a comparable error listener.
func (s *ListenerSet) RemoveStandardErrorListener(l StandardOutputListener) bool {
	return s.removeListener(stderrListenerKind, l)
}

func (s *ListenerSet) add(kind listenerKind, l interface{}) Registration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if isComparable(l) {
		for _, entry := range s.lists[kind] {
			if isComparable(entry.listener) && entry.listener == l {
				return Registration{set: s, kind: kind, id: entry.id}
			}
		}
	}
	s.nextID++
	s.lists[kind] = append(s.lists[kind], listenerEntry{id: s.nextID, listener: l})
	return Registration{set: s, kind: kind, id: s.nextID}
}

func (s *ListenerSet) remove(kind listenerKind, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.lists[kind]
	for i, entry := range entries {
		if entry.id == id {
			s.lists[kind] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

func (s *ListenerSet) removeListener(kind listenerKind, l interface{}) bool {
	if !isComparable(l) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.lists[kind]
	for i, entry := range entries {
		if isComparable(entry.listener) && entry.listener == l {
			s.lists[kind] = append(entries[:i:i], entries[i+1:]...)
			return true
		}
	}
	return false
}

func (s *ListenerSet) snapshot(kind listenerKind) []interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]interface{}, len(s.lists[kind]))
	for i, entry := range s.lists[kind] {
		out[i] = entry.listener
	}
	return out
}

func (s *ListenerSet) eachBuildListener(fn func(BuildListener)) {
	for _, l := range s.snapshot(buildListenerKind) {
		fn(l.(BuildListener))
	}
}

// BuildStarted implements BuildListener by broadcasting.
func (s *ListenerSet) BuildStarted(build *Build) {
	s.eachBuildListener(func(l BuildListener) { l.BuildStarted(build) })
}

// SettingsEvaluated implements BuildListener by broadcasting.
func (s *ListenerSet) SettingsEvaluated(settings *Settings) {
	s.eachBuildListener(func(l BuildListener) { l.SettingsEvaluated(settings) })
}

// ProjectsLoaded implements BuildListener by broadcasting.
func (s *ListenerSet) ProjectsLoaded(build *Build) {
	s.eachBuildListener(func(l BuildListener) { l.ProjectsLoaded(build) })
}

// ProjectsEvaluated implements BuildListener by broadcasting.
func (s *ListenerSet) ProjectsEvaluated(build *Build) {
	s.eachBuildListener(func(l BuildListener) { l.ProjectsEvaluated(build) })
}

// BuildFinished implements BuildListener by broadcasting.
func (s *ListenerSet) BuildFinished(result BuildResult) {
	s.eachBuildListener(func(l BuildListener) { l.BuildFinished(result) })
}

// NotifyOutput forwards text to the standard output listeners.
func (s *ListenerSet) NotifyOutput(output string) {
	for _, l := range s.snapshot(stdoutListenerKind) {
		l.(StandardOutputListener).OnOutput(output)
	}
}

// NotifyError forwards text to the standard error listeners.
func (s *ListenerSet) NotifyError(output string) {
	for _, l := range s.snapshot(stderrListenerKind) {
		l.(StandardOutputListener).OnOutput(output)
	}
}

// Len returns the number of registered build listeners.
func (s *ListenerSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.lists[buildListenerKind])
}

func isComparable(v interface{}) bool {
	if v == nil {
		return false
	}
	return reflect.TypeOf(v).Comparable()
}
