package engine

import (
	"fmt"
	"sync"
)

// lifecycle tracks one launcher invocation. Every forward transition must
// move exactly one step, and no transition may pass the stage's target
// state. Finished can be entered from any state.
type lifecycle struct {
	mu     sync.Mutex
	state  LifecycleState
	target LifecycleState
}

func newLifecycle(upTo Stage) *lifecycle {
	return &lifecycle{
		state:  LifecycleStateInitial,
		target: upTo.targetState(),
	}
}

func (l *lifecycle) current() LifecycleState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *lifecycle) transition(to LifecycleState) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == LifecycleStateFinished {
		return NewInternalError(fmt.Sprintf("cannot move to %s: invocation already finished", to), nil).
			WithCode(ErrCodeInvalidState)
	}
	if to == LifecycleStateFinished {
		l.state = to
		return nil
	}
	if to.rank() != l.state.rank()+1 {
		return NewInternalError(fmt.Sprintf("invalid lifecycle transition %s -> %s", l.state, to), nil).
			WithCode(ErrCodeInvalidState)
	}
	if to.rank() > l.target.rank() {
		return NewInternalError(fmt.Sprintf("lifecycle state %s is past the requested target %s", to, l.target), nil).
			WithCode(ErrCodeInvalidState)
	}
	l.state = to
	return nil
}

func (l *lifecycle) reachedTarget() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == l.target
}
