package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/buildlauncher/pkg/engine"
)

// Mode controls what happens to blocking violations.
type Mode string

const (
	// ModeEnforcing fails configuration on blocking violations.
	ModeEnforcing Mode = "enforcing"

	// ModeAdvisory only reports violations.
	ModeAdvisory Mode = "advisory"
)

// ViolationReporter is called once per distinct violation of a build.
type ViolationReporter func(build *engine.Build, v Violation)

// Configurer checks policies after the wrapped configurer ran, and again
// after every project configured on demand.
type Configurer struct {
	next   engine.Configurer
	engine *Engine
	mode   Mode
	report ViolationReporter
	log    zerolog.Logger

	mu       sync.Mutex
	reported map[string]bool
}

// NewConfigurer wraps next with policy checks.
func NewConfigurer(next engine.Configurer, eng *Engine, mode Mode, log zerolog.Logger) *Configurer {
	if mode == "" {
		mode = ModeEnforcing
	}
	return &Configurer{
		next:     next,
		engine:   eng,
		mode:     mode,
		log:      log.With().Str("component", "policy-configurer").Logger(),
		reported: make(map[string]bool),
	}
}

// OnViolation sets the reporter for new violations.
func (c *Configurer) OnViolation(fn ViolationReporter) *Configurer {
	c.report = fn
	return c
}

// Configure implements engine.Configurer.
func (c *Configurer) Configure(ctx context.Context, build *engine.Build) error {
	if err := c.next.Configure(ctx, build); err != nil {
		return err
	}
	return c.check(ctx, build)
}

// ConfigureProject implements engine.ProjectConfigurer by forwarding to the
// wrapped configurer.
func (c *Configurer) ConfigureProject(ctx context.Context, build *engine.Build, project *engine.Project) error {
	pc, ok := c.next.(engine.ProjectConfigurer)
	if !ok {
		return engine.NewInternalError("wrapped configurer cannot configure single projects", nil).
			WithCode(engine.ErrCodeInvalidState)
	}
	wasConfigured := project.Configured()
	if err := pc.ConfigureProject(ctx, build, project); err != nil {
		return err
	}
	if wasConfigured {
		return nil
	}
	return c.check(ctx, build)
}

func (c *Configurer) check(ctx context.Context, build *engine.Build) error {
	result, err := c.engine.Evaluate(ctx, NewInput(build))
	if err != nil {
		return err
	}

	for _, v := range result.Violations {
		if !c.markReported(build, v) {
			continue
		}
		event := c.log.Warn()
		if !v.Severity.Blocking() {
			event = c.log.Info()
		}
		event.Str("build", build.Name).
			Str("policy", v.Policy).
			Str("severity", string(v.Severity)).
			Str("subject", v.Subject).
			Msg(v.Message)
		if c.report != nil {
			c.report(build, v)
		}
	}

	blocking := result.Blocking()
	if c.mode != ModeEnforcing || len(blocking) == 0 {
		return nil
	}

	messages := make([]string, 0, len(blocking))
	for _, v := range blocking {
		messages = append(messages, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return engine.NewConfigurationError(
		fmt.Sprintf("build violates %d policy rule(s): %s", len(blocking), strings.Join(messages, "; ")), nil).
		WithCode(engine.ErrCodePolicy).
		WithBuild(build.Name).
		WithDetail("violations", blocking)
}

func (c *Configurer) markReported(build *engine.Build, v Violation) bool {
	key := build.ID + "\x00" + v.Policy + "\x00" + v.Message
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reported[key] {
		return false
	}
	c.reported[key] = true
	return true
}
