package telemetry

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/openfroyo/buildlauncher/pkg/engine"
)

// OutputCapture forwards the standard output and error notifications of a
// build to writers for the duration of a launcher invocation. Lines of
// nested builds are prefixed with the build name. It implements
// engine.LoggingManager.
type OutputCapture struct {
	build *engine.Build
	log   *Logger

	mu     sync.Mutex
	stdout *bufio.Writer
	stderr *bufio.Writer
	regs   []engine.Registration
}

// NewOutputCapture creates an output capture for build. A nil writer drops
// that stream.
func NewOutputCapture(build *engine.Build, stdout, stderr io.Writer, log *Logger) *OutputCapture {
	c := &OutputCapture{build: build, log: log.NewComponentLogger("output").WithBuild(build)}
	if stdout != nil {
		c.stdout = bufio.NewWriter(stdout)
	}
	if stderr != nil {
		c.stderr = bufio.NewWriter(stderr)
	}
	return c
}

// Start registers the capture on the build's listeners.
func (c *OutputCapture) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.regs) > 0 {
		return
	}
	listeners := c.build.Listeners()
	c.regs = append(c.regs,
		listeners.AddStandardOutputListener(engine.OutputListenerFunc(func(s string) { c.write(c.stdout, s) })),
		listeners.AddStandardErrorListener(engine.OutputListenerFunc(func(s string) { c.write(c.stderr, s) })),
	)
}

func (c *OutputCapture) write(w *bufio.Writer, s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w == nil {
		return
	}
	if !c.build.IsRoot() {
		s = fmt.Sprintf("[%s] %s", c.build.Name, s)
	}
	if _, err := w.WriteString(s); err != nil {
		c.log.WithError(err).Warn("Failed to write build output")
	}
	if err := w.Flush(); err != nil {
		c.log.WithError(err).Warn("Failed to flush build output")
	}
}

// Stop removes the capture from the build's listeners and flushes pending
// output.
func (c *OutputCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, reg := range c.regs {
		reg.Remove()
	}
	c.regs = nil

	for _, w := range []*bufio.Writer{c.stdout, c.stderr} {
		if w == nil {
			continue
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("failed to flush build output: %w", err)
		}
	}
	return nil
}
