package execution

import (
	"bytes"
	"sync"
)

// ListenerWriter forwards complete lines written to it to a notify
// function. Partial lines are held until a newline or Flush.
type ListenerWriter struct {
	notify func(string)

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewListenerWriter creates a writer that reports output to notify.
func NewListenerWriter(notify func(string)) *ListenerWriter {
	return &ListenerWriter{notify: notify}
}

// Write implements io.Writer.
func (w *ListenerWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(w.buf.Next(i + 1))
		w.notify(line)
	}
	return len(p), nil
}

// Flush reports any buffered partial line.
func (w *ListenerWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.notify(w.buf.String())
		w.buf.Reset()
	}
}
