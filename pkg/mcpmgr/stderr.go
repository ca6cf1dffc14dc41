package mcpmgr

import (
	"bytes"
	"io"
	"sync"
)

// maxPendingLine caps how much of an unterminated line is buffered before it
// is forwarded anyway.
const maxPendingLine = 64 << 10

// prefixWriter forwards a backend's stderr to dst, labelling every non-empty
// line with "[name] ". Output is buffered per line so a line split across
// writes is labelled once.
type prefixWriter struct {
	mu      sync.Mutex
	dst     io.Writer
	prefix  []byte
	pending []byte
	closed  bool
}

func newPrefixWriter(dst io.Writer, name string) *prefixWriter {
	return &prefixWriter{dst: dst, prefix: []byte("[" + name + "] ")}
}

func (w *prefixWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	w.pending = append(w.pending, p...)
	var out []byte
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		out = w.appendLine(out, w.pending[:i])
		out = append(out, '\n')
		w.pending = w.pending[i+1:]
	}
	if len(w.pending) >= maxPendingLine {
		out = append(w.appendLine(out, w.pending), '\n')
		w.pending = nil
	}
	// Compact so the backing array does not grow with consumed bytes.
	w.pending = append([]byte(nil), w.pending...)
	if len(out) == 0 {
		return len(p), nil
	}
	if _, err := w.dst.Write(out); err != nil {
		return len(p), err
	}
	return len(p), nil
}

// Close flushes a trailing unterminated line. Further writes fail.
func (w *prefixWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if len(w.pending) == 0 {
		return nil
	}
	out := append(w.appendLine(nil, w.pending), '\n')
	w.pending = nil
	_, err := w.dst.Write(out)
	return err
}

func (w *prefixWriter) appendLine(out, line []byte) []byte {
	if len(line) > 0 {
		out = append(out, w.prefix...)
	}
	return append(out, line...)
}
