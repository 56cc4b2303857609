// Package logbuf provides the bounded log ring each session feeds from its
// backend's output streams. Oldest lines are dropped first; readers never
// block writers.
package logbuf

import (
	"bufio"
	"bytes"
	"io"
	"sync"
)

// DefaultCapacity is the per-session line limit.
const DefaultCapacity = 1000

// Ring is a fixed-capacity FIFO of log lines.
type Ring struct {
	mu    sync.RWMutex
	lines []string
	start int
	count int
}

// NewRing creates a ring holding at most capacity lines. A non-positive
// capacity falls back to DefaultCapacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{lines: make([]string, capacity)}
}

// Append adds a line, evicting the oldest when full.
func (r *Ring) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := (r.start + r.count) % len(r.lines)
	r.lines[idx] = line
	if r.count < len(r.lines) {
		r.count++
		return
	}
	r.start = (r.start + 1) % len(r.lines)
}

// Tail returns up to n of the most recent lines, oldest first. n <= 0
// returns everything retained.
func (r *Ring) Tail(n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]string, 0, n)
	for i := r.count - n; i < r.count; i++ {
		out = append(out, r.lines[(r.start+i)%len(r.lines)])
	}
	return out
}

// Len returns the number of retained lines.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Pump copies lines from rd into the ring until EOF or read error. It is
// meant to run on its own goroutine per output stream.
func (r *Ring) Pump(rd io.Reader) {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		r.Append(scanner.Text())
	}
}

// LineWriter adapts a Ring to io.Writer, splitting the byte stream into
// lines. Each output stream gets its own LineWriter so interleaved writes
// from stdout and stderr cannot splice partial lines together.
type LineWriter struct {
	ring    *Ring
	mu      sync.Mutex
	partial []byte
}

// NewLineWriter returns a writer appending complete lines to ring.
func NewLineWriter(ring *Ring) *LineWriter {
	return &LineWriter{ring: ring}
}

// Write implements io.Writer. Partial lines are buffered until their
// newline arrives.
func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.partial = append(w.partial, p...)
	for {
		idx := bytes.IndexByte(w.partial, '\n')
		if idx < 0 {
			break
		}
		w.ring.Append(string(w.partial[:idx]))
		w.partial = w.partial[idx+1:]
	}
	return len(p), nil
}

// Flush appends any buffered partial line, used when the stream ends
// without a trailing newline.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.ring.Append(string(w.partial))
		w.partial = nil
	}
}
