package supervisor

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"unicode/utf8"
)

const (
	// lineBuffer bounds how many lines may wait for the progress forwarder.
	// Beyond it the oldest pending line is dropped from progress; capture
	// is never held up by a slow sink.
	lineBuffer = 256

	// maxLineBytes forces a line break on output that never emits one.
	maxLineBytes = 64 << 10

	// minSignificantRunes is the trimmed length a line must exceed to be
	// shown as progress.
	minSignificantRunes = 3
)

// ProgressSink receives human-readable status text while a command runs.
// Implementations are called from a single goroutine.
type ProgressSink interface {
	Progress(text string)
}

// Suspender is implemented by sinks that draw on the terminal. Execute
// calls Suspend before a wrapper prompts for credentials there; the next
// Progress call may resume drawing.
type Suspender interface {
	Suspend()
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(text string)

// Progress calls f(text).
func (f ProgressFunc) Progress(text string) { f(text) }

// Stream identifies a child output stream.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

type outputLine struct {
	stream Stream
	text   string
}

// lineQueue hands lines from the stream writers to the forwarder. push
// never blocks: when limit lines are pending the oldest is discarded.
type lineQueue struct {
	mu      sync.Mutex
	pending []outputLine
	limit   int
	dropped int
	closed  bool
	ready   chan struct{}
}

func newLineQueue(limit int) *lineQueue {
	return &lineQueue{limit: limit, ready: make(chan struct{}, 1)}
}

func (q *lineQueue) push(l outputLine) {
	q.mu.Lock()
	if len(q.pending) >= q.limit {
		q.pending = append(q.pending[:0], q.pending[1:]...)
		q.dropped++
	}
	q.pending = append(q.pending, l)
	q.mu.Unlock()
	q.signal()
}

func (q *lineQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *lineQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// next returns the pending lines in arrival order, waiting for more if
// there are none. It reports false once the queue is closed and empty.
func (q *lineQueue) next() ([]outputLine, bool) {
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		closed := q.closed
		q.mu.Unlock()

		if len(batch) > 0 {
			return batch, true
		}
		if closed {
			return nil, false
		}
		<-q.ready
	}
}

// streamWriter captures one child stream up to limit bytes and splits it
// into lines for the forwarder. os/exec drives each writer from a single
// goroutine, so it needs no locking.
type streamWriter struct {
	stream    Stream
	buf       bytes.Buffer
	limit     int
	truncated bool
	partial   []byte
	lines     *lineQueue
}

func newStreamWriter(stream Stream, limit int, lines *lineQueue) *streamWriter {
	return &streamWriter{stream: stream, limit: limit, lines: lines}
}

// Write captures p and emits every completed line. It always reports the
// full length so the copying goroutine never sees a short write.
func (w *streamWriter) Write(p []byte) (int, error) {
	w.capture(p)
	for _, b := range p {
		if b == '\n' || b == '\r' {
			w.emit()
			continue
		}
		w.partial = append(w.partial, b)
		if len(w.partial) >= maxLineBytes {
			w.emit()
		}
	}
	return len(p), nil
}

// capture writes up to limit bytes to buf, then silently discards the rest.
func (w *streamWriter) capture(p []byte) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		if len(p) > 0 {
			w.truncated = true
		}
		return
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		w.truncated = true
		return
	}
	w.buf.Write(p)
}

func (w *streamWriter) emit() {
	if len(w.partial) == 0 {
		return
	}
	w.lines.push(outputLine{stream: w.stream, text: string(w.partial)})
	w.partial = w.partial[:0]
}

// flush emits a trailing line that was not newline-terminated.
func (w *streamWriter) flush() {
	w.emit()
}

func (w *streamWriter) String() string {
	return w.buf.String()
}

// forward delivers significant lines to sink in arrival order until lines
// is closed. Once ctx is done lines are still drained, but nothing more
// reaches the sink.
func forward(ctx context.Context, lines *lineQueue, sink ProgressSink, done chan<- struct{}) {
	defer close(done)
	for {
		batch, ok := lines.next()
		if !ok {
			return
		}
		for _, l := range batch {
			if sink == nil || ctx.Err() != nil {
				continue
			}
			if text, ok := significant(l.text); ok {
				sink.Progress(text)
			}
		}
	}
}

// significant trims line and reports whether it is long enough to show.
func significant(line string) (string, bool) {
	text := strings.TrimSpace(line)
	return text, utf8.RuneCountInString(text) > minSignificantRunes
}
