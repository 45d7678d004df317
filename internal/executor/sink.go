package executor

import (
	"fmt"
	"io"
	"sync"
)

// Sink receives progress lines in order.
type Sink interface {
	Line(line string)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(line string)

func (f SinkFunc) Line(line string) { f(line) }

// Discard is a Sink that drops every line.
var Discard Sink = SinkFunc(func(string) {})

// WriterSink writes each line to an io.Writer followed by a newline.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Line(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.w, line)
}

// LineRecorder keeps every line in memory.
type LineRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *LineRecorder) Line(line string) {
	r.mu.Lock()
	r.lines = append(r.lines, line)
	r.mu.Unlock()
}

// Lines returns a copy of the recorded lines.
func (r *LineRecorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

// Tee sends every line to each sink in turn.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(line string) {
		for _, s := range sinks {
			s.Line(line)
		}
	})
}
