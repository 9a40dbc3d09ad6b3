package runner

import (
	"strings"

	"github.com/getfinn/scriptrunner/internal/signature"
)

// tracebackBuffer accumulates lines between a trigger and a terminator.
type tracebackBuffer struct {
	detector signature.Detector
	lines    []string
	active   bool
}

// feed consumes one line and returns the complete traceback when line
// terminates one. A trigger seen while buffering restarts the buffer.
func (t *tracebackBuffer) feed(line string) (string, bool) {
	if t.detector.Trigger(line) {
		t.lines = append(t.lines[:0], line)
		t.active = true
		return "", false
	}
	if !t.active {
		return "", false
	}

	t.lines = append(t.lines, line)
	if !t.detector.Terminator(line) {
		return "", false
	}
	text := strings.Join(t.lines, "\n")
	t.reset()
	return text, true
}

// pending returns the number of buffered lines of an unterminated trace.
func (t *tracebackBuffer) pending() int {
	if !t.active {
		return 0
	}
	return len(t.lines)
}

func (t *tracebackBuffer) reset() {
	t.lines = t.lines[:0]
	t.active = false
}
