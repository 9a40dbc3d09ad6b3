// Package signature recognizes crash output in a running script's stream.
//
// A Detector answers two questions about a single output line: does it open
// a stack trace, and does it close one. The runner feeds every captured line
// through its detector and buffers everything in between.
package signature

import (
	"regexp"
	"strings"
)

// ExitLinePrefix is written by the wrapper script when the child exits
// with a non-zero status. It terminates any open trace.
const ExitLinePrefix = "ERROR: Script exited with code"

// PythonTrigger is the first line of every CPython traceback.
const PythonTrigger = "Traceback (most recent call last):"

// Detector classifies output lines for one target language.
type Detector interface {
	// Trigger reports whether line starts a stack trace.
	Trigger(line string) bool
	// Terminator reports whether line is the final line of a stack trace.
	Terminator(line string) bool
}

// builtinPythonErrors are the exception names CPython prints as the last
// line of an uncaught traceback.
var builtinPythonErrors = []string{
	"ArithmeticError",
	"AssertionError",
	"AttributeError",
	"BlockingIOError",
	"BrokenPipeError",
	"BufferError",
	"ChildProcessError",
	"ConnectionAbortedError",
	"ConnectionError",
	"ConnectionRefusedError",
	"ConnectionResetError",
	"EOFError",
	"EnvironmentError",
	"FileExistsError",
	"FileNotFoundError",
	"FloatingPointError",
	"IOError",
	"ImportError",
	"IndentationError",
	"IndexError",
	"InterruptedError",
	"IsADirectoryError",
	"KeyError",
	"LookupError",
	"MemoryError",
	"ModuleNotFoundError",
	"NameError",
	"NotADirectoryError",
	"NotImplementedError",
	"OSError",
	"OverflowError",
	"PermissionError",
	"ProcessLookupError",
	"RecursionError",
	"ReferenceError",
	"RuntimeError",
	"SyntaxError",
	"SystemError",
	"TabError",
	"TimeoutError",
	"TypeError",
	"UnboundLocalError",
	"UnicodeDecodeError",
	"UnicodeEncodeError",
	"UnicodeError",
	"UnicodeTranslateError",
	"ValueError",
	"ZeroDivisionError",
	"Exception",
}

// Python detects CPython tracebacks.
type Python struct {
	terminator *regexp.Regexp
}

// NewPython creates a Python detector. extra adds line prefixes, such as
// "requests.exceptions.HTTPError:", that also close a trace.
func NewPython(extra ...string) *Python {
	alternatives := make([]string, 0, len(builtinPythonErrors)+len(extra)+1)
	for _, name := range builtinPythonErrors {
		alternatives = append(alternatives, regexp.QuoteMeta(name+":"))
	}
	for _, prefix := range extra {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			alternatives = append(alternatives, regexp.QuoteMeta(prefix))
		}
	}
	alternatives = append(alternatives, regexp.QuoteMeta(ExitLinePrefix))

	return &Python{
		terminator: regexp.MustCompile(`^(?:` + strings.Join(alternatives, "|") + `)`),
	}
}

// Trigger implements Detector.
func (p *Python) Trigger(line string) bool {
	return strings.TrimRight(line, " \t\r") == PythonTrigger
}

// Terminator implements Detector.
func (p *Python) Terminator(line string) bool {
	return p.terminator.MatchString(line)
}

// IsExitLine reports whether line is the wrapper's non-zero exit notice.
func IsExitLine(line string) bool {
	return strings.HasPrefix(line, ExitLinePrefix)
}
