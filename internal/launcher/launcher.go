// Package launcher opens visible terminal windows that run a wrapper script.
//
// Every backend implements Launcher. The runner only ever sees the
// interface, so tests substitute a fake and never open a window.
package launcher

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

var (
	// ErrLaunchFailed is returned when a terminal could not be opened.
	ErrLaunchFailed = errors.New("launch failed")
	// ErrUnknownBackend is returned for an unregistered backend name.
	ErrUnknownBackend = errors.New("unknown launcher backend")
)

// Shell is the scripting language a backend executes wrappers with.
type Shell string

const (
	ShellBash       Shell = "bash"
	ShellPowerShell Shell = "powershell"
)

// Style tells the runner how to write the wrapper for a backend.
type Style struct {
	Shell    Shell
	HoldOpen bool // wrapper must keep the window alive after the script ends
}

// Extension returns the wrapper file extension for the style's shell.
func (s Style) Extension() string {
	if s.Shell == ShellPowerShell {
		return ".ps1"
	}
	return ".sh"
}

// Request describes one window to open.
type Request struct {
	RunID       string
	Title       string
	WrapperPath string
	OutputPath  string
}

// Session is a launched window.
type Session struct {
	// Exited is closed when the wrapper process ends. It is nil for
	// backends whose window is detached from this process.
	Exited <-chan struct{}
}

// Launcher opens a terminal and runs a wrapper script in it.
type Launcher interface {
	Name() string
	Style() Style
	Launch(ctx context.Context, req Request) (*Session, error)
	// CloseAll closes every window this launcher opened, where the
	// platform allows it.
	CloseAll(ctx context.Context) error
}

// execFunc builds a command; tests replace it to capture invocations.
type execFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// quoteSingle quotes s for a POSIX shell.
func quoteSingle(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// escapeAppleScript escapes s for use inside an AppleScript string literal.
func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
