package launcher

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
)

// Windows opens PowerShell console windows through cmd's start builtin.
type Windows struct {
	titlePrefix string
	command     execFunc
	opened      atomic.Int32
}

// NewWindows creates the Windows backend.
func NewWindows(opts Options) *Windows {
	return &Windows{titlePrefix: opts.WindowTitle, command: opts.command()}
}

// Name implements Launcher.
func (w *Windows) Name() string { return "windows" }

// Style implements Launcher. -NoExit keeps the console open.
func (w *Windows) Style() Style { return Style{Shell: ShellPowerShell} }

// Launch implements Launcher.
func (w *Windows) Launch(ctx context.Context, req Request) (*Session, error) {
	// start takes its first quoted argument as the title; the wrapper sets
	// the real one, so pass an empty placeholder.
	out, err := w.command(ctx, "cmd", "/c", "start", "",
		"powershell", "-NoExit", "-NoProfile", "-ExecutionPolicy", "Bypass",
		"-File", req.WrapperPath).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%w: start powershell: %v: %s", ErrLaunchFailed, err, strings.TrimSpace(string(out)))
	}
	w.opened.Add(1)
	log.Printf("🖥️  Opened PowerShell window %q", req.Title)
	return &Session{}, nil
}

// CloseAll implements Launcher.
func (w *Windows) CloseAll(ctx context.Context) error {
	if w.opened.Swap(0) == 0 {
		return nil
	}
	filter := fmt.Sprintf("WINDOWTITLE eq %s*", w.titlePrefix)
	if out, err := w.command(ctx, "taskkill", "/FI", filter, "/T", "/F").CombinedOutput(); err != nil {
		return fmt.Errorf("close console windows: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
