package launcher

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"sync/atomic"
)

// MacOS drives Terminal.app through osascript.
type MacOS struct {
	titlePrefix string
	command     execFunc
	opened      atomic.Int32
}

// NewMacOS creates the macOS backend.
func NewMacOS(opts Options) *MacOS {
	return &MacOS{titlePrefix: opts.WindowTitle, command: opts.command()}
}

// Name implements Launcher.
func (m *MacOS) Name() string { return "macos" }

// Style implements Launcher. Terminal.app keeps the window after the
// script's shell exits, so no hold is needed.
func (m *MacOS) Style() Style { return Style{Shell: ShellBash} }

// Launch implements Launcher.
func (m *MacOS) Launch(ctx context.Context, req Request) (*Session, error) {
	shellCmd := "clear; bash " + quoteSingle(req.WrapperPath)
	script := fmt.Sprintf(`tell application "Terminal"
	activate
	do script "%s"
	set custom title of front window to "%s"
end tell`, escapeAppleScript(shellCmd), escapeAppleScript(req.Title))

	out, err := m.command(ctx, "osascript", "-e", script).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%w: osascript: %v: %s", ErrLaunchFailed, err, strings.TrimSpace(string(out)))
	}
	m.opened.Add(1)
	log.Printf("🖥️  Opened Terminal window %q", req.Title)
	return &Session{}, nil
}

// CloseAll implements Launcher by closing every window whose title carries
// our prefix.
func (m *MacOS) CloseAll(ctx context.Context) error {
	if m.opened.Swap(0) == 0 {
		return nil
	}
	script := fmt.Sprintf(`tell application "Terminal"
	close (every window whose name contains "%s")
end tell`, escapeAppleScript(m.titlePrefix))

	if out, err := m.command(ctx, "osascript", "-e", script).CombinedOutput(); err != nil {
		return fmt.Errorf("close terminal windows: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func defaultExec(ctx context.Context, name string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, args...)
}
