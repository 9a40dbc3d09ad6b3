package launcher

import (
	"context"
	"fmt"
	"log"
	"os/exec"
)

type terminalSpec struct {
	bin  string
	args func(title, wrapper string) []string
}

func dashE(title, wrapper string) []string {
	return []string{"-T", title, "-e", "bash", wrapper}
}

// linuxTerminals is the lookup order when no terminal is configured.
var linuxTerminals = []terminalSpec{
	{"x-terminal-emulator", dashE},
	{"gnome-terminal", func(title, wrapper string) []string {
		return []string{"--title", title, "--", "bash", wrapper}
	}},
	{"konsole", func(title, wrapper string) []string {
		return []string{"-p", "tabtitle=" + title, "-e", "bash", wrapper}
	}},
	{"xfce4-terminal", func(title, wrapper string) []string {
		return []string{"--title", title, "-x", "bash", wrapper}
	}},
	{"xterm", dashE},
}

// findTerminal returns the first installed terminal, preferring the
// configured one.
func findTerminal(opts Options) (string, terminalSpec, error) {
	candidates := linuxTerminals
	if opts.Terminal != "" {
		preferred := terminalSpec{bin: opts.Terminal, args: dashE}
		for _, t := range linuxTerminals {
			if t.bin == opts.Terminal {
				preferred = t
			}
		}
		candidates = append([]terminalSpec{preferred}, linuxTerminals...)
	}
	for _, t := range candidates {
		if path, err := opts.lookPath(t.bin); err == nil {
			return path, t, nil
		}
	}
	return "", terminalSpec{}, fmt.Errorf("%w: no terminal emulator found", ErrLaunchFailed)
}

// Linux opens windows in a desktop terminal emulator.
type Linux struct {
	path    string
	spec    terminalSpec
	command execFunc
}

// NewLinux finds a terminal emulator on PATH.
func NewLinux(opts Options) (*Linux, error) {
	path, spec, err := findTerminal(opts)
	if err != nil {
		return nil, err
	}
	return &Linux{path: path, spec: spec, command: opts.command()}, nil
}

// Name implements Launcher.
func (l *Linux) Name() string { return "linux" }

// Style implements Launcher. Emulators close their window when the
// command exits, so the wrapper hands over to an interactive shell.
func (l *Linux) Style() Style { return Style{Shell: ShellBash, HoldOpen: true} }

// Launch implements Launcher.
func (l *Linux) Launch(_ context.Context, req Request) (*Session, error) {
	// The window outlives the launch request, so it is not bound to ctx.
	cmd := l.command(context.Background(), l.path, l.spec.args(req.Title, req.WrapperPath)...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLaunchFailed, l.spec.bin, err)
	}
	go reap(cmd)

	log.Printf("🖥️  Opened %s window %q", l.spec.bin, req.Title)
	return &Session{}, nil
}

// CloseAll implements Launcher. Emulator windows belong to the user's
// session and are left open.
func (l *Linux) CloseAll(context.Context) error { return nil }

func reap(cmd *exec.Cmd) {
	_ = cmd.Wait()
}
