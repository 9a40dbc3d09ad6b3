package launcher

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sort"
)

// Auto picks a backend from the host platform.
const Auto = "auto"

// Options configures a backend.
type Options struct {
	WindowTitle string    // prefix shared by every window title
	Terminal    string    // preferred Linux terminal emulator
	Echo        io.Writer // headless backend copies terminal output here

	// Overridable for tests.
	GOOS     string
	Getenv   func(string) string
	LookPath func(string) (string, error)
	Exec     execFunc
}

func (o Options) goos() string {
	if o.GOOS != "" {
		return o.GOOS
	}
	return runtime.GOOS
}

func (o Options) getenv(key string) string {
	if o.Getenv != nil {
		return o.Getenv(key)
	}
	return os.Getenv(key)
}

func (o Options) lookPath(file string) (string, error) {
	if o.LookPath != nil {
		return o.LookPath(file)
	}
	return exec.LookPath(file)
}

func (o Options) command() execFunc {
	if o.Exec != nil {
		return o.Exec
	}
	return defaultExec
}

// Constructor builds a backend.
type Constructor func(Options) (Launcher, error)

// Registry maps backend names to constructors.
type Registry struct {
	constructors map[string]Constructor
}

// NewRegistry creates a registry with the built-in backends registered.
func NewRegistry() *Registry {
	r := &Registry{constructors: make(map[string]Constructor)}
	r.Register("macos", func(o Options) (Launcher, error) { return NewMacOS(o), nil })
	r.Register("linux", func(o Options) (Launcher, error) {
		l, err := NewLinux(o)
		if err != nil {
			return nil, err
		}
		return l, nil
	})
	r.Register("windows", func(o Options) (Launcher, error) { return NewWindows(o), nil })
	r.Register("pty", func(o Options) (Launcher, error) {
		p, err := NewPTY(o)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
	return r
}

// Register adds or replaces a backend constructor.
func (r *Registry) Register(name string, c Constructor) {
	r.constructors[name] = c
}

// Create builds the named backend. "auto" or "" resolves from the host.
func (r *Registry) Create(name string, opts Options) (Launcher, error) {
	if name == "" || name == Auto {
		name = Resolve(opts)
	}
	c, ok := r.constructors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	return c(opts)
}

// Backends returns the registered backend names, sorted.
func (r *Registry) Backends() []string {
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the backend "auto" stands for on this host. Linux without
// a display or a terminal emulator falls back to the headless pty backend.
func Resolve(opts Options) string {
	switch opts.goos() {
	case "darwin":
		return "macos"
	case "windows":
		return "windows"
	}
	if opts.getenv("DISPLAY") == "" && opts.getenv("WAYLAND_DISPLAY") == "" {
		return "pty"
	}
	if _, _, err := findTerminal(opts); err != nil {
		return "pty"
	}
	return "linux"
}

// New creates a backend from a fresh registry.
func New(name string, opts Options) (Launcher, error) {
	return NewRegistry().Create(name, opts)
}
