// Package environment manages the persistent Python environment scripts run in.
package environment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrEnvironment is returned when the environment cannot be created.
	ErrEnvironment = errors.New("environment error")
	// ErrInstall is returned when the package manager fails.
	ErrInstall = errors.New("install error")
)

// CommandRunner runs an external command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Environment is a named interpreter + package set on disk.
type Environment struct {
	Name      string
	Path      string
	Installed map[string]bool // normalized package names
}

// Activation describes how a shell activates the environment.
type Activation struct {
	Path    string // activation script
	Command string // line a wrapper script runs to activate
}

// Options configures a Manager.
type Options struct {
	Name       string
	Root       string
	BasePython string        // interpreter used to create the environment
	GOOS       string        // defaults to runtime.GOOS
	Run        CommandRunner // defaults to exec
}

// Manager owns one Environment and installs packages into it.
type Manager struct {
	name       string
	path       string
	basePython string
	goos       string
	run        CommandRunner

	// mu serializes package manager invocations against the environment
	// and guards installed.
	mu        sync.Mutex
	installed map[string]bool
	loaded    bool
}

// NewManager creates a manager. The environment itself is created lazily.
func NewManager(opts Options) *Manager {
	m := &Manager{
		name:       opts.Name,
		path:       filepath.Join(opts.Root, opts.Name),
		basePython: opts.BasePython,
		goos:       opts.GOOS,
		run:        opts.Run,
		installed:  make(map[string]bool),
	}
	if m.basePython == "" {
		m.basePython = "python3"
	}
	if m.goos == "" {
		m.goos = runtime.GOOS
	}
	if m.run == nil {
		m.run = execCommand
	}
	return m
}

// Environment returns a snapshot of the managed environment.
func (m *Manager) Environment() Environment {
	m.mu.Lock()
	defer m.mu.Unlock()

	installed := make(map[string]bool, len(m.installed))
	for k := range m.installed {
		installed[k] = true
	}
	return Environment{Name: m.name, Path: m.path, Installed: installed}
}

// Path returns the environment's filesystem root.
func (m *Manager) Path() string {
	return m.path
}

// EnsureEnvironment creates the environment if it does not exist yet.
func (m *Manager) EnsureEnvironment(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLocked(ctx)
}

func (m *Manager) ensureLocked(ctx context.Context) error {
	if m.exists() {
		return nil
	}

	log.Printf("🐍 Creating new virtual environment at %s", m.path)
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrEnvironment, err)
	}
	if _, err := m.run(ctx, m.basePython, "-m", "venv", m.path); err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrEnvironment, m.path, err)
	}
	m.installed = make(map[string]bool)
	m.loaded = false
	log.Printf("✅ Virtual environment ready at %s", m.path)
	return nil
}

// exists reports whether a venv marker is present.
func (m *Manager) exists() bool {
	_, err := os.Stat(filepath.Join(m.path, "pyvenv.cfg"))
	return err == nil
}

// InstalledPackages queries the environment's package manager.
func (m *Manager) InstalledPackages(ctx context.Context) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.refreshLocked(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(m.installed))
	for k := range m.installed {
		out[k] = true
	}
	return out, nil
}

func (m *Manager) refreshLocked(ctx context.Context) error {
	out, err := m.run(ctx, m.InterpreterPath(), "-m", "pip", "freeze")
	if err != nil {
		return fmt.Errorf("%w: pip freeze: %v", ErrEnvironment, err)
	}
	m.installed = parseFreeze(out)
	m.loaded = true
	log.Printf("📦 Found %d installed packages in %s", len(m.installed), m.name)
	return nil
}

// InstallMissing installs the requirements that are not yet present and
// returns the names it installed. Failures are logged and yield an empty
// result so the script still runs; a missing module then shows up as the
// script's own import error.
func (m *Manager) InstallMissing(ctx context.Context, requirementsPath string) []string {
	reqs, err := ReadRequirements(requirementsPath)
	if err != nil {
		log.Printf("⚠️  Skipping install: %v", err)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.loaded {
		if err := m.refreshLocked(ctx); err != nil {
			log.Printf("⚠️  Could not list installed packages: %v", err)
		}
	}

	var missing []Requirement
	for _, req := range reqs {
		if !m.installed[req.Name] {
			missing = append(missing, req)
		}
	}
	if len(missing) == 0 {
		log.Println("📦 No new packages to install")
		return nil
	}

	specs := make([]string, 0, len(missing))
	names := make([]string, 0, len(missing))
	for _, req := range missing {
		specs = append(specs, req.Spec)
		names = append(names, req.Name)
	}
	sort.Strings(names)

	log.Printf("📥 Installing new packages: %s", strings.Join(specs, " "))
	args := append([]string{"-m", "pip", "install"}, specs...)
	if _, err := m.run(ctx, m.InterpreterPath(), args...); err != nil {
		log.Printf("❌ %v", fmt.Errorf("%w: %v", ErrInstall, err))
		return nil
	}

	// Refresh picks up transitive dependencies; the delta stays recorded
	// even if freeze lists it under another name.
	if err := m.refreshLocked(ctx); err != nil {
		log.Printf("⚠️  Could not refresh installed packages: %v", err)
	}
	for _, name := range names {
		m.installed[name] = true
	}

	log.Printf("✅ Successfully installed %d new packages", len(names))
	return names
}

// ActivationDescriptor returns the activation script for this platform.
func (m *Manager) ActivationDescriptor() Activation {
	if m.goos == "windows" {
		p := filepath.Join(m.path, "Scripts", "Activate.ps1")
		return Activation{Path: p, Command: "& '" + p + "'"}
	}
	p := filepath.Join(m.path, "bin", "activate")
	return Activation{Path: p, Command: `source "` + p + `"`}
}

// InterpreterPath returns the environment's python executable.
func (m *Manager) InterpreterPath() string {
	if m.goos == "windows" {
		return filepath.Join(m.path, "Scripts", "python.exe")
	}
	return filepath.Join(m.path, "bin", "python")
}

// Recreate deletes the environment and builds it again.
func (m *Manager) Recreate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log.Printf("♻️  Recreating virtual environment at %s", m.path)
	if err := os.RemoveAll(m.path); err != nil {
		return fmt.Errorf("%w: remove %s: %v", ErrEnvironment, m.path, err)
	}
	m.installed = make(map[string]bool)
	m.loaded = false

	if err := m.ensureLocked(ctx); err != nil {
		return err
	}
	return m.refreshLocked(ctx)
}

// execCommand runs name with args and returns combined output. The error
// carries the last line of output to make pip failures readable in logs.
func execCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		lines := strings.Split(strings.TrimSpace(string(out)), "\n")
		return out, fmt.Errorf("%s %s: %w: %s", filepath.Base(name), strings.Join(args, " "), err, lines[len(lines)-1])
	}
	return out, nil
}
