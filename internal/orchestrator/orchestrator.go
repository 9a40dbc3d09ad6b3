// Package orchestrator turns "run this script" requests into live runs and
// tears them all down on exit.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/getfinn/scriptrunner/internal/environment"
	"github.com/getfinn/scriptrunner/internal/launcher"
	"github.com/getfinn/scriptrunner/internal/runner"
	"github.com/getfinn/scriptrunner/internal/signature"
)

// ErrShutdown is returned by Run after Shutdown.
var ErrShutdown = errors.New("orchestrator is shut down")

const closeAllTimeout = 10 * time.Second

// Environment is the part of the environment manager a run needs.
type Environment interface {
	EnsureEnvironment(ctx context.Context) error
	InstallMissing(ctx context.Context, requirementsPath string) []string
	ActivationDescriptor() environment.Activation
	InterpreterPath() string
}

// Options configures an Orchestrator.
type Options struct {
	Environment   Environment
	Launcher      launcher.Launcher
	Detector      signature.Detector
	TempDir       string
	WindowTitle   string
	LaunchTimeout time.Duration
	PollInterval  time.Duration
	KeepWindows   bool // skip Launcher.CloseAll on shutdown

	// OnTraceback is called on the run's monitor goroutine.
	OnTraceback func(run *runner.ScriptRunner, text string)
}

// Orchestrator owns every live run.
type Orchestrator struct {
	opts Options

	mu       sync.RWMutex
	live     map[string]*runner.ScriptRunner
	launched int
	opened   bool // windows opened since the last shutdown
	closed   bool
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	if opts.WindowTitle == "" {
		opts.WindowTitle = "Script Runner"
	}
	if opts.Detector == nil {
		opts.Detector = signature.NewPython()
	}
	return &Orchestrator{
		opts: opts,
		live: make(map[string]*runner.ScriptRunner),
	}
}

// Run prepares the environment, installs missing requirements and launches
// the script. requirementsPath may be empty. It returns once the terminal
// window is open; the run is tracked until it finishes.
func (o *Orchestrator) Run(ctx context.Context, scriptPath, requirementsPath string) (*runner.ScriptRunner, error) {
	o.mu.RLock()
	closed := o.closed
	o.mu.RUnlock()
	if closed {
		return nil, ErrShutdown
	}

	script, err := filepath.Abs(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("resolve script: %w", err)
	}
	if info, err := os.Stat(script); err != nil {
		return nil, fmt.Errorf("script %s: %w", script, err)
	} else if info.IsDir() {
		return nil, fmt.Errorf("script %s is a directory", script)
	}

	env := o.opts.Environment
	if err := env.EnsureEnvironment(ctx); err != nil {
		log.Printf("⚠️  %v (continuing with the existing interpreter)", err)
	}
	var installed []string
	if requirementsPath != "" {
		installed = env.InstallMissing(ctx, requirementsPath)
	}

	o.mu.Lock()
	o.launched++
	title := fmt.Sprintf("%s %d", o.opts.WindowTitle, o.launched)
	o.mu.Unlock()

	var run *runner.ScriptRunner
	run, err = runner.New(runner.Options{
		ScriptPath:    script,
		TempDir:       o.opts.TempDir,
		Launcher:      o.opts.Launcher,
		Detector:      o.opts.Detector,
		LaunchTimeout: o.opts.LaunchTimeout,
		PollInterval:  o.opts.PollInterval,
		Context: runner.RunContext{
			Activation:  env.ActivationDescriptor(),
			Interpreter: env.InterpreterPath(),
			NewPackages: installed,
			Title:       title,
		},
		OnTraceback: func(text string) {
			if o.opts.OnTraceback != nil {
				o.opts.OnTraceback(run, text)
			}
		},
	})
	if err != nil {
		return nil, err
	}

	if err := run.Start(ctx); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.opened = true
	if o.closed {
		o.mu.Unlock()
		run.Stop()
		return nil, ErrShutdown
	}
	o.live[run.ID()] = run
	o.mu.Unlock()

	go func() {
		<-run.Done()
		o.mu.Lock()
		delete(o.live, run.ID())
		o.mu.Unlock()
	}()

	return run, nil
}

// Get returns the live run with the given id.
func (o *Orchestrator) Get(id string) (*runner.ScriptRunner, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	run, ok := o.live[id]
	return run, ok
}

// Live returns the runs that have not finished, oldest first.
func (o *Orchestrator) Live() []*runner.ScriptRunner {
	o.mu.RLock()
	runs := make([]*runner.ScriptRunner, 0, len(o.live))
	for _, run := range o.live {
		runs = append(runs, run)
	}
	o.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool { return runs[i].ID() < runs[j].ID() })
	return runs
}

// Stop stops monitoring one run. It reports whether the run was live.
func (o *Orchestrator) Stop(id string) bool {
	run, ok := o.Get(id)
	if !ok {
		return false
	}
	run.Stop()
	return true
}

// StopAll stops every live run concurrently and waits for them.
func (o *Orchestrator) StopAll() {
	runs := o.Live()

	var wg sync.WaitGroup
	for _, run := range runs {
		wg.Add(1)
		go func(run *runner.ScriptRunner) {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					log.Printf("❌ Panic while stopping %s: %v", run.ID(), p)
				}
			}()
			run.Stop()
		}(run)
	}
	wg.Wait()
}

// Shutdown stops every live run and closes the terminal windows opened since
// the last shutdown. It is safe to call more than once.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	opened := o.opened
	o.opened = false
	n := len(o.live)
	o.mu.Unlock()

	log.Printf("🛑 Shutting down (%d live runs)", n)
	o.StopAll()

	if !opened || o.opts.KeepWindows {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeAllTimeout)
	defer cancel()
	func() {
		defer func() {
			if p := recover(); p != nil {
				log.Printf("❌ Panic while closing terminal windows: %v", p)
			}
		}()
		if err := o.opts.Launcher.CloseAll(ctx); err != nil {
			log.Printf("⚠️  Failed to close terminal windows: %v", err)
		}
	}()
}
