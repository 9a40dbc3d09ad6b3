// Package runner executes one script in a visible terminal and follows its
// output.
//
// A ScriptRunner writes a wrapper script, asks a launcher to open a window
// that runs it, and then tails the output file the wrapper tees into. Lines
// between the start and end markers are queued for the host and scanned for
// tracebacks.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/getfinn/scriptrunner/internal/environment"
	"github.com/getfinn/scriptrunner/internal/launcher"
	"github.com/getfinn/scriptrunner/internal/signature"
)

const defaultPollInterval = 250 * time.Millisecond

var errAlreadyStarted = errors.New("runner already started")

// RunContext is the environment a script runs in.
type RunContext struct {
	Activation      environment.Activation
	Interpreter     string
	InterpreterArgs []string // defaults to -u for unbuffered output
	NewPackages     []string
	Title           string
}

// Options configures a ScriptRunner.
type Options struct {
	ScriptPath string
	TempDir    string
	Launcher   launcher.Launcher
	Detector   signature.Detector
	Context    RunContext

	// LaunchTimeout bounds the wait for the output file; zero waits forever.
	LaunchTimeout time.Duration
	PollInterval  time.Duration

	// OnTraceback receives each complete traceback on the monitor goroutine.
	OnTraceback func(text string)
}

// ScriptRunner runs a single script once.
type ScriptRunner struct {
	id          string
	script      string
	title       string
	outputPath  string
	wrapperPath string
	startMarker string
	endMarker   string

	launcher      launcher.Launcher
	rc            RunContext
	launchTimeout time.Duration
	pollInterval  time.Duration
	traceback     tracebackBuffer

	running atomic.Bool
	// inCallback is set while OnTraceback runs on the monitor goroutine.
	inCallback atomic.Bool

	mu          sync.Mutex
	state       State
	outcome     State
	queue       []OutputEvent
	tracebacks  int
	onTraceback func(string)
	cancel      context.CancelFunc

	cleanupOnce sync.Once
	done        chan struct{}
}

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// NewRunID returns a unique id derived from the script's base name.
func NewRunID(scriptPath string) string {
	base := strings.TrimSuffix(filepath.Base(scriptPath), filepath.Ext(scriptPath))
	base = unsafeIDChars.ReplaceAllString(base, "_")
	if base == "" {
		base = "script"
	}
	return fmt.Sprintf("%s_%d_%s", base, time.Now().UnixMilli(), uuid.NewString()[:8])
}

// New creates a runner. Nothing is launched until Start.
func New(opts Options) (*ScriptRunner, error) {
	if opts.Launcher == nil {
		return nil, errors.New("runner: launcher is required")
	}
	script, err := filepath.Abs(opts.ScriptPath)
	if err != nil {
		return nil, fmt.Errorf("runner: resolve script path: %w", err)
	}
	detector := opts.Detector
	if detector == nil {
		detector = signature.NewPython()
	}
	tempDir := opts.TempDir
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "scriptrunner")
	}

	rc := opts.Context
	if rc.Interpreter == "" {
		rc.Interpreter = "python3"
	}
	if rc.InterpreterArgs == nil {
		rc.InterpreterArgs = []string{"-u"}
	}

	id := NewRunID(script)
	r := &ScriptRunner{
		id:            id,
		script:        script,
		title:         rc.Title,
		outputPath:    filepath.Join(tempDir, "output_"+id+".txt"),
		wrapperPath:   filepath.Join(tempDir, "run_"+id+opts.Launcher.Style().Extension()),
		startMarker:   "START_OUTPUT_" + id,
		endMarker:     "END_OUTPUT_" + id,
		launcher:      opts.Launcher,
		rc:            rc,
		launchTimeout: opts.LaunchTimeout,
		pollInterval:  opts.PollInterval,
		traceback:     tracebackBuffer{detector: detector},
		state:         StateInit,
		onTraceback:   opts.OnTraceback,
		done:          make(chan struct{}),
	}
	if r.title == "" {
		r.title = "Script Runner"
	}
	if r.pollInterval <= 0 {
		r.pollInterval = defaultPollInterval
	}
	if r.launchTimeout < 0 {
		r.launchTimeout = 0
	}
	return r, nil
}

// ID returns the run id.
func (r *ScriptRunner) ID() string { return r.id }

// ScriptPath returns the absolute script path.
func (r *ScriptRunner) ScriptPath() string { return r.script }

// Title returns the window title prefix of this run.
func (r *ScriptRunner) Title() string { return r.title }

// OutputPath returns the file the wrapper tees output into.
func (r *ScriptRunner) OutputPath() string { return r.outputPath }

// WrapperPath returns the generated wrapper script.
func (r *ScriptRunner) WrapperPath() string { return r.wrapperPath }

// Markers returns the start and end marker lines.
func (r *ScriptRunner) Markers() (start, end string) { return r.startMarker, r.endMarker }

// NewPackages returns the packages installed for this run.
func (r *ScriptRunner) NewPackages() []string { return r.rc.NewPackages }

// SetOnTraceback replaces the traceback callback.
func (r *ScriptRunner) SetOnTraceback(fn func(text string)) {
	r.mu.Lock()
	r.onTraceback = fn
	r.mu.Unlock()
}

func (r *ScriptRunner) scriptName() string {
	return filepath.Base(r.script)
}

// Start writes the wrapper, opens the terminal and starts monitoring. It
// returns once the window is launched; a launcher error is returned wrapped
// in launcher.ErrLaunchFailed and the run ends as launch_failed.
func (r *ScriptRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateInit {
		r.mu.Unlock()
		return errAlreadyStarted
	}
	monitorCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.state = StateSpawned
	r.mu.Unlock()
	r.running.Store(true)

	style := r.launcher.Style()
	err := writeWrapper(r.wrapperPath, style, wrapperParams{
		WindowTitle: r.title + " - " + r.scriptName(),
		Script:      r.script,
		OutputPath:  r.outputPath,
		StartMarker: r.startMarker,
		EndMarker:   r.endMarker,
		Context:     r.rc,
		HoldOpen:    style.HoldOpen,
	})
	if err == nil {
		var sess *launcher.Session
		sess, err = r.launcher.Launch(ctx, launcher.Request{
			RunID:       r.id,
			Title:       r.title,
			WrapperPath: r.wrapperPath,
			OutputPath:  r.outputPath,
		})
		if err == nil {
			log.Printf("🚀 Started %s (%s) as run %s", r.title, r.scriptName(), r.id)
			var exited <-chan struct{}
			if sess != nil {
				exited = sess.Exited
			}
			go r.monitor(monitorCtx, exited)
			return nil
		}
	}

	cancel()
	if !errors.Is(err, launcher.ErrLaunchFailed) {
		err = fmt.Errorf("%w: %v", launcher.ErrLaunchFailed, err)
	}
	log.Printf("❌ Failed to start %s (%s): %v", r.title, r.scriptName(), err)
	r.finish(StateLaunchFailed, fmt.Sprintf("Failed to launch %s (%s): %v", r.title, r.scriptName(), err))
	return err
}

// Stop ends monitoring and waits for cleanup. The script itself keeps
// running in its window. Stopping an unstarted runner marks it stopped.
// Called from OnTraceback, Stop only cancels; the run finishes once the
// callback returns.
func (r *ScriptRunner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	notStarted := r.state == StateInit
	r.mu.Unlock()

	if notStarted {
		r.finish(StateStopped, r.stoppedMessage())
		return
	}
	if cancel != nil {
		cancel()
	}
	if r.inCallback.Load() {
		return
	}
	<-r.done
}

// Wait blocks until monitoring has ended and cleanup is done.
func (r *ScriptRunner) Wait() {
	<-r.done
}

// Done is closed once monitoring has ended and cleanup is done.
func (r *ScriptRunner) Done() <-chan struct{} {
	return r.done
}

// IsRunning reports whether the run has not reached an outcome yet.
func (r *ScriptRunner) IsRunning() bool {
	return r.running.Load()
}

// State returns the current lifecycle state.
func (r *ScriptRunner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Outcome returns the terminal state, or "" while the run is in progress.
func (r *ScriptRunner) Outcome() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}

// Output drains and returns the queued events without blocking.
func (r *ScriptRunner) Output() []OutputEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.queue
	r.queue = nil
	return out
}

func (r *ScriptRunner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *ScriptRunner) push(kind EventKind, line string) {
	r.mu.Lock()
	r.queue = append(r.queue, OutputEvent{RunID: r.id, Kind: kind, Line: line, Time: time.Now()})
	r.mu.Unlock()
}

// finish records the outcome with its terminal event and cleans up. Only the
// first call has any effect.
func (r *ScriptRunner) finish(outcome State, message string) {
	r.cleanupOnce.Do(func() {
		kind := KindCompleted
		switch outcome {
		case StateLaunchFailed:
			kind = KindLaunchFailed
		case StateStopped:
			kind = KindStopped
		}

		r.mu.Lock()
		r.queue = append(r.queue, OutputEvent{RunID: r.id, Kind: kind, Line: message, Time: time.Now()})
		r.outcome = outcome
		r.state = outcome
		r.mu.Unlock()
		r.running.Store(false)

		switch outcome {
		case StateStopped:
			log.Printf("🛑 %s", message)
		case StateLaunchFailed:
			log.Printf("❌ %s", message)
		default:
			log.Printf("✅ %s", message)
		}

		r.cleanup()
		r.setState(StateCleanedUp)
		close(r.done)
	})
}

func (r *ScriptRunner) cleanup() {
	for _, path := range []string{r.wrapperPath, r.outputPath} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("⚠️ Failed to remove %s: %v", path, err)
		}
	}
}
