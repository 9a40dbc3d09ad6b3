package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/getfinn/scriptrunner/internal/environment"
	"github.com/getfinn/scriptrunner/internal/launcher"
	"github.com/getfinn/scriptrunner/internal/runner"
)

type fakeEnv struct {
	mu        sync.Mutex
	ensureErr error
	installed []string
	ensured   int
	installs  []string
}

func (f *fakeEnv) EnsureEnvironment(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured++
	return f.ensureErr
}

func (f *fakeEnv) InstallMissing(_ context.Context, path string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installs = append(f.installs, path)
	return f.installed
}

func (f *fakeEnv) ActivationDescriptor() environment.Activation {
	return environment.Activation{Path: "/env/bin/activate", Command: `source "/env/bin/activate"`}
}

func (f *fakeEnv) InterpreterPath() string { return "/env/bin/python" }

// fakeLauncher writes the start marker and, when finish is set, the rest of
// the run straight into the output file.
type fakeLauncher struct {
	err      error
	finish   bool
	payload  []string
	launches atomic.Int32
	closes   atomic.Int32

	mu     sync.Mutex
	titles []string
}

func (f *fakeLauncher) Name() string { return "fake" }
func (f *fakeLauncher) Style() launcher.Style { return launcher.Style{Shell: launcher.ShellBash} }

func (f *fakeLauncher) Launch(_ context.Context, req launcher.Request) (*launcher.Session, error) {
	if f.err != nil {
		return nil, fmt.Errorf("%w: %v", launcher.ErrLaunchFailed, f.err)
	}
	f.launches.Add(1)
	f.mu.Lock()
	f.titles = append(f.titles, req.Title)
	f.mu.Unlock()

	go func() {
		out, err := os.OpenFile(req.OutputPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return
		}
		defer out.Close()
		fmt.Fprintln(out, "START_OUTPUT_"+req.RunID)
		for _, line := range f.payload {
			fmt.Fprintln(out, line)
		}
		if f.finish {
			fmt.Fprintln(out, "END_OUTPUT_"+req.RunID)
		}
	}()
	return &launcher.Session{}, nil
}

func (f *fakeLauncher) CloseAll(context.Context) error {
	f.closes.Add(1)
	return nil
}

func newTestOrchestrator(t *testing.T, env *fakeEnv, l *fakeLauncher, onTB func(*runner.ScriptRunner, string)) *Orchestrator {
	t.Helper()
	return New(Options{
		Environment:  env,
		Launcher:     l,
		TempDir:      t.TempDir(),
		PollInterval: 10 * time.Millisecond,
		OnTraceback:  onTB,
	})
}

func writeScript(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.py")
	if err := os.WriteFile(path, []byte("print('hi')\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRun_MissingScript(t *testing.T) {
	l := &fakeLauncher{}
	o := newTestOrchestrator(t, &fakeEnv{}, l, nil)

	_, err := o.Run(context.Background(), filepath.Join(t.TempDir(), "nope.py"), "")
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want not-exist", err)
	}
	if l.launches.Load() != 0 {
		t.Error("launched a missing script")
	}
}

func TestRun_TracksUntilDone(t *testing.T) {
	env := &fakeEnv{installed: []string{"requests"}}
	l := &fakeLauncher{finish: true, payload: []string{"hi"}}
	o := newTestOrchestrator(t, env, l, nil)

	run, err := o.Run(context.Background(), writeScript(t), "/tmp/requirements.txt")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := run.NewPackages(); len(got) != 1 || got[0] != "requests" {
		t.Errorf("NewPackages() = %v", got)
	}
	if env.ensured != 1 || len(env.installs) != 1 {
		t.Errorf("ensured %d, installs %v", env.ensured, env.installs)
	}

	run.Wait()
	waitFor(t, func() bool { return len(o.Live()) == 0 })
	if run.Outcome() != runner.StateCompleted {
		t.Errorf("Outcome() = %s", run.Outcome())
	}
}

func TestRun_NumbersWindows(t *testing.T) {
	l := &fakeLauncher{finish: true}
	o := newTestOrchestrator(t, &fakeEnv{}, l, nil)
	script := writeScript(t)

	for i := 0; i < 3; i++ {
		run, err := o.Run(context.Background(), script, "")
		if err != nil {
			t.Fatal(err)
		}
		run.Wait()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	want := []string{"Script Runner 1", "Script Runner 2", "Script Runner 3"}
	for i, title := range want {
		if l.titles[i] != title {
			t.Errorf("title %d = %q, want %q", i, l.titles[i], title)
		}
	}
}

func TestRun_EnvironmentFailureIsNotFatal(t *testing.T) {
	env := &fakeEnv{ensureErr: environment.ErrEnvironment}
	o := newTestOrchestrator(t, env, &fakeLauncher{finish: true}, nil)

	run, err := o.Run(context.Background(), writeScript(t), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	run.Wait()
	if len(env.installs) != 0 {
		t.Error("installed without a requirements file")
	}
}

func TestRun_LaunchFailure(t *testing.T) {
	l := &fakeLauncher{err: errors.New("no display")}
	o := newTestOrchestrator(t, &fakeEnv{}, l, nil)

	run, err := o.Run(context.Background(), writeScript(t), "")
	if !errors.Is(err, launcher.ErrLaunchFailed) {
		t.Fatalf("err = %v, want ErrLaunchFailed", err)
	}
	if run != nil || len(o.Live()) != 0 {
		t.Error("failed run was registered")
	}

	o.Shutdown()
	if l.closes.Load() != 0 {
		t.Error("CloseAll called although no window was opened")
	}
}

func TestRun_TracebackCallback(t *testing.T) {
	var (
		mu   sync.Mutex
		seen string
		from *runner.ScriptRunner
	)
	l := &fakeLauncher{finish: true, payload: []string{
		"Traceback (most recent call last):",
		"ZeroDivisionError: division by zero",
	}}
	o := newTestOrchestrator(t, &fakeEnv{}, l, func(run *runner.ScriptRunner, text string) {
		mu.Lock()
		defer mu.Unlock()
		seen, from = text, run
	})

	run, err := o.Run(context.Background(), writeScript(t), "")
	if err != nil {
		t.Fatal(err)
	}
	run.Wait()

	mu.Lock()
	defer mu.Unlock()
	if seen != "Traceback (most recent call last):\nZeroDivisionError: division by zero" {
		t.Errorf("traceback = %q", seen)
	}
	if from != run {
		t.Error("callback received the wrong run")
	}
}

func TestShutdown(t *testing.T) {
	l := &fakeLauncher{}
	o := newTestOrchestrator(t, &fakeEnv{}, l, nil)
	script := writeScript(t)

	var runs []*runner.ScriptRunner
	for i := 0; i < 3; i++ {
		run, err := o.Run(context.Background(), script, "")
		if err != nil {
			t.Fatal(err)
		}
		runs = append(runs, run)
	}
	if n := len(o.Live()); n != 3 {
		t.Fatalf("Live() = %d runs, want 3", n)
	}

	o.Shutdown()
	o.Shutdown()

	for _, run := range runs {
		if run.IsRunning() || run.Outcome() != runner.StateStopped {
			t.Errorf("%s: running %v, outcome %s", run.ID(), run.IsRunning(), run.Outcome())
		}
	}
	if n := l.closes.Load(); n != 1 {
		t.Errorf("CloseAll called %d times, want 1", n)
	}
	if _, err := o.Run(context.Background(), script, ""); !errors.Is(err, ErrShutdown) {
		t.Errorf("Run after Shutdown = %v, want ErrShutdown", err)
	}
}

func TestStop(t *testing.T) {
	o := newTestOrchestrator(t, &fakeEnv{}, &fakeLauncher{}, nil)
	run, err := o.Run(context.Background(), writeScript(t), "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := o.Get(run.ID()); !ok {
		t.Fatal("run not registered")
	}

	if !o.Stop(run.ID()) {
		t.Fatal("Stop() = false for a live run")
	}
	waitFor(t, func() bool {
		_, ok := o.Get(run.ID())
		return !ok
	})
	if o.Stop(run.ID()) {
		t.Error("Stop() = true for a finished run")
	}
}
