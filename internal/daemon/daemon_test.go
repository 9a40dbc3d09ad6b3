package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/getfinn/scriptrunner/internal/bridge"
	"github.com/getfinn/scriptrunner/internal/config"
	"github.com/getfinn/scriptrunner/internal/environment"
	"github.com/getfinn/scriptrunner/internal/launcher"
	"github.com/getfinn/scriptrunner/internal/ui"
)

// The tray on every platform exposes exactly what the daemon drives.
var _ Desktop = (*ui.TrayUI)(nil)

type fakeEnv struct{}

func (fakeEnv) EnsureEnvironment(context.Context) error { return nil }
func (fakeEnv) InstallMissing(context.Context, string) []string { return []string{"requests"} }
func (fakeEnv) ActivationDescriptor() environment.Activation { return environment.Activation{} }
func (fakeEnv) InterpreterPath() string { return "python3" }

// fakeLauncher writes a whole run into the output file.
type fakeLauncher struct {
	lines    []string
	err      error
	launches atomic.Int32
	closes   atomic.Int32
}

func (f *fakeLauncher) Name() string { return "fake" }
func (f *fakeLauncher) Style() launcher.Style { return launcher.Style{Shell: launcher.ShellBash} }

func (f *fakeLauncher) Launch(_ context.Context, req launcher.Request) (*launcher.Session, error) {
	if f.err != nil {
		return nil, fmt.Errorf("%w: %v", launcher.ErrLaunchFailed, f.err)
	}
	f.launches.Add(1)
	go func() {
		out, err := os.OpenFile(req.OutputPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return
		}
		defer out.Close()
		fmt.Fprintln(out, "START_OUTPUT_"+req.RunID)
		for _, line := range f.lines {
			fmt.Fprintln(out, line)
		}
		fmt.Fprintln(out, "END_OUTPUT_"+req.RunID)
	}()
	return &launcher.Session{}, nil
}

func (f *fakeLauncher) CloseAll(context.Context) error {
	f.closes.Add(1)
	return nil
}

type fakeDesktop struct {
	fix      bool
	quit     chan struct{}
	quitOnce sync.Once

	mu       sync.Mutex
	prompts  []string
	launches []string
}

func newFakeDesktop(fix bool) *fakeDesktop {
	return &fakeDesktop{fix: fix, quit: make(chan struct{})}
}

func (f *fakeDesktop) SetCallbacks(func(string), func(), func()) {}
func (f *fakeDesktop) Start() { <-f.quit }
func (f *fakeDesktop) Quit() { f.quitOnce.Do(func() { close(f.quit) }) }
func (f *fakeDesktop) UpdateActiveRuns(int) {}

func (f *fakeDesktop) PromptTraceback(source, text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, source)
	return f.fix
}

func (f *fakeDesktop) ShowLaunchError(message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches = append(f.launches, message)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Bridge.Addr = "127.0.0.1:0"
	cfg.Monitor.TempDir = t.TempDir()
	cfg.Monitor.RawPollInterval = "10ms"
	return cfg
}

func startDaemon(t *testing.T, opts Options) *Daemon {
	t.Helper()
	d, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	errc := make(chan error, 1)
	go func() { errc <- d.Start() }()

	deadline := time.Now().Add(5 * time.Second)
	for d.BridgeAddr() == opts.Config.Bridge.Addr {
		if time.Now().After(deadline) {
			t.Fatal("bridge did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Cleanup(func() {
		d.Quit()
		select {
		case err := <-errc:
			if err != nil {
				t.Errorf("Start: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Start did not return after Quit")
		}
	})
	return d
}

func dial(t *testing.T, d *Daemon) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+d.BridgeAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })

	deadline := time.Now().Add(5 * time.Second)
	for d.bridge.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("host never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ bridge.MessageType, runID string, payload any) {
	t.Helper()
	msg, err := bridge.NewMessage(typ, runID, payload)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(msg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil collects messages until one of type stop arrives.
func readUntil(t *testing.T, conn *websocket.Conn, stop bridge.MessageType) []*bridge.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var msgs []*bridge.Message
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read after %d messages: %v", len(msgs), err)
		}
		var msg bridge.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("bad message %s: %v", data, err)
		}
		msgs = append(msgs, &msg)
		if msg.Type == stop {
			return msgs
		}
	}
}

func byType(msgs []*bridge.Message, typ bridge.MessageType) []*bridge.Message {
	var out []*bridge.Message
	for _, m := range msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func writeScript(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.py")
	if err := os.WriteFile(path, []byte("print('hi')\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDaemon_RunStreamsToHost(t *testing.T) {
	cfg := testConfig(t)
	l := &fakeLauncher{lines: []string{"hello", "world"}}
	d := startDaemon(t, Options{Config: cfg, Headless: true, Launcher: l, Environment: fakeEnv{}})
	conn := dial(t, d)

	script := writeScript(t)
	send(t, conn, bridge.MessageTypeRun, "", bridge.RunPayload{ScriptPath: script, RequirementsPath: "requirements.txt"})
	msgs := readUntil(t, conn, bridge.MessageTypeComplete)

	if msgs[0].Type != bridge.MessageTypeRunStarted {
		t.Fatalf("first message = %s, want run_started", msgs[0].Type)
	}
	var started bridge.RunStartedPayload
	if err := msgs[0].Decode(&started); err != nil {
		t.Fatal(err)
	}
	if started.ScriptPath != script || len(started.Installed) != 1 || started.Installed[0] != "requests" {
		t.Errorf("run_started = %+v", started)
	}

	var lines []string
	for _, m := range byType(msgs, bridge.MessageTypeOutput) {
		var p bridge.OutputPayload
		if err := m.Decode(&p); err != nil {
			t.Fatal(err)
		}
		lines = append(lines, p.Line)
	}
	if len(lines) != 2 || lines[0] != "hello" || lines[1] != "world" {
		t.Errorf("output lines = %q", lines)
	}

	var done bridge.CompletePayload
	if err := msgs[len(msgs)-1].Decode(&done); err != nil {
		t.Fatal(err)
	}
	if done.Outcome != "completed" {
		t.Errorf("outcome = %q, want completed", done.Outcome)
	}
	if msgs[len(msgs)-1].RunID != msgs[0].RunID {
		t.Errorf("complete run id %q != started %q", msgs[len(msgs)-1].RunID, msgs[0].RunID)
	}
}

func TestDaemon_TracebackAndFixRequest(t *testing.T) {
	cfg := testConfig(t)
	l := &fakeLauncher{lines: []string{
		"Traceback (most recent call last):",
		`  File "app.py", line 1, in <module>`,
		"ZeroDivisionError: division by zero",
	}}
	desk := newFakeDesktop(true)
	d := startDaemon(t, Options{Config: cfg, Launcher: l, Environment: fakeEnv{}, Desktop: desk})
	conn := dial(t, d)

	send(t, conn, bridge.MessageTypeRun, "", bridge.RunPayload{ScriptPath: writeScript(t)})
	msgs := readUntil(t, conn, bridge.MessageTypeFixRequested)

	tbs := byType(msgs, bridge.MessageTypeTraceback)
	if len(tbs) != 1 {
		t.Fatalf("got %d traceback messages, want 1", len(tbs))
	}
	var tb bridge.TracebackPayload
	if err := tbs[0].Decode(&tb); err != nil {
		t.Fatal(err)
	}
	if tb.Text == "" {
		t.Error("empty traceback text")
	}

	desk.mu.Lock()
	prompts := len(desk.prompts)
	desk.mu.Unlock()
	if prompts != 1 {
		t.Errorf("prompted %d times, want 1", prompts)
	}
}

func TestDaemon_LaunchFailure(t *testing.T) {
	cfg := testConfig(t)
	l := &fakeLauncher{err: fmt.Errorf("no terminal")}
	desk := newFakeDesktop(false)
	d := startDaemon(t, Options{Config: cfg, Launcher: l, Environment: fakeEnv{}, Desktop: desk})
	conn := dial(t, d)

	script := writeScript(t)
	send(t, conn, bridge.MessageTypeRun, "", bridge.RunPayload{ScriptPath: script})
	msgs := readUntil(t, conn, bridge.MessageTypeLaunchFailed)

	var p bridge.ErrorPayload
	if err := msgs[len(msgs)-1].Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.ScriptPath != script {
		t.Errorf("script_path = %q, want %q", p.ScriptPath, script)
	}

	desk.mu.Lock()
	shown := len(desk.launches)
	desk.mu.Unlock()
	if shown != 1 {
		t.Errorf("launch error shown %d times, want 1", shown)
	}
}

func TestDaemon_StopUnknownRun(t *testing.T) {
	cfg := testConfig(t)
	d := startDaemon(t, Options{Config: cfg, Headless: true, Launcher: &fakeLauncher{}, Environment: fakeEnv{}})
	conn := dial(t, d)

	send(t, conn, bridge.MessageTypeStop, "missing", nil)
	msgs := readUntil(t, conn, bridge.MessageTypeError)
	if msgs[0].RunID != "missing" {
		t.Errorf("error run id = %q, want missing", msgs[0].RunID)
	}
}

func TestDaemon_UnknownMessageType(t *testing.T) {
	cfg := testConfig(t)
	d := startDaemon(t, Options{Config: cfg, Headless: true, Launcher: &fakeLauncher{}, Environment: fakeEnv{}})
	conn := dial(t, d)

	send(t, conn, bridge.MessageType("reboot"), "", nil)
	msgs := readUntil(t, conn, bridge.MessageTypeError)
	var p bridge.ErrorPayload
	if err := msgs[0].Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Message == "" {
		t.Error("empty error message")
	}
}

func TestDaemon_QuitClosesWindowsOnce(t *testing.T) {
	cfg := testConfig(t)
	l := &fakeLauncher{lines: []string{"ok"}}
	d := startDaemon(t, Options{Config: cfg, Headless: true, Launcher: l, Environment: fakeEnv{}})
	conn := dial(t, d)

	send(t, conn, bridge.MessageTypeRun, "", bridge.RunPayload{ScriptPath: writeScript(t)})
	readUntil(t, conn, bridge.MessageTypeComplete)

	d.Quit()
	d.Quit()
	if n := l.closes.Load(); n != 1 {
		t.Errorf("CloseAll called %d times, want 1", n)
	}
}

func TestDaemon_KeepWindows(t *testing.T) {
	cfg := testConfig(t)
	cfg.Launcher.KeepWindows = true
	l := &fakeLauncher{lines: []string{"ok"}}
	d := startDaemon(t, Options{Config: cfg, Headless: true, Launcher: l, Environment: fakeEnv{}})
	conn := dial(t, d)

	send(t, conn, bridge.MessageTypeRun, "", bridge.RunPayload{ScriptPath: writeScript(t)})
	readUntil(t, conn, bridge.MessageTypeComplete)

	d.Quit()
	if n := l.closes.Load(); n != 0 {
		t.Errorf("CloseAll called %d times with keep_windows", n)
	}
}

func TestDaemon_RunAfterQuitAddsNoPump(t *testing.T) {
	cfg := testConfig(t)
	l := &fakeLauncher{lines: []string{"ok"}}
	d, err := New(Options{Config: cfg, Headless: true, Launcher: l, Environment: fakeEnv{}})
	if err != nil {
		t.Fatal(err)
	}
	d.Quit()
	d.startRun(writeScript(t), "")

	waited := make(chan struct{})
	go func() {
		d.pumps.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("a pump was registered after Quit")
	}
	if n := l.launches.Load(); n != 0 {
		t.Errorf("launched %d runs after Quit", n)
	}
}
