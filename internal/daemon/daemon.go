// Package daemon is the long-running script runner process. It accepts run
// requests from the host over the bridge and from the tray, and streams every
// run's output, tracebacks and outcome back to the host.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/getfinn/scriptrunner/internal/bridge"
	"github.com/getfinn/scriptrunner/internal/config"
	"github.com/getfinn/scriptrunner/internal/environment"
	"github.com/getfinn/scriptrunner/internal/launcher"
	"github.com/getfinn/scriptrunner/internal/orchestrator"
	"github.com/getfinn/scriptrunner/internal/signature"
	"github.com/getfinn/scriptrunner/internal/ui"
)

// Desktop is the interactive surface: a tray menu plus dialogs.
type Desktop interface {
	SetCallbacks(onRunScript func(string), onStopAll, onQuit func())
	Start()
	Quit()
	UpdateActiveRuns(n int)
	PromptTraceback(source, text string) bool
	ShowLaunchError(message string)
}

// Options configures a Daemon. Launcher, Environment and Desktop override
// the ones built from Config.
type Options struct {
	Config      *config.Config
	Headless    bool
	Launcher    launcher.Launcher
	Environment orchestrator.Environment
	Desktop     Desktop
}

// Daemon wires the environment, launcher, orchestrator, bridge and UI.
type Daemon struct {
	cfg      *config.Config
	headless bool
	orch     *orchestrator.Orchestrator
	bridge   *bridge.Server
	desktop  Desktop

	ctx    context.Context
	cancel context.CancelFunc

	// mu orders pumps.Add against the cancel in Quit, so no pump is added
	// once Start may be waiting on pumps.
	mu       sync.Mutex
	pumps    sync.WaitGroup
	quitOnce sync.Once
}

// New creates a daemon instance.
func New(opts Options) (*Daemon, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	env := opts.Environment
	if env == nil {
		env = environment.NewManager(environment.Options{
			Name:       cfg.Environment.Name,
			Root:       cfg.Environment.Root,
			BasePython: cfg.Environment.BasePython,
		})
	}

	l := opts.Launcher
	if l == nil {
		var echo io.Writer
		if cfg.Launcher.EchoHeadless {
			echo = os.Stdout
		}
		var err error
		l, err = launcher.New(cfg.Launcher.Backend, launcher.Options{
			WindowTitle: cfg.Launcher.WindowTitle,
			Terminal:    cfg.Launcher.Terminal,
			Echo:        echo,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create launcher: %w", err)
		}
	}
	log.Printf("🖥️  Using %s launcher", l.Name())

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		cfg:      cfg,
		headless: opts.Headless,
		desktop:  opts.Desktop,
		ctx:      ctx,
		cancel:   cancel,
	}
	if d.desktop == nil && !d.headless {
		d.desktop = ui.NewTrayUI(cfg)
	}

	d.orch = orchestrator.New(orchestrator.Options{
		Environment:   env,
		Launcher:      l,
		Detector:      signature.NewPython(cfg.Detector.ExtraSignatures...),
		TempDir:       cfg.Monitor.TempDir,
		WindowTitle:   cfg.Launcher.WindowTitle,
		LaunchTimeout: cfg.Monitor.LaunchTimeout(),
		PollInterval:  cfg.Monitor.PollInterval(),
		KeepWindows:   cfg.Launcher.KeepWindows,
		OnTraceback:   d.handleTraceback,
	})
	d.bridge = bridge.NewServer(cfg.Bridge.Addr, d.handleMessage)
	return d, nil
}

// Start starts the bridge and blocks until the daemon quits. With a desktop
// it must be called from the main goroutine.
func (d *Daemon) Start() error {
	log.Println("🚀 Script runner daemon starting...")

	if err := d.bridge.Start(); err != nil {
		d.cancel()
		return err
	}

	go d.waitForSignal()

	if d.desktop != nil {
		d.desktop.SetCallbacks(d.handleRunScript, d.handleStopAll, d.Quit)
		d.desktop.Start()
		d.Quit()
	} else {
		log.Println("✅ Running in headless mode - press Ctrl+C to stop")
		<-d.ctx.Done()
	}

	d.pumps.Wait()
	return nil
}

// BridgeAddr returns the address the bridge listens on.
func (d *Daemon) BridgeAddr() string {
	return d.bridge.Addr()
}

// waitForSignal quits on SIGINT/SIGTERM.
func (d *Daemon) waitForSignal() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		log.Printf("Received signal: %v", sig)
		d.Quit()
	case <-d.ctx.Done():
	}
}

// Quit stops every run, closes the windows and the bridge, and makes Start
// return. Safe to call more than once.
func (d *Daemon) Quit() {
	d.quitOnce.Do(func() {
		log.Println("Shutting down...")

		d.orch.Shutdown()
		if err := d.bridge.Close(); err != nil {
			log.Printf("⚠️  Bridge close: %v", err)
		}
		d.mu.Lock()
		d.cancel()
		d.mu.Unlock()

		if d.desktop != nil {
			d.desktop.Quit()
		}
	})
}

// addPump reserves a pump slot, or reports false once the daemon is quitting.
func (d *Daemon) addPump() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx.Err() != nil {
		return false
	}
	d.pumps.Add(1)
	return true
}

// updateDesktop refreshes the tray's active run count.
func (d *Daemon) updateDesktop() {
	if d.desktop == nil {
		return
	}
	n := 0
	for _, run := range d.orch.Live() {
		if run.IsRunning() {
			n++
		}
	}
	d.desktop.UpdateActiveRuns(n)
}
