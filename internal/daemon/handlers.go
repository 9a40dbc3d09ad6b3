package daemon

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/getfinn/scriptrunner/internal/bridge"
	"github.com/getfinn/scriptrunner/internal/launcher"
	"github.com/getfinn/scriptrunner/internal/runner"
)

// handleMessage is the main message router for incoming bridge messages.
func (d *Daemon) handleMessage(msg *bridge.Message) {
	log.Printf("Handling message of type: %s", msg.Type)

	switch msg.Type {
	case bridge.MessageTypeRun:
		var p bridge.RunPayload
		if err := msg.Decode(&p); err != nil || p.ScriptPath == "" {
			d.sendError("", fmt.Sprintf("invalid run request: %v", err))
			return
		}
		// Installs can take minutes; keep the read pump free.
		go d.startRun(p.ScriptPath, p.RequirementsPath)

	case bridge.MessageTypeStop:
		var p bridge.StopPayload
		if len(msg.Payload) > 0 {
			if err := msg.Decode(&p); err != nil {
				d.sendError(msg.RunID, fmt.Sprintf("invalid stop request: %v", err))
				return
			}
		}
		id := p.RunID
		if id == "" {
			id = msg.RunID
		}
		if id == "" {
			d.sendError("", "stop request without a run id")
			return
		}
		go func() {
			if !d.orch.Stop(id) {
				d.sendError(id, "no live run with id "+id)
			}
		}()

	case bridge.MessageTypeStopAll:
		go d.handleStopAll()

	default:
		log.Printf("Unknown message type: %s", msg.Type)
		d.sendError(msg.RunID, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

// handleRunScript runs a script picked in the tray, with the requirements
// file next to it if there is one.
func (d *Daemon) handleRunScript(path string) {
	reqs := filepath.Join(filepath.Dir(path), "requirements.txt")
	if _, err := os.Stat(reqs); err != nil {
		reqs = ""
	}
	go d.startRun(path, reqs)
}

func (d *Daemon) handleStopAll() {
	log.Println("🛑 Stopping all runs")
	d.orch.StopAll()
	d.updateDesktop()
}

// startRun launches one script and starts pumping its output to the host.
func (d *Daemon) startRun(scriptPath, requirementsPath string) {
	if !d.addPump() {
		log.Printf("⚠️  Ignoring run of %s: shutting down", scriptPath)
		return
	}
	run, err := d.orch.Run(d.ctx, scriptPath, requirementsPath)
	if err != nil {
		d.pumps.Done()
		log.Printf("❌ Run %s failed: %v", scriptPath, err)
		payload := bridge.ErrorPayload{Message: err.Error(), ScriptPath: scriptPath}
		if errors.Is(err, launcher.ErrLaunchFailed) {
			d.bridge.Send(bridge.MessageTypeLaunchFailed, "", payload)
			if d.desktop != nil {
				d.desktop.ShowLaunchError(err.Error())
			}
			return
		}
		d.bridge.Send(bridge.MessageTypeError, "", payload)
		return
	}

	d.bridge.Send(bridge.MessageTypeRunStarted, run.ID(), bridge.RunStartedPayload{
		ScriptPath: run.ScriptPath(),
		Title:      run.Title(),
		Installed:  run.NewPackages(),
	})
	d.updateDesktop()

	go d.pump(run)
}

// pump drains a run's output queue every poll interval until it finishes.
func (d *Daemon) pump(run *runner.ScriptRunner) {
	defer d.pumps.Done()

	ticker := time.NewTicker(d.cfg.Monitor.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.forward(run, run.Output())
		case <-run.Done():
			d.forward(run, run.Output())
			d.updateDesktop()
			return
		}
	}
}

func (d *Daemon) forward(run *runner.ScriptRunner, events []runner.OutputEvent) {
	for _, e := range events {
		switch e.Kind {
		case runner.KindLine:
			d.bridge.Send(bridge.MessageTypeOutput, e.RunID, bridge.OutputPayload{Line: e.Line})
		case runner.KindLaunchFailed:
			d.bridge.Send(bridge.MessageTypeLaunchFailed, e.RunID, bridge.ErrorPayload{Message: e.Line, ScriptPath: run.ScriptPath()})
		default:
			d.bridge.Send(bridge.MessageTypeComplete, e.RunID, bridge.CompletePayload{
				Outcome: string(run.Outcome()),
				Message: e.Line,
			})
		}
	}
}

// handleTraceback runs on the run's monitor goroutine, so the dialog is shown
// from its own goroutine.
func (d *Daemon) handleTraceback(run *runner.ScriptRunner, text string) {
	d.bridge.Send(bridge.MessageTypeTraceback, run.ID(), bridge.TracebackPayload{Text: text})

	if d.desktop == nil {
		return
	}
	source := fmt.Sprintf("%s (%s)", run.Title(), filepath.Base(run.ScriptPath()))
	go func() {
		if d.desktop.PromptTraceback(source, text) {
			log.Printf("🔧 Fix requested for %s", source)
			d.bridge.Send(bridge.MessageTypeFixRequested, run.ID(), bridge.TracebackPayload{Text: text})
		}
	}()
}

func (d *Daemon) sendError(runID, message string) {
	log.Printf("⚠️ %s", message)
	d.bridge.Send(bridge.MessageTypeError, runID, bridge.ErrorPayload{Message: message})
}
