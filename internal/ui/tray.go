//go:build darwin || windows

package ui

import (
	_ "embed"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"runtime"
	"sync"

	"github.com/getlantern/systray"
	"github.com/sqweek/dialog"

	"github.com/getfinn/scriptrunner/internal/config"
)

// Embed the tray icon at compile time
//
//go:embed assets/icon.png
var iconData []byte

// TrayUI manages the system tray UI
type TrayUI struct {
	cfg         *config.Config
	statusItem  *systray.MenuItem
	onRunScript func(path string)
	onStopAll   func()
	onQuit      func()

	mu     sync.Mutex
	active int
}

// NewTrayUI creates a new system tray UI
func NewTrayUI(cfg *config.Config) *TrayUI {
	return &TrayUI{cfg: cfg}
}

// SetCallbacks sets the callback functions
func (t *TrayUI) SetCallbacks(onRunScript func(string), onStopAll, onQuit func()) {
	t.onRunScript = onRunScript
	t.onStopAll = onStopAll
	t.onQuit = onQuit
}

// Start starts the system tray. It blocks until Quit and must run on the
// main goroutine.
func (t *TrayUI) Start() {
	systray.Run(t.onReady, t.onExit)
}

// Quit closes the tray, which makes Start return.
func (t *TrayUI) Quit() {
	systray.Quit()
}

// onReady is called when the tray is ready
func (t *TrayUI) onReady() {
	log.Println("🎨 System tray initializing...")

	systray.SetIcon(iconData)

	// Don't set title on macOS - it takes up menu bar space
	if runtime.GOOS == "windows" {
		systray.SetTitle(t.cfg.Launcher.WindowTitle)
	}
	systray.SetTooltip(t.cfg.Launcher.WindowTitle + " - runs scripts in terminal windows")

	t.statusItem = systray.AddMenuItem(t.statusText(), "Active runs")
	t.statusItem.Disable()

	systray.AddSeparator()

	runItem := systray.AddMenuItem("Run Script...", "Pick a Python script to run")
	stopItem := systray.AddMenuItem("Stop All Runs", "Stop monitoring every running script")
	configItem := systray.AddMenuItem("Open Config Folder", "Show config and environments")

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Stop all runs and close their windows")

	log.Println("✅ System tray ready - check your menu bar!")

	go func() {
		for {
			select {
			case <-runItem.ClickedCh:
				if path := t.SelectScript(); path != "" && t.onRunScript != nil {
					t.onRunScript(path)
				}

			case <-stopItem.ClickedCh:
				if t.onStopAll != nil {
					t.onStopAll()
				}

			case <-configItem.ClickedCh:
				t.openConfigFolder()

			case <-quitItem.ClickedCh:
				log.Println("Quit requested from tray")
				if t.onQuit != nil {
					t.onQuit()
				}
				systray.Quit()
				return
			}
		}
	}()
}

// onExit is called when the tray is exiting
func (t *TrayUI) onExit() {
	log.Println("System tray exiting")
}

func (t *TrayUI) statusText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.active {
	case 0:
		return "⚪ No scripts running"
	case 1:
		return "🟢 1 script running"
	default:
		return fmt.Sprintf("🟢 %d scripts running", t.active)
	}
}

// UpdateActiveRuns updates the status line with the number of live runs.
func (t *TrayUI) UpdateActiveRuns(n int) {
	t.mu.Lock()
	t.active = n
	t.mu.Unlock()

	if t.statusItem != nil {
		t.statusItem.SetTitle(t.statusText())
	}
}

// PromptTraceback shows a detected traceback and asks whether to request a
// fix. It blocks until the user answers.
func (t *TrayUI) PromptTraceback(source, text string) bool {
	return dialog.Message("An error was detected in %s:\n\n%s\n\nRequest a fix?", source, text).
		Title("Error Detected").
		YesNo()
}

// ShowLaunchError tells the user a terminal window could not be opened.
func (t *TrayUI) ShowLaunchError(message string) {
	dialog.Message("%s", message).Title("Launch Failed").Error()
}

// SelectScript opens a file picker and returns the selected script.
// Returns empty string if cancelled or error
func (t *TrayUI) SelectScript() string {
	path, err := dialog.File().Filter("Python scripts", "py").Title("Select Script").Load()
	if err != nil {
		if !errors.Is(err, dialog.ErrCancelled) {
			log.Printf("Error selecting script: %v", err)
		}
		return ""
	}

	log.Printf("Selected script: %s", path)
	return path
}

// openConfigFolder reveals the config directory in the file manager
func (t *TrayUI) openConfigFolder() {
	dir := config.DefaultConfigDir()

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", dir)
	case "windows":
		cmd = exec.Command("explorer", dir)
	default:
		log.Printf("Unsupported platform: %s", runtime.GOOS)
		return
	}

	if err := cmd.Start(); err != nil {
		log.Printf("Failed to open config folder: %v", err)
	}
}
