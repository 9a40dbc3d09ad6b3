//go:build !darwin && !windows

package ui

import (
	"log"
	"sync"

	"github.com/getfinn/scriptrunner/internal/config"
)

// TrayUI manages the system tray UI (stub for Linux/WSL)
type TrayUI struct {
	cfg         *config.Config
	onRunScript func(path string)
	onStopAll   func()
	onQuit      func()

	mu     sync.Mutex
	active int
	quit   chan struct{}
	once   sync.Once
}

// NewTrayUI creates a new system tray UI (stub for Linux/WSL)
func NewTrayUI(cfg *config.Config) *TrayUI {
	return &TrayUI{cfg: cfg, quit: make(chan struct{})}
}

// SetCallbacks sets the callback functions
func (t *TrayUI) SetCallbacks(onRunScript func(string), onStopAll, onQuit func()) {
	t.onRunScript = onRunScript
	t.onStopAll = onStopAll
	t.onQuit = onQuit
}

// Start blocks until Quit. There is no tray on Linux/WSL.
func (t *TrayUI) Start() {
	log.Println("System tray not available on Linux/WSL - running in headless mode")
	<-t.quit
}

// Quit makes Start return.
func (t *TrayUI) Quit() {
	t.once.Do(func() { close(t.quit) })
}

// UpdateActiveRuns records the number of live runs (no GUI on Linux/WSL)
func (t *TrayUI) UpdateActiveRuns(n int) {
	t.mu.Lock()
	t.active = n
	t.mu.Unlock()
}

// PromptTraceback logs the traceback. Without a dialog there is nobody to
// ask, so no fix is requested.
func (t *TrayUI) PromptTraceback(source, text string) bool {
	log.Printf("🐞 Error detected in %s:\n%s", source, text)
	return false
}

// ShowLaunchError logs a launch failure.
func (t *TrayUI) ShowLaunchError(message string) {
	log.Printf("❌ Launch failed: %s", message)
}

// SelectScript opens a file picker (not available on Linux/WSL)
func (t *TrayUI) SelectScript() string {
	log.Println("⚠️ File picker not available on Linux/WSL - use the CLI or the bridge to run scripts")
	return ""
}
