package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// wakeReason says why the monitor woke up.
type wakeReason int

const (
	wakeTick wakeReason = iota
	wakeCancelled
	wakeExited
	wakeTimeout
)

// wakeup combines fsnotify events on the output file's directory with a
// poll ticker, so the monitor never waits longer than the poll interval
// even when events are unavailable or dropped.
type wakeup struct {
	target string
	fs     *fsnotify.Watcher
	ticker *time.Ticker
	exited <-chan struct{}
}

func newWakeup(target string, poll time.Duration, exited <-chan struct{}) *wakeup {
	w := &wakeup{
		target: filepath.Clean(target),
		ticker: time.NewTicker(poll),
		exited: exited,
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("⚠️ fsnotify unavailable, using poll-only mode: %v", err)
		return w
	}
	if err := fsWatcher.Add(filepath.Dir(w.target)); err != nil {
		log.Printf("⚠️ Failed to watch %s: %v", filepath.Dir(w.target), err)
		fsWatcher.Close()
		return w
	}
	w.fs = fsWatcher
	return w
}

func (w *wakeup) events() <-chan fsnotify.Event {
	if w.fs == nil {
		return nil
	}
	return w.fs.Events
}

func (w *wakeup) errs() <-chan error {
	if w.fs == nil {
		return nil
	}
	return w.fs.Errors
}

// wait blocks until something relevant may have happened to the target.
// timeout may be nil. Once the process exit has been reported it is not
// reported again.
func (w *wakeup) wait(ctx context.Context, timeout <-chan time.Time) wakeReason {
	for {
		select {
		case <-ctx.Done():
			return wakeCancelled
		case <-w.exited:
			w.exited = nil
			return wakeExited
		case <-timeout:
			return wakeTimeout
		case <-w.ticker.C:
			return wakeTick
		case event, ok := <-w.events():
			if !ok {
				w.fs = nil
				continue
			}
			if filepath.Clean(event.Name) == w.target {
				return wakeTick
			}
		case err, ok := <-w.errs():
			if ok {
				log.Printf("⚠️ Output watcher error: %v", err)
			}
		}
	}
}

func (w *wakeup) close() {
	w.ticker.Stop()
	if w.fs != nil {
		w.fs.Close()
	}
}

// monitor is the run's single goroutine. It waits for the output file,
// tails it, and finishes the run with exactly one terminal event.
func (r *ScriptRunner) monitor(ctx context.Context, exited <-chan struct{}) {
	// No-op after a normal finish; guarantees cleanup if anything below panics.
	defer r.finish(StateStopped, r.stoppedMessage())

	wake := newWakeup(r.outputPath, r.pollInterval, exited)
	defer wake.close()

	f, outcome, reason := r.waitForOutput(ctx, wake)
	if f == nil {
		r.finish(outcome, reason)
		return
	}
	defer f.Close()

	r.setState(StateCapturing)
	outcome, reason = r.tail(ctx, f, wake)
	r.finish(outcome, reason)
}

// waitForOutput returns the opened output file, or the outcome that ended
// the wait.
func (r *ScriptRunner) waitForOutput(ctx context.Context, wake *wakeup) (*os.File, State, string) {
	var timeout <-chan time.Time
	if r.launchTimeout > 0 {
		timer := time.NewTimer(r.launchTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	exited := false
	for {
		if ctx.Err() != nil {
			return nil, StateStopped, r.stoppedMessage()
		}
		f, err := os.Open(r.outputPath)
		if err == nil {
			return f, "", ""
		}
		if !errors.Is(err, os.ErrNotExist) {
			log.Printf("⚠️ Cannot open output file %s: %v", r.outputPath, err)
		}
		if exited {
			return nil, StateLaunchFailed, fmt.Sprintf("%s (%s) exited before producing output.", r.title, r.scriptName())
		}

		switch wake.wait(ctx, timeout) {
		case wakeCancelled:
			return nil, StateStopped, r.stoppedMessage()
		case wakeTimeout:
			return nil, StateLaunchFailed, fmt.Sprintf("Timed out after %s waiting for %s (%s) to start.", r.launchTimeout, r.title, r.scriptName())
		case wakeExited:
			// one more look at the file before giving up
			exited = true
		}
	}
}

// tail reads the output file until the end marker, the process exits, the
// file disappears or ctx is cancelled.
func (r *ScriptRunner) tail(ctx context.Context, f *os.File, wake *wakeup) (State, string) {
	reader := bufio.NewReader(f)
	var partial strings.Builder
	started := false
	exited := false

	for {
		if ctx.Err() != nil {
			return r.stoppedOutcome()
		}

		for {
			chunk, err := reader.ReadString('\n')
			if err != nil {
				partial.WriteString(chunk)
				if !errors.Is(err, io.EOF) {
					log.Printf("⚠️ Error reading %s: %v", r.outputPath, err)
				}
				break
			}
			line := partial.String() + chunk
			partial.Reset()
			if r.handleLine(strings.TrimRight(line, "\r\n"), &started) {
				return r.completedOutcome()
			}
			if ctx.Err() != nil {
				return r.stoppedOutcome()
			}
		}

		if exited || !fileExists(r.outputPath) {
			if rest := strings.TrimRight(partial.String(), "\r\n"); rest != "" {
				if r.handleLine(rest, &started) {
					return r.completedOutcome()
				}
			}
			return r.completedOutcome()
		}

		switch wake.wait(ctx, nil) {
		case wakeCancelled:
			return r.stoppedOutcome()
		case wakeExited:
			// drain what is left, then complete
			exited = true
		}
	}
}

// handleLine processes one output line and reports whether it was the end
// marker.
func (r *ScriptRunner) handleLine(line string, started *bool) bool {
	line = strings.TrimPrefix(line, "\ufeff")
	if !*started {
		if line == r.startMarker {
			*started = true
		}
		return false
	}
	if line == r.endMarker {
		return true
	}

	r.push(KindLine, line)
	if text, ok := r.traceback.feed(line); ok {
		r.deliverTraceback(text)
	}
	return false
}

func (r *ScriptRunner) deliverTraceback(text string) {
	r.mu.Lock()
	r.tracebacks++
	cb := r.onTraceback
	r.mu.Unlock()

	log.Printf("🐞 Traceback detected in %s (%s)", r.title, r.scriptName())
	if cb != nil {
		r.inCallback.Store(true)
		defer r.inCallback.Store(false)
		cb(text)
	}
}

func (r *ScriptRunner) completedOutcome() (State, string) {
	if n := r.traceback.pending(); n > 0 {
		log.Printf("⚠️ Dropping unterminated traceback (%d lines) from %s", n, r.scriptName())
		r.traceback.reset()
	}

	r.mu.Lock()
	observed := r.tracebacks > 0
	r.mu.Unlock()

	msg := fmt.Sprintf("%s (%s) has completed.", r.title, r.scriptName())
	if observed {
		return StateErrorObserved, msg
	}
	return StateCompleted, msg
}

func (r *ScriptRunner) stoppedOutcome() (State, string) {
	return StateStopped, r.stoppedMessage()
}

func (r *ScriptRunner) stoppedMessage() string {
	return fmt.Sprintf("Stopped monitoring %s (%s).", r.title, r.scriptName())
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
