//go:build !windows

package launcher

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// PTY runs wrappers in a pseudo-terminal owned by this process. It is the
// headless backend: nothing is shown unless Echo is set.
type PTY struct {
	echo io.Writer

	mu    sync.Mutex
	procs map[int]ptyProc
}

type ptyProc struct {
	cmd    *exec.Cmd
	exited chan struct{}
}

// NewPTY creates the headless backend. bash must be on PATH.
func NewPTY(opts Options) (*PTY, error) {
	if _, err := opts.lookPath("bash"); err != nil {
		return nil, fmt.Errorf("%w: pty backend needs bash: %v", ErrLaunchFailed, err)
	}
	echo := opts.Echo
	if echo == nil {
		echo = io.Discard
	}
	return &PTY{echo: echo, procs: make(map[int]ptyProc)}, nil
}

// Name implements Launcher.
func (p *PTY) Name() string { return "pty" }

// Style implements Launcher.
func (p *PTY) Style() Style { return Style{Shell: ShellBash} }

// Launch implements Launcher.
func (p *PTY) Launch(_ context.Context, req Request) (*Session, error) {
	cmd := exec.Command("bash", req.WrapperPath)
	f, err := startPTY(cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: pty: %v", ErrLaunchFailed, err)
	}

	pid := cmd.Process.Pid
	exited := make(chan struct{})
	p.mu.Lock()
	p.procs[pid] = ptyProc{cmd: cmd, exited: exited}
	p.mu.Unlock()

	copied := make(chan struct{})
	go func() {
		defer close(copied)
		// Returns EIO once the child side closes.
		_, _ = io.Copy(p.echo, f)
	}()
	go func() {
		_ = cmd.Wait()
		select {
		case <-copied:
		case <-time.After(time.Second):
		}
		f.Close()
		<-copied
		p.mu.Lock()
		delete(p.procs, pid)
		p.mu.Unlock()
		close(exited)
	}()

	log.Printf("🖥️  Started headless session %q (pid %d)", req.Title, pid)
	return &Session{Exited: exited}, nil
}

// startPTY runs cmd as a session leader with the pty's tty on its stdio.
// Ctty names a descriptor in the child, so it is stdin (0), not the
// parent's tty fd.
func startPTY(cmd *exec.Cmd) (*os.File, error) {
	ptyFile, ttyFile, err := pty.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = ttyFile.Close() }()

	_ = pty.Setsize(ptyFile, &pty.Winsize{Cols: 120, Rows: 30})

	cmd.Stdin = ttyFile
	cmd.Stdout = ttyFile
	cmd.Stderr = ttyFile
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setctty = true
	cmd.SysProcAttr.Ctty = 0

	if err := cmd.Start(); err != nil {
		_ = ptyFile.Close()
		return nil, err
	}
	return ptyFile, nil
}

// CloseAll implements Launcher by terminating every live session's process
// group, escalating to SIGKILL after a grace period.
func (p *PTY) CloseAll(ctx context.Context) error {
	p.mu.Lock()
	procs := make([]ptyProc, 0, len(p.procs))
	for _, proc := range p.procs {
		procs = append(procs, proc)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, proc := range procs {
		wg.Add(1)
		go func(proc ptyProc) {
			defer wg.Done()
			stopProcessGroup(ctx, proc)
		}(proc)
	}
	wg.Wait()
	return nil
}

func stopProcessGroup(ctx context.Context, proc ptyProc) {
	// startPTY puts the child in its own session, so pid == pgid.
	pid := proc.cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	select {
	case <-proc.exited:
		return
	case <-time.After(3 * time.Second):
	case <-ctx.Done():
	}
	log.Printf("⚠️  Session %d didn't stop gracefully, killing...", pid)
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	<-proc.exited
}
