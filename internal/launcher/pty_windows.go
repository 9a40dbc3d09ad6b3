//go:build windows

package launcher

import (
	"context"
	"fmt"
)

// PTY is unavailable on Windows.
type PTY struct{}

// NewPTY always fails on Windows.
func NewPTY(Options) (*PTY, error) {
	return nil, fmt.Errorf("%w: pty backend is not supported on windows", ErrLaunchFailed)
}

func (p *PTY) Name() string { return "pty" }
func (p *PTY) Style() Style { return Style{Shell: ShellPowerShell} }
func (p *PTY) CloseAll(context.Context) error { return nil }

func (p *PTY) Launch(context.Context, Request) (*Session, error) {
	return nil, ErrLaunchFailed
}
