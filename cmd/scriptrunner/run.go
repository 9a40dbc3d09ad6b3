package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/getfinn/scriptrunner/internal/launcher"
	"github.com/getfinn/scriptrunner/internal/orchestrator"
	"github.com/getfinn/scriptrunner/internal/runner"
	"github.com/getfinn/scriptrunner/internal/signature"
)

type runFlags struct {
	requirements string
	backend      string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <script> [script...]",
		Short: "Run scripts in terminal windows and follow their output",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.config
			backend := cfg.Launcher.Backend
			if opts.backend != "" {
				backend = opts.backend
			}
			l, err := launcher.New(backend, launcher.Options{
				WindowTitle: cfg.Launcher.WindowTitle,
				Terminal:    cfg.Launcher.Terminal,
			})
			if err != nil {
				return err
			}
			log.Printf("🖥️  Using %s launcher", l.Name())

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			orch := orchestrator.New(orchestrator.Options{
				Environment:   root.environment(),
				Launcher:      l,
				Detector:      signature.NewPython(cfg.Detector.ExtraSignatures...),
				TempDir:       cfg.Monitor.TempDir,
				WindowTitle:   cfg.Launcher.WindowTitle,
				LaunchTimeout: cfg.Monitor.LaunchTimeout(),
				PollInterval:  cfg.Monitor.PollInterval(),
				KeepWindows:   cfg.Launcher.KeepWindows,
				OnTraceback: func(run *runner.ScriptRunner, text string) {
					fmt.Fprintf(out, "\n[%s] Error detected:\n%s\n\n", run.Title(), text)
				},
			})
			defer orch.Shutdown()

			var runs []*runner.ScriptRunner
			for _, script := range args {
				run, err := orch.Run(ctx, script, opts.requirements)
				if err != nil {
					log.Printf("❌ Failed to run %s: %v", script, err)
					continue
				}
				fmt.Fprintf(out, "[%s] Running %s\n", run.Title(), filepath.Base(run.ScriptPath()))
				runs = append(runs, run)
			}
			if len(runs) == 0 {
				return fmt.Errorf("no script could be started")
			}

			follow(ctx, out, runs, cfg.Monitor.PollInterval())
			if ctx.Err() != nil {
				fmt.Fprintln(out, "Interrupted, stopping all scripts.")
				orch.StopAll()
				return nil
			}
			fmt.Fprintln(out, "All scripts have completed.")
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.requirements, "requirements", "r", "", "requirements file installed before the scripts run")
	cmd.Flags().StringVar(&opts.backend, "launcher", "", "terminal backend: auto, macos, linux, windows or pty (overrides config)")
	return cmd
}

// follow prints every run's output until all of them finish or ctx is done.
func follow(ctx context.Context, out io.Writer, runs []*runner.ScriptRunner, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	pending := make(map[string]*runner.ScriptRunner, len(runs))
	for _, run := range runs {
		pending[run.ID()] = run
	}

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for id, run := range pending {
			done := false
			select {
			case <-run.Done():
				done = true
			default:
			}
			printEvents(out, run, run.Output())
			if done {
				delete(pending, id)
			}
		}
	}
}

func printEvents(out io.Writer, run *runner.ScriptRunner, events []runner.OutputEvent) {
	for _, e := range events {
		if !e.Terminal() {
			fmt.Fprintf(out, "[%s] %s\n", run.Title(), e.Line)
			continue
		}
		mark := "✅"
		if run.Outcome() != runner.StateCompleted {
			mark = "⚠️ "
		}
		fmt.Fprintf(out, "%s %s\n", mark, e.Line)
	}
}
