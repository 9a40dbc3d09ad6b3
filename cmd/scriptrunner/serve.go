package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/getfinn/scriptrunner/internal/daemon"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var headless bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: tray, host bridge and script runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log.Println("===========================================")
			log.Printf("   Script Runner Daemon %s", Version)
			log.Println("===========================================")
			if headless {
				log.Println("🔧 Running in headless mode (no tray)")
			}

			d, err := daemon.New(daemon.Options{Config: root.config, Headless: headless})
			if err != nil {
				return fmt.Errorf("failed to create daemon: %w", err)
			}
			// Blocks until quit
			if err := d.Start(); err != nil {
				return fmt.Errorf("failed to start daemon: %w", err)
			}
			log.Println("Daemon stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&headless, "headless", false, "run without the system tray")
	return cmd
}
