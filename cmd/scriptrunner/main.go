package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/getfinn/scriptrunner/internal/config"
	"github.com/getfinn/scriptrunner/internal/environment"
)

// Version info - set by ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
)

type rootOptions struct {
	configPath string
	config     *config.Config
}

func (r *rootOptions) prepare() error {
	cfg, err := config.Load(r.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	r.config = cfg
	return nil
}

func (r *rootOptions) environment() *environment.Manager {
	return environment.NewManager(environment.Options{
		Name:       r.config.Environment.Name,
		Root:       r.config.Environment.Root,
		BasePython: r.config.Environment.BasePython,
	})
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "scriptrunner",
		Short:         "Run Python scripts in terminal windows and watch them for tracebacks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file (default $HOME/.scriptrunner/config.yaml)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		return opts.prepare()
	}

	rootCmd.AddCommand(newRunCmd(opts))
	rootCmd.AddCommand(newEnvCmd(opts))
	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Script Runner\n")
			fmt.Fprintf(out, "  Version:    %s\n", Version)
			fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
		},
	}
}
