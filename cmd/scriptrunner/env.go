package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newEnvCmd(root *rootOptions) *cobra.Command {
	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Manage the shared Python environment",
	}
	envCmd.AddCommand(newEnvEnsureCmd(root))
	envCmd.AddCommand(newEnvListCmd(root))
	envCmd.AddCommand(newEnvInstallCmd(root))
	envCmd.AddCommand(newEnvRecreateCmd(root))
	return envCmd
}

func newEnvEnsureCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ensure",
		Short: "Create the environment if it does not exist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env := root.environment()
			if err := env.EnsureEnvironment(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Environment ready at %s\n", env.Path())
			return nil
		},
	}
}

func newEnvListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed packages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env := root.environment()
			if err := env.EnsureEnvironment(cmd.Context()); err != nil {
				return err
			}
			installed, err := env.InstalledPackages(cmd.Context())
			if err != nil {
				return err
			}
			names := make([]string, 0, len(installed))
			for name := range installed {
				names = append(names, name)
			}
			sort.Strings(names)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "PACKAGE\tENVIRONMENT\n")
			for _, name := range names {
				fmt.Fprintf(tw, "%s\t%s\n", name, env.Path())
			}
			return tw.Flush()
		},
	}
}

func newEnvInstallCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "install <requirements>",
		Short: "Install the packages from a requirements file that are missing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env := root.environment()
			if err := env.EnsureEnvironment(cmd.Context()); err != nil {
				return err
			}
			installed := env.InstallMissing(cmd.Context(), args[0])
			out := cmd.OutOrStdout()
			if len(installed) == 0 {
				fmt.Fprintln(out, "Nothing to install.")
				return nil
			}
			for _, pkg := range installed {
				fmt.Fprintf(out, "installed %s\n", pkg)
			}
			return nil
		},
	}
}

func newEnvRecreateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recreate",
		Short: "Delete and rebuild the environment",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env := root.environment()
			if err := env.Recreate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Environment recreated at %s\n", env.Path())
			return nil
		},
	}
}
