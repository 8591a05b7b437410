package cmd

import (
	"fmt"

	"github.com/GoCodeAlone/modkernel"
	"github.com/spf13/cobra"
)

// Version information
var (
	Commit = "none"
	Date   = "unknown"
)

// NewRootCommand creates the root command for the modkernel binary
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modkernel",
		Short: "modkernel - cooperative module kernel",
		Long: `modkernel runs priority-scheduled modules on a fixed-rate loop with a
shared state store, an event bus and an HTTP diagnostics surface.`,
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewCheckConfigCommand())
	cmd.AddCommand(NewVersionCommand())
	return cmd
}

// NewVersionCommand prints build information.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), PrintVersion())
		},
	}
}

// PrintVersion formats version information
func PrintVersion() string {
	return fmt.Sprintf("modkernel v%s (commit: %s, built on: %s)", modkernel.Version, Commit, Date)
}
