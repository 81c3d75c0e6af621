package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/thatjpcsguy/minipaas/internal/cmd"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "minipaas",
		Short: "Single-host deployment and autoscaling orchestrator",
		Long: `Minipaas builds workloads from git repositories into versioned images,
runs them behind a reverse proxy, rolls them back to earlier versions and
scales them on request volume.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddGlobalFlags(rootCmd.PersistentFlags())

	// Add subcommands
	rootCmd.AddCommand(cmd.NewServeCmd())
	rootCmd.AddCommand(cmd.NewDeployCmd())
	rootCmd.AddCommand(cmd.NewRedeployCmd())
	rootCmd.AddCommand(cmd.NewRollbackCmd())
	rootCmd.AddCommand(cmd.NewStartMonitorCmd())
	rootCmd.AddCommand(cmd.NewStopMonitorCmd())
	rootCmd.AddCommand(cmd.NewListCmd())
	rootCmd.AddCommand(cmd.NewInfoCmd())
	rootCmd.AddCommand(cmd.NewLogsCmd())
	rootCmd.AddCommand(cmd.NewHooksCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		os.Exit(cmd.ExitCode(err))
	}
}
