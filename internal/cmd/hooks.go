package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/thatjpcsguy/minipaas/internal/build"
	"github.com/thatjpcsguy/minipaas/internal/config"
	"github.com/thatjpcsguy/minipaas/internal/deploy"
	"github.com/thatjpcsguy/minipaas/internal/hooks"
)

// NewHooksCmd creates the hooks command
func NewHooksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hooks <hook-name> <name>",
		Short: "Manually run a lifecycle hook",
		Long: `Runs a hook for a deployed workload with the same environment the daemon
gives it after a deploy or rollback. Hooks run on this machine.

Available hooks:
  post-deploy    - Runs after a deploy or redeploy commits
  post-rollback  - Runs after a rollback starts the older version

Examples:
  minipaas hooks post-deploy app1`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			hookType, err := hooks.ParseHookType(args[0])
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			w, err := client.Get(cmd.Context(), args[1])
			if err != nil {
				return fmt.Errorf("no workload found for %s: %w", args[1], err)
			}

			runner := newHookRunner(cfg, newLogger(cfg.LogLevel, os.Stderr))
			image := build.ImageRef(cfg.RegistryHost, w.Name, w.CurrentVersion)
			env := deploy.HookEnv(w.Name, w.CurrentVersion, image, w.AllocatedPort)

			fmt.Fprintf(cmd.OutOrStdout(), "🪝 Running %s hook for %s...\n", hookType, w.Name)
			if err := runner.Execute(cmd.Context(), hookType, env); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✅ Hook finished")
			return nil
		},
	}

	return cmd
}
