package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thatjpcsguy/minipaas/internal/deploy"
	"github.com/thatjpcsguy/minipaas/internal/docker"
)

// runFlags are the container settings accepted by deploy and redeploy
type runFlags struct {
	env    map[string]string
	cpus   string
	memory string
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringToStringVarP(&f.env, "env", "e", nil, "Environment variable for the container (KEY=value, repeatable)")
	cmd.Flags().StringVar(&f.cpus, "cpus", "", "CPU limit passed to docker run --cpus")
	cmd.Flags().StringVar(&f.memory, "memory", "", "Memory limit passed to docker run --memory")
}

func (f *runFlags) limits() docker.Limits {
	return docker.Limits{CPUs: f.cpus, Memory: f.memory}
}

// NewDeployCmd creates the deploy command
func NewDeployCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "deploy <name> <repo-url>",
		Short: "Build and start a workload",
		Long: `Clones repo-url, builds and publishes a versioned image and starts it.
The first deploy of a name is v1.0 on a newly allocated port; deploying an
existing name advances its minor version and keeps its port.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}

			name, url := args[0], args[1]
			fmt.Fprintf(cmd.OutOrStdout(), "🚀 Deploying %s from %s...\n", name, url)

			res, err := client.Deploy(cmd.Context(), deploy.Request{
				Name:      name,
				SourceURL: url,
				Env:       flags.env,
				Limits:    flags.limits(),
			})
			if err != nil {
				return fmt.Errorf("deploy failed: %w", err)
			}

			printResult(cmd, "Deployed", res)
			return nil
		},
	}

	flags.register(cmd)

	return cmd
}

// NewRedeployCmd creates the redeploy command
func NewRedeployCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "redeploy <name>",
		Short: "Rebuild a workload from its recorded repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}

			name := args[0]
			fmt.Fprintf(cmd.OutOrStdout(), "🔄 Redeploying %s...\n", name)

			res, err := client.Redeploy(cmd.Context(), name, flags.env, flags.limits())
			if err != nil {
				return fmt.Errorf("redeploy failed: %w", err)
			}

			printResult(cmd, "Deployed", res)
			return nil
		},
	}

	flags.register(cmd)

	return cmd
}

// NewRollbackCmd creates the rollback command
func NewRollbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback <name> <version>",
		Short: "Run a previously published version",
		Long: `Starts the image of an earlier version on the workload's port. The
recorded current version is unchanged, so the next deploy still advances
from it.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}

			name, target := args[0], args[1]
			fmt.Fprintf(cmd.OutOrStdout(), "⏪ Rolling back %s to %s...\n", name, target)

			res, err := client.Rollback(cmd.Context(), name, target)
			if err != nil {
				return fmt.Errorf("rollback failed: %w", err)
			}

			printResult(cmd, "Rolled back", res)
			return nil
		},
	}

	return cmd
}
