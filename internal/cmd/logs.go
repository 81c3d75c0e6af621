package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thatjpcsguy/minipaas/internal/autoscale"
	"github.com/thatjpcsguy/minipaas/internal/deploy"
	"github.com/thatjpcsguy/minipaas/internal/docker"
)

// NewLogsCmd creates the logs command
func NewLogsCmd() *cobra.Command {
	var (
		follow   bool
		instance int
	)

	cmd := &cobra.Command{
		Use:   "logs <name>",
		Short: "View container logs of a workload",
		Long: `Shows the docker logs of the primary container of a workload. Use
--instance to read a replica started by the autoscaler. Must run on the
docker host.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := logsContainer(args[0], instance)
			if err != nil {
				return err
			}

			cli := &docker.CLI{}
			if err := cli.Logs(cmd.Context(), container, follow, cmd.OutOrStdout()); err != nil {
				return fmt.Errorf("failed to read logs of %s: %w", container, err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output")
	cmd.Flags().IntVar(&instance, "instance", 0, "Instance index; 0 is the primary container")

	return cmd
}

func logsContainer(name string, instance int) (string, error) {
	if err := deploy.ValidateName(name); err != nil {
		return "", err
	}
	switch {
	case instance < 0:
		return "", fmt.Errorf("invalid instance %d", instance)
	case instance == 0:
		return deploy.ContainerName(name), nil
	}
	return autoscale.ReplicaName(name, instance), nil
}
