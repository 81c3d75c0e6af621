package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/thatjpcsguy/minipaas/internal/api"
)

const timeLayout = "2006-01-02 15:04:05"

// NewListCmd creates the list command
func NewListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all workloads",
		Long:  `Lists every registered workload with its version, port, instance count and monitor.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}

			workloads, err := client.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list workloads: %w", err)
			}

			printWorkloads(cmd, workloads)
			return nil
		},
	}

	return cmd
}

func printWorkloads(cmd *cobra.Command, workloads []api.WorkloadStatus) {
	out := cmd.OutOrStdout()
	if len(workloads) == 0 {
		fmt.Fprintln(out, "No workloads deployed")
		return
	}

	fmt.Fprintln(out, "Workloads")
	fmt.Fprintln(out, "=========")
	fmt.Fprintln(out)

	for _, w := range workloads {
		fmt.Fprintf(out, "%s (%s)\n", w.Name, monitorStatus(w))
		fmt.Fprintf(out, "  Version:   %s\n", w.CurrentVersion)
		fmt.Fprintf(out, "  Port:      %d\n", w.AllocatedPort)
		fmt.Fprintf(out, "  Instances: %d\n", w.InstanceCount)
		fmt.Fprintf(out, "  Source:    %s\n", w.SourceURL)
		fmt.Fprintln(out)
	}
}

func monitorStatus(w api.WorkloadStatus) string {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	if w.Monitor != nil {
		return green(fmt.Sprintf("monitoring, threshold %d", w.Monitor.Threshold))
	}
	return yellow("not monitored")
}
