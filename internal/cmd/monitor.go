package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewStartMonitorCmd creates the start-monitor command
func NewStartMonitorCmd() *cobra.Command {
	var logPath string

	cmd := &cobra.Command{
		Use:   "start-monitor <name> <threshold>",
		Short: "Autoscale a workload on request volume",
		Long: `Starts a control loop that samples the request log every interval and
scales the workload up by one instance when more than threshold requests
arrived, and down by one when fewer did. Exactly threshold changes nothing.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			threshold, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid threshold %q: %w", args[1], err)
			}

			client, err := newClient(cmd)
			if err != nil {
				return err
			}

			info, err := client.StartMonitor(cmd.Context(), name, threshold, logPath)
			if err != nil {
				return fmt.Errorf("failed to start monitor: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "📈 Monitoring %s (threshold %d, log %s)\n", info.Name, info.Threshold, info.LogPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&logPath, "log-path", "", "Request log to sample (defaults to REQUEST_LOG_PATH)")

	return cmd
}

// NewStopMonitorCmd creates the stop-monitor command
func NewStopMonitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop-monitor <name>",
		Short: "Stop autoscaling a workload",
		Long:  `Stops the control loop. Running replicas are left as they are.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}

			if err := client.StopMonitor(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to stop monitor: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "✅ Stopped monitoring %s\n", args[0])
			return nil
		},
	}

	return cmd
}
