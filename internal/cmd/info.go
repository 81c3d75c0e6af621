package cmd

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// NewInfoCmd creates the info command
func NewInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <name>",
		Short: "Show workload info",
		Long:  `Shows the registry record of a workload and the state of its monitor.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}

			w, err := client.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("no workload found for %s: %w", args[0], err)
			}

			published := make([]string, 0, len(w.Published))
			for _, v := range w.Published {
				published = append(published, v.String())
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Workload:  %s\n", w.Name)
			fmt.Fprintf(out, "Source:    %s\n", w.SourceURL)
			fmt.Fprintf(out, "Version:   %s\n", w.CurrentVersion)
			fmt.Fprintf(out, "Published: %s\n", strings.Join(published, ", "))
			fmt.Fprintf(out, "Port:      %d\n", w.AllocatedPort)
			fmt.Fprintf(out, "URL:       http://localhost:%d\n", w.AllocatedPort)
			fmt.Fprintf(out, "Instances: %d\n", w.InstanceCount)
			fmt.Fprintf(out, "Created:   %s\n", w.CreatedAt.Format(timeLayout))
			fmt.Fprintf(out, "Updated:   %s\n", w.UpdatedAt.Format(timeLayout))

			if w.Monitor == nil {
				fmt.Fprintf(out, "Monitor:   %s\n", color.New(color.FgYellow).Sprint("not running"))
				return nil
			}
			fmt.Fprintf(out, "Monitor:   %s\n", color.New(color.FgGreen).Sprint("running"))
			fmt.Fprintf(out, "  Threshold: %d\n", w.Monitor.Threshold)
			fmt.Fprintf(out, "  Log:       %s\n", w.Monitor.LogPath)
			fmt.Fprintf(out, "  Since:     %s\n", w.Monitor.StartedAt.Format(timeLayout))
			return nil
		},
	}

	return cmd
}
