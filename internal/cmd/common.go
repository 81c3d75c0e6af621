package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/thatjpcsguy/minipaas/internal/api"
	"github.com/thatjpcsguy/minipaas/internal/config"
	"github.com/thatjpcsguy/minipaas/internal/deploy"
)

const serverFlag = "server"

// AddGlobalFlags registers flags shared by every subcommand
func AddGlobalFlags(flags *pflag.FlagSet) {
	flags.String(serverFlag, "", "minipaas daemon URL (defaults to LISTEN_ADDR from config)")
}

// newClient returns a client for the daemon named by --server, falling
// back to the configured listen address
func newClient(cmd *cobra.Command) (*api.Client, error) {
	server, _ := cmd.Flags().GetString(serverFlag)
	if server == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		server = cfg.ServerURL()
	}
	return api.NewClient(server, nil), nil
}

func printResult(cmd *cobra.Command, verb string, res deploy.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✅ %s %s %s\n", verb, res.Name, res.Version)
	fmt.Fprintf(out, "📍 Port:  %d\n", res.Port)
	fmt.Fprintf(out, "🐳 Image: %s\n", res.Image)
	if res.DeployID != "" {
		fmt.Fprintf(out, "🔖 ID:    %s\n", res.DeployID)
	}
}
