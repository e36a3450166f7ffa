package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/upgrader/pkg/config"
)

var (
	// Global flags
	configPath string
)

// Execute runs the root command and returns the process exit code chosen
// by the command.
func Execute(ctx context.Context, version, commit, buildDate string) (int, error) {
	exitCode := 0
	rootCmd := newRootCommand(version, commit, buildDate, &exitCode)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		return 1, err
	}
	return exitCode, nil
}

func newRootCommand(version, commit, buildDate string, exitCode *int) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "upgraderd",
		Short: "Privileged system upgrade broker",
		Long: `upgraderd runs one privileged upgrade session for an unprivileged client.

The broker speaks a line-delimited JSON protocol on its standard streams
or on a Unix socket. A client authorizes, configures the package engine,
refreshes repositories, reviews the pending transaction and commits or
aborts it. The session ends when the engine is freed or the client goes
away.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultBrokerPath, "broker config file path")

	rootCmd.AddCommand(newServeCommand(version, exitCode))
	rootCmd.AddCommand(newCheckConfigCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "upgraderd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}
