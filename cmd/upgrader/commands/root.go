package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	profilePath string
	verbose     bool
	jsonOutput  bool
)

// DefaultProfilePath is the upgrade profile used when --profile is not
// given.
const DefaultProfilePath = "/etc/upgrader/profile.yaml"

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "upgrader",
		Short: "Upgrade the system through the privileged upgrade broker",
		Long: `upgrader drives system upgrades without running as root.

The privileged work is done by upgraderd, which upgrader starts through
pkexec on the local host or through sudo over SSH on a remote host.
Repository refreshes, the pending transaction, engine questions and
progress are relayed back and shown here.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&profilePath, "profile", "p", DefaultProfilePath, "upgrade profile path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newUpgradeCommand())
	rootCmd.AddCommand(newCheckCommand())
	rootCmd.AddCommand(newJournalCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "upgrader %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}
