package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/upgrader/pkg/client"
	"github.com/openfroyo/upgrader/pkg/config"
	"github.com/openfroyo/upgrader/pkg/protocol"
)

func newUpgradeCommand() *cobra.Command {
	var (
		assumeYes bool
		remote    remoteFlags
	)

	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Upgrade the system",
		Long: `Upgrade every package of the system.

The broker is started with pkexec (or with sudo over SSH when --ssh is
given), the profile's repositories are refreshed and the pending
transaction is shown for confirmation. Engine questions are asked as
they come up. With --yes every question is accepted and the transaction
is committed without asking.`,
		Example: `  # Upgrade this host
  upgrader upgrade

  # Upgrade a remote host without prompting
  upgrader upgrade --ssh admin@10.0.0.42 --yes

  # Use a custom profile and broker command
  upgrader upgrade -p ./profile.yaml --broker-command "sudo upgraderd serve --stdio"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := config.LoadProfile(profilePath)
			if err != nil {
				return err
			}
			if !assumeYes && !interactive() {
				return fmt.Errorf("not running on a terminal, use --yes to accept every question")
			}

			transport, err := remote.transport()
			if err != nil {
				return err
			}

			return runUpgrade(cmd.Context(), upgradeOptions{
				transport: transport,
				profile:   profile,
				prompter:  formPrompter{},
				assumeYes: assumeYes,
				out:       cmd.OutOrStdout(),
				asJSON:    jsonOutput,
			})
		},
	}

	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "accept every question and commit without asking")
	cmd.Flags().StringVar(&remote.brokerCommand, "broker-command", "", "broker command line (pkexec or sudo upgraderd serve --stdio by default)")
	remote.register(cmd)

	return cmd
}

type upgradeOptions struct {
	transport client.Transport
	profile   *config.Profile
	prompter  prompter
	assumeYes bool
	out       io.Writer
	asJSON    bool
}

func runUpgrade(ctx context.Context, opts upgradeOptions) error {
	c, err := client.New(client.Config{Transport: opts.transport, Logger: log.Logger})
	if err != nil {
		return err
	}

	r := newRenderer(opts.out, opts.asJSON)
	if opts.assumeYes {
		c.OnSignal(c.AnswerAll(ctx, r.Signal))
	} else {
		c.OnSignal(questionHandler(ctx, c, opts.prompter, r.Signal))
	}

	if err := c.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close broker session")
		}
	}()

	log.Debug().
		Str("broker", c.Ready().Version).
		Str("identity", c.Ready().Identity).
		Msg("Connected to broker")

	report, err := c.Upgrade(ctx, opts.profile, confirmTransaction(opts))
	if err != nil {
		return err
	}

	if report.Exit != nil && report.Exit.ExitCode != 0 {
		return fmt.Errorf("broker exited with %s (%d)", report.Exit.Reason, report.Exit.ExitCode)
	}
	switch {
	case report.Committed:
		log.Info().Int("packages", len(report.Packages)).Msg("Upgrade complete")
	case len(report.Packages) > 0:
		log.Info().Msg("Upgrade cancelled")
	}
	return nil
}

func confirmTransaction(opts upgradeOptions) client.ConfirmFunc {
	return func(ctx context.Context, pkgs []protocol.PackageDelta) (bool, error) {
		if opts.asJSON {
			if err := json.NewEncoder(opts.out).Encode(pkgs); err != nil {
				return false, err
			}
		} else if err := printPackages(opts.out, pkgs); err != nil {
			return false, err
		}

		if opts.assumeYes {
			return true, nil
		}
		return opts.prompter.Confirm("Proceed with installation?", "", true)
	}
}
