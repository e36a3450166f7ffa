package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/upgrader/pkg/client"
	"github.com/openfroyo/upgrader/pkg/config"
	"github.com/openfroyo/upgrader/pkg/engine"
	"github.com/openfroyo/upgrader/pkg/engine/sim"
	"github.com/openfroyo/upgrader/pkg/protocol"
)

func newCheckCommand() *cobra.Command {
	var (
		driverName string
		scenario   string
		mirrorDir  string
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "List available updates without privileges",
		Long: `List the packages an upgrade would change, without starting the broker.

The check runs the engine in this process on a private copy of the
package database, so the system is never modified. Engine questions get
their default answer and the transaction is always discarded.`,
		Example: `  # Check for updates with the default profile
  upgrader check

  # Check against a simulated scenario
  upgrader check -p ./profile.yaml --scenario ./scenario.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := config.LoadProfile(profilePath)
			if err != nil {
				return err
			}
			driver, err := checkDriver(driverName, scenario)
			if err != nil {
				return err
			}

			var r *renderer
			if verbose && !jsonOutput {
				r = newRenderer(cmd.ErrOrStderr(), false)
			}

			report, err := client.Check(cmd.Context(), client.CheckOptions{
				Driver:    driver,
				Profile:   profile,
				MirrorDir: mirrorDir,
				Logger:    log.Logger,
				OnSignal:  rendererHandler(r),
			})
			if err != nil {
				return err
			}

			for _, s := range report.Syncs {
				if s.Outcome == protocol.SyncOutcomeFailed {
					log.Warn().Str("repository", s.Name).Msg(s.Error)
				}
			}

			updates := report.Updates()
			out := cmd.OutOrStdout()
			if jsonOutput {
				return json.NewEncoder(out).Encode(report.Packages)
			}
			if len(report.Packages) == 0 {
				fmt.Fprintln(out, "System is up to date")
				return nil
			}
			if err := printPackages(out, report.Packages); err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%d of %d packages are newer versions\n", len(updates), len(report.Packages))
			return nil
		},
	}

	cmd.Flags().StringVar(&driverName, "driver", config.DefaultEngine, "package engine driver")
	cmd.Flags().StringVar(&scenario, "scenario", "", "scenario file for the simulated driver")
	cmd.Flags().StringVar(&mirrorDir, "mirror-dir", os.TempDir(), "directory for the database copy")

	return cmd
}

func checkDriver(name, scenario string) (engine.Driver, error) {
	if scenario == "" {
		return engine.Lookup(name)
	}
	if name != sim.DriverName {
		return nil, fmt.Errorf("--scenario requires the %s driver", sim.DriverName)
	}
	sc, err := sim.LoadScenario(scenario)
	if err != nil {
		return nil, err
	}
	return sim.NewDriver(sc), nil
}

func rendererHandler(r *renderer) client.SignalHandler {
	if r == nil {
		return nil
	}
	return r.Signal
}
