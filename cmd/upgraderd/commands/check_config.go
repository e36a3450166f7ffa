package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/upgrader/pkg/config"
	"github.com/openfroyo/upgrader/pkg/engine"
)

func newCheckConfigCommand() *cobra.Command {
	var show bool

	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the broker configuration",
		Long: `Load and validate the broker configuration, including the engine driver
name. With --show the effective configuration, defaults included, is
printed as YAML.`,
		Example: `  upgraderd check-config
  upgraderd check-config -c ./upgraderd.yaml --show`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadBroker(configPath)
			if err != nil {
				return err
			}
			if _, err := openDriver(cfg.Engine); err != nil {
				return fmt.Errorf("invalid engine: %w (available: %v)", err, engine.Drivers())
			}

			if show {
				out, err := yaml.Marshal(cfg)
				if err != nil {
					return fmt.Errorf("failed to encode config: %w", err)
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: OK\n", configPath)
			return nil
		},
	}

	cmd.Flags().BoolVar(&show, "show", false, "print the effective configuration")

	return cmd
}
