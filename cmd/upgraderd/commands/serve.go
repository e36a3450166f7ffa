package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/upgrader/pkg/authority"
	"github.com/openfroyo/upgrader/pkg/broker"
	"github.com/openfroyo/upgrader/pkg/config"
	"github.com/openfroyo/upgrader/pkg/engine"
	"github.com/openfroyo/upgrader/pkg/engine/sim"
	"github.com/openfroyo/upgrader/pkg/stores"
	"github.com/openfroyo/upgrader/pkg/telemetry"
)

// configSocket selects the socket path from the config file.
const configSocket = "-"

func newServeCommand(version string, exitCode *int) *cobra.Command {
	var (
		stdio  bool
		socket string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run one upgrade session",
		Long: `Run one upgrade session and exit when it ends.

With --stdio the session is served on standard input and output; this is
how a client spawns the broker through pkexec, sudo or ssh. With --socket
the broker listens on a Unix socket and the first connection to authorize
owns the session.

The exit code is 0 when the session ended normally and 1 when the client
was not authorized.`,
		Example: `  # Serve on the standard streams (spawned by a client)
  upgraderd serve --stdio

  # Listen on the socket from the config file
  upgraderd serve --socket

  # Listen on a custom socket with a custom config
  upgraderd serve --socket /tmp/upgraderd.sock -c ./upgraderd.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			useSocket := cmd.Flags().Changed("socket")
			if stdio == useSocket {
				return fmt.Errorf("exactly one of --stdio or --socket is required")
			}

			cfg, err := config.LoadBroker(configPath)
			if err != nil {
				return err
			}
			if useSocket && socket != configSocket {
				cfg.Socket.Path = socket
			}

			status, err := serve(cmd.Context(), cfg, version, stdio)
			if err != nil {
				return err
			}
			*exitCode = status.Code
			return nil
		},
	}

	cmd.Flags().BoolVar(&stdio, "stdio", false, "serve the session on stdin and stdout")
	cmd.Flags().StringVar(&socket, "socket", "", "listen on a Unix socket (path from config when omitted)")
	cmd.Flags().Lookup("socket").NoOptDefVal = configSocket

	return cmd
}

func serve(ctx context.Context, cfg *config.Broker, version string, stdio bool) (broker.ExitStatus, error) {
	cfg.Telemetry.ServiceVersion = version
	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return broker.ExitStatus{}, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down telemetry")
		}
	}()

	logger := tel.Logger.Zerolog()
	if cfg.Telemetry.Metrics.Enabled {
		if err := tel.StartMetricsServer(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start metrics server")
		}
	}

	driver, err := openDriver(cfg.Engine)
	if err != nil {
		return broker.ExitStatus{}, err
	}

	auth, err := newAuthority(ctx, cfg.Authority, logger)
	if err != nil {
		return broker.ExitStatus{}, err
	}

	journal, err := openJournal(ctx, cfg.Journal)
	if err != nil {
		return broker.ExitStatus{}, err
	}
	if journal != nil {
		defer journal.Close()
	}

	if err := os.MkdirAll(cfg.MirrorDir, 0o700); err != nil {
		return broker.ExitStatus{}, fmt.Errorf("failed to create mirror directory: %w", err)
	}

	svc := broker.NewService(broker.Options{
		Driver:           driver,
		Authority:        auth,
		Journal:          journal,
		Telemetry:        tel,
		Logger:           logger,
		Version:          version,
		MirrorDir:        cfg.MirrorDir,
		VerboseEngineLog: cfg.VerboseEngineLog,
	})

	if stdio {
		return svc.ServeStdio(ctx, os.Stdin, os.Stdout), nil
	}

	mode, err := cfg.Socket.FileMode(broker.DefaultSocketMode)
	if err != nil {
		return broker.ExitStatus{}, err
	}
	return svc.ServeSocket(ctx, cfg.Socket.Path, mode)
}

// openDriver returns the configured engine driver. A simulated driver with
// a scenario file is built directly; every other driver comes from the
// registry.
func openDriver(cfg config.EngineConfig) (engine.Driver, error) {
	if cfg.Driver == sim.DriverName && cfg.Scenario != "" {
		sc, err := sim.LoadScenario(cfg.Scenario)
		if err != nil {
			return nil, err
		}
		return sim.NewDriver(sc), nil
	}
	return engine.Lookup(cfg.Driver)
}

func newAuthority(ctx context.Context, cfg config.AuthorityConfig, logger zerolog.Logger) (authority.Authority, error) {
	switch cfg.Mode {
	case "allow":
		logger.Warn().Msg("Authorization disabled, every client is allowed")
		return authority.StaticAuthority{Verdict: authority.Granted}, nil
	case "deny":
		return authority.StaticAuthority{Verdict: authority.Denied}, nil
	}

	pa, err := authority.NewPolicyAuthority(ctx, cfg.Policy, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Watch && cfg.Policy != "" {
		if err := pa.Watch(ctx); err != nil {
			logger.Warn().Err(err).Msg("Policy reload disabled")
		}
	}
	return pa, nil
}

func openJournal(ctx context.Context, cfg config.JournalConfig) (stores.Journal, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	j, err := stores.NewSQLiteJournal(cfg.Config)
	if err != nil {
		return nil, err
	}
	if err := j.Init(ctx); err != nil {
		j.Close()
		return nil, err
	}
	if err := j.Migrate(ctx); err != nil {
		j.Close()
		return nil, err
	}
	return j, nil
}
