package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/upgrader/pkg/client"
	"github.com/openfroyo/upgrader/pkg/transports/ssh"
)

// remoteFlags selects where the broker runs.
type remoteFlags struct {
	target        string
	identity      string
	noHostKeyTest bool
	brokerCommand string
}

func (f *remoteFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.target, "ssh", "", "run on a remote host ([user@]host[:port])")
	cmd.Flags().StringVarP(&f.identity, "identity", "i", "", "SSH private key (agent or default key when empty)")
	cmd.Flags().BoolVar(&f.noHostKeyTest, "insecure-host-key", false, "skip SSH host key verification")
}

func (f *remoteFlags) sshConfig() (*ssh.Config, error) {
	cfg, err := ssh.ParseTarget(f.target)
	if err != nil {
		return nil, err
	}
	if f.identity != "" {
		cfg.AuthMethod = ssh.AuthMethodKey
		cfg.PrivateKeyPath = f.identity
	}
	if f.noHostKeyTest {
		cfg.StrictHostKeyChecking = false
	}
	return cfg, nil
}

func (f *remoteFlags) sshClient() (*ssh.Client, error) {
	cfg, err := f.sshConfig()
	if err != nil {
		return nil, err
	}
	c, err := ssh.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid SSH settings for %s: %w", f.target, err)
	}
	return c, nil
}

// transport returns the broker transport: pkexec locally or sudo over SSH.
func (f *remoteFlags) transport() (client.Transport, error) {
	command := strings.Fields(f.brokerCommand)

	if f.target == "" {
		return &client.LocalTransport{Command: command, Stderr: os.Stderr}, nil
	}

	sc, err := f.sshClient()
	if err != nil {
		return nil, err
	}
	return &ssh.BrokerTransport{
		Client:  sc,
		Command: command,
		Logger:  log.Logger.With().Str("host", f.target).Logger(),
	}, nil
}
