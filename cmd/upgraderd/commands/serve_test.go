package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/upgrader/pkg/authority"
	"github.com/openfroyo/upgrader/pkg/broker"
	"github.com/openfroyo/upgrader/pkg/client"
	"github.com/openfroyo/upgrader/pkg/config"
	"github.com/openfroyo/upgrader/pkg/engine/sim"
)

type serveResult struct {
	status broker.ExitStatus
	err    error
}

func testBrokerConfig(t *testing.T, mode string) *config.Broker {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultBroker()
	cfg.Socket.Path = filepath.Join(dir, "upgraderd.sock")
	cfg.MirrorDir = filepath.Join(dir, "mirrors")
	cfg.Authority.Mode = mode
	cfg.Telemetry.Logging.Level = "error"
	return cfg
}

func startSocketBroker(t *testing.T, cfg *config.Broker) (*client.Client, <-chan serveResult) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	done := make(chan serveResult, 1)
	go func() {
		status, err := serve(ctx, cfg, "test", false)
		done <- serveResult{status: status, err: err}
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(cfg.Socket.Path)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	c, err := client.New(client.Config{
		Transport: &client.SocketTransport{Path: cfg.Socket.Path},
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))
	return c, done
}

func TestServe_Socket(t *testing.T) {
	cfg := testBrokerConfig(t, "allow")
	c, done := startSocketBroker(t, cfg)
	ctx := context.Background()

	assert.Equal(t, "test", c.Ready().Version)

	_, err := c.Authorize(ctx)
	require.NoError(t, err)
	require.NoError(t, c.FreeEngine(ctx))

	exit, err := c.Wait(ctx)
	require.NoError(t, err)
	require.NotNil(t, exit)
	assert.Equal(t, broker.ReasonEngineFreed, exit.Reason)
	require.NoError(t, c.Close())

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, 0, res.status.Code)

	// The mirror directory is created for the session.
	info, err := os.Stat(cfg.MirrorDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestServe_Denied(t *testing.T) {
	cfg := testBrokerConfig(t, "deny")
	c, done := startSocketBroker(t, cfg)
	ctx := context.Background()

	_, err := c.Authorize(ctx)
	require.Error(t, err)

	exit, err := c.Wait(ctx)
	require.NoError(t, err)
	require.NotNil(t, exit)
	assert.Equal(t, broker.ReasonAuthorizationFailed, exit.Reason)
	require.NoError(t, c.Close())

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.status.Code)
}

func TestServeCommand_RequiresOneMode(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"neither", []string{"serve"}},
		{"both", []string{"serve", "--stdio", "--socket"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exitCode := 0
			cmd := newRootCommand("test", "none", "today", &exitCode)
			cmd.SetArgs(tt.args)
			cmd.SetOut(&bytes.Buffer{})
			err := cmd.Execute()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "exactly one of --stdio or --socket")
		})
	}
}

func TestOpenDriver(t *testing.T) {
	d, err := openDriver(config.EngineConfig{Driver: sim.DriverName})
	require.NoError(t, err)
	assert.NotNil(t, d)

	scenario := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(scenario, []byte("local: []\n"), 0o644))
	d, err = openDriver(config.EngineConfig{Driver: sim.DriverName, Scenario: scenario})
	require.NoError(t, err)
	assert.IsType(t, &sim.Driver{}, d)

	_, err = openDriver(config.EngineConfig{Driver: "nonexistent"})
	require.Error(t, err)
}

func TestNewAuthority(t *testing.T) {
	ctx := context.Background()

	a, err := newAuthority(ctx, config.AuthorityConfig{Mode: "allow"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, authority.StaticAuthority{Verdict: authority.Granted}, a)

	a, err = newAuthority(ctx, config.AuthorityConfig{Mode: "policy"}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &authority.PolicyAuthority{}, a)
}

func TestOpenJournal(t *testing.T) {
	j, err := openJournal(context.Background(), config.JournalConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, j)

	cfg := config.JournalConfig{Enabled: true}
	cfg.Path = filepath.Join(t.TempDir(), "journal.db")
	j, err = openJournal(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, j)
	require.NoError(t, j.Close())
}

func TestCheckConfigCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upgraderd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("authority:\n  mode: allow\nmirror_dir: /tmp/mirrors\n"), 0o644))

	exitCode := 0
	cmd := newRootCommand("test", "none", "today", &exitCode)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"check-config", "-c", path, "--show"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "mode: allow")
	assert.Contains(t, out.String(), "mirror_dir: /tmp/mirrors")
}
