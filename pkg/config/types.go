package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/openfroyo/upgrader/pkg/protocol"
	"github.com/openfroyo/upgrader/pkg/stores"
	"github.com/openfroyo/upgrader/pkg/telemetry"
)

// Broker is the upgraderd configuration.
type Broker struct {
	// Socket configures the Unix socket listener used by `serve --socket`.
	Socket SocketConfig `yaml:"socket"`

	// Engine selects the package engine driver.
	Engine EngineConfig `yaml:"engine"`

	// Authority configures who may drive an upgrade session.
	Authority AuthorityConfig `yaml:"authority"`

	// Journal configures the session journal.
	Journal JournalConfig `yaml:"journal"`

	// Telemetry configures logging, tracing and metrics.
	Telemetry *telemetry.Config `yaml:"telemetry" validate:"required"`

	// MirrorDir is the directory database mirrors are created in.
	MirrorDir string `yaml:"mirror_dir" validate:"required"`

	// VerboseEngineLog forwards the engine's debug and function log lines
	// to the client.
	VerboseEngineLog bool `yaml:"verbose_engine_log"`
}

// SocketConfig configures the broker's Unix socket.
type SocketConfig struct {
	// Path is the socket file.
	Path string `yaml:"path" validate:"required"`

	// Mode is the octal permission of the socket file (e.g. "0666").
	Mode string `yaml:"mode" validate:"omitempty,octal"`
}

// FileMode parses Mode. An empty mode yields def.
func (s SocketConfig) FileMode(def os.FileMode) (os.FileMode, error) {
	if s.Mode == "" {
		return def, nil
	}
	m, err := strconv.ParseUint(s.Mode, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid socket mode %q: %w", s.Mode, err)
	}
	return os.FileMode(m), nil
}

// EngineConfig selects a registered engine driver.
type EngineConfig struct {
	// Driver is the registered driver name (e.g. "simulated").
	Driver string `yaml:"driver" validate:"required"`

	// Scenario is the scenario file of the simulated driver.
	Scenario string `yaml:"scenario,omitempty"`
}

// AuthorityConfig configures the authorization authority.
type AuthorityConfig struct {
	// Mode is "policy" for Rego policy evaluation, or "allow"/"deny" for a
	// fixed verdict (development only).
	Mode string `yaml:"mode" validate:"required,oneof=policy allow deny"`

	// Policy is a Rego policy file. The built-in policy is used when empty.
	Policy string `yaml:"policy,omitempty" validate:"omitempty,filepath"`

	// Watch reloads Policy when the file changes.
	Watch bool `yaml:"watch"`
}

// JournalConfig configures the SQLite session journal.
type JournalConfig struct {
	// Enabled turns journaling on.
	Enabled bool `yaml:"enabled"`

	stores.Config `yaml:",inline"`
}

// Profile is a client upgrade profile: the engine parameters and the
// repositories to register, in order.
type Profile struct {
	Engine       protocol.InitEngineParams      `yaml:"engine"`
	Repositories []protocol.AddRepositoryParams `yaml:"repositories" validate:"required,min=1,dive"`
}
