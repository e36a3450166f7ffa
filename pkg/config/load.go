package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/upgrader/pkg/stores"
	"github.com/openfroyo/upgrader/pkg/telemetry"
)

// Default locations.
const (
	DefaultBrokerPath  = "/etc/upgrader/upgraderd.yaml"
	DefaultSocketPath  = "/run/upgrader/upgraderd.sock"
	DefaultMirrorDir   = "/var/cache/upgrader"
	DefaultJournalPath = "/var/lib/upgrader/journal.db"
	DefaultEngine      = "simulated"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("octal", func(fl validator.FieldLevel) bool {
		_, err := strconv.ParseUint(fl.Field().String(), 8, 32)
		return err == nil
	})
	return v
}

// DefaultBroker returns the configuration used when no file is present.
func DefaultBroker() *Broker {
	return &Broker{
		Socket: SocketConfig{
			Path: DefaultSocketPath,
			Mode: "0666",
		},
		Engine: EngineConfig{
			Driver: DefaultEngine,
		},
		Authority: AuthorityConfig{
			Mode: "policy",
		},
		Journal: JournalConfig{
			Enabled: false,
			Config:  stores.Config{Path: DefaultJournalPath},
		},
		Telemetry: telemetry.DefaultConfig(),
		MirrorDir: DefaultMirrorDir,
	}
}

// LoadBroker reads the broker configuration at path on top of the
// defaults. A missing file at DefaultBrokerPath is not an error.
func LoadBroker(path string) (*Broker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == DefaultBrokerPath {
			cfg := DefaultBroker()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := ParseBroker(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseBroker decodes YAML broker configuration on top of the defaults.
func ParseBroker(data []byte) (*Broker, error) {
	cfg := DefaultBroker()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (b *Broker) Validate() error {
	if err := validate.Struct(b); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := b.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}

// LoadProfile reads a client upgrade profile.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	p, err := ParseProfile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// ParseProfile decodes and validates a YAML profile. Root defaults to "/".
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	if p.Engine.Root == "" {
		p.Engine.Root = "/"
	}
	if err := validate.Struct(&p); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	return &p, nil
}
