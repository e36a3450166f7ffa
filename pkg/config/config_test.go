package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultBroker(t *testing.T) {
	cfg := DefaultBroker()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config is invalid: %v", err)
	}

	mode, err := cfg.Socket.FileMode(0o600)
	if err != nil {
		t.Fatalf("FileMode: %v", err)
	}
	if mode != 0o666 {
		t.Errorf("expected mode 0666, got %o", mode)
	}
	if cfg.Journal.Enabled {
		t.Error("journal should be disabled by default")
	}
}

func TestParseBroker(t *testing.T) {
	data := []byte(`
socket:
  path: /tmp/upgraderd.sock
  mode: "0660"
engine:
  driver: simulated
  scenario: /etc/upgrader/scenario.yaml
authority:
  mode: policy
  policy: /etc/upgrader/authz.rego
  watch: true
journal:
  enabled: true
  path: /tmp/journal.db
  max_open_conns: 2
telemetry:
  logging:
    level: debug
`)

	cfg, err := ParseBroker(data)
	if err != nil {
		t.Fatalf("ParseBroker: %v", err)
	}

	if cfg.Socket.Path != "/tmp/upgraderd.sock" {
		t.Errorf("socket path = %q", cfg.Socket.Path)
	}
	if mode, _ := cfg.Socket.FileMode(0); mode != 0o660 {
		t.Errorf("socket mode = %o", mode)
	}
	if cfg.Engine.Scenario != "/etc/upgrader/scenario.yaml" {
		t.Errorf("scenario = %q", cfg.Engine.Scenario)
	}
	if !cfg.Authority.Watch || cfg.Authority.Policy != "/etc/upgrader/authz.rego" {
		t.Errorf("authority = %+v", cfg.Authority)
	}
	if !cfg.Journal.Enabled || cfg.Journal.Path != "/tmp/journal.db" || cfg.Journal.MaxOpenConns != 2 {
		t.Errorf("journal = %+v", cfg.Journal)
	}

	// Unset values keep their defaults.
	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Telemetry.Logging.Level)
	}
	if cfg.Telemetry.Logging.Format != "console" {
		t.Errorf("log format should keep its default, got %q", cfg.Telemetry.Logging.Format)
	}
	if cfg.MirrorDir != DefaultMirrorDir {
		t.Errorf("mirror dir = %q", cfg.MirrorDir)
	}
}

func TestParseBroker_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{
			name:    "bad yaml",
			data:    "socket: [",
			wantErr: "failed to parse config",
		},
		{
			name:    "unknown authority mode",
			data:    "authority:\n  mode: maybe\n",
			wantErr: "Mode",
		},
		{
			name:    "socket mode not octal",
			data:    "socket:\n  mode: \"0999\"\n",
			wantErr: "Mode",
		},
		{
			name:    "empty driver",
			data:    "engine:\n  driver: \"\"\n",
			wantErr: "Driver",
		},
		{
			name:    "stdout logging",
			data:    "telemetry:\n  logging:\n    output: stdout\n",
			wantErr: "invalid telemetry config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBroker([]byte(tt.data))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadBroker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upgraderd.yaml")
	if err := os.WriteFile(path, []byte("mirror_dir: /tmp/mirrors\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadBroker(path)
	if err != nil {
		t.Fatalf("LoadBroker: %v", err)
	}
	if cfg.MirrorDir != "/tmp/mirrors" {
		t.Errorf("mirror dir = %q", cfg.MirrorDir)
	}

	if _, err := LoadBroker(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for a missing explicit config file")
	}
}

func TestParseProfile(t *testing.T) {
	data := []byte(`
engine:
  db_path: /var/lib/pacman
  log_file: /var/log/pacman.log
  cache_dirs: [/var/cache/pacman/pkg]
  arch: x86_64
  ignore_pkgs: [linux]
repositories:
  - name: core
    servers: ["https://mirror.example/$repo/os/$arch"]
  - name: extra
    sig_level: 2
    servers: ["https://mirror.example/$repo/os/$arch"]
`)

	p, err := ParseProfile(data)
	if err != nil {
		t.Fatalf("ParseProfile: %v", err)
	}
	if p.Engine.Root != "/" {
		t.Errorf("root should default to /, got %q", p.Engine.Root)
	}
	if p.Engine.DBPath != "/var/lib/pacman" || p.Engine.Arch != "x86_64" {
		t.Errorf("engine = %+v", p.Engine)
	}
	if len(p.Engine.IgnorePkgs) != 1 || p.Engine.IgnorePkgs[0] != "linux" {
		t.Errorf("ignore_pkgs = %v", p.Engine.IgnorePkgs)
	}
	if len(p.Repositories) != 2 {
		t.Fatalf("expected 2 repositories, got %d", len(p.Repositories))
	}
	if p.Repositories[0].Name != "core" || p.Repositories[1].SigLevel != 2 {
		t.Errorf("repositories = %+v", p.Repositories)
	}
}

func TestParseProfile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{
			name: "no repositories",
			data: "engine:\n  db_path: /db\n  log_file: /log\n",
		},
		{
			name: "missing db path",
			data: "engine:\n  log_file: /log\nrepositories:\n  - name: core\n    servers: [a]\n",
		},
		{
			name: "unnamed repository",
			data: "engine:\n  db_path: /db\n  log_file: /log\nrepositories:\n  - servers: [a]\n",
		},
		{
			name: "delta ratio out of range",
			data: "engine:\n  db_path: /db\n  log_file: /log\n  delta_ratio: 3\nrepositories:\n  - name: core\n    servers: [a]\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseProfile([]byte(tt.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}
