package sim

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/upgrader/pkg/engine"
)

// Scenario describes the simulated system: what is installed, what the
// repositories offer, and which questions and failures the engine raises.
type Scenario struct {
	Local        []PackageSpec    `yaml:"local"`
	Repositories []RepositorySpec `yaml:"repositories"`

	// Replaces offers replacements during sysupgrade.
	Replaces []ReplaceSpec `yaml:"replaces"`
	// Providers raise provider selections during prepare.
	Providers []ProviderSpec `yaml:"providers"`
	// PullIgnored names sync packages pulled in as dependencies during
	// prepare. Ignored ones need confirmation.
	PullIgnored []string `yaml:"pull_ignored"`
	// Unresolvable lists dependencies prepare cannot satisfy.
	Unresolvable []MissingSpec `yaml:"unresolvable"`
	// Conflicts raise conflict questions during prepare.
	Conflicts []ConflictSpec `yaml:"conflicts"`
	// Keys are unknown signing keys met during commit.
	Keys []KeySpec `yaml:"keys"`
	// Corrupted names packages whose downloaded file is corrupted.
	Corrupted []string `yaml:"corrupted"`
	// Scriptlets maps package names to install scriptlet output.
	Scriptlets map[string][]string `yaml:"scriptlets"`

	// ConfigErrors makes handle setters fail, keyed by option name
	// (log_file, gpg_dir, cache_dirs, sig_level).
	ConfigErrors map[string]engine.ErrorCode `yaml:"config_errors"`
	OpenError    engine.ErrorCode            `yaml:"open_error"`
	PrepareError *ErrorSpec                  `yaml:"prepare_error"`
	CommitError  *ErrorSpec                  `yaml:"commit_error"`
}

// PackageSpec describes a package.
type PackageSpec struct {
	Name          string   `yaml:"name"`
	Version       string   `yaml:"version"`
	Desc          string   `yaml:"desc"`
	Arch          string   `yaml:"arch"`
	DownloadSize  int64    `yaml:"download_size"`
	InstalledSize int64    `yaml:"installed_size"`
	OptDepends    []string `yaml:"optdepends"`
	Groups        []string `yaml:"groups"`
	// Delta makes the download go through a delta patch.
	Delta bool `yaml:"delta"`
}

// RepositorySpec describes a sync repository.
type RepositorySpec struct {
	Name string `yaml:"name"`
	// Update is "updated" (default), "uptodate" or "fail".
	Update string `yaml:"update"`
	// Error is the code reported when Update is "fail".
	Error    engine.ErrorCode `yaml:"error"`
	Invalid  bool             `yaml:"invalid"`
	Packages []PackageSpec    `yaml:"packages"`
}

// ReplaceSpec offers NewPackage from Repo as a replacement for OldPackage.
type ReplaceSpec struct {
	Old  string `yaml:"old"`
	New  string `yaml:"new"`
	Repo string `yaml:"repo"`
}

// ProviderSpec asks which of Candidates ("repo/name") satisfies Depend.
type ProviderSpec struct {
	Depend     string   `yaml:"depend"`
	Candidates []string `yaml:"candidates"`
}

// MissingSpec is a dependency of Target that cannot be satisfied.
type MissingSpec struct {
	Target string `yaml:"target"`
	Depend string `yaml:"depend"`
}

// ConflictSpec is a conflict between two packages. Answering yes removes
// Package2.
type ConflictSpec struct {
	Package1 string `yaml:"package1"`
	Package2 string `yaml:"package2"`
	Reason   string `yaml:"reason"`
}

// KeySpec is an unknown PGP key.
type KeySpec struct {
	Fingerprint string `yaml:"fingerprint"`
	UID         string `yaml:"uid"`
	Created     string `yaml:"created"` // YYYY-MM-DD
}

// ErrorSpec describes an injected engine error.
type ErrorSpec struct {
	Code  engine.ErrorCode `yaml:"code"`
	Items []ItemSpec       `yaml:"items"`
}

// ItemSpec is one detail record of an injected error. Which fields matter
// depends on Type: arch, missing, conflict, file or invalid.
type ItemSpec struct {
	Type       string `yaml:"type"`
	Package    string `yaml:"package"`
	Target     string `yaml:"target"`
	Depend     string `yaml:"depend"`
	Package1   string `yaml:"package1"`
	Package2   string `yaml:"package2"`
	Reason     string `yaml:"reason"`
	File       string `yaml:"file"`
	CTarget    string `yaml:"ctarget"`
	Filesystem bool   `yaml:"filesystem"`
	Filename   string `yaml:"filename"`
}

// LoadScenario reads a scenario from a YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses a YAML scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks the scenario for inconsistencies.
func (sc *Scenario) Validate() error {
	seen := make(map[string]bool)
	for _, r := range sc.Repositories {
		if r.Name == "" {
			return fmt.Errorf("repository without name")
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate repository %q", r.Name)
		}
		seen[r.Name] = true
		switch r.Update {
		case "", "updated", "uptodate", "fail":
		default:
			return fmt.Errorf("repository %s: unknown update outcome %q", r.Name, r.Update)
		}
		for _, p := range r.Packages {
			if err := p.validate(); err != nil {
				return fmt.Errorf("repository %s: %w", r.Name, err)
			}
		}
	}
	for _, p := range sc.Local {
		if err := p.validate(); err != nil {
			return fmt.Errorf("local: %w", err)
		}
	}
	for _, k := range sc.Keys {
		if k.Created == "" {
			continue
		}
		if _, err := time.Parse(time.DateOnly, k.Created); err != nil {
			return fmt.Errorf("key %s: invalid creation date: %w", k.Fingerprint, err)
		}
	}
	return nil
}

func (p PackageSpec) validate() error {
	if p.Name == "" || p.Version == "" {
		return fmt.Errorf("package needs name and version")
	}
	return nil
}

func (p PackageSpec) build(db string) *engine.Package {
	pkg := &engine.Package{
		Name:          p.Name,
		Version:       p.Version,
		Desc:          p.Desc,
		Arch:          p.Arch,
		DB:            db,
		DownloadSize:  p.DownloadSize,
		InstalledSize: p.InstalledSize,
		Groups:        append([]string(nil), p.Groups...),
	}
	for _, s := range p.OptDepends {
		pkg.OptDepends = append(pkg.OptDepends, engine.ParseDepend(s))
	}
	return pkg
}

func (e *ErrorSpec) build() *engine.Error {
	err := engine.NewError(e.Code)
	for _, it := range e.Items {
		switch it.Type {
		case "arch":
			err.Items = append(err.Items, engine.InvalidArch{Package: it.Package})
		case "missing":
			err.Items = append(err.Items, engine.MissingDependency{Target: it.Target, Depend: engine.ParseDepend(it.Depend)})
		case "conflict":
			err.Items = append(err.Items, engine.Conflict{Package1: it.Package1, Package2: it.Package2, Reason: engine.ParseDepend(it.Reason)})
		case "file":
			fc := engine.FileConflict{Target: it.Target, File: it.File, CTarget: it.CTarget}
			switch {
			case it.Filesystem:
				fc.Type = engine.FileConflictFilesystem
			case it.CTarget != "":
				fc.Type = engine.FileConflictTarget
			}
			err.Items = append(err.Items, fc)
		case "invalid":
			err.Items = append(err.Items, engine.InvalidPackage{Filename: it.Filename})
		}
	}
	return err
}
