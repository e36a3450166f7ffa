package engine

import (
	"strings"
)

// SigLevel is the engine's signature verification bitmask.
type SigLevel int64

// Signature level flags.
const (
	SigPackage          SigLevel = 1 << 0
	SigPackageOptional  SigLevel = 1 << 1
	SigPackageMarginal  SigLevel = 1 << 2
	SigPackageUnknown   SigLevel = 1 << 3
	SigDatabase         SigLevel = 1 << 10
	SigDatabaseOptional SigLevel = 1 << 11
	SigDatabaseMarginal SigLevel = 1 << 12
	SigDatabaseUnknown  SigLevel = 1 << 13
	SigUseDefault       SigLevel = 1 << 31
)

// DepMod is the version comparison mode of a dependency.
type DepMod int

const (
	// DepModAny matches any version.
	DepModAny DepMod = iota + 1
	// DepModEQ matches an exact version.
	DepModEQ
	// DepModGE matches versions greater than or equal.
	DepModGE
	// DepModLE matches versions less than or equal.
	DepModLE
	// DepModGT matches versions strictly greater.
	DepModGT
	// DepModLT matches versions strictly lower.
	DepModLT
)

// Operator returns the textual comparison operator.
func (m DepMod) Operator() string {
	switch m {
	case DepModEQ:
		return "="
	case DepModGE:
		return ">="
	case DepModLE:
		return "<="
	case DepModGT:
		return ">"
	case DepModLT:
		return "<"
	default:
		return ""
	}
}

// Depend is a dependency, optional dependency, provision or conflict reason.
type Depend struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	Desc    string `json:"desc,omitempty" yaml:"desc,omitempty"`
	Mod     DepMod `json:"mod" yaml:"mod"`
}

// String renders the dependency as "name<op>version: desc".
func (d Depend) String() string {
	var b strings.Builder
	b.WriteString(d.Name)
	if d.Mod != DepModAny && d.Mod != 0 && d.Version != "" {
		b.WriteString(d.Mod.Operator())
		b.WriteString(d.Version)
	}
	if d.Desc != "" {
		b.WriteString(": ")
		b.WriteString(d.Desc)
	}
	return b.String()
}

// Equal compares name, mode, version and description.
func (d Depend) Equal(o Depend) bool {
	return d.Name == o.Name && d.normalizedMod() == o.normalizedMod() &&
		d.Version == o.Version && d.Desc == o.Desc
}

func (d Depend) normalizedMod() DepMod {
	if d.Mod == 0 {
		return DepModAny
	}
	return d.Mod
}

// ParseDepend parses strings of the form "name>=1.0: description".
func ParseDepend(s string) Depend {
	var d Depend
	if i := strings.Index(s, ": "); i >= 0 {
		d.Desc = s[i+2:]
		s = s[:i]
	}
	d.Mod = DepModAny
	d.Name = s
	for _, op := range []struct {
		tok string
		mod DepMod
	}{
		{">=", DepModGE},
		{"<=", DepModLE},
		{"=", DepModEQ},
		{">", DepModGT},
		{"<", DepModLT},
	} {
		if i := strings.Index(s, op.tok); i > 0 {
			d.Name = s[:i]
			d.Version = s[i+len(op.tok):]
			d.Mod = op.mod
			break
		}
	}
	return d
}

// Package is a package as seen by the engine, either installed or available
// from a sync database.
type Package struct {
	Name          string   `json:"name" yaml:"name"`
	Version       string   `json:"version" yaml:"version"`
	Desc          string   `json:"desc,omitempty" yaml:"desc,omitempty"`
	Arch          string   `json:"arch,omitempty" yaml:"arch,omitempty"`
	DB            string   `json:"db,omitempty" yaml:"db,omitempty"`
	DownloadSize  int64    `json:"download_size" yaml:"download_size"`
	InstalledSize int64    `json:"installed_size" yaml:"installed_size"`
	OptDepends    []Depend `json:"optdepends,omitempty" yaml:"-"`
	Groups        []string `json:"groups,omitempty" yaml:"groups,omitempty"`
}

// FindPackage returns the package with the given name, or nil.
func FindPackage(pkgs []*Package, name string) *Package {
	for _, p := range pkgs {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// UpdateResult is the outcome of a sync database update.
type UpdateResult int

const (
	// Updated means a fresh database was downloaded.
	Updated UpdateResult = iota
	// UpToDate means the database was already current.
	UpToDate
)

// TransFlag controls transaction behavior.
type TransFlag int

// Transaction flags honored by drivers.
const (
	TransNoDeps TransFlag = 1 << iota
	TransForce
	TransDownloadOnly
)
