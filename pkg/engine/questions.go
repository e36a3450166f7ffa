package engine

import "time"

// QuestionKind identifies the kind of decision the engine needs.
type QuestionKind string

// Question kinds.
const (
	QuestionInstallIgnorePkg QuestionKind = "install_ignorepkg"
	QuestionReplacePkg       QuestionKind = "replace_pkg"
	QuestionConflictPkg      QuestionKind = "conflict_pkg"
	QuestionRemovePkgs       QuestionKind = "remove_pkgs"
	QuestionSelectProvider   QuestionKind = "select_provider"
	QuestionCorruptedPkg     QuestionKind = "corrupted_pkg"
	QuestionImportKey        QuestionKind = "import_key"
)

// Question is implemented by every question the engine can ask.
type Question interface {
	Kind() QuestionKind
}

// InstallIgnorePkgQuestion asks whether a package on the ignore list should
// be installed anyway.
type InstallIgnorePkgQuestion struct {
	Package *Package
}

// Kind implements Question.
func (InstallIgnorePkgQuestion) Kind() QuestionKind { return QuestionInstallIgnorePkg }

// ReplacePkgQuestion asks whether OldPackage should be replaced by
// NewPackage from NewRepo.
type ReplacePkgQuestion struct {
	OldPackage *Package
	NewPackage *Package
	NewRepo    string
}

// Kind implements Question.
func (ReplacePkgQuestion) Kind() QuestionKind { return QuestionReplacePkg }

// ConflictPkgQuestion asks whether Package2 should be removed to resolve a
// conflict with Package1.
type ConflictPkgQuestion struct {
	Package1 string
	Package2 string
	Reason   string
}

// Kind implements Question.
func (ConflictPkgQuestion) Kind() QuestionKind { return QuestionConflictPkg }

// RemovePkgsQuestion asks whether packages with unresolvable dependencies
// should be skipped from the transaction.
type RemovePkgsQuestion struct {
	Packages []*Package
}

// Kind implements Question.
func (RemovePkgsQuestion) Kind() QuestionKind { return QuestionRemovePkgs }

// SelectProviderQuestion asks which of Providers should satisfy Depend. The
// answer is an index into Providers.
type SelectProviderQuestion struct {
	Depend    Depend
	Providers []*Package
}

// Kind implements Question.
func (SelectProviderQuestion) Kind() QuestionKind { return QuestionSelectProvider }

// CorruptedPkgQuestion asks whether a corrupted package file should be
// deleted.
type CorruptedPkgQuestion struct {
	Filepath string
	Reason   ErrorCode
}

// Kind implements Question.
func (CorruptedPkgQuestion) Kind() QuestionKind { return QuestionCorruptedPkg }

// PGPKey describes an unknown signing key.
type PGPKey struct {
	Fingerprint string
	UID         string
	Created     time.Time
}

// ImportKeyQuestion asks whether an unknown signing key should be imported.
type ImportKeyQuestion struct {
	Key PGPKey
}

// Kind implements Question.
func (ImportKeyQuestion) Kind() QuestionKind { return QuestionImportKey }
