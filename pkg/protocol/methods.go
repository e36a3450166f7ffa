package protocol

// InitEngineParams configures the engine handle.
type InitEngineParams struct {
	Root           string   `json:"root" yaml:"root" validate:"required"`
	DBPath         string   `json:"db_path" yaml:"db_path" validate:"required"`
	LogFile        string   `json:"log_file" yaml:"log_file" validate:"required"`
	GPGDir         string   `json:"gpg_dir" yaml:"gpg_dir"`
	CacheDirs      []string `json:"cache_dirs" yaml:"cache_dirs" validate:"dive,required"`
	SigLevel       int64    `json:"sig_level" yaml:"sig_level"`
	Arch           string   `json:"arch" yaml:"arch"`
	CheckSpace     bool     `json:"check_space" yaml:"check_space"`
	UseSyslog      bool     `json:"use_syslog" yaml:"use_syslog"`
	DeltaRatio     float64  `json:"delta_ratio" yaml:"delta_ratio" validate:"gte=0,lte=2"`
	IgnorePkgs     []string `json:"ignore_pkgs,omitempty" yaml:"ignore_pkgs"`
	IgnoreGroups   []string `json:"ignore_groups,omitempty" yaml:"ignore_groups"`
	NoUpgrade      []string `json:"no_upgrade,omitempty" yaml:"no_upgrade"`
	NoExtract      []string `json:"no_extract,omitempty" yaml:"no_extract"`
	MirrorDatabase bool     `json:"mirror_database" yaml:"mirror_database"`
}

// AddRepositoryParams registers a sync repository.
type AddRepositoryParams struct {
	Name     string   `json:"name" yaml:"name" validate:"required"`
	SigLevel int64    `json:"sig_level" yaml:"sig_level"`
	Servers  []string `json:"servers" yaml:"servers" validate:"dive,required"`
}

// AnswerParams answers the pending question.
type AnswerParams struct {
	Choice int `json:"choice"`
}

// AuthorizeResult is returned by a successful Authorize.
type AuthorizeResult struct {
	Client string `json:"client"`
}

// SyncOutcome is the result of refreshing one repository.
type SyncOutcome string

const (
	SyncOutcomeSynced  SyncOutcome = "synced"
	SyncOutcomeCurrent SyncOutcome = "current"
	SyncOutcomeFailed  SyncOutcome = "failed"
)

// RepositorySync reports the outcome for one repository.
type RepositorySync struct {
	Name    string      `json:"name"`
	Outcome SyncOutcome `json:"outcome"`
	Error   string      `json:"error,omitempty"`
}

// SyncRepositoriesResult lists outcomes in registration order.
type SyncRepositoriesResult struct {
	Repositories []RepositorySync `json:"repositories"`
}

// PackageAction is what a pending transaction does to a package.
type PackageAction string

const (
	ActionInstall   PackageAction = "install"
	ActionUpgrade   PackageAction = "upgrade"
	ActionDowngrade PackageAction = "downgrade"
	ActionReinstall PackageAction = "reinstall"
	ActionRemove    PackageAction = "remove"
)

// NoVersion stands in for a missing old or new version.
const NoVersion = "none"

// PackageDelta describes one package of a staged transaction.
type PackageDelta struct {
	Name             string        `json:"name"`
	Desc             string        `json:"desc"`
	Action           PackageAction `json:"action"`
	OldVersion       string        `json:"old_version"`
	NewVersion       string        `json:"new_version"`
	DownloadSize     int64         `json:"download_size"`
	OldInstalledSize int64         `json:"old_installed_size"`
	NewInstalledSize int64         `json:"new_installed_size"`
}

// PendingPackagesResult is returned by GetPendingPackages.
type PendingPackagesResult struct {
	Packages []PackageDelta `json:"packages"`
}
