package protocol

// SignalName names a notification or question.
type SignalName string

// Notifications.
const (
	SignalEvent           SignalName = "Event"
	SignalScriptlet       SignalName = "Scriptlet"
	SignalDeltaGenerating SignalName = "DeltaGenerating"
	SignalProgress        SignalName = "Progress"
	SignalDownloadTotal   SignalName = "DownloadTotal"
	SignalDownloading     SignalName = "Downloading"
	SignalLog             SignalName = "Log"
	SignalSyncStarted     SignalName = "SyncStarted"
	SignalSyncRepoStart   SignalName = "SyncRepoStart"
	SignalSyncRepoEnd     SignalName = "SyncRepoEnd"
	SignalInstalled       SignalName = "Installed"
	SignalReinstalled     SignalName = "Reinstalled"
	SignalRemoved         SignalName = "Removed"
	SignalUpgraded        SignalName = "Upgraded"
	SignalDowngraded      SignalName = "Downgraded"
	SignalOptDepRequired  SignalName = "OptionalDependencyRequired"
)

// Questions.
const (
	SignalAskInstallIgnorePkg SignalName = "AskInstallIgnorePkg"
	SignalAskReplacePkg       SignalName = "AskReplacePkg"
	SignalAskConflictPkg      SignalName = "AskConflictPkg"
	SignalAskRemovePkgs       SignalName = "AskRemovePkgs"
	SignalAskSelectProvider   SignalName = "AskSelectProvider"
	SignalAskCorruptedPkg     SignalName = "AskCorruptedPkg"
	SignalAskImportKey        SignalName = "AskImportKey"
)

// IsQuestion reports whether the signal expects an Answer.
func (s SignalName) IsQuestion() bool {
	switch s {
	case SignalAskInstallIgnorePkg, SignalAskReplacePkg, SignalAskConflictPkg,
		SignalAskRemovePkgs, SignalAskSelectProvider, SignalAskCorruptedPkg,
		SignalAskImportKey:
		return true
	}
	return false
}

// Milestone identifies a transaction milestone reported by SignalEvent.
type Milestone string

const (
	MilestoneRetrievingPkgs   Milestone = "retrieving_pkgs"
	MilestoneCheckingDeps     Milestone = "checking_deps"
	MilestoneResolvingDeps    Milestone = "resolving_deps"
	MilestoneInterconflicts   Milestone = "interconflicts"
	MilestoneKeyDownload      Milestone = "key_download"
	MilestoneDeltaIntegrity   Milestone = "delta_integrity"
	MilestoneDeltaPatches     Milestone = "delta_patches"
	MilestoneDeltaPatchDone   Milestone = "delta_patch_done"
	MilestoneDeltaPatchFailed Milestone = "delta_patch_failed"
)

// Operation identifies what a SignalProgress reports on.
type Operation string

const (
	OperationInstalling        Operation = "installing"
	OperationReinstalling      Operation = "reinstalling"
	OperationUpgrading         Operation = "upgrading"
	OperationDowngrading       Operation = "downgrading"
	OperationRemoving          Operation = "removing"
	OperationFileConflicts     Operation = "file_conflicts"
	OperationCheckingDiskspace Operation = "checking_diskspace"
	OperationPkgIntegrity      Operation = "pkg_integrity"
	OperationLoadPkgFiles      Operation = "load_pkgfiles"
	OperationKeyring           Operation = "keyring"
)

// EventPayload is carried by SignalEvent.
type EventPayload struct {
	Milestone Milestone `json:"milestone"`
}

// TextPayload is carried by SignalScriptlet and SignalSyncRepoStart.
type TextPayload struct {
	Text string `json:"text"`
}

// DeltaGeneratingPayload is carried by SignalDeltaGenerating.
type DeltaGeneratingPayload struct {
	Delta  string `json:"delta"`
	Target string `json:"target"`
}

// ProgressPayload is carried by SignalProgress.
type ProgressPayload struct {
	Operation Operation `json:"operation"`
	Package   string    `json:"package"`
	Percent   int       `json:"percent"`
	Total     int       `json:"total"`
	Current   int       `json:"current"`
}

// DownloadTotalPayload is carried by SignalDownloadTotal.
type DownloadTotalPayload struct {
	Total int64 `json:"total"`
}

// DownloadingPayload is carried by SignalDownloading.
type DownloadingPayload struct {
	File        string `json:"file"`
	Transferred int64  `json:"transferred"`
	Total       int64  `json:"total"`
}

// LogPayload is carried by SignalLog.
type LogPayload struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

// SyncStartedPayload is carried by SignalSyncStarted.
type SyncStartedPayload struct {
	Count int `json:"count"`
}

// SyncRepoEndPayload is carried by SignalSyncRepoEnd.
type SyncRepoEndPayload struct {
	Name    string      `json:"name"`
	Outcome SyncOutcome `json:"outcome"`
}

// PackageChangePayload is carried by the per-package completion signals.
// OptDeps holds every annotated optional dependency for installs and only
// the newly introduced ones for upgrades and downgrades.
type PackageChangePayload struct {
	Name       string   `json:"name"`
	OldVersion string   `json:"old_version,omitempty"`
	NewVersion string   `json:"new_version,omitempty"`
	OptDeps    []string `json:"optdeps,omitempty"`
}

// OptDepRequiredPayload is carried by SignalOptDepRequired.
type OptDepRequiredPayload struct {
	Package string `json:"package"`
	Depend  string `json:"depend"`
}

// AskInstallIgnorePkgPayload is carried by SignalAskInstallIgnorePkg.
type AskInstallIgnorePkgPayload struct {
	Package string `json:"package"`
}

// AskReplacePkgPayload is carried by SignalAskReplacePkg.
type AskReplacePkgPayload struct {
	OldRepo    string `json:"old_repo"`
	OldPackage string `json:"old_package"`
	NewRepo    string `json:"new_repo"`
	NewPackage string `json:"new_package"`
}

// AskConflictPkgPayload is carried by SignalAskConflictPkg. Reason is empty
// when it would only repeat one of the package names.
type AskConflictPkgPayload struct {
	Package1 string `json:"package1"`
	Package2 string `json:"package2"`
	Reason   string `json:"reason"`
}

// AskRemovePkgsPayload is carried by SignalAskRemovePkgs.
type AskRemovePkgsPayload struct {
	Packages []string `json:"packages"`
}

// Provider is one candidate of a provider selection.
type Provider struct {
	Repo    string `json:"repo"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// AskSelectProviderPayload is carried by SignalAskSelectProvider. The
// answer is an index into Providers.
type AskSelectProviderPayload struct {
	Depend    string     `json:"depend"`
	Providers []Provider `json:"providers"`
}

// AskCorruptedPkgPayload is carried by SignalAskCorruptedPkg.
type AskCorruptedPkgPayload struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

// AskImportKeyPayload is carried by SignalAskImportKey.
type AskImportKeyPayload struct {
	Fingerprint string `json:"fingerprint"`
	UID         string `json:"uid"`
	Created     string `json:"created"` // YYYY-MM-DD
}
