package engine

// EventKind identifies an engine event.
type EventKind int

// Engine events. Only the kinds listed here are delivered to callbacks;
// drivers drop everything else.
const (
	EventCheckDepsStart EventKind = iota + 1
	EventResolveDepsStart
	EventInterConflictsStart
	EventRetrieveStart
	EventKeyDownloadStart
	EventDeltaIntegrityStart
	EventDeltaPatchesStart
	EventDeltaPatchStart
	EventDeltaPatchDone
	EventDeltaPatchFailed
	EventScriptletInfo
	EventAddDone
	EventReinstallDone
	EventRemoveDone
	EventUpgradeDone
	EventDowngradeDone
	EventOptDepRequired
	EventDatabaseMissing
)

var eventKindNames = map[EventKind]string{
	EventCheckDepsStart:      "checkdeps_start",
	EventResolveDepsStart:    "resolvedeps_start",
	EventInterConflictsStart: "interconflicts_start",
	EventRetrieveStart:       "retrieve_start",
	EventKeyDownloadStart:    "key_download_start",
	EventDeltaIntegrityStart: "delta_integrity_start",
	EventDeltaPatchesStart:   "delta_patches_start",
	EventDeltaPatchStart:     "delta_patch_start",
	EventDeltaPatchDone:      "delta_patch_done",
	EventDeltaPatchFailed:    "delta_patch_failed",
	EventScriptletInfo:       "scriptlet_info",
	EventAddDone:             "add_done",
	EventReinstallDone:       "reinstall_done",
	EventRemoveDone:          "remove_done",
	EventUpgradeDone:         "upgrade_done",
	EventDowngradeDone:       "downgrade_done",
	EventOptDepRequired:      "optdep_required",
	EventDatabaseMissing:     "database_missing",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event is delivered through Callbacks.Event.
//
// Package is the package the event is about (the new version for upgrades
// and downgrades), OldPackage the version it replaces. Text carries the
// scriptlet line for EventScriptletInfo and the delta file name for
// EventDeltaPatchStart, in which case Target names the package file being
// generated. OptDep is set for EventOptDepRequired.
type Event struct {
	Kind       EventKind
	Package    *Package
	OldPackage *Package
	OptDep     *Depend
	Text       string
	Target     string
}

// ProgressKind identifies the operation a progress report belongs to.
type ProgressKind int

// Progress operations.
const (
	ProgressAddStart ProgressKind = iota + 1
	ProgressUpgradeStart
	ProgressDowngradeStart
	ProgressReinstallStart
	ProgressRemoveStart
	ProgressConflictsStart
	ProgressDiskspaceStart
	ProgressIntegrityStart
	ProgressLoadStart
	ProgressKeyringStart
)

// Progress is delivered through Callbacks.Progress.
type Progress struct {
	Kind    ProgressKind
	Package string
	Percent int
	Total   int
	Current int
}

// LogLevel is a bitmask of engine log levels.
type LogLevel int

// Engine log levels.
const (
	LogError LogLevel = 1 << iota
	LogWarning
	LogDebug
	LogFunction
)

func (l LogLevel) String() string {
	switch {
	case l&LogError != 0:
		return "error"
	case l&LogWarning != 0:
		return "warning"
	case l&LogDebug != 0:
		return "debug"
	case l&LogFunction != 0:
		return "function"
	default:
		return "unknown"
	}
}

// Callbacks are invoked synchronously by the engine from inside handle
// calls. Nil hooks are skipped. Question must return the decision; drivers
// treat zero as "no" or "first choice".
type Callbacks struct {
	Event         func(Event)
	Progress      func(Progress)
	DownloadTotal func(total int64)
	Download      func(filename string, transferred, total int64)
	Log           func(level LogLevel, msg string)
	Question      func(Question) int
}
