// Package relay turns the engine's synchronous progress, log and completion
// callbacks into outbound protocol notifications.
//
// A Relay is invoked on the engine worker goroutine from inside handle
// calls. It never blocks on the client: signals are written through the
// shared encoder and delivered in the order the engine produced them.
package relay

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/upgrader/pkg/engine"
	"github.com/openfroyo/upgrader/pkg/protocol"
	"github.com/openfroyo/upgrader/pkg/telemetry"
)

// ActionPrefix tags lines written to the engine action log.
const ActionPrefix = "upgrader"

// Emitter sends a notification to the client.
type Emitter interface {
	EmitSignal(name protocol.SignalName, payload interface{}) error
}

// Recorder persists completed package changes.
type Recorder interface {
	RecordPackageChange(action protocol.PackageAction, name, oldVersion, newVersion string)
}

// Options configures a Relay.
type Options struct {
	Emitter  Emitter
	Recorder Recorder
	Metrics  *telemetry.Metrics
	Logger   zerolog.Logger
	// Verbose forwards debug and function level engine log lines.
	Verbose bool
}

// Relay translates engine callbacks into signals.
type Relay struct {
	emit     Emitter
	recorder Recorder
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
	verbose  bool

	handle engine.Handle
}

// New creates a relay.
func New(opts Options) *Relay {
	return &Relay{
		emit:     opts.Emitter,
		recorder: opts.Recorder,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With().Str("component", "relay").Logger(),
		verbose:  opts.Verbose,
	}
}

// Attach binds the relay to the handle whose callbacks it serves. Optional
// dependency annotation and action logging need it.
func (r *Relay) Attach(h engine.Handle) {
	r.handle = h
}

// Detach unbinds the handle before it is released.
func (r *Relay) Detach() {
	r.handle = nil
}

var milestones = map[engine.EventKind]protocol.Milestone{
	engine.EventRetrieveStart:       protocol.MilestoneRetrievingPkgs,
	engine.EventCheckDepsStart:      protocol.MilestoneCheckingDeps,
	engine.EventResolveDepsStart:    protocol.MilestoneResolvingDeps,
	engine.EventInterConflictsStart: protocol.MilestoneInterconflicts,
	engine.EventKeyDownloadStart:    protocol.MilestoneKeyDownload,
	engine.EventDeltaIntegrityStart: protocol.MilestoneDeltaIntegrity,
	engine.EventDeltaPatchesStart:   protocol.MilestoneDeltaPatches,
	engine.EventDeltaPatchDone:      protocol.MilestoneDeltaPatchDone,
	engine.EventDeltaPatchFailed:    protocol.MilestoneDeltaPatchFailed,
}

// Event handles engine.Callbacks.Event.
func (r *Relay) Event(e engine.Event) {
	if m, ok := milestones[e.Kind]; ok {
		r.signal(protocol.SignalEvent, &protocol.EventPayload{Milestone: m})
		return
	}

	switch e.Kind {
	case engine.EventScriptletInfo:
		r.signal(protocol.SignalScriptlet, &protocol.TextPayload{Text: e.Text})
	case engine.EventDeltaPatchStart:
		r.signal(protocol.SignalDeltaGenerating, &protocol.DeltaGeneratingPayload{Delta: e.Text, Target: e.Target})
	case engine.EventAddDone:
		r.installed(e.Package)
	case engine.EventReinstallDone:
		r.simpleChange(protocol.SignalReinstalled, protocol.ActionReinstall, "reinstalled", e.Package)
	case engine.EventRemoveDone:
		r.simpleChange(protocol.SignalRemoved, protocol.ActionRemove, "removed", e.Package)
	case engine.EventUpgradeDone:
		r.versionChange(protocol.SignalUpgraded, protocol.ActionUpgrade, "upgraded", e.Package, e.OldPackage)
	case engine.EventDowngradeDone:
		r.versionChange(protocol.SignalDowngraded, protocol.ActionDowngrade, "downgraded", e.Package, e.OldPackage)
	case engine.EventOptDepRequired:
		if e.Package == nil || e.OptDep == nil {
			return
		}
		r.signal(protocol.SignalOptDepRequired, &protocol.OptDepRequiredPayload{
			Package: e.Package.Name,
			Depend:  e.OptDep.String(),
		})
	case engine.EventDatabaseMissing:
		// databases are always synced first
	default:
		r.logger.Debug().Str("event", e.Kind.String()).Msg("Ignoring engine event")
	}
}

var operations = map[engine.ProgressKind]protocol.Operation{
	engine.ProgressAddStart:       protocol.OperationInstalling,
	engine.ProgressReinstallStart: protocol.OperationReinstalling,
	engine.ProgressUpgradeStart:   protocol.OperationUpgrading,
	engine.ProgressDowngradeStart: protocol.OperationDowngrading,
	engine.ProgressRemoveStart:    protocol.OperationRemoving,
	engine.ProgressConflictsStart: protocol.OperationFileConflicts,
	engine.ProgressDiskspaceStart: protocol.OperationCheckingDiskspace,
	engine.ProgressIntegrityStart: protocol.OperationPkgIntegrity,
	engine.ProgressLoadStart:      protocol.OperationLoadPkgFiles,
	engine.ProgressKeyringStart:   protocol.OperationKeyring,
}

// Progress handles engine.Callbacks.Progress.
func (r *Relay) Progress(p engine.Progress) {
	op, ok := operations[p.Kind]
	if !ok {
		return
	}
	r.signal(protocol.SignalProgress, &protocol.ProgressPayload{
		Operation: op,
		Package:   p.Package,
		Percent:   p.Percent,
		Total:     p.Total,
		Current:   p.Current,
	})
}

// DownloadTotal handles engine.Callbacks.DownloadTotal.
func (r *Relay) DownloadTotal(total int64) {
	r.signal(protocol.SignalDownloadTotal, &protocol.DownloadTotalPayload{Total: total})
}

// Download handles engine.Callbacks.Download.
func (r *Relay) Download(filename string, transferred, total int64) {
	r.signal(protocol.SignalDownloading, &protocol.DownloadingPayload{
		File:        filename,
		Transferred: transferred,
		Total:       total,
	})
}

// Log handles engine.Callbacks.Log.
func (r *Relay) Log(level engine.LogLevel, msg string) {
	if msg == "" {
		return
	}
	if !r.verbose && level&(engine.LogDebug|engine.LogFunction) != 0 {
		return
	}
	r.signal(protocol.SignalLog, &protocol.LogPayload{Level: level.String(), Text: msg})
}

// SyncStarted announces a repository refresh of count databases.
func (r *Relay) SyncStarted(count int) {
	r.signal(protocol.SignalSyncStarted, &protocol.SyncStartedPayload{Count: count})
}

// SyncRepoStart announces the refresh of one repository.
func (r *Relay) SyncRepoStart(name string) {
	r.signal(protocol.SignalSyncRepoStart, &protocol.TextPayload{Text: name})
}

// SyncRepoEnd reports the outcome for one repository.
func (r *Relay) SyncRepoEnd(name string, outcome protocol.SyncOutcome) {
	r.metrics.RecordSyncOutcome(string(outcome))
	r.signal(protocol.SignalSyncRepoEnd, &protocol.SyncRepoEndPayload{Name: name, Outcome: outcome})
}

func (r *Relay) installed(pkg *engine.Package) {
	if pkg == nil {
		return
	}
	r.logAction("installed %s (%s)", pkg.Name, pkg.Version)
	r.record(protocol.ActionInstall, pkg.Name, "", pkg.Version)
	r.signal(protocol.SignalInstalled, &protocol.PackageChangePayload{
		Name:       pkg.Name,
		NewVersion: pkg.Version,
		OptDeps:    r.annotate(pkg.OptDepends),
	})
}

func (r *Relay) simpleChange(name protocol.SignalName, action protocol.PackageAction, verb string, pkg *engine.Package) {
	if pkg == nil {
		return
	}
	r.logAction(verb+" %s (%s)", pkg.Name, pkg.Version)
	payload := &protocol.PackageChangePayload{Name: pkg.Name}
	if action == protocol.ActionRemove {
		payload.OldVersion = pkg.Version
		r.record(action, pkg.Name, pkg.Version, "")
	} else {
		payload.NewVersion = pkg.Version
		r.record(action, pkg.Name, pkg.Version, pkg.Version)
	}
	r.signal(name, payload)
}

func (r *Relay) versionChange(name protocol.SignalName, action protocol.PackageAction, verb string, pkg, old *engine.Package) {
	if pkg == nil {
		return
	}
	var oldVersion string
	var oldOptDeps []engine.Depend
	if old != nil {
		oldVersion = old.Version
		oldOptDeps = old.OptDepends
	}
	r.logAction(verb+" %s (%s -> %s)", pkg.Name, oldVersion, pkg.Version)
	r.record(action, pkg.Name, oldVersion, pkg.Version)
	r.signal(name, &protocol.PackageChangePayload{
		Name:       pkg.Name,
		OldVersion: oldVersion,
		NewVersion: pkg.Version,
		OptDeps:    r.annotate(OptDepDelta(oldOptDeps, pkg.OptDepends)),
	})
}

// OptDepDelta returns the entries of newDeps that are not in oldDeps,
// preserving the order of newDeps.
func OptDepDelta(oldDeps, newDeps []engine.Depend) []engine.Depend {
	var delta []engine.Depend
outer:
	for _, n := range newDeps {
		for _, o := range oldDeps {
			if n.Equal(o) {
				continue outer
			}
		}
		delta = append(delta, n)
	}
	return delta
}

// annotate renders optional dependencies, marking those already installed
// or about to be installed by the open transaction.
func (r *Relay) annotate(deps []engine.Depend) []string {
	if len(deps) == 0 {
		return nil
	}
	var pending []*engine.Package
	if r.handle != nil {
		pending = r.handle.TransAdd()
	}
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		s := d.String()
		switch {
		case r.handle != nil && r.handle.LocalDB() != nil && r.handle.LocalDB().Package(d.Name) != nil:
			s += " [installed]"
		case engine.FindPackage(pending, d.Name) != nil:
			s += " [pending]"
		}
		out = append(out, s)
	}
	return out
}

func (r *Relay) logAction(format string, args ...interface{}) {
	if r.handle == nil {
		return
	}
	if err := r.handle.LogAction(ActionPrefix, fmt.Sprintf(format, args...)+"\n"); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to write action log")
	}
}

func (r *Relay) record(action protocol.PackageAction, name, oldVersion, newVersion string) {
	r.metrics.RecordPackageChange(string(action))
	if r.recorder != nil {
		r.recorder.RecordPackageChange(action, name, oldVersion, newVersion)
	}
}

func (r *Relay) signal(name protocol.SignalName, payload interface{}) {
	if r.emit == nil {
		return
	}
	if err := r.emit.EmitSignal(name, payload); err != nil {
		r.logger.Error().Err(err).Str("signal", string(name)).Msg("Failed to emit signal")
	}
}
