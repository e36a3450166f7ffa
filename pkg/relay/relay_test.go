package relay

import (
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/upgrader/pkg/engine"
	"github.com/openfroyo/upgrader/pkg/engine/sim"
	"github.com/openfroyo/upgrader/pkg/protocol"
)

type emitted struct {
	name    protocol.SignalName
	payload interface{}
}

type captureEmitter struct {
	signals []emitted
	err     error
}

func (c *captureEmitter) EmitSignal(name protocol.SignalName, payload interface{}) error {
	c.signals = append(c.signals, emitted{name: name, payload: payload})
	return c.err
}

func (c *captureEmitter) names() []protocol.SignalName {
	out := make([]protocol.SignalName, 0, len(c.signals))
	for _, s := range c.signals {
		out = append(out, s.name)
	}
	return out
}

func (c *captureEmitter) last(name protocol.SignalName) interface{} {
	for i := len(c.signals) - 1; i >= 0; i-- {
		if c.signals[i].name == name {
			return c.signals[i].payload
		}
	}
	return nil
}

type change struct {
	action   protocol.PackageAction
	name     string
	old, new string
}

type captureRecorder struct {
	changes []change
}

func (c *captureRecorder) RecordPackageChange(action protocol.PackageAction, name, oldVersion, newVersion string) {
	c.changes = append(c.changes, change{action, name, oldVersion, newVersion})
}

func newTestRelay(verbose bool) (*Relay, *captureEmitter, *captureRecorder) {
	em := &captureEmitter{}
	rec := &captureRecorder{}
	r := New(Options{Emitter: em, Recorder: rec, Logger: zerolog.Nop(), Verbose: verbose})
	return r, em, rec
}

func deps(specs ...string) []engine.Depend {
	out := make([]engine.Depend, 0, len(specs))
	for _, s := range specs {
		out = append(out, engine.ParseDepend(s))
	}
	return out
}

func TestOptDepDelta(t *testing.T) {
	tests := []struct {
		name     string
		old, new []engine.Depend
		want     []string
	}{
		{name: "one added", old: deps("A", "B"), new: deps("A", "B", "C"), want: []string{"C"}},
		{name: "none added", old: deps("A", "B"), new: deps("B"), want: nil},
		{name: "no old", old: nil, new: deps("A", "B"), want: []string{"A", "B"}},
		{name: "description change counts", old: deps("A: one"), new: deps("A: two"), want: []string{"A: two"}},
		{name: "version change counts", old: deps("A>=1"), new: deps("A>=2"), want: []string{"A>=2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, d := range OptDepDelta(tt.old, tt.new) {
				got = append(got, d.String())
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvent_Milestones(t *testing.T) {
	r, em, _ := newTestRelay(false)

	r.Event(engine.Event{Kind: engine.EventCheckDepsStart})
	r.Event(engine.Event{Kind: engine.EventRetrieveStart})
	r.Event(engine.Event{Kind: engine.EventDatabaseMissing})

	require.Len(t, em.signals, 2)
	assert.Equal(t, &protocol.EventPayload{Milestone: protocol.MilestoneCheckingDeps}, em.signals[0].payload)
	assert.Equal(t, &protocol.EventPayload{Milestone: protocol.MilestoneRetrievingPkgs}, em.signals[1].payload)
}

func TestEvent_ScriptletAndDelta(t *testing.T) {
	r, em, _ := newTestRelay(false)

	r.Event(engine.Event{Kind: engine.EventScriptletInfo, Text: "==> Building initramfs\n"})
	r.Event(engine.Event{Kind: engine.EventDeltaPatchStart, Text: "a.delta", Target: "a.pkg.tar.zst"})

	assert.Equal(t, []protocol.SignalName{protocol.SignalScriptlet, protocol.SignalDeltaGenerating}, em.names())
	assert.Equal(t, &protocol.DeltaGeneratingPayload{Delta: "a.delta", Target: "a.pkg.tar.zst"}, em.signals[1].payload)
}

func TestEvent_PackageChangesWithoutHandle(t *testing.T) {
	r, em, rec := newTestRelay(false)

	r.Event(engine.Event{Kind: engine.EventAddDone, Package: &engine.Package{Name: "lua", Version: "5.4-1"}})
	r.Event(engine.Event{Kind: engine.EventRemoveDone, Package: &engine.Package{Name: "luajit", Version: "2.1-1"}})
	r.Event(engine.Event{
		Kind:       engine.EventDowngradeDone,
		Package:    &engine.Package{Name: "zsh", Version: "5.8-1"},
		OldPackage: &engine.Package{Name: "zsh", Version: "5.9-2"},
	})
	r.Event(engine.Event{Kind: engine.EventUpgradeDone})

	assert.Equal(t, []protocol.SignalName{protocol.SignalInstalled, protocol.SignalRemoved, protocol.SignalDowngraded}, em.names())
	assert.Equal(t, &protocol.PackageChangePayload{Name: "luajit", OldVersion: "2.1-1"}, em.signals[1].payload)
	assert.Equal(t, &protocol.PackageChangePayload{Name: "zsh", OldVersion: "5.9-2", NewVersion: "5.8-1"}, em.signals[2].payload)
	assert.Equal(t, []change{
		{protocol.ActionInstall, "lua", "", "5.4-1"},
		{protocol.ActionRemove, "luajit", "2.1-1", ""},
		{protocol.ActionDowngrade, "zsh", "5.9-2", "5.8-1"},
	}, rec.changes)
}

func TestEvent_OptDepRequired(t *testing.T) {
	r, em, _ := newTestRelay(false)
	dep := engine.ParseDepend("python: scripting")

	r.Event(engine.Event{Kind: engine.EventOptDepRequired, Package: &engine.Package{Name: "vim"}, OptDep: &dep})

	assert.Equal(t, &protocol.OptDepRequiredPayload{Package: "vim", Depend: "python: scripting"}, em.last(protocol.SignalOptDepRequired))
}

func TestProgressAndDownloads(t *testing.T) {
	r, em, _ := newTestRelay(false)

	r.Progress(engine.Progress{Kind: engine.ProgressUpgradeStart, Package: "vim", Percent: 50, Total: 2, Current: 1})
	r.Progress(engine.Progress{Kind: engine.ProgressKind(99)})
	r.DownloadTotal(4096)
	r.Download("vim.pkg.tar.zst", 10, 20)

	assert.Equal(t, []protocol.SignalName{protocol.SignalProgress, protocol.SignalDownloadTotal, protocol.SignalDownloading}, em.names())
	assert.Equal(t, &protocol.ProgressPayload{
		Operation: protocol.OperationUpgrading, Package: "vim", Percent: 50, Total: 2, Current: 1,
	}, em.signals[0].payload)
}

func TestLog_Suppression(t *testing.T) {
	quiet, qem, _ := newTestRelay(false)
	loud, lem, _ := newTestRelay(true)

	for _, r := range []*Relay{quiet, loud} {
		r.Log(engine.LogDebug, "debug line\n")
		r.Log(engine.LogFunction, "function line\n")
		r.Log(engine.LogWarning, "")
		r.Log(engine.LogWarning, "zsh: local is newer\n")
	}

	require.Len(t, qem.signals, 1)
	assert.Equal(t, &protocol.LogPayload{Level: "warning", Text: "zsh: local is newer\n"}, qem.signals[0].payload)
	assert.Len(t, lem.signals, 3)
}

func TestSyncSignals(t *testing.T) {
	r, em, _ := newTestRelay(false)

	r.SyncStarted(2)
	r.SyncRepoStart("core")
	r.SyncRepoEnd("core", protocol.SyncOutcomeSynced)

	assert.Equal(t, []protocol.SignalName{protocol.SignalSyncStarted, protocol.SignalSyncRepoStart, protocol.SignalSyncRepoEnd}, em.names())
	assert.Equal(t, &protocol.SyncRepoEndPayload{Name: "core", Outcome: protocol.SyncOutcomeSynced}, em.signals[2].payload)
}

func TestEmitFailureDoesNotPanic(t *testing.T) {
	em := &captureEmitter{err: errors.New("broken pipe")}
	r := New(Options{Emitter: em, Logger: zerolog.Nop()})
	assert.NotPanics(t, func() { r.DownloadTotal(1) })
}

func annotationScenario() *sim.Scenario {
	return &sim.Scenario{
		Local: []sim.PackageSpec{
			{Name: "vim", Version: "9.0-1", OptDepends: []string{"python: scripting"}},
			{Name: "python", Version: "3.11-1"},
			{Name: "luajit", Version: "2.1-1"},
		},
		Repositories: []sim.RepositorySpec{{
			Name: "core",
			Packages: []sim.PackageSpec{
				{Name: "vim", Version: "9.1-1", OptDepends: []string{"python: scripting", "lua: scripting", "ruby: scripting"}},
				{Name: "lua", Version: "5.4-1"},
			},
		}},
		Replaces: []sim.ReplaceSpec{{Old: "luajit", New: "lua", Repo: "core"}},
	}
}

func openAnnotationHandle(t *testing.T) *sim.Handle {
	t.Helper()
	h, err := sim.NewDriver(annotationScenario()).OpenSim("/", "/var/lib/pacman")
	require.NoError(t, err)
	h.SetArch("x86_64")
	_, err = h.RegisterSyncDB("core", engine.SigUseDefault)
	require.NoError(t, err)
	return h
}

func TestAnnotate(t *testing.T) {
	h := openAnnotationHandle(t)
	h.SetCallbacks(engine.Callbacks{Question: func(engine.Question) int { return 1 }})
	require.NoError(t, h.TransInit(0))
	require.NoError(t, h.SyncSysupgrade(false))
	require.NotNil(t, engine.FindPackage(h.TransAdd(), "lua"))

	r, em, _ := newTestRelay(false)
	r.Attach(h)

	r.Event(engine.Event{
		Kind:       engine.EventUpgradeDone,
		Package:    &engine.Package{Name: "vim", Version: "9.1-1", OptDepends: deps("python: scripting", "lua: scripting", "ruby: scripting")},
		OldPackage: &engine.Package{Name: "vim", Version: "9.0-1", OptDepends: deps("python: scripting")},
	})
	r.Event(engine.Event{
		Kind:    engine.EventAddDone,
		Package: &engine.Package{Name: "gvim", Version: "9.1-1", OptDepends: deps("python: scripting")},
	})

	upgraded := em.last(protocol.SignalUpgraded).(*protocol.PackageChangePayload)
	assert.Equal(t, []string{"lua: scripting [pending]", "ruby: scripting"}, upgraded.OptDeps)
	installed := em.last(protocol.SignalInstalled).(*protocol.PackageChangePayload)
	assert.Equal(t, []string{"python: scripting [installed]"}, installed.OptDeps)

	actions := h.Actions()
	require.Len(t, actions, 2)
	assert.True(t, strings.HasSuffix(actions[0], "[upgrader] upgraded vim (9.0-1 -> 9.1-1)\n"), actions[0])
	assert.True(t, strings.HasSuffix(actions[1], "[upgrader] installed gvim (9.1-1)\n"), actions[1])

	r.Detach()
	r.Event(engine.Event{Kind: engine.EventAddDone, Package: &engine.Package{Name: "nano", Version: "7-1"}})
	assert.Len(t, h.Actions(), 2, "detached relay must not write the action log")
}

func TestCommitThroughRelay(t *testing.T) {
	h := openAnnotationHandle(t)
	r, em, rec := newTestRelay(false)
	r.Attach(h)
	h.SetCallbacks(engine.Callbacks{
		Event:         r.Event,
		Progress:      r.Progress,
		DownloadTotal: r.DownloadTotal,
		Download:      r.Download,
		Log:           r.Log,
		Question:      func(engine.Question) int { return 1 },
	})

	require.NoError(t, h.TransInit(0))
	require.NoError(t, h.SyncSysupgrade(false))
	require.NoError(t, h.TransPrepare())
	require.NoError(t, h.TransCommit())

	names := em.names()
	assert.Contains(t, names, protocol.SignalDownloadTotal)
	assert.Contains(t, names, protocol.SignalRemoved)
	assert.Contains(t, names, protocol.SignalInstalled)
	assert.Contains(t, names, protocol.SignalUpgraded)

	assert.ElementsMatch(t, []change{
		{protocol.ActionRemove, "luajit", "2.1-1", ""},
		{protocol.ActionInstall, "lua", "", "5.4-1"},
		{protocol.ActionUpgrade, "vim", "9.0-1", "9.1-1"},
	}, rec.changes)

	// lua was installed before vim, so the upgrade sees it installed
	upgraded := em.last(protocol.SignalUpgraded).(*protocol.PackageChangePayload)
	assert.Equal(t, []string{"lua: scripting [installed]", "ruby: scripting"}, upgraded.OptDeps)
}
