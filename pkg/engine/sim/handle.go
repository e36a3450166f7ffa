package sim

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/openfroyo/upgrader/pkg/engine"
)

const localDBName = "local"

// Config is a snapshot of the options applied to a handle.
type Config struct {
	LogFile      string
	GPGDir       string
	CacheDirs    []string
	SigLevel     engine.SigLevel
	Arch         string
	CheckSpace   bool
	UseSyslog    bool
	DeltaRatio   float64
	IgnorePkgs   []string
	IgnoreGroups []string
	NoUpgrade    []string
	NoExtract    []string
}

type transaction struct {
	flags    engine.TransFlag
	add      []*engine.Package
	remove   []*engine.Package
	prepared bool
}

// Handle is a simulated engine handle. Like a real engine handle it is not
// safe for concurrent use.
type Handle struct {
	sc     *Scenario
	root   string
	dbPath string
	cfg    Config
	cb     engine.Callbacks

	local   *db
	syncdbs []*db
	deltas  map[string]bool
	trans   *transaction

	actions  []string
	released bool
}

var _ engine.Handle = (*Handle)(nil)

func newHandle(sc *Scenario, root, dbPath string) *Handle {
	h := &Handle{
		sc:     sc,
		root:   root,
		dbPath: dbPath,
		deltas: make(map[string]bool),
	}
	h.local = &db{h: h, name: localDBName}
	for _, p := range sc.Local {
		h.local.packages = append(h.local.packages, p.build(localDBName))
	}
	for _, r := range sc.Repositories {
		for _, p := range r.Packages {
			if p.Delta {
				h.deltas[p.Name] = true
			}
		}
	}
	return h
}

// Config returns the options applied so far.
func (h *Handle) Config() Config {
	return h.cfg
}

// Actions returns the lines written to the action log.
func (h *Handle) Actions() []string {
	return append([]string(nil), h.actions...)
}

// Released reports whether Release was called.
func (h *Handle) Released() bool {
	return h.released
}

// InTransaction reports whether a transaction is open.
func (h *Handle) InTransaction() bool {
	return h.trans != nil
}

func (h *Handle) SetCallbacks(cb engine.Callbacks) { h.cb = cb }

func (h *Handle) CanDownload() bool { return true }

func (h *Handle) configError(option string) error {
	if code, ok := h.sc.ConfigErrors[option]; ok {
		return engine.NewError(code)
	}
	return nil
}

func (h *Handle) SetLogFile(path string) error {
	if err := h.configError("log_file"); err != nil {
		return err
	}
	if path == "" {
		return engine.NewError(engine.ErrWrongArgs)
	}
	h.cfg.LogFile = path
	return nil
}

func (h *Handle) SetGPGDir(path string) error {
	if err := h.configError("gpg_dir"); err != nil {
		return err
	}
	h.cfg.GPGDir = path
	return nil
}

func (h *Handle) SetCacheDirs(paths []string) error {
	if err := h.configError("cache_dirs"); err != nil {
		return err
	}
	for _, p := range paths {
		if p == "" {
			return engine.NewError(engine.ErrWrongArgs)
		}
	}
	h.cfg.CacheDirs = append([]string(nil), paths...)
	return nil
}

func (h *Handle) SetDefaultSigLevel(level engine.SigLevel) error {
	if err := h.configError("sig_level"); err != nil {
		return err
	}
	h.cfg.SigLevel = level
	return nil
}

func (h *Handle) SetArch(arch string)            { h.cfg.Arch = arch }
func (h *Handle) Arch() string                   { return h.cfg.Arch }
func (h *Handle) SetCheckSpace(enabled bool)     { h.cfg.CheckSpace = enabled }
func (h *Handle) SetUseSyslog(enabled bool)      { h.cfg.UseSyslog = enabled }
func (h *Handle) SetDeltaRatio(ratio float64)    { h.cfg.DeltaRatio = ratio }
func (h *Handle) SetIgnorePkgs(names []string)   { h.cfg.IgnorePkgs = append([]string(nil), names...) }
func (h *Handle) SetIgnoreGroups(names []string) { h.cfg.IgnoreGroups = append([]string(nil), names...) }
func (h *Handle) SetNoUpgrade(patterns []string) { h.cfg.NoUpgrade = append([]string(nil), patterns...) }
func (h *Handle) SetNoExtract(patterns []string) { h.cfg.NoExtract = append([]string(nil), patterns...) }

func (h *Handle) RegisterSyncDB(name string, level engine.SigLevel) (engine.DB, error) {
	if h.released {
		return nil, engine.NewError(engine.ErrHandleNull)
	}
	if name == "" || name == localDBName {
		return nil, engine.NewError(engine.ErrWrongArgs)
	}
	for _, d := range h.syncdbs {
		if d.name == name {
			return nil, engine.NewError(engine.ErrDBNotNull)
		}
	}
	d := &db{h: h, name: name, level: level}
	for i := range h.sc.Repositories {
		r := &h.sc.Repositories[i]
		if r.Name != name {
			continue
		}
		d.spec = r
		for _, p := range r.Packages {
			d.packages = append(d.packages, p.build(name))
		}
	}
	h.syncdbs = append(h.syncdbs, d)
	return d, nil
}

func (h *Handle) SyncDBs() []engine.DB {
	out := make([]engine.DB, 0, len(h.syncdbs))
	for _, d := range h.syncdbs {
		out = append(out, d)
	}
	return out
}

func (h *Handle) LocalDB() engine.DB { return h.local }

func (h *Handle) TransInit(flags engine.TransFlag) error {
	if h.released {
		return engine.NewError(engine.ErrHandleNull)
	}
	if h.trans != nil {
		return engine.NewError(engine.ErrTransNotNull)
	}
	h.trans = &transaction{flags: flags}
	h.log(engine.LogDebug, "transaction initialized\n")
	return nil
}

func (h *Handle) SyncSysupgrade(enableDowngrade bool) error {
	if h.trans == nil {
		return engine.NewError(engine.ErrTransNull)
	}
	h.log(engine.LogDebug, "checking for package upgrades\n")

	replaced := make(map[string]bool)
	for _, r := range h.sc.Replaces {
		old := h.local.Package(r.Old)
		repo := h.syncDB(r.Repo)
		if old == nil || repo == nil {
			continue
		}
		repl := repo.Package(r.New)
		if repl == nil || engine.FindPackage(h.trans.add, repl.Name) != nil {
			continue
		}
		if h.ask(engine.ReplacePkgQuestion{OldPackage: old, NewPackage: repl, NewRepo: r.Repo}) == 0 {
			continue
		}
		replaced[old.Name] = true
		h.trans.add = append(h.trans.add, repl)
		h.trans.remove = append(h.trans.remove, old)
	}

	for _, lp := range h.local.packages {
		if replaced[lp.Name] || engine.FindPackage(h.trans.add, lp.Name) != nil {
			continue
		}
		sp, from := h.findSync(lp.Name)
		if sp == nil {
			continue
		}
		cmp := engine.VerCmp(sp.Version, lp.Version)
		if cmp == 0 {
			continue
		}
		if cmp < 0 && !enableDowngrade {
			h.log(engine.LogWarning, fmt.Sprintf("%s: local (%s) is newer than %s (%s)\n", lp.Name, lp.Version, from.name, sp.Version))
			continue
		}
		if h.ignored(sp) {
			h.log(engine.LogWarning, fmt.Sprintf("%s: ignoring package upgrade (%s => %s)\n", lp.Name, lp.Version, sp.Version))
			continue
		}
		h.trans.add = append(h.trans.add, sp)
	}
	return nil
}

func (h *Handle) TransPrepare() error {
	if h.trans == nil {
		return engine.NewError(engine.ErrTransNull)
	}
	if h.trans.prepared {
		return nil
	}

	h.event(engine.Event{Kind: engine.EventCheckDepsStart})
	for _, name := range h.sc.PullIgnored {
		sp, _ := h.findSync(name)
		if sp == nil || h.local.Package(name) != nil || engine.FindPackage(h.trans.add, name) != nil {
			continue
		}
		if h.ignored(sp) && h.ask(engine.InstallIgnorePkgQuestion{Package: sp}) == 0 {
			continue
		}
		h.trans.add = append(h.trans.add, sp)
	}

	h.event(engine.Event{Kind: engine.EventResolveDepsStart})
	for _, ps := range h.sc.Providers {
		var candidates []*engine.Package
		for _, c := range ps.Candidates {
			repo, name, ok := strings.Cut(c, "/")
			if !ok {
				continue
			}
			if d := h.syncDB(repo); d != nil {
				if p := d.Package(name); p != nil {
					candidates = append(candidates, p)
				}
			}
		}
		if len(candidates) == 0 {
			continue
		}
		idx := h.ask(engine.SelectProviderQuestion{Depend: engine.ParseDepend(ps.Depend), Providers: candidates})
		if idx < 0 || idx >= len(candidates) {
			idx = 0
		}
		chosen := candidates[idx]
		if h.local.Package(chosen.Name) == nil && engine.FindPackage(h.trans.add, chosen.Name) == nil {
			h.trans.add = append(h.trans.add, chosen)
		}
	}

	if err := h.resolveMissing(); err != nil {
		return err
	}

	var badArch []engine.Item
	for _, p := range h.trans.add {
		if p.Arch != "" && p.Arch != "any" && h.cfg.Arch != "" && p.Arch != h.cfg.Arch {
			badArch = append(badArch, engine.InvalidArch{Package: p.Name + "-" + p.Version})
		}
	}
	if len(badArch) > 0 {
		return engine.NewError(engine.ErrPkgInvalidArch, badArch...)
	}

	h.event(engine.Event{Kind: engine.EventInterConflictsStart})
	var conflicts []engine.Item
	for _, c := range h.sc.Conflicts {
		p2 := h.local.Package(c.Package2)
		if p2 == nil {
			continue
		}
		if h.ask(engine.ConflictPkgQuestion{Package1: c.Package1, Package2: c.Package2, Reason: c.Reason}) != 0 {
			h.trans.remove = append(h.trans.remove, p2)
			continue
		}
		conflicts = append(conflicts, engine.Conflict{
			Package1: c.Package1,
			Package2: c.Package2,
			Reason:   engine.ParseDepend(c.Reason),
		})
	}
	if len(conflicts) > 0 {
		return engine.NewError(engine.ErrConflictingDeps, conflicts...)
	}

	if h.sc.PrepareError != nil {
		return h.sc.PrepareError.build()
	}
	h.trans.prepared = true
	return nil
}

// resolveMissing asks to drop targets whose dependencies cannot be
// satisfied, failing the preparation when the answer is no.
func (h *Handle) resolveMissing() error {
	var targets []*engine.Package
	var items []engine.Item
	for _, m := range h.sc.Unresolvable {
		t := engine.FindPackage(h.trans.add, m.Target)
		if t == nil {
			continue
		}
		if engine.FindPackage(targets, t.Name) == nil {
			targets = append(targets, t)
		}
		items = append(items, engine.MissingDependency{Target: m.Target, Depend: engine.ParseDepend(m.Depend)})
	}
	if len(targets) == 0 {
		return nil
	}
	if h.ask(engine.RemovePkgsQuestion{Packages: targets}) == 0 {
		return engine.NewError(engine.ErrUnsatisfiedDeps, items...)
	}
	h.trans.add = slices.DeleteFunc(h.trans.add, func(p *engine.Package) bool {
		return engine.FindPackage(targets, p.Name) != nil
	})
	return nil
}

func (h *Handle) TransCommit() error {
	if h.trans == nil {
		return engine.NewError(engine.ErrTransNull)
	}
	if !h.trans.prepared {
		return engine.NewError(engine.ErrTransNotPrepared)
	}
	add := h.trans.add

	if len(h.sc.Keys) > 0 {
		h.event(engine.Event{Kind: engine.EventKeyDownloadStart})
		for _, k := range h.sc.Keys {
			created, _ := time.Parse(time.DateOnly, k.Created)
			key := engine.PGPKey{Fingerprint: k.Fingerprint, UID: k.UID, Created: created}
			if h.ask(engine.ImportKeyQuestion{Key: key}) != 0 {
				continue
			}
			h.log(engine.LogError, fmt.Sprintf("key \"%s\" could not be imported\n", k.Fingerprint))
			items := make([]engine.Item, 0, len(add))
			for _, p := range add {
				items = append(items, engine.InvalidPackage{Filename: filename(p)})
			}
			return engine.NewError(engine.ErrPkgInvalidSig, items...)
		}
		h.progress(engine.ProgressKeyringStart, "", 100, len(h.sc.Keys), len(h.sc.Keys))
	}

	var total int64
	for _, p := range add {
		total += p.DownloadSize
	}
	h.downloadTotal(total)
	h.event(engine.Event{Kind: engine.EventRetrieveStart})
	for _, p := range add {
		file := filename(p)
		h.download(file, p.DownloadSize/2, p.DownloadSize)
		h.download(file, p.DownloadSize, p.DownloadSize)
	}
	h.applyDeltas(add)

	for i, p := range add {
		h.progress(engine.ProgressIntegrityStart, p.Name, percent(i+1, len(add)), len(add), i+1)
	}
	var corrupted []engine.Item
	for _, name := range h.sc.Corrupted {
		p := engine.FindPackage(add, name)
		if p == nil {
			continue
		}
		h.ask(engine.CorruptedPkgQuestion{Filepath: filepath.Join(h.cacheDir(), filename(p)), Reason: engine.ErrPkgInvalidChecksum})
		corrupted = append(corrupted, engine.InvalidPackage{Filename: filename(p)})
	}
	if len(corrupted) > 0 {
		return engine.NewError(engine.ErrPkgInvalidChecksum, corrupted...)
	}
	if h.trans.flags&engine.TransDownloadOnly != 0 {
		return nil
	}

	for i, p := range add {
		h.progress(engine.ProgressLoadStart, p.Name, percent(i+1, len(add)), len(add), i+1)
	}
	for i, p := range add {
		h.progress(engine.ProgressConflictsStart, p.Name, percent(i+1, len(add)), len(add), i+1)
	}
	if h.cfg.CheckSpace {
		h.progress(engine.ProgressDiskspaceStart, "", 100, len(add), len(add))
	}
	if h.sc.CommitError != nil {
		return h.sc.CommitError.build()
	}

	h.applyRemovals()
	h.applyAdds(add)
	return nil
}

func (h *Handle) applyDeltas(add []*engine.Package) {
	if h.cfg.DeltaRatio <= 0 {
		return
	}
	var withDelta []*engine.Package
	for _, p := range add {
		if h.deltas[p.Name] && h.local.Package(p.Name) != nil {
			withDelta = append(withDelta, p)
		}
	}
	if len(withDelta) == 0 {
		return
	}
	h.event(engine.Event{Kind: engine.EventDeltaIntegrityStart})
	h.event(engine.Event{Kind: engine.EventDeltaPatchesStart})
	for _, p := range withDelta {
		old := h.local.Package(p.Name)
		h.event(engine.Event{
			Kind:   engine.EventDeltaPatchStart,
			Text:   fmt.Sprintf("%s-%s_to_%s-%s.delta", p.Name, old.Version, p.Name, p.Version),
			Target: filename(p),
		})
		h.event(engine.Event{Kind: engine.EventDeltaPatchDone})
	}
}

func (h *Handle) applyRemovals() {
	n := len(h.trans.remove)
	for i, p := range h.trans.remove {
		h.progress(engine.ProgressRemoveStart, p.Name, 0, n, i+1)
		h.local.remove(p.Name)
		h.progress(engine.ProgressRemoveStart, p.Name, 100, n, i+1)
		h.event(engine.Event{Kind: engine.EventRemoveDone, Package: p})
		for _, lp := range h.local.packages {
			for j := range lp.OptDepends {
				if lp.OptDepends[j].Name == p.Name {
					dep := lp.OptDepends[j]
					h.event(engine.Event{Kind: engine.EventOptDepRequired, Package: lp, OptDep: &dep})
				}
			}
		}
	}
}

func (h *Handle) applyAdds(add []*engine.Package) {
	n := len(add)
	for i, p := range add {
		old := h.local.Package(p.Name)
		kind, progress := engine.EventAddDone, engine.ProgressAddStart
		if old != nil {
			switch cmp := engine.VerCmp(p.Version, old.Version); {
			case cmp > 0:
				kind, progress = engine.EventUpgradeDone, engine.ProgressUpgradeStart
			case cmp < 0:
				kind, progress = engine.EventDowngradeDone, engine.ProgressDowngradeStart
			default:
				kind, progress = engine.EventReinstallDone, engine.ProgressReinstallStart
			}
		}
		h.progress(progress, p.Name, 0, n, i+1)
		for _, line := range h.sc.Scriptlets[p.Name] {
			h.event(engine.Event{Kind: engine.EventScriptletInfo, Text: line + "\n"})
		}
		h.local.put(p)
		h.progress(progress, p.Name, 100, n, i+1)
		h.event(engine.Event{Kind: kind, Package: h.local.Package(p.Name), OldPackage: old})
	}
}

func (h *Handle) TransRelease() error {
	if h.trans == nil {
		return engine.NewError(engine.ErrTransNull)
	}
	h.trans = nil
	return nil
}

func (h *Handle) TransAdd() []*engine.Package {
	if h.trans == nil {
		return nil
	}
	return append([]*engine.Package(nil), h.trans.add...)
}

func (h *Handle) TransRemove() []*engine.Package {
	if h.trans == nil {
		return nil
	}
	return append([]*engine.Package(nil), h.trans.remove...)
}

func (h *Handle) LogAction(prefix, msg string) error {
	if h.released {
		return engine.NewError(engine.ErrHandleNull)
	}
	line := fmt.Sprintf("[%s] [%s] %s", time.Now().Format("2006-01-02T15:04:05-0700"), prefix, msg)
	h.actions = append(h.actions, line)
	if h.cfg.LogFile == "" {
		return nil
	}
	f, err := os.OpenFile(h.cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &engine.Error{Code: engine.ErrSystem, Err: err}
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return &engine.Error{Code: engine.ErrSystem, Err: err}
	}
	return nil
}

func (h *Handle) Release() error {
	if h.released {
		return engine.NewError(engine.ErrHandleNull)
	}
	h.released = true
	h.trans = nil
	return nil
}

func (h *Handle) syncDB(name string) *db {
	for _, d := range h.syncdbs {
		if d.name == name {
			return d
		}
	}
	return nil
}

// findSync returns the first package named name in registration order.
func (h *Handle) findSync(name string) (*engine.Package, *db) {
	for _, d := range h.syncdbs {
		if p := d.Package(name); p != nil {
			return p, d
		}
	}
	return nil, nil
}

func (h *Handle) ignored(p *engine.Package) bool {
	if slices.Contains(h.cfg.IgnorePkgs, p.Name) {
		return true
	}
	for _, g := range p.Groups {
		if slices.Contains(h.cfg.IgnoreGroups, g) {
			return true
		}
	}
	return false
}

func (h *Handle) cacheDir() string {
	if len(h.cfg.CacheDirs) > 0 {
		return h.cfg.CacheDirs[0]
	}
	return filepath.Join(h.root, "var/cache/pacman/pkg")
}

func (h *Handle) event(e engine.Event) {
	if h.cb.Event != nil {
		h.cb.Event(e)
	}
}

func (h *Handle) progress(kind engine.ProgressKind, pkg string, pct, total, current int) {
	if h.cb.Progress != nil {
		h.cb.Progress(engine.Progress{Kind: kind, Package: pkg, Percent: pct, Total: total, Current: current})
	}
}

func (h *Handle) downloadTotal(total int64) {
	if h.cb.DownloadTotal != nil {
		h.cb.DownloadTotal(total)
	}
}

func (h *Handle) download(file string, transferred, total int64) {
	if h.cb.Download != nil {
		h.cb.Download(file, transferred, total)
	}
}

func (h *Handle) log(level engine.LogLevel, msg string) {
	if h.cb.Log != nil {
		h.cb.Log(level, msg)
	}
}

func (h *Handle) ask(q engine.Question) int {
	if h.cb.Question == nil {
		return 0
	}
	return h.cb.Question(q)
}

func filename(p *engine.Package) string {
	arch := p.Arch
	if arch == "" {
		arch = "any"
	}
	return fmt.Sprintf("%s-%s-%s.pkg.tar.zst", p.Name, p.Version, arch)
}

func percent(current, total int) int {
	if total == 0 {
		return 100
	}
	return current * 100 / total
}
