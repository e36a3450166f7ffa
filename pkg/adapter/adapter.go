// Package adapter drives the package engine on behalf of the broker: it
// owns the engine handle, its configuration, repository registration,
// synchronization and the sysupgrade transaction.
//
// An Adapter is not safe for concurrent use. The broker calls it from its
// single worker goroutine only.
package adapter

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/openfroyo/upgrader/pkg/dbmirror"
	"github.com/openfroyo/upgrader/pkg/engine"
	"github.com/openfroyo/upgrader/pkg/errfmt"
	"github.com/openfroyo/upgrader/pkg/protocol"
	"github.com/openfroyo/upgrader/pkg/relay"
)

const (
	repoPlaceholder = "$repo"
	archPlaceholder = "$arch"
)

// EventSink receives the engine callbacks and the synchronization
// notifications. *relay.Relay implements it.
type EventSink interface {
	Attach(h engine.Handle)
	Detach()
	Event(e engine.Event)
	Progress(p engine.Progress)
	DownloadTotal(total int64)
	Download(filename string, transferred, total int64)
	Log(level engine.LogLevel, msg string)
	SyncStarted(count int)
	SyncRepoStart(name string)
	SyncRepoEnd(name string, outcome protocol.SyncOutcome)
}

// Asker answers engine questions. *decision.Bridge implements it.
type Asker interface {
	Ask(q engine.Question) int
}

// Options configures an Adapter.
type Options struct {
	Driver engine.Driver
	Events EventSink
	Asker  Asker
	Logger zerolog.Logger
	// MirrorDir is where database mirrors are created; empty means the
	// system temp dir.
	MirrorDir string
}

// Adapter wraps one engine handle.
type Adapter struct {
	driver    engine.Driver
	events    EventSink
	asker     Asker
	logger    zerolog.Logger
	validate  *validator.Validate
	mirrorDir string

	handle engine.Handle
	mirror *dbmirror.Mirror
	staged bool
}

// New creates an adapter. No handle exists until InitEngine.
func New(opts Options) *Adapter {
	return &Adapter{
		driver:    opts.Driver,
		events:    opts.Events,
		asker:     opts.Asker,
		logger:    opts.Logger.With().Str("component", "adapter").Logger(),
		validate:  validator.New(),
		mirrorDir: opts.MirrorDir,
	}
}

// Initialized reports whether an engine handle exists.
func (a *Adapter) Initialized() bool {
	return a.handle != nil
}

// Handle returns the current engine handle, or nil.
func (a *Adapter) Handle() engine.Handle {
	return a.handle
}

// InitEngine creates and configures the engine handle. A configuration
// failure releases the partial handle and leaves the adapter ready for a
// retry.
func (a *Adapter) InitEngine(ctx context.Context, p protocol.InitEngineParams) error {
	if a.handle != nil {
		return ErrAlreadyInitialized
	}
	if err := a.validate.Struct(p); err != nil {
		return newError(KindEngineInit, err, "Invalid engine parameters: %v\n", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dbPath := p.DBPath
	var mirror *dbmirror.Mirror
	if p.MirrorDatabase {
		m, err := dbmirror.CreateIn(a.mirrorDir, p.DBPath, a.logger)
		if err != nil {
			return newError(KindEngineInit, err, "Unable to create local copy of database: %v\n", err)
		}
		mirror = m
		dbPath = m.Path()
	}

	h, err := a.driver.Open(p.Root, dbPath)
	if err != nil {
		a.removeMirror(mirror)
		return newError(KindEngineInit, err, "Failed to initialize engine: %s\n", engine.Describe(err))
	}

	if err := a.configure(h, p); err != nil {
		if rerr := h.Release(); rerr != nil {
			a.logger.Warn().Err(rerr).Msg("Failed to release partially configured handle")
		}
		a.events.Detach()
		a.removeMirror(mirror)
		return err
	}

	a.handle = h
	a.mirror = mirror
	a.logger.Info().
		Str("root", p.Root).
		Str("db_path", dbPath).
		Bool("mirror", mirror != nil).
		Str("arch", p.Arch).
		Msg("Engine initialized")
	return nil
}

func (a *Adapter) configure(h engine.Handle, p protocol.InitEngineParams) error {
	if !h.CanDownload() {
		return newError(KindEngineInit, nil, "Engine has no downloader capability\n")
	}

	h.SetCallbacks(engine.Callbacks{
		Event:         a.events.Event,
		Progress:      a.events.Progress,
		DownloadTotal: a.events.DownloadTotal,
		Download:      a.events.Download,
		Log:           a.events.Log,
		Question:      a.asker.Ask,
	})
	a.events.Attach(h)

	if err := h.SetLogFile(p.LogFile); err != nil {
		return newError(KindEngineInit, err, "Unable to set log file: %s\n", engine.Describe(err))
	}
	if err := h.SetGPGDir(p.GPGDir); err != nil {
		return newError(KindEngineInit, err, "Unable to set gpgdir: %s\n", engine.Describe(err))
	}
	if err := h.SetCacheDirs(p.CacheDirs); err != nil {
		return newError(KindEngineInit, err, "Unable to set cache dirs: %s\n", engine.Describe(err))
	}
	if err := h.SetDefaultSigLevel(engine.SigLevel(p.SigLevel)); err != nil {
		return newError(KindEngineInit, err, "Unable to set default siglevel: %s\n", engine.Describe(err))
	}

	h.SetArch(p.Arch)
	h.SetCheckSpace(p.CheckSpace)
	h.SetUseSyslog(p.UseSyslog)
	h.SetDeltaRatio(p.DeltaRatio)
	h.SetIgnorePkgs(p.IgnorePkgs)
	h.SetIgnoreGroups(p.IgnoreGroups)
	h.SetNoUpgrade(p.NoUpgrade)
	h.SetNoExtract(p.NoExtract)
	return nil
}

// ExpandServer substitutes the repository name and architecture in a server
// template. It fails if the template needs an architecture and arch is
// empty.
func ExpandServer(template, repo, arch string) (string, error) {
	server := strings.ReplaceAll(template, repoPlaceholder, repo)
	if arch != "" {
		return strings.ReplaceAll(server, archPlaceholder, arch), nil
	}
	if strings.Contains(server, archPlaceholder) {
		return "", fmt.Errorf("server %s contains the %s variable, but no architecture was defined", template, archPlaceholder)
	}
	return server, nil
}

// AddRepository registers a sync repository with its servers. Every server
// template is expanded before the first one is added.
func (a *Adapter) AddRepository(p protocol.AddRepositoryParams) error {
	if a.handle == nil {
		return ErrNotInitialized
	}
	if err := a.validate.Struct(p); err != nil {
		return newError(KindRepository, err, "Invalid repository parameters: %v\n", err)
	}

	arch := a.handle.Arch()
	servers := make([]string, 0, len(p.Servers))
	for _, tmpl := range p.Servers {
		server, err := ExpandServer(tmpl, p.Name, arch)
		if err != nil {
			return newError(KindRepository, err,
				"Server %s contains the $arch variable, but no Architecture was defined.\n", tmpl)
		}
		servers = append(servers, server)
	}

	db, err := a.handle.RegisterSyncDB(p.Name, engine.SigLevel(p.SigLevel))
	if err != nil {
		return newError(KindRepository, err, "Could not register database %s: %s\n", p.Name, engine.Describe(err))
	}

	for _, server := range servers {
		a.logger.Debug().Str("server", server).Str("repository", p.Name).Msg("Adding server")
		if err := db.AddServer(server); err != nil {
			return newError(KindRepository, err, "Could not add server %s to database %s: %s\n",
				server, p.Name, engine.Describe(err))
		}
	}

	if err := db.Valid(); err != nil {
		return newError(KindRepository, err, "Database %s is not valid: %s\n", p.Name, engine.Describe(err))
	}
	return nil
}

// SyncRepositories refreshes every registered repository in registration
// order. A failing repository never stops the others; its failure is part
// of the result.
func (a *Adapter) SyncRepositories(ctx context.Context) (*protocol.SyncRepositoriesResult, error) {
	if a.handle == nil {
		return nil, ErrNotInitialized
	}

	dbs := a.handle.SyncDBs()
	a.events.SyncStarted(len(dbs))

	result := &protocol.SyncRepositoriesResult{Repositories: make([]protocol.RepositorySync, 0, len(dbs))}
	for _, db := range dbs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := db.Name()
		a.events.SyncRepoStart(name)

		entry := protocol.RepositorySync{Name: name}
		res, err := db.Update(false)
		switch {
		case err != nil:
			entry.Outcome = protocol.SyncOutcomeFailed
			entry.Error = engine.Describe(err)
			a.logAction("Failed to synchronize database %s: %s\n", name, entry.Error)
		case res == engine.UpToDate:
			entry.Outcome = protocol.SyncOutcomeCurrent
		default:
			entry.Outcome = protocol.SyncOutcomeSynced
			a.logAction("synchronized database %s\n", name)
		}

		a.logger.Info().Str("repository", name).Str("outcome", string(entry.Outcome)).Msg("Repository synchronized")
		a.events.SyncRepoEnd(name, entry.Outcome)
		result.Repositories = append(result.Repositories, entry)
	}
	return result, nil
}

// GetPendingPackages opens a transaction, computes the system upgrade and
// prepares it. On success the transaction stays open for Commit or Abort.
func (a *Adapter) GetPendingPackages() (*protocol.PendingPackagesResult, error) {
	if a.handle == nil {
		return nil, ErrNotInitialized
	}

	if err := a.handle.TransInit(0); err != nil {
		return nil, newError(KindStaging, err, "Failed to initiate transaction: %s\n", engine.Describe(err))
	}

	if err := a.handle.SyncSysupgrade(false); err != nil {
		a.release()
		return nil, newError(KindStaging, err, "%s", engine.Describe(err))
	}

	if err := a.handle.TransPrepare(); err != nil {
		a.release()
		return nil, newError(KindStaging, err, "%s", errfmt.Message(errfmt.OpPrepare, err))
	}
	a.staged = true

	pkgs := a.pendingDeltas()
	a.logger.Info().Int("packages", len(pkgs)).Msg("Transaction prepared")
	return &protocol.PendingPackagesResult{Packages: pkgs}, nil
}

func (a *Adapter) pendingDeltas() []protocol.PackageDelta {
	local := a.handle.LocalDB()
	add := a.handle.TransAdd()
	remove := a.handle.TransRemove()

	out := make([]protocol.PackageDelta, 0, len(add)+len(remove))
	for _, p := range add {
		d := protocol.PackageDelta{
			Name:             p.Name,
			Desc:             p.Desc,
			Action:           protocol.ActionInstall,
			OldVersion:       protocol.NoVersion,
			NewVersion:       p.Version,
			DownloadSize:     p.DownloadSize,
			NewInstalledSize: p.InstalledSize,
		}
		if lp := local.Package(p.Name); lp != nil {
			d.OldVersion = lp.Version
			d.OldInstalledSize = lp.InstalledSize
			switch cmp := engine.VerCmp(p.Version, lp.Version); {
			case cmp > 0:
				d.Action = protocol.ActionUpgrade
			case cmp < 0:
				d.Action = protocol.ActionDowngrade
			default:
				d.Action = protocol.ActionReinstall
			}
		}
		out = append(out, d)
	}
	for _, p := range remove {
		out = append(out, protocol.PackageDelta{
			Name:             p.Name,
			Desc:             p.Desc,
			Action:           protocol.ActionRemove,
			OldVersion:       p.Version,
			NewVersion:       protocol.NoVersion,
			OldInstalledSize: p.InstalledSize,
		})
	}
	return out
}

// Commit commits the prepared transaction. The transaction is released
// whatever the outcome.
func (a *Adapter) Commit() error {
	if a.handle == nil {
		return ErrNotInitialized
	}

	a.logAction("starting sysupgrade...\n")
	err := a.handle.TransCommit()
	a.release()
	if err != nil {
		a.logAction("Failed to commit sysupgrade transaction: %s\n", engine.Describe(err))
		a.logger.Error().Err(err).Msg("Commit failed")
		return newError(KindCommit, err, "%s", errfmt.Message(errfmt.OpCommit, err))
	}

	a.logAction("sysupgrade completed\n")
	a.logger.Info().Msg("Sysupgrade completed")
	return nil
}

// Abort releases the open transaction without committing it.
func (a *Adapter) Abort() error {
	if a.handle == nil {
		return ErrNotInitialized
	}
	if err := a.handle.TransRelease(); err != nil {
		if engine.CodeOf(err) == engine.ErrTransNull {
			return ErrNoTransaction
		}
		return newError(KindStaging, err, "Failed to release transaction: %s\n", engine.Describe(err))
	}
	a.staged = false
	a.logger.Info().Msg("Transaction aborted")
	return nil
}

// FreeEngine releases any open transaction, the handle and the database
// mirror. It is safe to call without a handle.
func (a *Adapter) FreeEngine() error {
	if a.handle == nil {
		a.removeMirror(a.mirror)
		a.mirror = nil
		return nil
	}

	// ignore "no transaction"
	_ = a.handle.TransRelease()
	a.staged = false
	a.events.Detach()

	err := a.handle.Release()
	a.handle = nil
	a.removeMirror(a.mirror)
	a.mirror = nil

	if err != nil {
		return newError(KindRelease, err, "Failed to release engine\n")
	}
	a.logger.Info().Msg("Engine released")
	return nil
}

// Staged reports whether a prepared transaction is open.
func (a *Adapter) Staged() bool {
	return a.staged
}

func (a *Adapter) release() {
	a.staged = false
	if err := a.handle.TransRelease(); err != nil && engine.CodeOf(err) != engine.ErrTransNull {
		a.logger.Warn().Err(err).Msg("Failed to release transaction")
	}
}

func (a *Adapter) logAction(format string, args ...interface{}) {
	if err := a.handle.LogAction(relay.ActionPrefix, fmt.Sprintf(format, args...)); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to write action log")
	}
}

func (a *Adapter) removeMirror(m *dbmirror.Mirror) {
	if m == nil {
		return
	}
	if err := m.Remove(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to remove database mirror")
	}
}
