package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/openfroyo/upgrader/pkg/adapter"
	"github.com/openfroyo/upgrader/pkg/config"
	"github.com/openfroyo/upgrader/pkg/engine"
	"github.com/openfroyo/upgrader/pkg/protocol"
	"github.com/openfroyo/upgrader/pkg/relay"
)

// CheckOptions configures Check.
type CheckOptions struct {
	Driver    engine.Driver
	Profile   *config.Profile
	MirrorDir string
	Logger    zerolog.Logger
	// OnSignal receives the notifications of the check. It may be nil.
	OnSignal SignalHandler
}

// CheckReport lists the outcome of a check for updates.
type CheckReport struct {
	Syncs    []protocol.RepositorySync
	Packages []protocol.PackageDelta
}

// Check looks for updates without privileges and without a broker. The
// engine works on a mirror of the package database, questions get their
// default answer and the staged transaction is always aborted.
func Check(ctx context.Context, opts CheckOptions) (report *CheckReport, err error) {
	logger := opts.Logger.With().Str("component", "check").Logger()
	emit := signalEmitter{handler: opts.OnSignal}

	a := adapter.New(adapter.Options{
		Driver:    opts.Driver,
		Events:    relay.New(relay.Options{Emitter: emit, Logger: logger}),
		Asker:     defaultAsker{logger: logger},
		Logger:    logger,
		MirrorDir: opts.MirrorDir,
	})
	defer func() {
		if ferr := a.FreeEngine(); ferr != nil && err == nil {
			err = ferr
		}
	}()

	params := opts.Profile.Engine
	params.MirrorDatabase = true
	if err := a.InitEngine(ctx, params); err != nil {
		return nil, err
	}
	for _, repo := range opts.Profile.Repositories {
		if err := a.AddRepository(repo); err != nil {
			return nil, err
		}
	}

	sync, err := a.SyncRepositories(ctx)
	if err != nil {
		return nil, err
	}

	pending, err := a.GetPendingPackages()
	if err != nil {
		return nil, err
	}
	if err := a.Abort(); err != nil && !errors.Is(err, adapter.ErrNoTransaction) {
		return nil, err
	}

	pkgs := pending.Packages
	sort.SliceStable(pkgs, func(i, j int) bool { return pkgs[i].Name < pkgs[j].Name })
	return &CheckReport{Syncs: sync.Repositories, Packages: pkgs}, nil
}

// Updates returns the packages whose new version is newer than the
// installed one.
func (r *CheckReport) Updates() []protocol.PackageDelta {
	var out []protocol.PackageDelta
	for _, p := range r.Packages {
		if p.OldVersion == protocol.NoVersion || p.NewVersion == protocol.NoVersion {
			continue
		}
		if engine.VerCmp(p.NewVersion, p.OldVersion) > 0 {
			out = append(out, p)
		}
	}
	return out
}

// signalEmitter delivers relay notifications to a SignalHandler.
type signalEmitter struct {
	handler SignalHandler
}

func (e signalEmitter) EmitSignal(name protocol.SignalName, payload interface{}) error {
	if e.handler == nil {
		return nil
	}
	msg := &protocol.SignalMessage{Name: name}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode %s payload: %w", name, err)
		}
		msg.Payload = raw
	}
	e.handler(msg)
	return nil
}

// defaultAsker gives every question its conservative default.
type defaultAsker struct {
	logger zerolog.Logger
}

func (d defaultAsker) Ask(q engine.Question) int {
	d.logger.Debug().Str("question", string(q.Kind())).Msg("Answering with default")
	return 0
}
