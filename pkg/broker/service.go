// Package broker serves the upgrade protocol: it accepts requests from the
// session's client, acknowledges them at once and executes them one at a
// time on a single worker goroutine that owns the engine.
//
// A Service owns every piece of session state (gate, engine adapter,
// decision bridge, event relay, journal and telemetry). One Service serves
// one session; the process exits when it ends.
package broker

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/upgrader/pkg/adapter"
	"github.com/openfroyo/upgrader/pkg/authority"
	"github.com/openfroyo/upgrader/pkg/decision"
	"github.com/openfroyo/upgrader/pkg/engine"
	"github.com/openfroyo/upgrader/pkg/protocol"
	"github.com/openfroyo/upgrader/pkg/relay"
	"github.com/openfroyo/upgrader/pkg/session"
	"github.com/openfroyo/upgrader/pkg/stores"
	"github.com/openfroyo/upgrader/pkg/telemetry"
)

// Exit reasons reported in the EXIT message.
const (
	ReasonEngineFreed         = "engine_freed"
	ReasonAuthorizationFailed = "authorization_failed"
	ReasonClientDisconnected  = "client_disconnected"
	ReasonCancelled           = "cancelled"
	ReasonIOError             = "io_error"
)

// ExitStatus tells why a session ended and which exit code the process
// should use.
type ExitStatus struct {
	Reason string
	Code   int
}

// Options configures a Service.
type Options struct {
	Driver    engine.Driver
	Authority authority.Authority
	// Journal records the session; nil disables journaling.
	Journal stores.Journal
	// Telemetry is optional.
	Telemetry *telemetry.Telemetry
	Logger    zerolog.Logger
	Version   string
	// MirrorDir is where database mirrors are created.
	MirrorDir string
	// VerboseEngineLog forwards debug and function engine log lines.
	VerboseEngineLog bool
}

// Service is one broker session.
type Service struct {
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
	journal   stores.Journal
	version   string
	sessionID string

	ctx    context.Context
	cancel context.CancelFunc

	gate    *session.Gate
	bridge  *decision.Bridge
	relay   *relay.Relay
	adapter *adapter.Adapter

	queue      *queue
	workerDone chan struct{}
	nextConn   atomic.Int64
	accepted   atomic.Int64

	mu        sync.Mutex
	conns     map[*connection]struct{}
	client    *connection
	journaled bool

	stopOnce sync.Once
	stop     chan struct{}
	status   ExitStatus
}

// NewService wires a session's components together.
func NewService(opts Options) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	var metrics *telemetry.Metrics
	if opts.Telemetry != nil {
		metrics = opts.Telemetry.Metrics
		ctx = opts.Telemetry.WithContext(ctx)
	}
	journal := opts.Journal
	if journal == nil {
		journal = stores.NopJournal{}
	}

	sessionID := uuid.NewString()
	logger := opts.Logger.With().Str("component", "broker").Str("session_id", sessionID).Logger()

	s := &Service{
		logger:     logger,
		metrics:    metrics,
		journal:    journal,
		version:    opts.Version,
		sessionID:  sessionID,
		ctx:        ctx,
		cancel:     cancel,
		gate:       session.NewGate(opts.Authority, opts.Logger),
		queue:      newQueue(),
		workerDone: make(chan struct{}),
		conns:      make(map[*connection]struct{}),
		stop:       make(chan struct{}),
	}

	s.bridge = decision.New(ctx, decision.Options{
		Emitter: s,
		Metrics: metrics,
		Logger:  opts.Logger,
	})
	s.relay = relay.New(relay.Options{
		Emitter:  s,
		Recorder: s,
		Metrics:  metrics,
		Logger:   opts.Logger,
		Verbose:  opts.VerboseEngineLog,
	})
	s.adapter = adapter.New(adapter.Options{
		Driver:    opts.Driver,
		Events:    s.relay,
		Asker:     s.bridge,
		Logger:    opts.Logger,
		MirrorDir: opts.MirrorDir,
	})
	return s
}

// SessionID identifies the session in logs and in the journal.
func (s *Service) SessionID() string {
	return s.sessionID
}

// Run executes queued requests until the session ends or ctx is cancelled,
// then tears the session down: pending questions are released with their
// default, queued requests fail, the engine and the database mirror are
// freed and every connection receives EXIT.
func (s *Service) Run(ctx context.Context) ExitStatus {
	go s.work()

	select {
	case <-s.stop:
	case <-ctx.Done():
		s.terminate(ReasonCancelled, 0)
	}

	s.cancel()
	<-s.workerDone

	if err := s.adapter.FreeEngine(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to release engine during teardown")
	}
	s.endJournal()
	s.broadcastExit()

	s.logger.Info().
		Str("reason", s.status.Reason).
		Int("exit_code", s.status.Code).
		Int64("requests", s.accepted.Load()).
		Msg("Session ended")
	return s.status
}

// terminate ends the session. Only the first call counts.
func (s *Service) terminate(reason string, code int) {
	s.stopOnce.Do(func() {
		s.status = ExitStatus{Reason: reason, Code: code}
		s.logger.Info().Str("reason", reason).Msg("Session terminating")
		close(s.stop)
	})
}

func (s *Service) stopping() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// EmitSignal sends a notification or question to the authorized client.
// Signals raised before authorization are dropped.
func (s *Service) EmitSignal(name protocol.SignalName, payload interface{}) error {
	s.mu.Lock()
	c := s.client
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.enc.EncodeSignal(name, payload)
}

// RecordPackageChange journals a completed package change.
func (s *Service) RecordPackageChange(action protocol.PackageAction, name, oldVersion, newVersion string) {
	if !s.journaling() {
		return
	}
	err := s.journal.RecordPackageChange(context.Background(), &stores.PackageChange{
		SessionID:  s.sessionID,
		Action:     string(action),
		Name:       name,
		OldVersion: oldVersion,
		NewVersion: newVersion,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("package", name).Msg("Failed to journal package change")
	}
}

func (s *Service) handle(ctx context.Context, j *job) (interface{}, error) {
	switch j.req.Method {
	case protocol.MethodAuthorize:
		return s.authorize(ctx, j.conn)

	case protocol.MethodInitEngine:
		var p protocol.InitEngineParams
		if err := protocol.ParseParams(j.req.Params, &p); err != nil {
			return nil, newError(CodeInvalidParams, err, "%v", err)
		}
		return nil, s.adapter.InitEngine(ctx, p)

	case protocol.MethodAddRepository:
		var p protocol.AddRepositoryParams
		if err := protocol.ParseParams(j.req.Params, &p); err != nil {
			return nil, newError(CodeInvalidParams, err, "%v", err)
		}
		return nil, s.adapter.AddRepository(p)

	case protocol.MethodSyncRepositories:
		res, err := s.adapter.SyncRepositories(ctx)
		if err != nil {
			return nil, err
		}
		s.journalSync(res)
		return res, nil

	case protocol.MethodGetPendingPackages:
		res, err := s.adapter.GetPendingPackages()
		if err != nil {
			return nil, err
		}
		return res, nil

	case protocol.MethodCommit:
		return nil, s.adapter.Commit()

	case protocol.MethodAbort:
		return nil, s.adapter.Abort()

	case protocol.MethodFreeEngine:
		return nil, s.adapter.FreeEngine()
	}

	return nil, newError(CodeInternal, nil, "Unhandled method %s", j.req.Method)
}

func (s *Service) authorize(ctx context.Context, c *connection) (interface{}, error) {
	if err := s.gate.Authorize(ctx, c.subject()); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
	s.beginJournal(c)

	return &protocol.AuthorizeResult{Client: c.identity}, nil
}

func (s *Service) journaling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.journaled
}

func (s *Service) beginJournal(c *connection) {
	err := s.journal.BeginSession(context.Background(), &stores.Session{
		ID:        s.sessionID,
		Client:    c.identity,
		UID:       c.peer.UID,
		PID:       c.peer.PID,
		Transport: c.transport,
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to journal session, journaling disabled")
		return
	}
	s.mu.Lock()
	s.journaled = true
	s.mu.Unlock()
}

func (s *Service) endJournal() {
	if !s.journaling() {
		return
	}
	if err := s.journal.EndSession(context.Background(), s.sessionID, s.status.Reason); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to journal session end")
	}
}

func (s *Service) journalSync(res *protocol.SyncRepositoriesResult) {
	if !s.journaling() {
		return
	}
	for _, r := range res.Repositories {
		entry := &stores.SyncResult{
			SessionID:  s.sessionID,
			Repository: r.Name,
			Outcome:    string(r.Outcome),
		}
		if r.Error != "" {
			msg := r.Error
			entry.Error = &msg
		}
		if err := s.journal.RecordSyncResult(context.Background(), entry); err != nil {
			s.logger.Warn().Err(err).Str("repository", r.Name).Msg("Failed to journal sync result")
		}
	}
}
