package client

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/upgrader/pkg/authority"
	"github.com/openfroyo/upgrader/pkg/broker"
	"github.com/openfroyo/upgrader/pkg/config"
	"github.com/openfroyo/upgrader/pkg/engine/sim"
	"github.com/openfroyo/upgrader/pkg/protocol"
)

const testTimeout = 5 * time.Second

const upgradeScenario = `
local:
  - name: vim
    version: 9.0-1
  - name: luajit
    version: 2.1-1
repositories:
  - name: core
    packages:
      - name: vim
        version: 9.1-1
      - name: lua
        version: 5.4-1
  - name: extra
    update: uptodate
replaces:
  - old: luajit
    new: lua
    repo: core
`

// pipeTransport serves a broker session in-process.
type pipeTransport struct {
	svc    *broker.Service
	status chan broker.ExitStatus
}

func newPipeTransport(t *testing.T, scenario string, auth authority.Authority) *pipeTransport {
	t.Helper()
	sc, err := sim.ParseScenario([]byte(scenario))
	require.NoError(t, err)
	if auth == nil {
		auth = authority.StaticAuthority{Verdict: authority.Granted}
	}
	return &pipeTransport{
		svc: broker.NewService(broker.Options{
			Driver:    sim.NewDriver(sc),
			Authority: auth,
			Logger:    zerolog.Nop(),
			Version:   "test",
			MirrorDir: t.TempDir(),
		}),
		status: make(chan broker.ExitStatus, 1),
	}
}

func (p *pipeTransport) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	go func() {
		p.status <- p.svc.ServeStdio(context.Background(), inR, outW)
		outW.Close()
	}()
	return inW, outR, nil
}

func (p *pipeTransport) Close() error {
	select {
	case st := <-p.status:
		p.status <- st
		return nil
	case <-time.After(testTimeout):
		return errors.New("broker did not exit")
	}
}

// recorder collects notifications delivered to a signal handler.
type recorder struct {
	mu    sync.Mutex
	names []protocol.SignalName
}

func (r *recorder) handle(sig *protocol.SignalMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, sig.Name)
}

func (r *recorder) seen() []protocol.SignalName {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.SignalName(nil), r.names...)
}

func startClient(t *testing.T, tr Transport) *Client {
	t.Helper()
	c, err := New(Config{Transport: tr, StartupTimeout: testTimeout, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return c
}

func testProfile(t *testing.T) *config.Profile {
	dir := t.TempDir()
	repos := []protocol.AddRepositoryParams{}
	for _, name := range []string{"core", "extra"} {
		repos = append(repos, protocol.AddRepositoryParams{
			Name:    name,
			Servers: []string{"https://mirror.example/$repo/os/$arch"},
		})
	}
	return &config.Profile{
		Engine: protocol.InitEngineParams{
			Root:      "/",
			DBPath:    filepath.Join(dir, "db"),
			LogFile:   filepath.Join(dir, "upgrader.log"),
			CacheDirs: []string{filepath.Join(dir, "cache")},
			Arch:      "x86_64",
		},
		Repositories: repos,
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func TestNew_RequiresTransport(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestStart(t *testing.T) {
	tr := newPipeTransport(t, "{}", nil)
	c := startClient(t, tr)
	ctx := testContext(t)

	require.NoError(t, c.Start(ctx))
	ready := c.Ready()
	require.NotNil(t, ready)
	assert.Equal(t, "test", ready.Version)
	assert.Equal(t, ":1.1", ready.Identity)
	assert.Equal(t, tr.svc.SessionID(), ready.Metadata["session_id"])

	require.NoError(t, c.Close())
	exit := c.Exit()
	require.NotNil(t, exit)
	assert.Equal(t, broker.ReasonClientDisconnected, exit.Reason)
}

func TestUpgrade(t *testing.T) {
	tr := newPipeTransport(t, upgradeScenario, nil)
	c := startClient(t, tr)
	ctx := testContext(t)

	rec := &recorder{}
	c.OnSignal(c.AnswerAll(ctx, rec.handle))
	require.NoError(t, c.Start(ctx))
	defer c.Close()

	var confirmed []protocol.PackageDelta
	report, err := c.Upgrade(ctx, testProfile(t), func(_ context.Context, pkgs []protocol.PackageDelta) (bool, error) {
		confirmed = pkgs
		return true, nil
	})
	require.NoError(t, err)

	assert.True(t, report.Committed)
	assert.Len(t, report.Syncs, 2)
	assert.Len(t, report.Packages, 3)
	assert.Equal(t, report.Packages, confirmed)

	require.NotNil(t, report.Exit)
	assert.Equal(t, broker.ReasonEngineFreed, report.Exit.Reason)
	assert.Equal(t, 0, report.Exit.ExitCode)
	// Authorize, InitEngine, 2x AddRepository, Sync, GetPending, Answer,
	// Commit, FreeEngine.
	assert.Equal(t, 9, report.Exit.RequestsTotal)

	names := rec.seen()
	assert.Contains(t, names, protocol.SignalUpgraded)
	assert.Contains(t, names, protocol.SignalInstalled)
	assert.Contains(t, names, protocol.SignalRemoved)
	assert.NotContains(t, names, protocol.SignalAskReplacePkg)
}

func TestUpgrade_Declined(t *testing.T) {
	tr := newPipeTransport(t, upgradeScenario, nil)
	c := startClient(t, tr)
	ctx := testContext(t)

	rec := &recorder{}
	c.OnSignal(c.AnswerAll(ctx, rec.handle))
	require.NoError(t, c.Start(ctx))
	defer c.Close()

	report, err := c.Upgrade(ctx, testProfile(t), func(context.Context, []protocol.PackageDelta) (bool, error) {
		return false, nil
	})
	require.NoError(t, err)

	assert.False(t, report.Committed)
	assert.Len(t, report.Packages, 3)
	assert.NotContains(t, rec.seen(), protocol.SignalUpgraded)
	require.NotNil(t, report.Exit)
	assert.Equal(t, broker.ReasonEngineFreed, report.Exit.Reason)
}

func TestUpgrade_UpToDate(t *testing.T) {
	scenario := `
local:
  - name: vim
    version: 9.1-1
repositories:
  - name: core
    packages:
      - name: vim
        version: 9.1-1
  - name: extra
`
	tr := newPipeTransport(t, scenario, nil)
	c := startClient(t, tr)
	ctx := testContext(t)
	require.NoError(t, c.Start(ctx))
	defer c.Close()

	report, err := c.Upgrade(ctx, testProfile(t), func(context.Context, []protocol.PackageDelta) (bool, error) {
		t.Error("confirm called without pending packages")
		return false, nil
	})
	require.NoError(t, err)
	assert.Empty(t, report.Packages)
	assert.False(t, report.Committed)
	assert.Equal(t, broker.ReasonEngineFreed, report.Exit.Reason)
}

func TestUpgrade_Denied(t *testing.T) {
	tr := newPipeTransport(t, "{}", authority.StaticAuthority{Verdict: authority.Denied})
	c := startClient(t, tr)
	ctx := testContext(t)
	require.NoError(t, c.Start(ctx))
	defer c.Close()

	report, err := c.Upgrade(ctx, testProfile(t), nil)
	require.Error(t, err)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, protocol.MethodAuthorize, reqErr.Method)
	assert.False(t, reqErr.Rejected)

	require.NotNil(t, report.Exit)
	assert.Equal(t, broker.ReasonAuthorizationFailed, report.Exit.Reason)
	assert.Equal(t, 1, report.Exit.ExitCode)
}

func TestCall_Rejected(t *testing.T) {
	tr := newPipeTransport(t, "{}", nil)
	c := startClient(t, tr)
	ctx := testContext(t)
	require.NoError(t, c.Start(ctx))
	defer c.Close()

	err := c.Commit(ctx)
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.True(t, reqErr.Rejected)
	assert.Equal(t, string(protocol.RejectNotInitialized), CodeOf(err))
	assert.Contains(t, err.Error(), "Commit rejected")
}

func TestCall_Failed(t *testing.T) {
	tr := newPipeTransport(t, "{}", nil)
	c := startClient(t, tr)
	ctx := testContext(t)
	require.NoError(t, c.Start(ctx))
	defer c.Close()

	_, err := c.Authorize(ctx)
	require.NoError(t, err)

	err = c.Answer(ctx, 1)
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.False(t, reqErr.Rejected)
	assert.NotEmpty(t, reqErr.Code)

	// The session survives a failed request.
	require.NoError(t, c.InitEngine(ctx, &testProfile(t).Engine))
}

func TestCall_AfterClose(t *testing.T) {
	tr := newPipeTransport(t, "{}", nil)
	c := startClient(t, tr)
	ctx := testContext(t)
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Close())

	_, err := c.Authorize(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCall_BrokerGone(t *testing.T) {
	tr := newPipeTransport(t, "{}", nil)
	c := startClient(t, tr)
	ctx := testContext(t)
	require.NoError(t, c.Start(ctx))
	defer c.Close()

	_, err := c.Authorize(ctx)
	require.NoError(t, err)
	require.NoError(t, c.FreeEngine(ctx))
	exit, err := c.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, broker.ReasonEngineFreed, exit.Reason)

	err = c.Commit(ctx)
	assert.ErrorIs(t, err, ErrBrokerGone)
}

func TestAutoAnswer(t *testing.T) {
	assert.Equal(t, 0, AutoAnswer(protocol.SignalAskSelectProvider))
	assert.Equal(t, 1, AutoAnswer(protocol.SignalAskReplacePkg))
	assert.Equal(t, 1, AutoAnswer(protocol.SignalAskImportKey))
}

func TestRequestError(t *testing.T) {
	err := &RequestError{Method: protocol.MethodCommit, Code: "CommitFailed", Message: "boom"}
	assert.Equal(t, "Commit failed (CommitFailed): boom", err.Error())

	err = &RequestError{Method: protocol.MethodAnswer, Message: "no question"}
	assert.Equal(t, "Answer failed: no question", err.Error())
	assert.Equal(t, "", CodeOf(errors.New("plain")))
}

type discardCloser struct{}

func (discardCloser) Write(p []byte) (int, error) { return len(p), nil }
func (discardCloser) Close() error                { return nil }

// scriptedTransport replays a fixed broker stream.
type scriptedTransport struct {
	write func(enc *protocol.Encoder)
}

func (s *scriptedTransport) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	outR, outW := io.Pipe()
	go func() {
		s.write(protocol.NewEncoder(outW))
		outW.Close()
	}()
	return discardCloser{}, outR, nil
}

func (s *scriptedTransport) Close() error { return nil }

func TestSignalBacklogDoesNotBlockReader(t *testing.T) {
	const count = 3000
	tr := &scriptedTransport{write: func(enc *protocol.Encoder) {
		_ = enc.EncodeReady(&protocol.ReadyMessage{Version: "test", Identity: ":1.1"})
		for i := 0; i < count; i++ {
			_ = enc.EncodeSignal(protocol.SignalLog, &protocol.LogPayload{Level: "warning", Text: "line\n"})
		}
		_ = enc.EncodeExit(&protocol.ExitMessage{Reason: broker.ReasonEngineFreed})
	}}

	release := make(chan struct{})
	var mu sync.Mutex
	delivered := 0
	c, err := New(Config{
		Transport:      tr,
		StartupTimeout: testTimeout,
		Logger:         zerolog.Nop(),
		OnSignal: func(*protocol.SignalMessage) {
			<-release
			mu.Lock()
			delivered++
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	ctx := testContext(t)
	require.NoError(t, c.Start(ctx))

	// The reader reaches EXIT while the handler is still stuck on the
	// first signal.
	require.Eventually(t, func() bool { return c.Exit() != nil }, testTimeout, 10*time.Millisecond)
	close(release)

	exit, err := c.Wait(ctx)
	require.NoError(t, err)
	require.NotNil(t, exit)
	mu.Lock()
	assert.Equal(t, count, delivered)
	mu.Unlock()
}
