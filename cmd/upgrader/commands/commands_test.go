package commands

import (
	"bytes"
	"context"
	"encoding/json"
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

const replaceScenario = `
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
replaces:
  - old: luajit
    new: lua
    repo: core
`

// scriptedPrompter answers from fixed values and records what it was asked.
type scriptedPrompter struct {
	mu      sync.Mutex
	confirm bool
	choice  int
	err     error
	asked   []string
}

func (p *scriptedPrompter) Confirm(title, _ string, _ bool) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.asked = append(p.asked, title)
	return p.confirm, p.err
}

func (p *scriptedPrompter) Select(title string, _ []string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.asked = append(p.asked, title)
	return p.choice, p.err
}

func (p *scriptedPrompter) titles() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.asked...)
}

// pipeTransport serves a broker session in-process.
type pipeTransport struct {
	svc    *broker.Service
	status chan broker.ExitStatus
}

func newPipeTransport(t *testing.T, scenario string) *pipeTransport {
	t.Helper()
	sc, err := sim.ParseScenario([]byte(scenario))
	require.NoError(t, err)
	return &pipeTransport{
		svc: broker.NewService(broker.Options{
			Driver:    sim.NewDriver(sc),
			Authority: authority.StaticAuthority{Verdict: authority.Granted},
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

func testProfile(t *testing.T) *config.Profile {
	dir := t.TempDir()
	return &config.Profile{
		Engine: protocol.InitEngineParams{
			Root:      "/",
			DBPath:    filepath.Join(dir, "db"),
			LogFile:   filepath.Join(dir, "upgrader.log"),
			CacheDirs: []string{filepath.Join(dir, "cache")},
			Arch:      "x86_64",
		},
		Repositories: []protocol.AddRepositoryParams{
			{Name: "core", Servers: []string{"https://mirror.example/$repo/os/$arch"}},
		},
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func signal(t *testing.T, name protocol.SignalName, payload interface{}) *protocol.SignalMessage {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &protocol.SignalMessage{Name: name, Payload: raw}
}

func TestRunUpgrade_Interactive(t *testing.T) {
	p := &scriptedPrompter{confirm: true}
	var out bytes.Buffer

	err := runUpgrade(testContext(t), upgradeOptions{
		transport: newPipeTransport(t, replaceScenario),
		profile:   testProfile(t),
		prompter:  p,
		out:       &out,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Replace luajit with core/lua?", "Proceed with installation?"}, p.titles())
	assert.Contains(t, out.String(), "PACKAGE")
	assert.Contains(t, out.String(), "upgraded vim (9.0-1 -> 9.1-1)")
	assert.Contains(t, out.String(), "removed luajit (2.1-1)")
}

func TestRunUpgrade_Declined(t *testing.T) {
	p := &scriptedPrompter{confirm: false}
	var out bytes.Buffer

	err := runUpgrade(testContext(t), upgradeOptions{
		transport: newPipeTransport(t, replaceScenario),
		profile:   testProfile(t),
		prompter:  p,
		out:       &out,
	})
	require.NoError(t, err)

	// Declining the replacement leaves only vim, and nothing is committed.
	assert.Contains(t, out.String(), "vim")
	assert.NotContains(t, out.String(), "upgraded vim")
}

func TestRunUpgrade_AssumeYesJSON(t *testing.T) {
	p := &scriptedPrompter{}
	var out bytes.Buffer

	err := runUpgrade(testContext(t), upgradeOptions{
		transport: newPipeTransport(t, replaceScenario),
		profile:   testProfile(t),
		prompter:  p,
		assumeYes: true,
		out:       &out,
		asJSON:    true,
	})
	require.NoError(t, err)

	assert.Empty(t, p.titles())
	assert.Contains(t, out.String(), `"name":"Upgraded"`)
	assert.NotContains(t, out.String(), `"name":"AskReplacePkg"`)
}

func TestDescribeQuestion(t *testing.T) {
	tests := []struct {
		name    string
		sig     *protocol.SignalMessage
		title   string
		def     bool
		options int
	}{
		{
			name:  "replace",
			sig:   signal(t, protocol.SignalAskReplacePkg, protocol.AskReplacePkgPayload{OldPackage: "luajit", NewRepo: "core", NewPackage: "lua"}),
			title: "Replace luajit with core/lua?",
			def:   true,
		},
		{
			name:  "conflict without reason",
			sig:   signal(t, protocol.SignalAskConflictPkg, protocol.AskConflictPkgPayload{Package1: "a", Package2: "b"}),
			title: "a and b are in conflict. Remove b?",
		},
		{
			name:  "conflict with reason",
			sig:   signal(t, protocol.SignalAskConflictPkg, protocol.AskConflictPkgPayload{Package1: "a", Package2: "b", Reason: "c"}),
			title: "a and b are in conflict (c). Remove b?",
		},
		{
			name:  "import key",
			sig:   signal(t, protocol.SignalAskImportKey, protocol.AskImportKeyPayload{Fingerprint: "ABCD", UID: "dev", Created: "2024-01-02"}),
			title: "Import PGP key ABCD?",
			def:   true,
		},
		{
			name: "select provider",
			sig: signal(t, protocol.SignalAskSelectProvider, protocol.AskSelectProviderPayload{
				Depend:    "sh",
				Providers: []protocol.Provider{{Repo: "core", Name: "bash", Version: "5.2-1"}, {Repo: "extra", Name: "zsh", Version: "5.9-1"}},
			}),
			title:   "There are 2 providers available for sh:",
			options: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := describeQuestion(tt.sig)
			require.NoError(t, err)
			assert.Equal(t, tt.title, q.title)
			assert.Equal(t, tt.def, q.def)
			assert.Len(t, q.options, tt.options)
		})
	}

	_, err := describeQuestion(&protocol.SignalMessage{Name: protocol.SignalAskReplacePkg})
	assert.Error(t, err)
	_, err = describeQuestion(&protocol.SignalMessage{Name: protocol.SignalLog})
	assert.Error(t, err)
}

func TestAsk(t *testing.T) {
	replace := signal(t, protocol.SignalAskReplacePkg, protocol.AskReplacePkgPayload{OldPackage: "a", NewRepo: "core", NewPackage: "b"})
	provider := signal(t, protocol.SignalAskSelectProvider, protocol.AskSelectProviderPayload{
		Depend:    "sh",
		Providers: []protocol.Provider{{Name: "bash"}, {Name: "dash"}, {Name: "zsh"}},
	})

	assert.Equal(t, 1, ask(&scriptedPrompter{confirm: true}, replace))
	assert.Equal(t, 0, ask(&scriptedPrompter{confirm: false}, replace))
	assert.Equal(t, 2, ask(&scriptedPrompter{choice: 2}, provider))

	// A prompt that fails gets the conservative answer.
	failing := &scriptedPrompter{confirm: true, choice: 2, err: errors.New("aborted")}
	assert.Equal(t, 0, ask(failing, replace))
	assert.Equal(t, 0, ask(failing, provider))
}
