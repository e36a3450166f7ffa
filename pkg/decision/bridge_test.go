package decision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/upgrader/pkg/engine"
	"github.com/openfroyo/upgrader/pkg/protocol"
)

type prompt struct {
	name    protocol.SignalName
	payload interface{}
}

type chanEmitter struct {
	prompts chan prompt
	err     error
}

func newChanEmitter() *chanEmitter {
	return &chanEmitter{prompts: make(chan prompt, 8)}
}

func (e *chanEmitter) EmitSignal(name protocol.SignalName, payload interface{}) error {
	if e.err != nil {
		return e.err
	}
	e.prompts <- prompt{name: name, payload: payload}
	return nil
}

func (e *chanEmitter) next(t *testing.T) prompt {
	t.Helper()
	select {
	case p := <-e.prompts:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no prompt emitted")
		return prompt{}
	}
}

type unknownQuestion struct{}

func (unknownQuestion) Kind() engine.QuestionKind { return "mystery" }

func newTestBridge(ctx context.Context, em Emitter) *Bridge {
	return New(ctx, Options{Emitter: em, Logger: zerolog.Nop()})
}

// ask runs Ask on its own goroutine, the way the engine worker would.
func ask(b *Bridge, q engine.Question) <-chan int {
	out := make(chan int, 1)
	go func() { out <- b.Ask(q) }()
	return out
}

func receive(t *testing.T, ch <-chan int) int {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("Ask did not return")
		return -1
	}
}

func TestAsk_AnswerUnblocks(t *testing.T) {
	em := newChanEmitter()
	b := newTestBridge(context.Background(), em)

	result := ask(b, engine.InstallIgnorePkgQuestion{Package: &engine.Package{Name: "linux"}})
	p := em.next(t)
	assert.Equal(t, protocol.SignalAskInstallIgnorePkg, p.name)
	assert.True(t, b.Pending())

	require.NoError(t, b.Answer(1))
	assert.Equal(t, 1, receive(t, result))
	assert.False(t, b.Pending())
}

func TestAnswer_NegativeResolvesToDefault(t *testing.T) {
	em := newChanEmitter()
	b := newTestBridge(context.Background(), em)

	result := ask(b, engine.RemovePkgsQuestion{Packages: []*engine.Package{{Name: "a"}, {Name: "b"}}})
	em.next(t)
	require.NoError(t, b.Answer(-1))
	assert.Equal(t, DefaultAnswer, receive(t, result))
}

func TestAnswer_NothingPending(t *testing.T) {
	b := newTestBridge(context.Background(), newChanEmitter())
	assert.True(t, errors.Is(b.Answer(1), ErrNoPendingQuestion))
}

func TestAsk_SecondQuestionGetsDefault(t *testing.T) {
	em := newChanEmitter()
	b := newTestBridge(context.Background(), em)

	first := ask(b, engine.ConflictPkgQuestion{Package1: "a", Package2: "b"})
	em.next(t)

	assert.Equal(t, DefaultAnswer, b.Ask(engine.ConflictPkgQuestion{Package1: "c", Package2: "d"}))
	select {
	case p := <-em.prompts:
		t.Fatalf("second question was prompted: %v", p.name)
	default:
	}

	require.NoError(t, b.Answer(1))
	assert.Equal(t, 1, receive(t, first))
}

func TestAsk_UnknownKind(t *testing.T) {
	em := newChanEmitter()
	b := newTestBridge(context.Background(), em)

	assert.Equal(t, DefaultAnswer, b.Ask(unknownQuestion{}))
	assert.False(t, b.Pending())
	assert.Empty(t, em.prompts)
}

func TestAsk_EmitFailure(t *testing.T) {
	em := newChanEmitter()
	em.err = errors.New("broken pipe")
	b := newTestBridge(context.Background(), em)

	assert.Equal(t, DefaultAnswer, b.Ask(engine.ImportKeyQuestion{}))
	assert.False(t, b.Pending())
}

func TestAsk_TeardownReleases(t *testing.T) {
	em := newChanEmitter()
	ctx, cancel := context.WithCancel(context.Background())
	b := newTestBridge(ctx, em)

	result := ask(b, engine.ImportKeyQuestion{Key: engine.PGPKey{Fingerprint: "ABCD"}})
	em.next(t)
	cancel()

	assert.Equal(t, DefaultAnswer, receive(t, result))
	assert.False(t, b.Pending())
	assert.ErrorIs(t, b.Answer(1), ErrNoPendingQuestion)
}

func TestAsk_ProviderSelection(t *testing.T) {
	em := newChanEmitter()
	b := newTestBridge(context.Background(), em)

	q := engine.SelectProviderQuestion{
		Depend: engine.Depend{Name: "pkg", Mod: engine.DepModAny},
		Providers: []*engine.Package{
			{Name: "pkg", Version: "1.0", DB: "repoA"},
			{Name: "pkg", Version: "1.1", DB: "repoB"},
		},
	}
	result := ask(b, q)
	p := em.next(t)

	payload := p.payload.(*protocol.AskSelectProviderPayload)
	assert.Equal(t, "pkg", payload.Depend)
	assert.Equal(t, []protocol.Provider{
		{Repo: "repoA", Name: "pkg", Version: "1.0"},
		{Repo: "repoB", Name: "pkg", Version: "1.1"},
	}, payload.Providers)

	require.NoError(t, b.Answer(1))
	choice := receive(t, result)
	assert.Equal(t, "repoB", q.Providers[choice].DB)
	assert.Equal(t, "1.1", q.Providers[choice].Version)
}

func TestAsk_ConcurrentAnswers(t *testing.T) {
	em := newChanEmitter()
	b := newTestBridge(context.Background(), em)

	result := ask(b, engine.InstallIgnorePkgQuestion{Package: &engine.Package{Name: "x"}})
	em.next(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Answer(1) == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, receive(t, result))
}
