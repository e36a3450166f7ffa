// Package decision bridges the engine's blocking question callback to the
// asynchronous protocol.
//
// The engine asks on the worker goroutine. The bridge emits the prompt and
// parks that goroutine until the reader side delivers an Answer. Only one
// question can be outstanding; a question that arrives while another is
// pending is answered with DefaultAnswer without prompting.
package decision

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/upgrader/pkg/engine"
	"github.com/openfroyo/upgrader/pkg/protocol"
	"github.com/openfroyo/upgrader/pkg/telemetry"
)

// DefaultAnswer is the safe decision: "no" for confirmations, the first
// candidate for selections.
const DefaultAnswer = 0

// ErrNoPendingQuestion is returned by Answer when nothing is waiting.
var ErrNoPendingQuestion = errors.New("no question is pending")

// Emitter sends a prompt to the client.
type Emitter interface {
	EmitSignal(name protocol.SignalName, payload interface{}) error
}

// Options configures a Bridge.
type Options struct {
	Emitter Emitter
	Metrics *telemetry.Metrics
	Logger  zerolog.Logger
}

type pending struct {
	kind   engine.QuestionKind
	answer chan int
}

// Bridge holds at most one pending question.
type Bridge struct {
	ctx     context.Context
	emit    Emitter
	metrics *telemetry.Metrics
	logger  zerolog.Logger

	mu      sync.Mutex
	pending *pending
}

// New creates a bridge. Cancelling ctx releases a blocked question with
// DefaultAnswer so the engine can unwind.
func New(ctx context.Context, opts Options) *Bridge {
	return &Bridge{
		ctx:     ctx,
		emit:    opts.Emitter,
		metrics: opts.Metrics,
		logger:  opts.Logger.With().Str("component", "decision").Logger(),
	}
}

// Ask handles engine.Callbacks.Question. It blocks until the question is
// answered or the bridge context ends.
func (b *Bridge) Ask(q engine.Question) int {
	kind := q.Kind()

	name, payload, ok := Prompt(q)
	if !ok {
		b.logger.Warn().Str("kind", string(kind)).Msg("Unknown question kind, answering default")
		b.metrics.RecordQuestion(string(kind), "unknown")
		return DefaultAnswer
	}

	b.mu.Lock()
	if b.pending != nil {
		busy := b.pending.kind
		b.mu.Unlock()
		b.logger.Warn().
			Str("kind", string(kind)).
			Str("pending", string(busy)).
			Msg("Question received while another is pending, answering default")
		b.metrics.RecordQuestion(string(kind), "busy")
		return DefaultAnswer
	}
	p := &pending{kind: kind, answer: make(chan int, 1)}
	b.pending = p
	b.mu.Unlock()
	b.metrics.SetPendingQuestion(true)
	defer b.metrics.SetPendingQuestion(false)

	if err := b.emit.EmitSignal(name, payload); err != nil {
		b.clear(p)
		b.logger.Error().Err(err).Str("kind", string(kind)).Msg("Failed to emit question")
		b.metrics.RecordQuestion(string(kind), "error")
		return DefaultAnswer
	}
	b.logger.Debug().Str("kind", string(kind)).Msg("Waiting for answer")

	select {
	case choice := <-p.answer:
		b.metrics.RecordQuestion(string(kind), "answered")
		return choice
	case <-b.ctx.Done():
		b.clear(p)
		b.logger.Warn().Str("kind", string(kind)).Msg("Teardown while a question was pending, answering default")
		b.metrics.RecordQuestion(string(kind), "cancelled")
		return DefaultAnswer
	}
}

// Answer resolves the pending question. Negative choices resolve to
// DefaultAnswer.
func (b *Bridge) Answer(choice int) error {
	b.mu.Lock()
	p := b.pending
	b.pending = nil
	b.mu.Unlock()

	if p == nil {
		return ErrNoPendingQuestion
	}
	if choice < 0 {
		b.logger.Warn().Int("choice", choice).Str("kind", string(p.kind)).Msg("Invalid answer, using default")
		choice = DefaultAnswer
	}
	p.answer <- choice
	return nil
}

// Pending reports whether a question is waiting for an answer.
func (b *Bridge) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending != nil
}

func (b *Bridge) clear(p *pending) {
	b.mu.Lock()
	if b.pending == p {
		b.pending = nil
	}
	b.mu.Unlock()
}
