// Package client provides a client library for talking to the upgrade
// broker.
//
// A Client starts the broker through a Transport, waits for READY and then
// multiplexes requests over the broker's stream: replies are routed to the
// waiting call by request ID, signals are delivered in order to the
// configured handler on their own goroutine so a handler can answer a
// question with Answer.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/upgrader/pkg/protocol"
)

// Transport starts a broker and connects to its protocol stream.
type Transport interface {
	// Start launches or reaches the broker and returns its input and
	// output.
	Start(ctx context.Context) (stdin io.WriteCloser, stdout io.ReadCloser, err error)
	// Close releases the transport once the stream is done. It waits for
	// a spawned broker to exit.
	Close() error
}

// SignalHandler receives broker signals in the order they were sent.
type SignalHandler func(sig *protocol.SignalMessage)

// Config contains client configuration options.
type Config struct {
	Transport      Transport
	OnSignal       SignalHandler
	StartupTimeout time.Duration
	Logger         zerolog.Logger
}

type outcome struct {
	finished *protocol.FinishedMessage
	failed   *protocol.FailedMessage
	rejected *protocol.RejectedMessage
}

type call struct {
	method protocol.Method
	done   chan outcome
}

// Client manages one broker session.
type Client struct {
	transport Transport
	onSignal  SignalHandler
	timeout   time.Duration
	logger    zerolog.Logger

	encoder *protocol.Encoder
	decoder *protocol.Decoder
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	ready   *protocol.ReadyMessage

	signals  *signalQueue
	readDone chan struct{}
	sigDone  chan struct{}

	mu      sync.Mutex
	calls   map[string]*call
	exit    *protocol.ExitMessage
	readErr error
	closed  bool
}

// New creates a client. Start connects it.
func New(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	return &Client{
		transport: cfg.Transport,
		onSignal:  cfg.OnSignal,
		timeout:   cfg.StartupTimeout,
		logger:    cfg.Logger.With().Str("component", "client").Logger(),
		calls:     make(map[string]*call),
		signals:   newSignalQueue(),
		readDone:  make(chan struct{}),
		sigDone:   make(chan struct{}),
	}, nil
}

// OnSignal replaces the signal handler. It must be called before Start.
func (c *Client) OnSignal(h SignalHandler) {
	c.onSignal = h
}

// Start launches the broker and waits for its READY message.
func (c *Client) Start(ctx context.Context) error {
	stdin, stdout, err := c.transport.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}
	c.stdin = stdin
	c.stdout = stdout
	c.encoder = protocol.NewEncoder(stdin)
	c.decoder = protocol.NewDecoder(stdout)

	readyCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	readyCh := make(chan *protocol.ReadyMessage, 1)
	errCh := make(chan error, 1)

	go func() {
		msg, err := c.decoder.Decode()
		if err != nil {
			errCh <- err
			return
		}
		if msg.Type != protocol.MessageTypeReady {
			errCh <- fmt.Errorf("expected READY, got %s", msg.Type)
			return
		}
		var ready protocol.ReadyMessage
		if err := protocol.DecodeData(msg, &ready); err != nil {
			errCh <- err
			return
		}
		readyCh <- &ready
	}()

	select {
	case <-readyCtx.Done():
		c.abort()
		return fmt.Errorf("timeout waiting for READY message")
	case err := <-errCh:
		c.abort()
		return fmt.Errorf("failed to receive READY: %w", err)
	case ready := <-readyCh:
		c.ready = ready
	}

	c.logger.Debug().
		Str("version", c.ready.Version).
		Str("identity", c.ready.Identity).
		Int("pid", c.ready.PID).
		Msg("Broker ready")

	go c.readLoop()
	go c.signalLoop()
	return nil
}

func (c *Client) abort() {
	_ = c.stdin.Close()
	_ = c.stdout.Close()
	_ = c.transport.Close()
}

// Ready returns the READY message received during startup.
func (c *Client) Ready() *protocol.ReadyMessage {
	return c.ready
}

// Exit returns the broker's EXIT message once it has been received.
func (c *Client) Exit() *protocol.ExitMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exit
}

func (c *Client) readLoop() {
	defer close(c.readDone)
	defer c.signals.close()

	for {
		msg, err := c.decoder.Decode()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				c.logger.Warn().Err(err).Msg("Ignoring malformed broker message")
				continue
			}
			c.finish(err)
			return
		}
		if err := c.dispatch(msg); err != nil {
			c.logger.Warn().Err(err).Str("type", string(msg.Type)).Msg("Ignoring broker message")
		}
	}
}

func (c *Client) dispatch(msg *protocol.Message) error {
	switch msg.Type {
	case protocol.MessageTypeAck:
		var ack protocol.AckMessage
		if err := protocol.DecodeData(msg, &ack); err != nil {
			return err
		}
		if c.lookup(ack.RequestID, false) == nil {
			c.logger.Debug().Str("request_id", ack.RequestID).Msg("ACK for unknown request")
		}

	case protocol.MessageTypeRejected:
		var rej protocol.RejectedMessage
		if err := protocol.DecodeData(msg, &rej); err != nil {
			return err
		}
		if cl := c.lookup(rej.RequestID, true); cl != nil {
			cl.done <- outcome{rejected: &rej}
		} else {
			c.logger.Warn().Str("code", string(rej.Code)).Msg(rej.Message)
		}

	case protocol.MessageTypeFinished:
		var fin protocol.FinishedMessage
		if err := protocol.DecodeData(msg, &fin); err != nil {
			return err
		}
		if cl := c.lookup(fin.RequestID, true); cl != nil {
			cl.done <- outcome{finished: &fin}
		}

	case protocol.MessageTypeFailed:
		var failed protocol.FailedMessage
		if err := protocol.DecodeData(msg, &failed); err != nil {
			return err
		}
		if cl := c.lookup(failed.RequestID, true); cl != nil {
			cl.done <- outcome{failed: &failed}
		}

	case protocol.MessageTypeSignal:
		var sig protocol.SignalMessage
		if err := protocol.DecodeData(msg, &sig); err != nil {
			return err
		}
		c.signals.push(&sig)

	case protocol.MessageTypeExit:
		var exit protocol.ExitMessage
		if err := protocol.DecodeData(msg, &exit); err != nil {
			return err
		}
		c.mu.Lock()
		c.exit = &exit
		c.mu.Unlock()
		c.logger.Debug().Str("reason", exit.Reason).Int("exit_code", exit.ExitCode).Msg("Broker exited")

	default:
		return fmt.Errorf("unexpected message type: %s", msg.Type)
	}
	return nil
}

func (c *Client) lookup(id string, remove bool) *call {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.calls[id]
	if !ok {
		return nil
	}
	if remove {
		delete(c.calls, id)
	}
	return cl
}

// finish records why the stream ended and fails every outstanding call.
func (c *Client) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if errors.Is(err, io.EOF) {
		err = ErrBrokerGone
	}
	c.readErr = err
	c.calls = make(map[string]*call)
}

func (c *Client) signalLoop() {
	defer close(c.sigDone)
	for {
		sig, ok := c.signals.pop()
		if !ok {
			return
		}
		if c.onSignal != nil {
			c.onSignal(sig)
		}
	}
}

// signalQueue is an unbounded FIFO between the reader and the signal
// goroutine. The reader never waits on a handler, so a handler blocked in
// Call still gets its reply.
type signalQueue struct {
	mu     sync.Mutex
	items  []*protocol.SignalMessage
	closed bool
	ready  chan struct{}
}

func newSignalQueue() *signalQueue {
	return &signalQueue{ready: make(chan struct{}, 1)}
}

func (q *signalQueue) push(sig *protocol.SignalMessage) {
	q.mu.Lock()
	q.items = append(q.items, sig)
	q.mu.Unlock()
	q.notify()
}

func (q *signalQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

func (q *signalQueue) notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop blocks until a signal is queued. It returns false once the queue is
// closed and drained.
func (q *signalQueue) pop() (*protocol.SignalMessage, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			sig := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return sig, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}
		<-q.ready
	}
}

// Call sends a request and waits for its FINISHED or FAILED reply. On
// success the result, if any, is decoded into result.
func (c *Client) Call(ctx context.Context, method protocol.Method, params, result interface{}) error {
	req := &protocol.RequestMessage{ID: uuid.NewString(), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to encode %s params: %w", method, err)
		}
		req.Params = raw
	}

	cl := &call{method: method, done: make(chan outcome, 1)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return err
	}
	c.calls[req.ID] = cl
	c.mu.Unlock()

	if err := c.encoder.EncodeRequest(req); err != nil {
		c.lookup(req.ID, true)
		return fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case out := <-cl.done:
		return decodeOutcome(method, out, result)
	case <-c.readDone:
		// The reply may have been filed just before the stream ended.
		select {
		case out := <-cl.done:
			return decodeOutcome(method, out, result)
		default:
		}
		c.mu.Lock()
		err := c.readErr
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", method, err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func decodeOutcome(method protocol.Method, out outcome, result interface{}) error {
	switch {
	case out.rejected != nil:
		return &RequestError{
			Method:   method,
			Code:     string(out.rejected.Code),
			Message:  out.rejected.Message,
			Rejected: true,
		}
	case out.failed != nil:
		return &RequestError{Method: method, Code: out.failed.Code, Message: out.failed.Message}
	}
	if result != nil && len(out.finished.Result) > 0 {
		if err := json.Unmarshal(out.finished.Result, result); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

// Wait blocks until the broker's stream ends and returns its EXIT message,
// or nil if it ended without one.
func (c *Client) Wait(ctx context.Context) (*protocol.ExitMessage, error) {
	select {
	case <-c.readDone:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	<-c.sigDone
	return c.Exit(), nil
}

// Close ends the session from the client side. Closing the broker's input
// makes it tear the session down.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.stdin == nil {
		return c.transport.Close()
	}

	var errs []error
	if err := c.stdin.Close(); err != nil && !errors.Is(err, io.EOF) {
		errs = append(errs, fmt.Errorf("failed to close stdin: %w", err))
	}

	select {
	case <-c.readDone:
	case <-time.After(c.timeout):
		c.logger.Warn().Msg("Broker did not close its stream")
	}
	if err := c.stdout.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close stdout: %w", err))
	}
	if err := c.transport.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
