package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/openfroyo/upgrader/pkg/decision"
	"github.com/openfroyo/upgrader/pkg/protocol"
	"github.com/openfroyo/upgrader/pkg/session"
	"github.com/openfroyo/upgrader/pkg/stores"
	"github.com/openfroyo/upgrader/pkg/telemetry"
)

// job is an accepted request waiting for the worker.
type job struct {
	conn     *connection
	req      *protocol.RequestMessage
	received time.Time
	// journaled is set once the request has a journal row.
	journaled bool
	// invalid holds why the params of an accepted Answer failed validation.
	invalid error
}

// queue is an unbounded FIFO of accepted jobs. Once closed it refuses new
// jobs so nothing is accepted after the worker stopped draining.
type queue struct {
	mu     sync.Mutex
	jobs   []*job
	closed bool
	ready  chan struct{}
}

func newQueue() *queue {
	return &queue{ready: make(chan struct{}, 1)}
}

func (q *queue) push(j *job) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return len(q.jobs), false
	}
	q.jobs = append(q.jobs, j)
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return len(q.jobs), true
}

func (q *queue) pop() (*job, int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil, 0, false
	}
	j := q.jobs[0]
	q.jobs[0] = nil
	q.jobs = q.jobs[1:]
	return j, len(q.jobs), true
}

func (q *queue) close() []*job {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	rest := q.jobs
	q.jobs = nil
	return rest
}

// accept runs on a connection's reader goroutine. Every request gets an
// immediate ACK or REJECTED; accepted requests later get exactly one
// FINISHED or FAILED.
func (s *Service) accept(c *connection, req *protocol.RequestMessage) {
	logger := s.logger.With().
		Str("request_id", req.ID).
		Str("method", string(req.Method)).
		Str("client", c.identity).
		Logger()

	if s.stopping() {
		s.reject(c, req, protocol.RejectShuttingDown, "Broker is shutting down")
		return
	}
	if err := req.Method.Validate(); err != nil {
		s.reject(c, req, protocol.RejectUnknownMethod, err.Error())
		return
	}
	invalid := protocol.ValidateParams(req.Method, req.Params)
	if invalid != nil && !s.answersPendingQuestion(c, req) {
		s.reject(c, req, protocol.RejectInvalidParams, invalid.Error())
		return
	}
	if req.Method != protocol.MethodAuthorize {
		if err := s.gate.Check(c.identity); err != nil {
			s.reject(c, req, rejectCode(err), err.Error())
			return
		}
	}

	j := &job{conn: c, req: req, received: time.Now(), invalid: invalid}
	if err := c.enc.EncodeAck(&protocol.AckMessage{RequestID: req.ID, Method: req.Method}); err != nil {
		logger.Error().Err(err).Msg("Failed to send ACK")
		return
	}
	s.accepted.Add(1)
	s.journalAccepted(j)
	logger.Debug().Msg("Request accepted")

	// Answer must not wait behind the request that is blocked on the
	// question it answers.
	if req.Method == protocol.MethodAnswer {
		s.answer(j)
		return
	}

	depth, ok := s.queue.push(j)
	if !ok {
		s.complete(j, nil, newError(CodeShuttingDown, nil, "Broker is shutting down"))
		return
	}
	s.metrics.SetQueueDepth(depth)
}

func (s *Service) reject(c *connection, req *protocol.RequestMessage, code protocol.RejectCode, message string) {
	s.logger.Warn().
		Str("request_id", req.ID).
		Str("method", string(req.Method)).
		Str("client", c.identity).
		Str("code", string(code)).
		Msg(message)
	s.metrics.RecordRejection(string(code))

	rej := &protocol.RejectedMessage{
		RequestID: req.ID,
		Method:    req.Method,
		Code:      code,
		Message:   message,
	}
	if err := c.enc.EncodeRejected(rej); err != nil {
		s.logger.Error().Err(err).Msg("Failed to send REJECTED")
	}

	if req.ID != "" && s.journaling() {
		msg, reason := message, string(code)
		err := s.journal.RecordRequest(context.Background(), &stores.Request{
			ID:          req.ID,
			SessionID:   s.sessionID,
			Method:      string(req.Method),
			Status:      stores.RequestStatusRejected,
			Code:        &reason,
			Message:     &msg,
			CompletedAt: timePtr(time.Now()),
		})
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to journal rejected request")
		}
	}
}

// answersPendingQuestion reports whether req is an Answer from the session's
// client while a question waits. Such an Answer is never rejected: the
// question must be resolved or the engine stays blocked.
func (s *Service) answersPendingQuestion(c *connection, req *protocol.RequestMessage) bool {
	if req.Method != protocol.MethodAnswer {
		return false
	}
	return s.gate.Check(c.identity) == nil && s.bridge.Pending()
}

// answer resolves the pending question. An answer that is not a usable
// integer resolves it with the default.
func (s *Service) answer(j *job) {
	invalid := j.invalid
	var p protocol.AnswerParams
	if invalid == nil {
		invalid = protocol.ParseParams(j.req.Params, &p)
	}
	if invalid == nil {
		s.complete(j, nil, s.bridge.Answer(p.Choice))
		return
	}

	if !s.bridge.Pending() {
		s.complete(j, nil, newError(CodeInvalidParams, invalid, "%v", invalid))
		return
	}
	s.logger.Warn().
		Err(invalid).
		Str("request_id", j.req.ID).
		Msg("Invalid answer, using default")
	s.complete(j, nil, s.bridge.Answer(decision.DefaultAnswer))
}

// work is the single worker goroutine. It owns the engine for the whole
// session.
func (s *Service) work() {
	defer close(s.workerDone)
	for {
		select {
		case <-s.stop:
			s.drain()
			return
		default:
		}

		if j, depth, ok := s.queue.pop(); ok {
			s.metrics.SetQueueDepth(depth)
			s.execute(j)
			continue
		}

		select {
		case <-s.queue.ready:
		case <-s.stop:
			s.drain()
			return
		}
	}
}

func (s *Service) drain() {
	rest := s.queue.close()
	for _, j := range rest {
		s.complete(j, nil, newError(CodeShuttingDown, nil, "Broker is shutting down"))
	}
	s.metrics.SetQueueDepth(0)
	if len(rest) > 0 {
		s.logger.Info().Int("count", len(rest)).Msg("Failed queued requests at shutdown")
	}
}

func (s *Service) execute(j *job) {
	op := telemetry.StartOperation(s.ctx, j.req.ID, string(j.req.Method), j.conn.identity)

	result, err := s.handle(op.Ctx, j)
	status := s.complete(j, result, err)
	op.End(status, err)

	var authErr *session.AuthorizationError
	switch {
	case j.req.Method == protocol.MethodFreeEngine:
		s.terminate(ReasonEngineFreed, 0)
	case j.req.Method == protocol.MethodAuthorize && errors.As(err, &authErr):
		s.terminate(ReasonAuthorizationFailed, 1)
	}
}

// complete sends the terminal message of an accepted request and returns
// its status.
func (s *Service) complete(j *job, result interface{}, err error) string {
	duration := time.Since(j.received)

	if err == nil {
		var raw json.RawMessage
		if result != nil {
			raw, err = json.Marshal(result)
			if err != nil {
				err = newError(CodeInternal, err, "Failed to encode result: %v", err)
			}
		}
		if err == nil {
			fin := &protocol.FinishedMessage{
				RequestID: j.req.ID,
				Method:    j.req.Method,
				Result:    raw,
				Duration:  duration.Seconds(),
			}
			if encErr := j.conn.enc.EncodeFinished(fin); encErr != nil {
				s.logger.Error().Err(encErr).Str("request_id", j.req.ID).Msg("Failed to send FINISHED")
			}
			s.journalCompleted(j, stores.RequestStatusFinished, nil, duration)
			return string(stores.RequestStatusFinished)
		}
	}

	be := toError(err)
	s.logger.Warn().
		Str("request_id", j.req.ID).
		Str("method", string(j.req.Method)).
		Str("code", be.Code).
		Msg(be.Error())

	failed := &protocol.FailedMessage{
		RequestID: j.req.ID,
		Method:    j.req.Method,
		Code:      be.Code,
		Message:   be.Error(),
		Duration:  duration.Seconds(),
	}
	if encErr := j.conn.enc.EncodeFailed(failed); encErr != nil {
		s.logger.Error().Err(encErr).Str("request_id", j.req.ID).Msg("Failed to send FAILED")
	}
	s.journalCompleted(j, stores.RequestStatusFailed, be, duration)
	return string(stores.RequestStatusFailed)
}

func (s *Service) journalAccepted(j *job) {
	if !s.journaling() {
		return
	}
	err := s.journal.RecordRequest(context.Background(), &stores.Request{
		ID:         j.req.ID,
		SessionID:  s.sessionID,
		Method:     string(j.req.Method),
		Status:     stores.RequestStatusAccepted,
		ReceivedAt: j.received,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("request_id", j.req.ID).Msg("Failed to journal request")
		return
	}
	j.journaled = true
}

// journalCompleted closes the request's journal row. Requests accepted
// before the session was journaled (Authorize) get their row here.
func (s *Service) journalCompleted(j *job, status stores.RequestStatus, be *Error, duration time.Duration) {
	if !s.journaling() {
		return
	}

	var code, message *string
	if be != nil {
		c, m := be.Code, be.Error()
		code, message = &c, &m
	}

	ctx := context.Background()
	var err error
	if j.journaled {
		err = s.journal.CompleteRequest(ctx, s.sessionID, j.req.ID, status, code, message, duration)
	} else {
		err = s.journal.RecordRequest(ctx, &stores.Request{
			ID:          j.req.ID,
			SessionID:   s.sessionID,
			Method:      string(j.req.Method),
			Status:      status,
			Code:        code,
			Message:     message,
			ReceivedAt:  j.received,
			CompletedAt: timePtr(time.Now()),
			DurationMS:  duration.Milliseconds(),
		})
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("request_id", j.req.ID).Msg("Failed to journal request completion")
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
