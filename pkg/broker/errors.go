package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/upgrader/pkg/adapter"
	"github.com/openfroyo/upgrader/pkg/decision"
	"github.com/openfroyo/upgrader/pkg/protocol"
	"github.com/openfroyo/upgrader/pkg/session"
)

// Failure codes carried by FAILED messages.
const (
	CodeAlreadyInitialized  = "AlreadyInitialized"
	CodeAuthorizationFailed = "AuthorizationFailed"
	CodeEngineNotReady      = "EngineNotInitialized"
	CodeEngineInUse         = "EngineAlreadyInitialized"
	CodeNoTransaction       = "NoTransaction"
	CodeNoPendingQuestion   = "NoPendingQuestion"
	CodeInvalidParams       = "InvalidParams"
	CodeShuttingDown        = "ShuttingDown"
	CodeInternal            = "Internal"
)

// Error is a failed request as reported to the client.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code string, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// toError maps a handler error onto the code and text sent in FAILED.
func toError(err error) *Error {
	var be *Error
	if errors.As(err, &be) {
		return be
	}

	var authErr *session.AuthorizationError
	if errors.As(err, &authErr) {
		return newError(CodeAuthorizationFailed, err, "%s", authErr.Error())
	}

	var ae *adapter.Error
	if errors.As(err, &ae) {
		return &Error{Code: string(ae.Kind), Message: ae.Message, Err: err}
	}

	switch {
	case errors.Is(err, session.ErrAlreadyInitialized):
		return newError(CodeAlreadyInitialized, err, "Session already initialized")
	case errors.Is(err, adapter.ErrNotInitialized):
		return newError(CodeEngineNotReady, err, "Engine not initialized")
	case errors.Is(err, adapter.ErrAlreadyInitialized):
		return newError(CodeEngineInUse, err, "Engine already initialized")
	case errors.Is(err, adapter.ErrNoTransaction):
		return newError(CodeNoTransaction, err, "No transaction to abort")
	case errors.Is(err, decision.ErrNoPendingQuestion):
		return newError(CodeNoPendingQuestion, err, "No question is pending")
	case errors.Is(err, context.Canceled):
		return newError(CodeShuttingDown, err, "Broker is shutting down")
	}
	return newError(CodeInternal, err, "%v", err)
}

// rejectCode maps a session gate error onto a transport level refusal.
func rejectCode(err error) protocol.RejectCode {
	if errors.Is(err, session.ErrWrongClient) {
		return protocol.RejectWrongClient
	}
	return protocol.RejectNotInitialized
}
