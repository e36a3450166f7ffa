package adapter

import (
	"errors"
	"fmt"

	"github.com/openfroyo/upgrader/pkg/engine"
)

// State errors.
var (
	ErrNotInitialized     = errors.New("engine not initialized")
	ErrAlreadyInitialized = errors.New("engine already initialized")
	ErrNoTransaction      = errors.New("no transaction to abort")
)

// Kind classifies adapter failures.
type Kind string

const (
	KindEngineInit Kind = "EngineInitError"
	KindRepository Kind = "RepositoryError"
	KindStaging    Kind = "StagingError"
	KindCommit     Kind = "CommitError"
	KindRelease    Kind = "ReleaseError"
)

// Error is a failed adapter operation. Message is the text reported to the
// client; Code is the engine error code when the engine reported one.
type Error struct {
	Kind    Kind
	Code    engine.ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Code:    engine.CodeOf(err),
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// KindOf returns the kind of an adapter error, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
