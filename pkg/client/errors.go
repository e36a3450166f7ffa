package client

import (
	"errors"
	"fmt"

	"github.com/openfroyo/upgrader/pkg/protocol"
)

var (
	// ErrBrokerGone is returned by calls outstanding when the broker closes
	// its stream.
	ErrBrokerGone = errors.New("broker closed the connection")

	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("client is closed")
)

// RequestError is a REJECTED or FAILED reply to a request.
type RequestError struct {
	Method   protocol.Method
	Code     string
	Message  string
	Rejected bool
}

func (e *RequestError) Error() string {
	verb := "failed"
	if e.Rejected {
		verb = "rejected"
	}
	if e.Code == "" {
		return fmt.Sprintf("%s %s: %s", e.Method, verb, e.Message)
	}
	return fmt.Sprintf("%s %s (%s): %s", e.Method, verb, e.Code, e.Message)
}

// CodeOf returns the code of a RequestError in err's chain, or "".
func CodeOf(err error) string {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}
