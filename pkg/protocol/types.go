// Package protocol defines the JSON-lines protocol spoken between the
// upgrade broker and its client.
//
// Every line is a Message envelope. The client sends REQUEST messages; the
// broker answers each one immediately with ACK or REJECTED, and later with
// exactly one FINISHED or FAILED. SIGNAL messages carry progress
// notifications and questions and may arrive at any time.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady is sent once by the broker when it accepts requests.
	MessageTypeReady MessageType = "READY"
	// MessageTypeRequest is a request from the client.
	MessageTypeRequest MessageType = "REQUEST"
	// MessageTypeAck acknowledges an accepted request.
	MessageTypeAck MessageType = "ACK"
	// MessageTypeRejected refuses a request before it is queued.
	MessageTypeRejected MessageType = "REJECTED"
	// MessageTypeFinished reports successful completion of a request.
	MessageTypeFinished MessageType = "FINISHED"
	// MessageTypeFailed reports failure of an accepted request.
	MessageTypeFailed MessageType = "FAILED"
	// MessageTypeSignal carries an unsolicited notification or question.
	MessageTypeSignal MessageType = "SIGNAL"
	// MessageTypeExit is sent before the broker terminates.
	MessageTypeExit MessageType = "EXIT"
)

// Method names a request.
type Method string

const (
	MethodAuthorize          Method = "Authorize"
	MethodInitEngine         Method = "InitEngine"
	MethodAddRepository      Method = "AddRepository"
	MethodSyncRepositories   Method = "SyncRepositories"
	MethodGetPendingPackages Method = "GetPendingPackages"
	MethodCommit             Method = "Commit"
	MethodAbort              Method = "Abort"
	MethodAnswer             Method = "Answer"
	MethodFreeEngine         Method = "FreeEngine"
)

// Methods lists every method the broker serves.
var Methods = []Method{
	MethodAuthorize,
	MethodInitEngine,
	MethodAddRepository,
	MethodSyncRepositories,
	MethodGetPendingPackages,
	MethodCommit,
	MethodAbort,
	MethodAnswer,
	MethodFreeEngine,
}

// Validate checks that the method is known.
func (m Method) Validate() error {
	for _, known := range Methods {
		if m == known {
			return nil
		}
	}
	return fmt.Errorf("unknown method: %s", m)
}

// RejectCode classifies a transport level refusal.
type RejectCode string

const (
	RejectNotInitialized RejectCode = "NotInitialized"
	RejectWrongClient    RejectCode = "WrongClient"
	RejectUnknownMethod  RejectCode = "UnknownMethod"
	RejectInvalidParams  RejectCode = "InvalidParams"
	RejectShuttingDown   RejectCode = "ShuttingDown"
)

// Message is the base message structure for all protocol messages.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent when the broker is ready to receive requests.
type ReadyMessage struct {
	Version  string            `json:"version"`
	Platform string            `json:"platform"`
	Arch     string            `json:"arch"`
	PID      int               `json:"pid"`
	Identity string            `json:"identity"`
	Methods  []Method          `json:"methods"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RequestMessage is a request from the client.
type RequestMessage struct {
	ID     string          `json:"id"`
	Method Method          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// AckMessage acknowledges a queued request.
type AckMessage struct {
	RequestID string `json:"request_id"`
	Method    Method `json:"method"`
}

// RejectedMessage refuses a request at the transport level.
type RejectedMessage struct {
	RequestID string     `json:"request_id"`
	Method    Method     `json:"method"`
	Code      RejectCode `json:"code"`
	Message   string     `json:"message"`
}

// FinishedMessage reports successful completion.
type FinishedMessage struct {
	RequestID string          `json:"request_id"`
	Method    Method          `json:"method"`
	Result    json.RawMessage `json:"result,omitempty"`
	Duration  float64         `json:"duration"` // seconds
}

// FailedMessage reports the failure of an accepted request.
type FailedMessage struct {
	RequestID string  `json:"request_id"`
	Method    Method  `json:"method"`
	Code      string  `json:"code,omitempty"`
	Message   string  `json:"message"`
	Duration  float64 `json:"duration"` // seconds
}

// SignalMessage carries a notification or a question.
type SignalMessage struct {
	Name    SignalName      `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ExitMessage is sent before the broker terminates.
type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	RequestsTotal int    `json:"requests_total"`
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeRequest, MessageTypeAck, MessageTypeRejected,
		MessageTypeFinished, MessageTypeFailed, MessageTypeSignal, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the request message is well formed. Method names are
// not checked here so unknown methods can be rejected with a proper code.
func (r *RequestMessage) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("request ID is required")
	}
	if r.Method == "" {
		return fmt.Errorf("request method is required")
	}
	return nil
}
