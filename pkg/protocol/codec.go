package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Encoder writes protocol messages to an io.Writer. It is safe for
// concurrent use; each message is written and flushed as one line.
type Encoder struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewEncoder creates a new protocol encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w: bufio.NewWriter(w),
	}
}

// Encode writes a message to the output stream.
func (e *Encoder) Encode(msgType MessageType, data interface{}) error {
	if err := msgType.Validate(); err != nil {
		return fmt.Errorf("invalid message type: %w", err)
	}

	var dataBytes []byte
	var err error
	if data != nil {
		dataBytes, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data: %w", err)
		}
	}

	msg := Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      dataBytes,
	}

	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(msgBytes); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	return nil
}

// EncodeReady sends a READY message.
func (e *Encoder) EncodeReady(ready *ReadyMessage) error {
	return e.Encode(MessageTypeReady, ready)
}

// EncodeRequest sends a REQUEST message.
func (e *Encoder) EncodeRequest(req *RequestMessage) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return e.Encode(MessageTypeRequest, req)
}

// EncodeAck sends an ACK message.
func (e *Encoder) EncodeAck(ack *AckMessage) error {
	return e.Encode(MessageTypeAck, ack)
}

// EncodeRejected sends a REJECTED message.
func (e *Encoder) EncodeRejected(rej *RejectedMessage) error {
	return e.Encode(MessageTypeRejected, rej)
}

// EncodeFinished sends a FINISHED message.
func (e *Encoder) EncodeFinished(fin *FinishedMessage) error {
	return e.Encode(MessageTypeFinished, fin)
}

// EncodeFailed sends a FAILED message.
func (e *Encoder) EncodeFailed(failed *FailedMessage) error {
	return e.Encode(MessageTypeFailed, failed)
}

// EncodeSignal sends a SIGNAL message with payload marshaled as its body.
func (e *Encoder) EncodeSignal(name SignalName, payload interface{}) error {
	sig := SignalMessage{Name: name}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s payload: %w", name, err)
		}
		sig.Payload = raw
	}
	return e.Encode(MessageTypeSignal, &sig)
}

// EncodeExit sends an EXIT message.
func (e *Encoder) EncodeExit(exit *ExitMessage) error {
	return e.Encode(MessageTypeExit, exit)
}

// ErrMalformed marks a line that is not a valid protocol message. The
// stream stays usable after it.
var ErrMalformed = errors.New("malformed message")

// Decoder reads protocol messages from an io.Reader.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a new protocol decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	const maxCapacity = 10 * 1024 * 1024 // 10 MB
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, maxCapacity)
	return &Decoder{
		r: scanner,
	}
}

// Decode reads the next message from the input stream. Blank lines are
// skipped.
func (d *Decoder) Decode() (*Message, error) {
	for {
		if !d.r.Scan() {
			if err := d.r.Err(); err != nil {
				return nil, fmt.Errorf("scan error: %w", err)
			}
			return nil, io.EOF
		}
		if len(d.r.Bytes()) > 0 {
			break
		}
	}

	var msg Message
	if err := json.Unmarshal(d.r.Bytes(), &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if err := msg.Type.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return &msg, nil
}

// DecodeRequest reads the next message and expects a REQUEST.
func (d *Decoder) DecodeRequest() (*RequestMessage, error) {
	msg, err := d.Decode()
	if err != nil {
		return nil, err
	}

	if msg.Type != MessageTypeRequest {
		return nil, fmt.Errorf("%w: expected REQUEST message, got %s", ErrMalformed, msg.Type)
	}

	var req RequestMessage
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return &req, nil
}

// ParseParams parses request parameters into a specific type. Empty params
// leave target untouched.
func ParseParams(params json.RawMessage, target interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, target); err != nil {
		return fmt.Errorf("failed to parse params: %w", err)
	}
	return nil
}

// DecodeData unmarshals the data of msg into target.
func DecodeData(msg *Message, target interface{}) error {
	if err := json.Unmarshal(msg.Data, target); err != nil {
		return fmt.Errorf("failed to unmarshal %s data: %w", msg.Type, err)
	}
	return nil
}
