package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Error reports a message that does not match the shape required by its
// declared type. It is raised at the transport boundary and is never retried.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return "protocol: " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// Marshal validates m and encodes it for the wire.
func Marshal(m *Message) ([]byte, error) {
	if err := Validate(m); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Parse decodes a wire message and validates it. Any failure is returned as
// *Error so callers can reject it before it reaches a handler. Parameters and
// result bodies come back compacted, as the constructors build them.
func Parse(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &Error{Reason: "malformed envelope", Err: err}
	}
	if err := Validate(&m); err != nil {
		return nil, err
	}
	var err error
	if m.Payload.Parameters, err = compact(m.Payload.Parameters); err != nil {
		return nil, &Error{Reason: "malformed parameters", Err: err}
	}
	if m.Payload.Result, err = compact(m.Payload.Result); err != nil {
		return nil, &Error{Reason: "malformed result", Err: err}
	}
	return &m, nil
}

// Validate checks the envelope fields and the payload shape expected for the
// message type.
func Validate(m *Message) error {
	if m == nil {
		return &Error{Reason: "nil message"}
	}
	if m.ProtocolVersion != Version {
		return &Error{Reason: fmt.Sprintf("unsupported protocol version %q", m.ProtocolVersion)}
	}
	switch {
	case m.From == "":
		return &Error{Reason: "missing from"}
	case m.To == "":
		return &Error{Reason: "missing to"}
	case m.ConversationID == "":
		return &Error{Reason: "missing conversation_id"}
	case m.Timestamp.IsZero():
		return &Error{Reason: "missing timestamp"}
	}

	p := m.Payload
	switch m.Type {
	case TypeRequest:
		if p.Action == "" {
			return &Error{Reason: "request without action"}
		}
		if p.Event != "" || p.Status != "" || len(p.Result) > 0 || p.Error != "" {
			return &Error{Reason: "request carries response or notification fields"}
		}
		if !isObject(p.Parameters) {
			return &Error{Reason: "request parameters must be an object"}
		}
	case TypeResponse:
		if p.Event != "" || len(p.Parameters) > 0 {
			return &Error{Reason: "response carries request fields"}
		}
		switch p.Status {
		case StatusSuccess:
			if p.Error != "" {
				return &Error{Reason: "success response with error"}
			}
		case StatusError:
			if p.Error == "" {
				return &Error{Reason: "error response without error text"}
			}
			if len(p.Result) > 0 {
				return &Error{Reason: "error response with result"}
			}
		default:
			return &Error{Reason: fmt.Sprintf("invalid response status %q", p.Status)}
		}
	case TypeNotification:
		if p.Event == "" {
			return &Error{Reason: "notification without event"}
		}
		if p.Action != "" || p.Status != "" || len(p.Result) > 0 || p.Error != "" {
			return &Error{Reason: "notification carries request or response fields"}
		}
		if len(p.Parameters) > 0 && !isObject(p.Parameters) {
			return &Error{Reason: "notification parameters must be an object"}
		}
	default:
		return &Error{Reason: fmt.Sprintf("unknown message type %q", m.Type)}
	}
	return nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return json.Valid(trimmed)
}
