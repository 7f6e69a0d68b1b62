package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Version is the only envelope version this module speaks.
const Version = "1.0"

type MessageType string

const (
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeNotification MessageType = "notification"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Actions and events understood by the built-in runtimes.
const (
	ActionCheckAvailability = "check_availability"
	ActionNegotiate         = "negotiate"
	EventMeetingConfirmed   = "meeting_confirmed"
)

// Message is the envelope exchanged between agents. It carries its own type
// and conversation id so a receiver can route it without outside context.
// A Message is treated as immutable once sent.
type Message struct {
	ProtocolVersion string      `json:"protocol_version"`
	Type            MessageType `json:"message_type"`
	From            string      `json:"from"`
	To              string      `json:"to"`
	ConversationID  string      `json:"conversation_id"`
	Timestamp       time.Time   `json:"timestamp"`
	Payload         Payload     `json:"payload"`
}

// Payload holds the type specific body. Requests use Action and Parameters,
// responses use Action, Status and Result (or Error), notifications use Event
// and Parameters.
type Payload struct {
	Action     string          `json:"action,omitempty"`
	Event      string          `json:"event,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Status     Status          `json:"status,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

var now = func() time.Time { return time.Now().UTC() }

func NewRequest(from, to, conversationID, action string, params any) (*Message, error) {
	raw, err := encodeBody(params)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	if raw == nil {
		raw = json.RawMessage(`{}`)
	}
	return &Message{
		ProtocolVersion: Version,
		Type:            TypeRequest,
		From:            from,
		To:              to,
		ConversationID:  conversationID,
		Timestamp:       now(),
		Payload: Payload{
			Action:     action,
			Parameters: raw,
		},
	}, nil
}

func NewNotification(from, to, conversationID, event string, params any) (*Message, error) {
	raw, err := encodeBody(params)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	return &Message{
		ProtocolVersion: Version,
		Type:            TypeNotification,
		From:            from,
		To:              to,
		ConversationID:  conversationID,
		Timestamp:       now(),
		Payload: Payload{
			Event:      event,
			Parameters: raw,
		},
	}, nil
}

// Reply builds a successful response to m, addressed back to its sender.
func (m *Message) Reply(result any) (*Message, error) {
	raw, err := encodeBody(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	resp := m.response(StatusSuccess)
	resp.Payload.Result = raw
	return resp, nil
}

// ReplyError builds an error response to m. The peer was reachable but could
// not serve the request.
func (m *Message) ReplyError(reason string) *Message {
	resp := m.response(StatusError)
	resp.Payload.Error = reason
	return resp
}

func (m *Message) response(status Status) *Message {
	return &Message{
		ProtocolVersion: Version,
		Type:            TypeResponse,
		From:            m.To,
		To:              m.From,
		ConversationID:  m.ConversationID,
		Timestamp:       now(),
		Payload: Payload{
			Action: m.Payload.Action,
			Status: status,
		},
	}
}

// Key returns the dispatch key of the message: the action for requests and
// responses, the event for notifications.
func (m *Message) Key() string {
	if m.Type == TypeNotification {
		return m.Payload.Event
	}
	return m.Payload.Action
}

// DecodeParameters unmarshals the request or notification parameters into v.
func (m *Message) DecodeParameters(v any) error {
	if len(m.Payload.Parameters) == 0 {
		return &Error{Reason: "missing parameters"}
	}
	if err := json.Unmarshal(m.Payload.Parameters, v); err != nil {
		return &Error{Reason: "decode parameters", Err: err}
	}
	return nil
}

// DecodeResult unmarshals a success response result into v.
func (m *Message) DecodeResult(v any) error {
	if m.Payload.Status != StatusSuccess {
		return fmt.Errorf("response status %q: %s", m.Payload.Status, m.Payload.Error)
	}
	if len(m.Payload.Result) == 0 {
		return &Error{Reason: "missing result"}
	}
	if err := json.Unmarshal(m.Payload.Result, v); err != nil {
		return &Error{Reason: "decode result", Err: err}
	}
	return nil
}

func encodeBody(v any) (json.RawMessage, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return compact(b)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// compact strips insignificant whitespace so a body encodes to the same
// bytes however it was written.
func compact(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}
