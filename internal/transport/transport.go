// Package transport carries protocol messages between agents. Every message
// is encoded and validated on the way out and parsed on the way in, so a
// malformed message is rejected at the boundary whichever transport is used.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/mtzanidakis/parley/internal/protocol"
)

var (
	ErrTimeout     = errors.New("timed out waiting for response")
	ErrUnreachable = errors.New("agent unreachable")
)

// Error is a failure to reach a single peer. It is transient unless it wraps
// ErrTimeout.
type Error struct {
	Peer string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport to %s: %v", e.Peer, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Handler serves messages addressed to one agent. Requests must produce a
// response; the response returned for a notification is ignored.
type Handler interface {
	Handle(ctx context.Context, msg *protocol.Message) (*protocol.Message, error)
}

type HandlerFunc func(ctx context.Context, msg *protocol.Message) (*protocol.Message, error)

func (f HandlerFunc) Handle(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	return f(ctx, msg)
}

// Transport delivers messages to agents. Send delivers a request at most
// once and waits for the response until ctx is done. Notify publishes a
// notification without waiting for the receiver.
type Transport interface {
	Send(ctx context.Context, msg *protocol.Message) (*protocol.Message, error)
	Notify(ctx context.Context, msg *protocol.Message) error
}

// IsTransient reports whether a failed send may succeed if repeated.
func IsTransient(err error) bool {
	var terr *Error
	if !errors.As(err, &terr) {
		return false
	}
	return !errors.Is(err, ErrTimeout)
}

// contextError maps a finished context to the error returned by Send.
func contextError(ctx context.Context, peer string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Peer: peer, Err: ErrTimeout}
	}
	return fmt.Errorf("send to %s: %w", peer, ctx.Err())
}

// checkResponse verifies that resp answers req.
func checkResponse(req, resp *protocol.Message) error {
	if resp == nil {
		return &protocol.Error{Reason: "empty response"}
	}
	if resp.Type != protocol.TypeResponse {
		return &protocol.Error{Reason: fmt.Sprintf("expected response, got %s", resp.Type)}
	}
	if resp.ConversationID != req.ConversationID {
		return &protocol.Error{Reason: "response for another conversation"}
	}
	if resp.From != req.To {
		return &protocol.Error{Reason: fmt.Sprintf("response from %s, expected %s", resp.From, req.To)}
	}
	return nil
}
