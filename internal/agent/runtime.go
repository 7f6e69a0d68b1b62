// Package agent dispatches protocol messages to the handlers an agent has
// registered. Peers and hosts are runtimes with different handler sets.
package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mtzanidakis/parley/internal/protocol"
)

// RequestHandler serves one action. Its result becomes the body of a
// success response; an error becomes an error response.
type RequestHandler func(ctx context.Context, msg *protocol.Message) (any, error)

// NotificationHandler serves one event. Nothing is sent back.
type NotificationHandler func(ctx context.Context, msg *protocol.Message) error

type Runtime struct {
	id            string
	requests      map[string]RequestHandler
	notifications map[string]NotificationHandler
	locks         *conversationLocks
	logger        *slog.Logger
}

func NewRuntime(id string) *Runtime {
	return &Runtime{
		id:            id,
		requests:      make(map[string]RequestHandler),
		notifications: make(map[string]NotificationHandler),
		locks:         newConversationLocks(),
		logger:        slog.With("component", "agent", "agent", id),
	}
}

func (r *Runtime) ID() string { return r.id }

// HandleRequest registers h for action. Handlers must be registered before
// the runtime starts serving.
func (r *Runtime) HandleRequest(action string, h RequestHandler) {
	r.requests[action] = h
}

func (r *Runtime) HandleNotification(event string, h NotificationHandler) {
	r.notifications[event] = h
}

// Handle dispatches msg by type and key. Messages of one conversation are
// handled one at a time.
func (r *Runtime) Handle(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	unlock := r.locks.lock(msg.ConversationID)
	defer unlock()

	switch msg.Type {
	case protocol.TypeRequest:
		return r.handleRequest(ctx, msg)
	case protocol.TypeNotification:
		r.handleNotification(ctx, msg)
		return nil, nil
	default:
		return nil, fmt.Errorf("agent %s: unexpected %s message", r.id, msg.Type)
	}
}

func (r *Runtime) handleRequest(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	if msg.To != r.id {
		return msg.ReplyError(fmt.Sprintf("message addressed to %s", msg.To)), nil
	}
	h, ok := r.requests[msg.Payload.Action]
	if !ok {
		r.logger.Debug("unknown action", "action", msg.Payload.Action, "from", msg.From)
		return msg.ReplyError(fmt.Sprintf("unknown action %q", msg.Payload.Action)), nil
	}

	result, err := h(ctx, msg)
	if err != nil {
		r.logger.Warn("request failed", "action", msg.Payload.Action, "conversation", msg.ConversationID, "error", err)
		return msg.ReplyError(err.Error()), nil
	}
	resp, err := msg.Reply(result)
	if err != nil {
		return msg.ReplyError(err.Error()), nil
	}
	return resp, nil
}

func (r *Runtime) handleNotification(ctx context.Context, msg *protocol.Message) {
	h, ok := r.notifications[msg.Payload.Event]
	if !ok {
		r.logger.Debug("ignoring event", "event", msg.Payload.Event, "from", msg.From)
		return
	}
	if err := h(ctx, msg); err != nil {
		r.logger.Warn("notification failed", "event", msg.Payload.Event, "conversation", msg.ConversationID, "error", err)
	}
}
