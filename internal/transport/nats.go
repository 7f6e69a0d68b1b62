package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mtzanidakis/parley/internal/natsbus"
	"github.com/mtzanidakis/parley/internal/protocol"
	"github.com/nats-io/nats.go"
)

// NATS sends messages as request/reply on each agent's inbox subject.
type NATS struct {
	client *natsbus.Client
}

func NewNATS(client *natsbus.Client) *NATS {
	return &NATS{client: client}
}

func (n *NATS) Send(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	if msg != nil && msg.Type != protocol.TypeRequest {
		return nil, &protocol.Error{Reason: fmt.Sprintf("send expects a request, got %s", msg.Type)}
	}
	data, err := protocol.Marshal(msg)
	if err != nil {
		return nil, err
	}

	reply, err := n.client.RequestContext(ctx, natsbus.TopicAgentInbox(msg.To), data)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, contextError(ctx, msg.To)
		case errors.Is(err, nats.ErrNoResponders):
			return nil, &Error{Peer: msg.To, Err: ErrUnreachable}
		case errors.Is(err, nats.ErrTimeout):
			return nil, &Error{Peer: msg.To, Err: ErrTimeout}
		default:
			return nil, &Error{Peer: msg.To, Err: err}
		}
	}

	resp, err := protocol.Parse(reply.Data)
	if err != nil {
		return nil, err
	}
	if err := checkResponse(msg, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (n *NATS) Notify(_ context.Context, msg *protocol.Message) error {
	if msg != nil && msg.Type != protocol.TypeNotification {
		return &protocol.Error{Reason: fmt.Sprintf("notify expects a notification, got %s", msg.Type)}
	}
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	if err := n.client.Publish(natsbus.TopicAgentInbox(msg.To), data); err != nil {
		return &Error{Peer: msg.To, Err: err}
	}
	return nil
}

// Serve subscribes h to the inbox of agentID. Each message is handled in its
// own goroutine with ctx as the parent context. Messages that fail to parse
// are dropped before they reach h.
func (n *NATS) Serve(ctx context.Context, agentID string, h Handler) (*nats.Subscription, error) {
	sub, err := n.client.Subscribe(natsbus.TopicAgentInbox(agentID), func(m *nats.Msg) {
		go n.handle(ctx, agentID, h, m)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s inbox: %w", agentID, err)
	}
	if err := n.client.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}
	return sub, nil
}

func (n *NATS) handle(ctx context.Context, agentID string, h Handler, m *nats.Msg) {
	msg, err := protocol.Parse(m.Data)
	if err != nil {
		slog.Warn("dropping malformed message", "agent", agentID, "error", err)
		return
	}
	if msg.To != agentID {
		slog.Warn("dropping misaddressed message", "agent", agentID, "to", msg.To)
		return
	}

	resp, err := h.Handle(ctx, msg)
	if err != nil {
		slog.Error("handler failed", "agent", agentID, "conversation", msg.ConversationID, "error", err)
		return
	}
	if msg.Type != protocol.TypeRequest || m.Reply == "" || resp == nil {
		return
	}

	data, err := protocol.Marshal(resp)
	if err != nil {
		slog.Error("encode response", "agent", agentID, "error", err)
		return
	}
	if err := m.Respond(data); err != nil {
		slog.Error("respond", "agent", agentID, "error", err)
	}
}
