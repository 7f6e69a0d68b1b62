package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mtzanidakis/parley/internal/negotiation"
	"github.com/mtzanidakis/parley/internal/protocol"
)

// Negotiator runs negotiations. *negotiation.Orchestrator implements it.
type Negotiator interface {
	Negotiate(ctx context.Context, req negotiation.Request) (*negotiation.Result, error)
}

// Host is the runtime of the negotiating agent. It accepts negotiate
// requests from clients on the bus and tracks the negotiations it runs.
type Host struct {
	*Runtime
	negotiator Negotiator
	sessions   *SessionTracker
}

func NewHost(id string, n Negotiator) *Host {
	h := &Host{
		Runtime:    NewRuntime(id),
		negotiator: n,
		sessions:   NewSessionTracker(),
	}
	h.HandleRequest(protocol.ActionNegotiate, h.handleNegotiate)
	return h
}

// Active lists the negotiations started over the bus that are still running.
func (h *Host) Active() []Session {
	return h.sessions.List()
}

func (h *Host) handleNegotiate(ctx context.Context, msg *protocol.Message) (any, error) {
	var req protocol.NegotiateRequest
	if err := msg.DecodeParameters(&req); err != nil {
		return nil, err
	}
	if req.RoundTimeoutMs < 0 || req.MaxRounds < 0 {
		return nil, fmt.Errorf("round_timeout_ms and max_rounds must not be negative")
	}

	// The client's conversation id keys the session; the negotiation itself
	// gets a fresh id.
	h.sessions.Set(&Session{
		ConversationID: msg.ConversationID,
		Participants:   req.Participants,
		Requester:      msg.From,
		StartedAt:      time.Now().UTC(),
	})
	defer h.sessions.Remove(msg.ConversationID)

	res, err := h.negotiator.Negotiate(ctx, negotiation.Request{
		Participants: req.Participants,
		Slot:         req.Slot,
		RoundTimeout: time.Duration(req.RoundTimeoutMs) * time.Millisecond,
		MaxRounds:    req.MaxRounds,
	})
	if res == nil {
		return nil, err
	}
	var failure *negotiation.Failure
	if err != nil && !errors.As(err, &failure) {
		return nil, err
	}
	return ResultBody(res), nil
}

// ResultBody converts a negotiation result to its wire form.
func ResultBody(res *negotiation.Result) protocol.NegotiateResult {
	return protocol.NegotiateResult{
		ConversationID: res.ConversationID,
		State:          string(res.State),
		Slot:           res.Slot,
		RoundsUsed:     res.RoundsUsed,
		Reason:         string(res.Reason),
		Responses:      res.LastResponses,
	}
}
