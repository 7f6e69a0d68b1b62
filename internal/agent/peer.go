package agent

import (
	"context"
	"fmt"

	"github.com/mtzanidakis/parley/internal/protocol"
)

// AvailabilityChecker decides on a proposed slot. *calendar.Calendar
// implements it.
type AvailabilityChecker interface {
	CheckAvailability(ctx context.Context, slot protocol.TimeSlot) (protocol.Decision, error)
}

// ConfirmationListener is told about confirmed meetings.
type ConfirmationListener interface {
	MeetingConfirmed(ctx context.Context, conversationID string, c protocol.Confirmation) error
}

// NewPeer builds a runtime that answers check_availability with checker
// and, when listener is not nil, forwards meeting_confirmed to it.
func NewPeer(id string, checker AvailabilityChecker, listener ConfirmationListener) *Runtime {
	r := NewRuntime(id)

	r.HandleRequest(protocol.ActionCheckAvailability, func(ctx context.Context, msg *protocol.Message) (any, error) {
		var req protocol.AvailabilityRequest
		if err := msg.DecodeParameters(&req); err != nil {
			return nil, err
		}
		if !req.Slot.Valid() {
			return nil, fmt.Errorf("invalid slot %s", req.Slot)
		}
		d, err := checker.CheckAvailability(ctx, req.Slot)
		if err != nil {
			return nil, fmt.Errorf("check availability: %w", err)
		}
		if err := protocol.ValidatePeerDecision(d); err != nil {
			return nil, err
		}
		r.logger.Info("availability checked", "conversation", msg.ConversationID, "slot", req.Slot.String(), "decision", d.String())
		return d, nil
	})

	if listener != nil {
		r.HandleNotification(protocol.EventMeetingConfirmed, func(ctx context.Context, msg *protocol.Message) error {
			var c protocol.Confirmation
			if err := msg.DecodeParameters(&c); err != nil {
				return err
			}
			return listener.MeetingConfirmed(ctx, msg.ConversationID, c)
		})
	}

	return r
}
