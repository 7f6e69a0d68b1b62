package negotiation

import (
	"time"

	"github.com/mtzanidakis/parley/internal/protocol"
)

type State string

const (
	StateNegotiating State = "negotiating"
	StateConfirmed   State = "confirmed"
	StateFailed      State = "failed"
)

func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateFailed
}

// Reason explains a failed negotiation.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonRejected  Reason = "rejected"
	ReasonNoQuorum  Reason = "no_quorum"
	ReasonMaxRounds Reason = "max_rounds"
	ReasonCancelled Reason = "cancelled"
)

// Conversation is the state of one negotiation. It is owned by the
// Negotiate call that created it and never shared.
type Conversation struct {
	ID           string
	Participants []string
	// Round is zero based.
	Round     int
	Proposal  protocol.TimeSlot
	Responses map[string]protocol.Decision
	Deadline  time.Time
	State     State
	Reason    Reason
}

func newConversation(id string, participants []string, proposal protocol.TimeSlot) *Conversation {
	return &Conversation{
		ID:           id,
		Participants: append([]string(nil), participants...),
		Proposal:     proposal,
		Responses:    make(map[string]protocol.Decision, len(participants)),
		State:        StateNegotiating,
	}
}

func (c *Conversation) isParticipant(id string) bool {
	for _, p := range c.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// record stores the first decision of a participant for the current round.
func (c *Conversation) record(agentID string, d protocol.Decision) bool {
	if c.State.Terminal() || !c.isParticipant(agentID) {
		return false
	}
	if _, ok := c.Responses[agentID]; ok {
		return false
	}
	c.Responses[agentID] = d
	return true
}

// advance starts the next round with a new proposal.
func (c *Conversation) advance(proposal protocol.TimeSlot) {
	c.Round++
	c.Proposal = proposal
	c.Responses = make(map[string]protocol.Decision, len(c.Participants))
}

// finish moves the conversation to a terminal state. Terminal states are
// final; later calls are ignored.
func (c *Conversation) finish(state State, reason Reason) {
	if c.State.Terminal() {
		return
	}
	c.State = state
	c.Reason = reason
}

// RoundsUsed counts rounds from one.
func (c *Conversation) RoundsUsed() int {
	return c.Round + 1
}
