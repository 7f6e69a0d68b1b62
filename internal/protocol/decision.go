package protocol

import "fmt"

type Kind string

const (
	KindAccept  Kind = "accept"
	KindReject  Kind = "reject"
	KindCounter Kind = "counter"
	// KindNoResponse is synthesized by the orchestrator when a peer stays
	// silent. Peers never send it.
	KindNoResponse Kind = "no_response"
)

// Decision is a peer's verdict on a proposed slot. A Counter always carries
// a slot; a Reject may carry one as an alternative.
type Decision struct {
	Kind    Kind      `json:"decision"`
	Counter *TimeSlot `json:"counter,omitempty"`
}

func Accept() Decision     { return Decision{Kind: KindAccept} }
func Reject() Decision     { return Decision{Kind: KindReject} }
func NoResponse() Decision { return Decision{Kind: KindNoResponse} }

func Counter(slot TimeSlot) Decision {
	return Decision{Kind: KindCounter, Counter: &slot}
}

// RejectWithCounter rejects the proposal and suggests an alternative.
func RejectWithCounter(slot TimeSlot) Decision {
	return Decision{Kind: KindReject, Counter: &slot}
}

// Proposal returns the alternative slot carried by the decision, if any.
func (d Decision) Proposal() (TimeSlot, bool) {
	if d.Counter == nil || (d.Kind != KindCounter && d.Kind != KindReject) {
		return TimeSlot{}, false
	}
	return *d.Counter, true
}

func (d Decision) String() string {
	if slot, ok := d.Proposal(); ok {
		return fmt.Sprintf("%s(%s)", d.Kind, slot)
	}
	return string(d.Kind)
}

// ValidatePeerDecision checks a decision received from a peer.
func ValidatePeerDecision(d Decision) error {
	switch d.Kind {
	case KindAccept:
		if d.Counter != nil {
			return &Error{Reason: "accept with counter slot"}
		}
	case KindReject:
		if d.Counter != nil && !d.Counter.Valid() {
			return &Error{Reason: "reject with invalid counter slot"}
		}
	case KindCounter:
		if d.Counter == nil || !d.Counter.Valid() {
			return &Error{Reason: "counter without valid slot"}
		}
	case KindNoResponse:
		return &Error{Reason: "no_response is not a peer decision"}
	default:
		return &Error{Reason: fmt.Sprintf("unknown decision %q", d.Kind)}
	}
	return nil
}

// AvailabilityRequest is the parameter body of a check_availability request.
type AvailabilityRequest struct {
	Slot TimeSlot `json:"slot"`
}

// Confirmation is the parameter body of a meeting_confirmed notification.
type Confirmation struct {
	Slot         TimeSlot `json:"slot"`
	Participants []string `json:"participants"`
	Rounds       int      `json:"rounds"`
}

// NegotiateRequest is the parameter body of a negotiate request sent to a
// host. Zero timeout or rounds fall back to the host defaults.
type NegotiateRequest struct {
	Participants   []string `json:"participants"`
	Slot           TimeSlot `json:"slot"`
	RoundTimeoutMs int64    `json:"round_timeout_ms,omitempty"`
	MaxRounds      int      `json:"max_rounds,omitempty"`
}

// NegotiateResult is the result body of a negotiate response.
type NegotiateResult struct {
	ConversationID string              `json:"conversation_id"`
	State          string              `json:"state"`
	Slot           *TimeSlot           `json:"slot,omitempty"`
	RoundsUsed     int                 `json:"rounds_used"`
	Reason         string              `json:"reason,omitempty"`
	Responses      map[string]Decision `json:"responses,omitempty"`
}
