package negotiation

import (
	"github.com/mtzanidakis/parley/internal/protocol"
)

// Verdict is the decision a round resolves to.
type Verdict int

const (
	// VerdictConfirmed ends the negotiation on the proposed slot.
	VerdictConfirmed Verdict = iota
	// VerdictRetry proposes Outcome.Slot in a new round.
	VerdictRetry
	// VerdictFailed ends the negotiation with Outcome.Reason.
	VerdictFailed
)

func (v Verdict) String() string {
	switch v {
	case VerdictConfirmed:
		return "confirmed"
	case VerdictRetry:
		return "retry"
	case VerdictFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of resolving one round. Slot is the confirmed slot
// or the next proposal; Reason is set when the verdict is failed.
type Outcome struct {
	Verdict Verdict
	Slot    protocol.TimeSlot
	Reason  Reason
}

// Resolve turns the decisions of one round into an outcome. It is pure: the
// result depends only on the proposal and the set of (agent, decision)
// pairs, never on map iteration order.
//
// Rules, first match wins:
//  1. every participant accepts: confirmed at the proposal.
//  2. nobody rejects and a strict majority stayed silent: failed, no quorum.
//  3. some decision carries an alternative slot: retry at the earliest one,
//     ties going to the smallest agent id.
//  4. some participant rejects: failed, rejected.
//  5. the rest accepted: confirmed at the proposal.
func Resolve(proposal protocol.TimeSlot, responses map[string]protocol.Decision) Outcome {
	if len(responses) == 0 {
		return Outcome{Verdict: VerdictFailed, Reason: ReasonNoQuorum}
	}

	var (
		accepts, rejects, silent int
		best                     protocol.TimeSlot
		bestAgent                string
		haveCounter              bool
	)
	for agent, d := range responses {
		switch d.Kind {
		case protocol.KindAccept:
			accepts++
		case protocol.KindReject:
			rejects++
		case protocol.KindNoResponse:
			silent++
		}
		slot, ok := d.Proposal()
		if !ok {
			continue
		}
		if !haveCounter || slot.Before(best) || (slot.Equal(best) && agent < bestAgent) {
			best, bestAgent, haveCounter = slot, agent, true
		}
	}

	n := len(responses)
	switch {
	case accepts == n:
		return Outcome{Verdict: VerdictConfirmed, Slot: proposal}
	case rejects == 0 && silent*2 > n:
		return Outcome{Verdict: VerdictFailed, Reason: ReasonNoQuorum}
	case haveCounter:
		return Outcome{Verdict: VerdictRetry, Slot: best}
	case rejects > 0:
		return Outcome{Verdict: VerdictFailed, Reason: ReasonRejected}
	case accepts+silent == n:
		return Outcome{Verdict: VerdictConfirmed, Slot: proposal}
	default:
		// Unknown decision kinds never confirm.
		return Outcome{Verdict: VerdictFailed, Reason: ReasonRejected}
	}
}
