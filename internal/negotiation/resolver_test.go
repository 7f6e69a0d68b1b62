package negotiation

import (
	"fmt"
	"testing"
	"time"

	"github.com/mtzanidakis/parley/internal/protocol"
	"pgregory.net/rapid"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func slotAt(hour int) protocol.TimeSlot {
	return protocol.NewTimeSlot(base.Add(time.Duration(hour)*time.Hour), time.Hour)
}

func TestResolve(t *testing.T) {
	proposal := slotAt(0)
	accept, reject, silent := protocol.Accept(), protocol.Reject(), protocol.NoResponse()

	tests := []struct {
		name      string
		responses map[string]protocol.Decision
		verdict   Verdict
		slot      protocol.TimeSlot
		reason    Reason
	}{
		{
			name:      "all accept",
			responses: map[string]protocol.Decision{"a": accept, "b": accept, "c": accept},
			verdict:   VerdictConfirmed,
			slot:      proposal,
		},
		{
			name:      "minority silence is tolerated",
			responses: map[string]protocol.Decision{"a": accept, "b": accept, "c": silent},
			verdict:   VerdictConfirmed,
			slot:      proposal,
		},
		{
			name:      "exactly half silent confirms",
			responses: map[string]protocol.Decision{"a": accept, "b": accept, "c": silent, "d": silent},
			verdict:   VerdictConfirmed,
			slot:      proposal,
		},
		{
			name:      "majority silence fails",
			responses: map[string]protocol.Decision{"a": accept, "b": silent, "c": silent},
			verdict:   VerdictFailed,
			reason:    ReasonNoQuorum,
		},
		{
			name:      "single silent participant",
			responses: map[string]protocol.Decision{"a": silent},
			verdict:   VerdictFailed,
			reason:    ReasonNoQuorum,
		},
		{
			name:      "no responses",
			responses: map[string]protocol.Decision{},
			verdict:   VerdictFailed,
			reason:    ReasonNoQuorum,
		},
		{
			name:      "reject without alternative fails",
			responses: map[string]protocol.Decision{"a": reject, "b": accept},
			verdict:   VerdictFailed,
			reason:    ReasonRejected,
		},
		{
			name:      "reject wins over silent majority",
			responses: map[string]protocol.Decision{"a": reject, "b": silent, "c": silent},
			verdict:   VerdictFailed,
			reason:    ReasonRejected,
		},
		{
			name: "reject with counter retries",
			responses: map[string]protocol.Decision{
				"a": protocol.RejectWithCounter(slotAt(2)),
				"b": accept,
			},
			verdict: VerdictRetry,
			slot:    slotAt(2),
		},
		{
			name: "reject and separate counter retries",
			responses: map[string]protocol.Decision{
				"a": reject,
				"b": protocol.Counter(slotAt(3)),
			},
			verdict: VerdictRetry,
			slot:    slotAt(3),
		},
		{
			name: "counter without reject retries",
			responses: map[string]protocol.Decision{
				"a": accept,
				"b": protocol.Counter(slotAt(4)),
			},
			verdict: VerdictRetry,
			slot:    slotAt(4),
		},
		{
			name: "counter with silent majority fails",
			responses: map[string]protocol.Decision{
				"a": protocol.Counter(slotAt(2)),
				"b": silent,
				"c": silent,
			},
			verdict: VerdictFailed,
			reason:  ReasonNoQuorum,
		},
		{
			name: "reject with counter retries over silent majority",
			responses: map[string]protocol.Decision{
				"a": protocol.RejectWithCounter(slotAt(2)),
				"b": silent,
				"c": silent,
			},
			verdict: VerdictRetry,
			slot:    slotAt(2),
		},
		{
			name: "earliest counter wins",
			responses: map[string]protocol.Decision{
				"a": protocol.Counter(slotAt(5)),
				"b": protocol.Counter(slotAt(2)),
				"c": protocol.RejectWithCounter(slotAt(3)),
			},
			verdict: VerdictRetry,
			slot:    slotAt(2),
		},
		{
			name: "equal starts order by end",
			responses: map[string]protocol.Decision{
				"a": protocol.Counter(protocol.NewTimeSlot(base, 2*time.Hour)),
				"b": protocol.Counter(protocol.NewTimeSlot(base, time.Hour)),
			},
			verdict: VerdictRetry,
			slot:    protocol.NewTimeSlot(base, time.Hour),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(proposal, tt.responses)
			if got.Verdict != tt.verdict {
				t.Fatalf("expected verdict %s, got %s", tt.verdict, got.Verdict)
			}
			if got.Reason != tt.reason {
				t.Errorf("expected reason %q, got %q", tt.reason, got.Reason)
			}
			if tt.verdict != VerdictFailed && !got.Slot.Equal(tt.slot) {
				t.Errorf("expected slot %s, got %s", tt.slot, got.Slot)
			}
		})
	}
}

func decisionGen() *rapid.Generator[protocol.Decision] {
	return rapid.Custom(func(t *rapid.T) protocol.Decision {
		switch rapid.IntRange(0, 4).Draw(t, "kind") {
		case 0:
			return protocol.Accept()
		case 1:
			return protocol.Reject()
		case 2:
			return protocol.NoResponse()
		case 3:
			return protocol.Counter(slotAt(rapid.IntRange(1, 6).Draw(t, "counter")))
		default:
			return protocol.RejectWithCounter(slotAt(rapid.IntRange(1, 6).Draw(t, "alt")))
		}
	})
}

type pair struct {
	agent    string
	decision protocol.Decision
}

// Resolving the same set of decisions gives the same outcome whatever order
// they were collected in.
func TestProperty_ResolveIsOrderIndependent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 7).Draw(t, "participants")
		pairs := make([]pair, n)
		for i := range pairs {
			pairs[i] = pair{
				agent:    fmt.Sprintf("agent-%d", i),
				decision: decisionGen().Draw(t, fmt.Sprintf("decision-%d", i)),
			}
		}
		permuted := rapid.Permutation(pairs).Draw(t, "order")

		first := make(map[string]protocol.Decision, n)
		for _, p := range pairs {
			first[p.agent] = p.decision
		}
		second := make(map[string]protocol.Decision, n)
		for _, p := range permuted {
			second[p.agent] = p.decision
		}

		want := Resolve(slotAt(0), first)
		for i := 0; i < 3; i++ {
			got := Resolve(slotAt(0), second)
			if got.Verdict != want.Verdict || got.Reason != want.Reason || !got.Slot.Equal(want.Slot) {
				t.Fatalf("outcome depends on order: %+v vs %+v", want, got)
			}
		}
	})
}

// A retry always proposes the earliest alternative on the table, a
// confirmation never happens over a rejection, and an alternative only fails
// when nobody rejected and most participants stayed silent.
func TestProperty_ResolveOutcomes(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 7).Draw(t, "participants")
		responses := make(map[string]protocol.Decision, n)
		var earliest *protocol.TimeSlot
		rejected := false
		silence := 0
		for i := 0; i < n; i++ {
			d := decisionGen().Draw(t, fmt.Sprintf("decision-%d", i))
			responses[fmt.Sprintf("agent-%d", i)] = d
			switch d.Kind {
			case protocol.KindReject:
				rejected = true
			case protocol.KindNoResponse:
				silence++
			}
			if s, ok := d.Proposal(); ok && (earliest == nil || s.Before(*earliest)) {
				earliest = &s
			}
		}

		got := Resolve(slotAt(0), responses)
		switch got.Verdict {
		case VerdictRetry:
			if earliest == nil || !got.Slot.Equal(*earliest) {
				t.Fatalf("retry slot %s is not the earliest alternative %v", got.Slot, earliest)
			}
		case VerdictConfirmed:
			if rejected {
				t.Fatal("confirmed despite a rejection")
			}
			if !got.Slot.Equal(slotAt(0)) {
				t.Fatalf("confirmed a slot other than the proposal: %s", got.Slot)
			}
		case VerdictFailed:
			if earliest != nil && (rejected || silence*2 <= n) {
				t.Fatal("failed although an alternative was proposed")
			}
		}
	})
}
