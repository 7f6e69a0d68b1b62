// Package followup runs the workflow that prepares an invitation once a
// negotiation is confirmed: check the slot, analyze the attendees, draft the
// invitation and save it.
package followup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mtzanidakis/parley/internal/negotiation"
	"github.com/mtzanidakis/parley/internal/protocol"
	"github.com/mtzanidakis/parley/internal/registry"
	"github.com/mtzanidakis/parley/internal/store"
	"github.com/mtzanidakis/parley/internal/workflow"
)

// State keys.
const (
	KeyConversation = "conversation_id"
	KeyHost         = "host"
	KeySlot         = "slot"
	KeyParticipants = "participants"
	KeyRounds       = "rounds"
	KeySlotFree     = "slot_free"
	KeyAttendees    = "attendees"
	KeyCapabilities = "capabilities"
	KeySubject      = "subject"
	KeyBody         = "body"
	KeyDraftID      = "draft_id"
)

var ErrSlotTaken = errors.New("confirmed slot is no longer free")

// Calendar is the host's own calendar. *calendar.Calendar implements it.
type Calendar interface {
	IsFree(slot protocol.TimeSlot) bool
	Book(slot protocol.TimeSlot) error
}

// Directory looks up participants. *registry.Registry implements it.
type Directory interface {
	Get(id string) (registry.Agent, bool)
}

// Outbox keeps drafted invitations. *store.Store implements it.
type Outbox interface {
	SaveDraft(d *store.Draft) error
}

type Runner struct {
	cal      Calendar
	dir      Directory
	composer Composer
	outbox   Outbox
	engine   *workflow.Engine
	graph    *workflow.Graph

	wg sync.WaitGroup
}

// New builds the follow-up graph. Engine options control parallelism,
// events and metrics.
func New(cal Calendar, dir Directory, composer Composer, outbox Outbox, opts ...workflow.Option) (*Runner, error) {
	r := &Runner{
		cal:      cal,
		dir:      dir,
		composer: composer,
		outbox:   outbox,
		engine:   workflow.NewEngine(append([]workflow.Option{workflow.WithName("followup")}, opts...)...),
	}
	g, err := workflow.Linear(
		workflow.Node{Name: "check", Handler: r.check},
		workflow.Node{Name: "analyze", Handler: r.analyze},
		workflow.Node{Name: "draft", Handler: r.draft},
		workflow.Node{Name: "save", Handler: r.save},
	)
	if err != nil {
		return nil, err
	}
	r.graph = g
	return r, nil
}

// InitialState seeds a run from a confirmed negotiation.
func InitialState(host string, res *negotiation.Result) (workflow.State, error) {
	if res == nil || res.State != negotiation.StateConfirmed || res.Slot == nil {
		return nil, fmt.Errorf("negotiation is not confirmed")
	}
	return workflow.State{
		KeyConversation: res.ConversationID,
		KeyHost:         host,
		KeySlot:         *res.Slot,
		KeyParticipants: append([]string(nil), res.Participants...),
		KeyRounds:       res.RoundsUsed,
	}, nil
}

// Run executes the follow-up for a confirmed negotiation.
func (r *Runner) Run(ctx context.Context, host string, res *negotiation.Result) (*workflow.Result, error) {
	state, err := InitialState(host, res)
	if err != nil {
		return nil, err
	}
	return r.engine.Run(ctx, r.graph, state)
}

// Recorder returns a negotiation recorder that starts the follow-up in the
// background for every confirmed negotiation. Wait blocks until those runs
// finish.
func (r *Runner) Recorder(host string) negotiation.Recorder {
	return func(ctx context.Context, _ negotiation.Request, res *negotiation.Result) {
		if res.State != negotiation.StateConfirmed {
			return
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if _, err := r.Run(ctx, host, res); err != nil {
				slog.Warn("follow-up failed", "conversation", res.ConversationID, "error", err)
			}
		}()
	}
}

func (r *Runner) Wait() { r.wg.Wait() }

func (r *Runner) check(_ context.Context, s workflow.State, _ []string) (workflow.State, error) {
	slot, ok := s[KeySlot].(protocol.TimeSlot)
	if !ok || !slot.Valid() {
		return nil, fmt.Errorf("state has no valid slot")
	}
	if r.cal != nil && !r.cal.IsFree(slot) {
		return nil, fmt.Errorf("%w: %s", ErrSlotTaken, slot)
	}
	s[KeySlotFree] = true
	return s, nil
}

func (r *Runner) analyze(_ context.Context, s workflow.State, _ []string) (workflow.State, error) {
	participants, _ := s[KeyParticipants].([]string)
	if len(participants) == 0 {
		return nil, fmt.Errorf("state has no participants")
	}

	attendees := make([]string, 0, len(participants))
	capSet := make(map[string]bool)
	for _, id := range participants {
		a, ok := r.dir.Get(id)
		if !ok {
			return nil, fmt.Errorf("participant %q: %w", id, registry.ErrUnknownAgent)
		}
		attendees = append(attendees, a.ID)
		for _, c := range a.Capabilities {
			capSet[c] = true
		}
	}
	sort.Strings(attendees)
	caps := make([]string, 0, len(capSet))
	for c := range capSet {
		caps = append(caps, c)
	}
	sort.Strings(caps)

	s[KeyAttendees] = attendees
	s[KeyCapabilities] = caps
	return s, nil
}

func (r *Runner) draft(ctx context.Context, s workflow.State, _ []string) (workflow.State, error) {
	rounds, _ := s[KeyRounds].(int)
	attendees, _ := s[KeyAttendees].([]string)
	caps, _ := s[KeyCapabilities].([]string)
	msg, err := r.composer.Compose(ctx, Invitation{
		ConversationID: s.String(KeyConversation),
		Host:           s.String(KeyHost),
		Slot:           s[KeySlot].(protocol.TimeSlot),
		Attendees:      attendees,
		Capabilities:   caps,
		Rounds:         rounds,
	})
	if err != nil {
		return nil, err
	}
	s[KeySubject] = msg.Subject
	s[KeyBody] = msg.Body
	return s, nil
}

func (r *Runner) save(_ context.Context, s workflow.State, _ []string) (workflow.State, error) {
	attendees, _ := s[KeyAttendees].([]string)
	d := &store.Draft{
		ConversationID: s.String(KeyConversation),
		Recipients:     attendees,
		Subject:        s.String(KeySubject),
		Body:           s.String(KeyBody),
	}
	if err := r.outbox.SaveDraft(d); err != nil {
		return nil, fmt.Errorf("save draft: %w", err)
	}
	s[KeyDraftID] = d.ID

	if r.cal != nil {
		if err := r.cal.Book(s[KeySlot].(protocol.TimeSlot)); err != nil {
			return nil, fmt.Errorf("book slot: %w", err)
		}
	}
	return s, nil
}
