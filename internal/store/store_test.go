package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/mtzanidakis/parley/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAgentCRUD(t *testing.T) {
	s := newTestStore(t)

	a := &Agent{ID: "alice", Capabilities: []string{"calendar"}, Endpoint: "agent.alice.inbox"}
	if err := s.SaveAgent(a); err != nil {
		t.Fatalf("save agent: %v", err)
	}

	got, err := s.GetAgent("alice")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got == nil {
		t.Fatal("expected agent, got nil")
	}
	if got.Endpoint != "agent.alice.inbox" {
		t.Errorf("expected endpoint 'agent.alice.inbox', got '%s'", got.Endpoint)
	}
	if len(got.Capabilities) != 1 || got.Capabilities[0] != "calendar" {
		t.Errorf("expected [calendar], got %v", got.Capabilities)
	}

	// Update
	a.Capabilities = []string{"calendar", "email"}
	if err := s.SaveAgent(a); err != nil {
		t.Fatalf("update agent: %v", err)
	}
	got, _ = s.GetAgent("alice")
	if len(got.Capabilities) != 2 {
		t.Errorf("expected 2 capabilities, got %v", got.Capabilities)
	}

	// Not found
	got, err = s.GetAgent("nonexistent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Error("expected nil for nonexistent agent")
	}

	_ = s.SaveAgent(&Agent{ID: "bob", Endpoint: "agent.bob.inbox"})
	_ = s.SaveAgent(&Agent{ID: "carol", Endpoint: "agent.carol.inbox"})
	if err := s.DeleteAgentsNotIn([]string{"alice", "bob"}); err != nil {
		t.Fatalf("delete agents not in: %v", err)
	}
	agents, err := s.ListAgents()
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 2 || agents[0].ID != "alice" || agents[1].ID != "bob" {
		t.Errorf("expected [alice bob], got %+v", agents)
	}
	if agents[1].Capabilities == nil {
		t.Error("expected empty capabilities, got nil")
	}
}

func TestNegotiationHistory(t *testing.T) {
	s := newTestStore(t)

	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	confirmedStart := start.Add(2 * time.Hour)
	confirmedEnd := confirmedStart.Add(time.Hour)

	failed := &Negotiation{
		ID:           "n1",
		Host:         "host",
		Participants: []string{"alice", "bob"},
		InitialStart: start,
		InitialEnd:   end,
		State:        "failed",
		Reason:       "rejected",
		Rounds:       1,
		Responses:    json.RawMessage(`{"alice":{"decision":"reject"}}`),
		StartedAt:    start.Add(-time.Hour),
		FinishedAt:   start.Add(-time.Hour + time.Second),
	}
	confirmed := &Negotiation{
		ID:           "n2",
		Host:         "host",
		Participants: []string{"alice", "bob"},
		InitialStart: start,
		InitialEnd:   end,
		State:        "confirmed",
		SlotStart:    &confirmedStart,
		SlotEnd:      &confirmedEnd,
		Rounds:       2,
		StartedAt:    start.Add(-30 * time.Minute),
		FinishedAt:   start.Add(-29 * time.Minute),
	}
	for _, n := range []*Negotiation{failed, confirmed} {
		if err := s.SaveNegotiation(n); err != nil {
			t.Fatalf("save negotiation: %v", err)
		}
	}

	got, err := s.GetNegotiation("n2")
	if err != nil {
		t.Fatalf("get negotiation: %v", err)
	}
	if got == nil {
		t.Fatal("expected negotiation, got nil")
	}
	if got.State != "confirmed" || got.Rounds != 2 {
		t.Errorf("unexpected negotiation: %+v", got)
	}
	if got.SlotStart == nil || !got.SlotStart.Equal(confirmedStart) {
		t.Errorf("expected slot start %v, got %v", confirmedStart, got.SlotStart)
	}
	if len(got.Participants) != 2 {
		t.Errorf("expected 2 participants, got %v", got.Participants)
	}

	got, _ = s.GetNegotiation("n1")
	if got.Reason != "rejected" || got.SlotStart != nil {
		t.Errorf("unexpected failed negotiation: %+v", got)
	}
	if string(got.Responses) != `{"alice":{"decision":"reject"}}` {
		t.Errorf("unexpected responses %s", got.Responses)
	}

	list, err := s.ListNegotiations(0)
	if err != nil {
		t.Fatalf("list negotiations: %v", err)
	}
	if len(list) != 2 || list[0].ID != "n2" {
		t.Errorf("expected newest first, got %+v", list)
	}
	list, _ = s.ListNegotiations(1)
	if len(list) != 1 {
		t.Errorf("expected limit 1, got %d", len(list))
	}

	stats, err := s.NegotiationStats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats["confirmed"] != 1 || stats["failed"] != 1 {
		t.Errorf("unexpected stats %v", stats)
	}

	missing, err := s.GetNegotiation("nope")
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for missing negotiation, got %v, %v", missing, err)
	}
}

func TestDrafts(t *testing.T) {
	s := newTestStore(t)

	d1 := &Draft{ConversationID: "c1", Recipients: []string{"alice"}, Subject: "Meeting", Body: "See you"}
	d2 := &Draft{ConversationID: "c2", Recipients: []string{"bob"}, Subject: "Meeting", Body: "See you"}
	for _, d := range []*Draft{d1, d2} {
		if err := s.SaveDraft(d); err != nil {
			t.Fatalf("save draft: %v", err)
		}
	}
	if d1.ID == 0 || d2.ID == 0 {
		t.Fatal("expected draft ids to be assigned")
	}

	all, err := s.ListDrafts("", 0)
	if err != nil {
		t.Fatalf("list drafts: %v", err)
	}
	if len(all) != 2 || all[0].ID != d2.ID {
		t.Errorf("expected newest first, got %+v", all)
	}

	byConv, _ := s.ListDrafts("c1", 10)
	if len(byConv) != 1 || byConv[0].Recipients[0] != "alice" {
		t.Errorf("expected one draft for c1, got %+v", byConv)
	}
}

func TestScheduleCRUD(t *testing.T) {
	s := newTestStore(t)

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	due := &ScheduledNegotiation{
		ID:              "s1",
		Name:            "weekly sync",
		Participants:    []string{"alice", "bob"},
		DurationMinutes: 30,
		Schedule:        `{"kind":"cron","cron_expr":"0 9 * * 1"}`,
		Status:          "active",
		NextRunAt:       &past,
	}
	later := &ScheduledNegotiation{
		ID:              "s2",
		Name:            "lunch",
		Participants:    []string{"carol"},
		DurationMinutes: 60,
		Schedule:        `{"kind":"interval","interval_ms":3600000}`,
		Status:          "active",
		NextRunAt:       &future,
	}
	for _, sn := range []*ScheduledNegotiation{due, later} {
		if err := s.SaveSchedule(sn); err != nil {
			t.Fatalf("save schedule: %v", err)
		}
	}

	got, err := s.GetSchedule("s1")
	if err != nil || got == nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.DurationMinutes != 30 || len(got.Participants) != 2 {
		t.Errorf("unexpected schedule %+v", got)
	}

	dueList, err := s.GetDueSchedules(time.Now())
	if err != nil {
		t.Fatalf("due schedules: %v", err)
	}
	if len(dueList) != 1 || dueList[0].ID != "s1" {
		t.Fatalf("expected s1 due, got %+v", dueList)
	}

	if err := s.UpdateScheduleRun("s1", "confirmed", "", "conv-9", &future); err != nil {
		t.Fatalf("update run: %v", err)
	}
	got, _ = s.GetSchedule("s1")
	if got.LastStatus != "confirmed" || got.LastConversation != "conv-9" || got.LastRunAt == nil {
		t.Errorf("unexpected run update %+v", got)
	}
	dueList, _ = s.GetDueSchedules(time.Now())
	if len(dueList) != 0 {
		t.Errorf("expected nothing due, got %d", len(dueList))
	}

	if err := s.UpdateScheduleStatus("s2", "paused"); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if err := s.DeleteSchedule("s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	list, _ := s.ListSchedules()
	if len(list) != 1 || list[0].Status != "paused" {
		t.Errorf("expected one paused schedule, got %+v", list)
	}
}
