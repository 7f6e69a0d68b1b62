package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mtzanidakis/parley/internal/agent"
	"github.com/mtzanidakis/parley/internal/config"
	"github.com/mtzanidakis/parley/internal/natsbus"
	"github.com/mtzanidakis/parley/internal/negotiation"
	"github.com/mtzanidakis/parley/internal/protocol"
	"github.com/mtzanidakis/parley/internal/registry"
	"github.com/mtzanidakis/parley/internal/store"
	"github.com/mtzanidakis/parley/internal/transport"
)

var nine = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestParseArgs(t *testing.T) {
	got := parseArgs([]string{"--with", "alice,bob", "stray", "--start", "2026-03-02T09:00:00Z", "--rounds"})
	if len(got) != 2 || got["with"] != "alice,bob" || got["start"] != "2026-03-02T09:00:00Z" {
		t.Errorf("unexpected args %v", got)
	}
}

func TestNegotiateRequest(t *testing.T) {
	req, err := negotiateRequest(map[string]string{
		"with":     "alice, bob,",
		"start":    "2026-03-02T11:00:00+02:00",
		"duration": "45m",
		"timeout":  "3s",
		"rounds":   "4",
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(req.Participants, ",") != "alice,bob" {
		t.Errorf("unexpected participants %v", req.Participants)
	}
	if !req.Slot.Equal(protocol.NewTimeSlot(nine, 45*time.Minute)) {
		t.Errorf("unexpected slot %s", req.Slot)
	}
	if req.RoundTimeoutMs != 3000 || req.MaxRounds != 4 {
		t.Errorf("unexpected limits %+v", req)
	}

	bad := []map[string]string{
		{"with": "alice", "start": "tomorrow"},
		{"with": "alice", "start": "2026-03-02T09:00:00Z", "duration": "-5m"},
		{"with": "alice", "start": "2026-03-02T09:00:00Z", "timeout": "soon"},
		{"with": "alice", "start": "2026-03-02T09:00:00Z", "rounds": "0"},
	}
	for _, opts := range bad {
		if _, err := negotiateRequest(opts); err == nil {
			t.Errorf("expected error for %v", opts)
		}
	}
}

// TestNegotiateOverBus wires peers, the orchestrator and the host agent the
// way the gateway does and negotiates through the host's inbox.
func TestNegotiateOverBus(t *testing.T) {
	bus, err := natsbus.New(config.NATSConfig{Port: 0, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("start bus: %v", err)
	}
	t.Cleanup(bus.Close)
	client, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(client.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	peers := map[string]config.PeerConfig{
		"alice": {Busy: []config.BusyWindow{{Start: nine, End: nine.Add(30 * time.Minute)}}},
		"bob":   {},
	}
	reg, err := registry.FromConfig(peers)
	if err != nil {
		t.Fatal(err)
	}
	tr := transport.NewNATS(client)
	subs, err := servePeers(ctx, tr, peers)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { unsubscribe(subs) })

	db := newTestStore(t)
	orch := negotiation.New(negotiationConfig(config.NegotiationConfig{
		HostID:       "host",
		RoundTimeout: 2 * time.Second,
		MaxRounds:    3,
	}), reg, tr, negotiation.WithRecorder(recordHistory(db, "host")))
	hostSub, err := tr.Serve(ctx, "host", agent.NewHost("host", orch))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = hostSub.Unsubscribe() })

	res, err := sendNegotiate(ctx, tr, "host", protocol.NegotiateRequest{
		Participants: []string{"alice", "bob"},
		Slot:         protocol.NewTimeSlot(nine, 30*time.Minute),
	})
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	want := protocol.NewTimeSlot(nine.Add(30*time.Minute), 30*time.Minute)
	if res.State != "confirmed" || res.Slot == nil || !res.Slot.Equal(want) {
		t.Fatalf("expected confirmed at %s, got %+v", want, res)
	}

	var out bytes.Buffer
	printResult(&out, res)
	if !strings.Contains(out.String(), "confirmed") || !strings.Contains(out.String(), "alice") {
		t.Errorf("unexpected output:\n%s", out.String())
	}

	stored, err := db.GetNegotiation(res.ConversationID)
	if err != nil || stored == nil {
		t.Fatalf("expected stored history, got %v, %v", stored, err)
	}
	if stored.State != "confirmed" || stored.SlotStart == nil || !stored.SlotStart.Equal(want.Start) {
		t.Errorf("unexpected history record %+v", stored)
	}

	// Validation failures come back as error responses.
	if _, err := sendNegotiate(ctx, tr, "host", protocol.NegotiateRequest{
		Participants: []string{"mallory"},
		Slot:         protocol.NewTimeSlot(nine, 30*time.Minute),
	}); err == nil {
		t.Error("expected error for an unknown participant")
	}
}

func TestHistoryRecord(t *testing.T) {
	slot := protocol.NewTimeSlot(nine, time.Hour)
	res := &negotiation.Result{
		ConversationID: "conv-1",
		State:          negotiation.StateFailed,
		Reason:         negotiation.ReasonRejected,
		RoundsUsed:     2,
		Participants:   []string{"alice"},
		InitialSlot:    slot,
		LastResponses:  map[string]protocol.Decision{"alice": protocol.Reject()},
		StartedAt:      nine,
		FinishedAt:     nine.Add(time.Second),
	}
	n, err := historyRecord("host", res)
	if err != nil {
		t.Fatal(err)
	}
	if n.SlotStart != nil || n.State != "failed" || n.Reason != "rejected" || n.Rounds != 2 {
		t.Errorf("unexpected record %+v", n)
	}
	var responses map[string]protocol.Decision
	if err := json.Unmarshal(n.Responses, &responses); err != nil {
		t.Fatal(err)
	}
	if responses["alice"].Kind != protocol.KindReject {
		t.Errorf("unexpected responses %s", n.Responses)
	}
}

func TestExportImport(t *testing.T) {
	src := newTestStore(t)
	for i, id := range []string{"a", "b", "c"} {
		start := nine.Add(time.Duration(i) * time.Hour)
		if err := src.SaveNegotiation(&store.Negotiation{
			ID:           id,
			Host:         "host",
			Participants: []string{"alice", "bob"},
			InitialStart: start,
			InitialEnd:   start.Add(30 * time.Minute),
			State:        "confirmed",
			SlotStart:    &start,
			Rounds:       1,
			Responses:    json.RawMessage(`{"alice":{"decision":"accept"}}`),
			StartedAt:    start,
			FinishedAt:   start.Add(time.Second),
		}); err != nil {
			t.Fatal(err)
		}
	}

	var archive bytes.Buffer
	n, err := exportHistory(src, &archive, 2)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 exported, got %d", n)
	}

	dst := newTestStore(t)
	n, err = importHistory(dst, bytes.NewReader(archive.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 imported, got %d", n)
	}
	list, err := dst.ListNegotiations(0)
	if err != nil {
		t.Fatal(err)
	}
	// Newest first
	if len(list) != 2 || list[0].ID != "c" || list[1].ID != "b" {
		t.Fatalf("unexpected imported history %+v", list)
	}
	if strings.Join(list[0].Participants, ",") != "alice,bob" || list[0].SlotStart == nil {
		t.Errorf("record not preserved: %+v", list[0])
	}

	// Importing twice replaces instead of duplicating.
	if _, err := importHistory(dst, bytes.NewReader(archive.Bytes())); err != nil {
		t.Fatal(err)
	}
	if list, _ := dst.ListNegotiations(0); len(list) != 2 {
		t.Errorf("expected 2 records after re-import, got %d", len(list))
	}

	if _, err := importHistory(dst, strings.NewReader("not zstd")); err == nil {
		t.Error("expected error for a corrupt archive")
	}
}

func TestParseArchiveFlags(t *testing.T) {
	f, err := parseArchiveFlags([]string{"-f", "out.jsonl.zst", "-limit", "10", "-db", "x.db"})
	if err != nil {
		t.Fatal(err)
	}
	if f.path != "out.jsonl.zst" || f.limit != 10 || f.dbPath != "x.db" {
		t.Errorf("unexpected flags %+v", f)
	}
	if _, err := parseArchiveFlags([]string{"-limit", "many"}); err == nil {
		t.Error("expected error for a bad limit")
	}
	if _, err := parseArchiveFlags([]string{"-f"}); err == nil {
		t.Error("expected error for a missing value")
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 bytes"},
		{1023, "1023 bytes"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1073741824, "1.0 GB"},
	}
	for _, tt := range tests {
		if got := formatSize(tt.bytes); got != tt.want {
			t.Errorf("formatSize(%d) = %q, want %q", tt.bytes, got, tt.want)
		}
	}
}
