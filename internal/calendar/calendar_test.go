package calendar

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mtzanidakis/parley/internal/config"
	"github.com/mtzanidakis/parley/internal/protocol"
)

var day = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(hour int) time.Time { return day.Add(time.Duration(hour) * time.Hour) }

func hourSlot(hour int) protocol.TimeSlot { return protocol.NewTimeSlot(at(hour), time.Hour) }

func TestCheckAvailability(t *testing.T) {
	cal := FromConfig([]config.BusyWindow{
		{Start: at(10), End: at(11)},
		{Start: at(11), End: at(13)},
	})

	tests := []struct {
		name    string
		slot    protocol.TimeSlot
		kind    protocol.Kind
		counter protocol.TimeSlot
	}{
		{"free slot", hourSlot(9), protocol.KindAccept, protocol.TimeSlot{}},
		{"busy slot counters after adjacent windows", hourSlot(10), protocol.KindCounter, hourSlot(13)},
		{"partial overlap", protocol.NewTimeSlot(at(9).Add(30*time.Minute), time.Hour), protocol.KindCounter, hourSlot(13)},
		{"touching end is free", hourSlot(13), protocol.KindAccept, protocol.TimeSlot{}},
		{"invalid slot", protocol.TimeSlot{Start: at(9), End: at(9)}, protocol.KindReject, protocol.TimeSlot{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := cal.CheckAvailability(context.Background(), tt.slot)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if d.Kind != tt.kind {
				t.Fatalf("expected %s, got %s", tt.kind, d)
			}
			if tt.kind == protocol.KindCounter && !d.Counter.Equal(tt.counter) {
				t.Errorf("expected counter %s, got %s", tt.counter, d.Counter)
			}
		})
	}
}

func TestCheckAvailabilityRejectsBeyondHorizon(t *testing.T) {
	cal := New(protocol.TimeSlot{Start: at(0), End: at(48)})
	cal.Horizon = 24 * time.Hour

	d, err := cal.CheckAvailability(context.Background(), hourSlot(10))
	if err != nil {
		t.Fatal(err)
	}
	if d.Kind != protocol.KindReject {
		t.Fatalf("expected reject, got %s", d)
	}
}

func TestCheckAvailabilityCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New().CheckAvailability(ctx, hourSlot(9)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBook(t *testing.T) {
	cal := New()
	if err := cal.Book(hourSlot(9)); err != nil {
		t.Fatalf("book: %v", err)
	}
	if err := cal.Book(hourSlot(9)); err != nil {
		t.Fatalf("rebooking the same slot: %v", err)
	}
	if err := cal.Book(protocol.NewTimeSlot(at(9).Add(30*time.Minute), time.Hour)); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := cal.Book(hourSlot(8)); err != nil {
		t.Fatalf("book adjacent: %v", err)
	}
	busy := cal.Busy()
	if len(busy) != 2 || !busy[0].Equal(hourSlot(8)) {
		t.Errorf("expected ordered busy windows, got %v", busy)
	}
	if cal.IsFree(hourSlot(9)) {
		t.Error("expected booked slot to be busy")
	}
}
