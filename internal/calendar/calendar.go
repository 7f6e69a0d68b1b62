// Package calendar is an in-memory busy-window calendar. It answers
// availability checks for a peer and records confirmed meetings.
package calendar

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mtzanidakis/parley/internal/config"
	"github.com/mtzanidakis/parley/internal/protocol"
)

const DefaultHorizon = 7 * 24 * time.Hour

var ErrConflict = errors.New("slot overlaps a busy window")

type Calendar struct {
	mu   sync.RWMutex
	busy []protocol.TimeSlot

	// Horizon bounds how far past the proposed start a counter proposal may
	// be searched for.
	Horizon time.Duration
}

func New(busy ...protocol.TimeSlot) *Calendar {
	c := &Calendar{Horizon: DefaultHorizon}
	for _, s := range busy {
		c.busy = append(c.busy, protocol.TimeSlot{Start: s.Start.UTC(), End: s.End.UTC()})
	}
	sortSlots(c.busy)
	return c
}

func FromConfig(windows []config.BusyWindow) *Calendar {
	busy := make([]protocol.TimeSlot, 0, len(windows))
	for _, w := range windows {
		busy = append(busy, protocol.TimeSlot{Start: w.Start, End: w.End})
	}
	return New(busy...)
}

func (c *Calendar) IsFree(slot protocol.TimeSlot) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, conflict := c.conflict(slot)
	return !conflict
}

// Book marks slot busy. Booking the exact same slot twice is a no-op.
func (c *Calendar) Book(slot protocol.TimeSlot) error {
	if !slot.Valid() {
		return errors.New("invalid slot")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, conflict := c.conflict(slot); conflict {
		if w.Equal(slot) {
			return nil
		}
		return ErrConflict
	}
	c.busy = append(c.busy, protocol.TimeSlot{Start: slot.Start.UTC(), End: slot.End.UTC()})
	sortSlots(c.busy)
	return nil
}

// Busy returns a copy of the busy windows in order.
func (c *Calendar) Busy() []protocol.TimeSlot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]protocol.TimeSlot(nil), c.busy...)
}

// NextFree finds the earliest slot of the same length as slot, starting no
// earlier than slot, that overlaps no busy window and starts within the
// horizon.
func (c *Calendar) NextFree(slot protocol.TimeSlot) (protocol.TimeSlot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	limit := slot.Start.Add(c.horizon())
	candidate := slot
	for !candidate.Start.After(limit) {
		w, conflict := c.conflict(candidate)
		if !conflict {
			return candidate, true
		}
		candidate = protocol.NewTimeSlot(w.End, slot.Duration())
	}
	return protocol.TimeSlot{}, false
}

// CheckAvailability accepts a free slot, counters with the next free slot
// when there is one and rejects otherwise.
func (c *Calendar) CheckAvailability(ctx context.Context, slot protocol.TimeSlot) (protocol.Decision, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Decision{}, err
	}
	if !slot.Valid() {
		return protocol.Reject(), nil
	}
	if c.IsFree(slot) {
		return protocol.Accept(), nil
	}
	if next, ok := c.NextFree(slot); ok {
		return protocol.Counter(next), nil
	}
	return protocol.Reject(), nil
}

// MeetingConfirmed books the confirmed slot.
func (c *Calendar) MeetingConfirmed(_ context.Context, _ string, conf protocol.Confirmation) error {
	return c.Book(conf.Slot)
}

func (c *Calendar) horizon() time.Duration {
	if c.Horizon <= 0 {
		return DefaultHorizon
	}
	return c.Horizon
}

// conflict returns the busy window overlapping slot that ends last, so a
// search can skip past every window it overlaps in one step.
func (c *Calendar) conflict(slot protocol.TimeSlot) (protocol.TimeSlot, bool) {
	var found protocol.TimeSlot
	ok := false
	for _, w := range c.busy {
		if !w.Start.Before(slot.End) {
			break
		}
		if w.Overlaps(slot) && (!ok || w.End.After(found.End)) {
			found, ok = w, true
		}
	}
	return found, ok
}

func sortSlots(slots []protocol.TimeSlot) {
	sort.Slice(slots, func(i, j int) bool { return slots[i].Before(slots[j]) })
}
