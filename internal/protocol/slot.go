package protocol

import (
	"fmt"
	"time"
)

// TimeSlot is a half-open interval [Start, End). Slots are values; the
// ordering used everywhere is by start, then by end.
type TimeSlot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func NewTimeSlot(start time.Time, d time.Duration) TimeSlot {
	start = start.UTC()
	return TimeSlot{Start: start, End: start.Add(d)}
}

func (s TimeSlot) Duration() time.Duration { return s.End.Sub(s.Start) }

func (s TimeSlot) Valid() bool {
	return !s.Start.IsZero() && s.End.After(s.Start)
}

func (s TimeSlot) Equal(o TimeSlot) bool {
	return s.Start.Equal(o.Start) && s.End.Equal(o.End)
}

// Before reports whether s sorts before o.
func (s TimeSlot) Before(o TimeSlot) bool {
	if !s.Start.Equal(o.Start) {
		return s.Start.Before(o.Start)
	}
	return s.End.Before(o.End)
}

func (s TimeSlot) Overlaps(o TimeSlot) bool {
	return s.Start.Before(o.End) && o.Start.Before(s.End)
}

func (s TimeSlot) String() string {
	return fmt.Sprintf("%s/%s", s.Start.UTC().Format(time.RFC3339), s.End.UTC().Format(time.RFC3339))
}
