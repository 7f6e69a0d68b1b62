// Package schedule describes when a recurring negotiation runs. Schedules
// are stored as JSON; plain cron expressions and "every <duration>" are
// accepted as shorthands.
package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

type Kind string

const (
	KindCron     Kind = "cron"
	KindInterval Kind = "interval"
	KindOnce     Kind = "once"
)

type Schedule struct {
	Kind       Kind   `json:"kind"`
	CronExpr   string `json:"cron_expr,omitempty"`
	IntervalMs int64  `json:"interval_ms,omitempty"`
	AtMs       int64  `json:"at_ms,omitempty"`
}

// Parse decodes and validates a stored schedule.
func Parse(raw string) (*Schedule, error) {
	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("parse schedule: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Schedule) Validate() error {
	switch s.Kind {
	case KindCron:
		if !gronx.New().IsValid(s.CronExpr) {
			return fmt.Errorf("invalid cron expression: %s", s.CronExpr)
		}
	case KindInterval:
		if s.IntervalMs <= 0 {
			return fmt.Errorf("interval_ms must be positive")
		}
	case KindOnce:
		if s.AtMs <= 0 {
			return fmt.Errorf("at_ms must be positive")
		}
	default:
		return fmt.Errorf("unknown schedule kind: %q", s.Kind)
	}
	return nil
}

// Next returns the first occurrence strictly after after. A one-off schedule
// whose time has passed has no next occurrence.
func (s *Schedule) Next(after time.Time) (time.Time, bool) {
	switch s.Kind {
	case KindCron:
		next, err := gronx.NextTickAfter(s.CronExpr, after, false)
		if err != nil {
			return time.Time{}, false
		}
		return next.UTC(), true
	case KindInterval:
		return after.Add(time.Duration(s.IntervalMs) * time.Millisecond).UTC(), true
	case KindOnce:
		at := time.UnixMilli(s.AtMs).UTC()
		if !at.After(after) {
			return time.Time{}, false
		}
		return at, true
	}
	return time.Time{}, false
}

// Recurring reports whether the schedule fires more than once.
func (s *Schedule) Recurring() bool {
	return s.Kind == KindCron || s.Kind == KindInterval
}

// String returns a human-readable description.
func (s *Schedule) String() string {
	switch s.Kind {
	case KindCron:
		if strings.HasPrefix(s.CronExpr, "@") {
			return s.CronExpr
		}
		return "Cron: " + s.CronExpr
	case KindInterval:
		d := time.Duration(s.IntervalMs) * time.Millisecond
		switch {
		case d%time.Hour == 0 && d >= time.Hour:
			h := int(d.Hours())
			if h == 1 {
				return "Every hour"
			}
			if h%24 == 0 {
				return fmt.Sprintf("Every %d days", h/24)
			}
			return fmt.Sprintf("Every %d hours", h)
		case d%time.Minute == 0 && d >= time.Minute:
			m := int(d.Minutes())
			if m == 1 {
				return "Every minute"
			}
			return fmt.Sprintf("Every %d minutes", m)
		default:
			return "Every " + d.String()
		}
	case KindOnce:
		return "Once at " + time.UnixMilli(s.AtMs).UTC().Format("Jan 2 15:04 MST")
	}
	return string(s.Kind)
}

// Describe formats a stored schedule, falling back to the raw text when it
// does not parse.
func Describe(raw string) string {
	s, err := Parse(raw)
	if err != nil {
		return raw
	}
	return s.String()
}

// Normalize turns user input into the stored JSON form. It accepts schedule
// JSON, "every <duration>", an RFC 3339 timestamp for a one-off run, or a
// plain cron expression.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty schedule")
	}

	var s Schedule
	switch {
	case strings.HasPrefix(raw, "{"):
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return "", fmt.Errorf("parse schedule: %w", err)
		}
	case strings.HasPrefix(strings.ToLower(raw), "every "):
		d, err := time.ParseDuration(strings.TrimSpace(raw[len("every "):]))
		if err != nil {
			return "", fmt.Errorf("invalid interval: %w", err)
		}
		s = Schedule{Kind: KindInterval, IntervalMs: d.Milliseconds()}
	default:
		if at, err := time.Parse(time.RFC3339, raw); err == nil {
			s = Schedule{Kind: KindOnce, AtMs: at.UnixMilli()}
		} else {
			s = Schedule{Kind: KindCron, CronExpr: raw}
		}
	}

	if err := s.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
