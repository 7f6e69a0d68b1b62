// Package scheduler starts recurring negotiations. It polls the store for
// schedules whose next meeting is within the configured lead time and
// negotiates that meeting with the schedule's participants.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/parley/internal/config"
	"github.com/mtzanidakis/parley/internal/natsbus"
	"github.com/mtzanidakis/parley/internal/negotiation"
	"github.com/mtzanidakis/parley/internal/protocol"
	"github.com/mtzanidakis/parley/internal/schedule"
	"github.com/mtzanidakis/parley/internal/store"
)

const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCompleted = "completed"

	defaultDurationMinutes = 30
)

type Negotiator interface {
	Negotiate(ctx context.Context, req negotiation.Request) (*negotiation.Result, error)
}

// EventPublisher receives schedule events. *natsbus.Client implements it.
type EventPublisher interface {
	PublishEvent(topic, eventType string, data map[string]any) error
}

type Scheduler struct {
	store      *store.Store
	negotiator Negotiator
	events     EventPublisher
	now        func() time.Time

	mu       sync.Mutex
	cfg      config.SchedulerConfig
	reloadCh chan struct{}
}

func New(s *store.Store, n Negotiator, events EventPublisher, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:      s,
		negotiator: n,
		events:     events,
		now:        time.Now,
		cfg:        cfg,
		reloadCh:   make(chan struct{}, 1),
	}
}

// UpdateConfig replaces the poll interval and lead time, then signals the
// run loop to reset its ticker.
func (s *Scheduler) UpdateConfig(cfg config.SchedulerConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) config() config.SchedulerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.cfg
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	return cfg
}

// Create validates raw, stores a new active schedule and returns it. The
// first meeting is the schedule's first occurrence after now.
func (s *Scheduler) Create(name string, participants []string, durationMinutes int, raw string) (*store.ScheduledNegotiation, error) {
	if len(participants) == 0 {
		return nil, fmt.Errorf("participants are required")
	}
	if durationMinutes < 0 {
		return nil, fmt.Errorf("duration_minutes must not be negative")
	}
	normalized, err := schedule.Normalize(raw)
	if err != nil {
		return nil, err
	}
	sched, err := schedule.Parse(normalized)
	if err != nil {
		return nil, err
	}
	next, ok := sched.Next(s.now())
	if !ok {
		return nil, fmt.Errorf("schedule %s has no future occurrence", sched)
	}
	if durationMinutes == 0 {
		durationMinutes = defaultDurationMinutes
	}

	sn := &store.ScheduledNegotiation{
		ID:              uuid.NewString(),
		Name:            name,
		Participants:    participants,
		DurationMinutes: durationMinutes,
		Schedule:        normalized,
		Status:          StatusActive,
		NextRunAt:       &next,
	}
	if err := s.store.SaveSchedule(sn); err != nil {
		return nil, err
	}
	slog.Info("schedule created", "id", sn.ID, "name", name, "schedule", sched.String(), "next", next)
	return sn, nil
}

func (s *Scheduler) Start(ctx context.Context) {
	cfg := s.config()
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", cfg.PollInterval, "lead", cfg.Lead)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			cfg = s.config()
			ticker.Reset(cfg.PollInterval)
			slog.Info("scheduler config reloaded", "poll_interval", cfg.PollInterval, "lead", cfg.Lead)
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll runs every schedule whose next meeting starts within the lead time.
func (s *Scheduler) Poll(ctx context.Context) {
	lead := s.config().Lead
	due, err := s.store.GetDueSchedules(s.now().Add(lead))
	if err != nil {
		slog.Error("failed to get due schedules", "error", err)
		return
	}
	for _, sn := range due {
		if ctx.Err() != nil {
			return
		}
		s.execute(ctx, sn)
	}
}

func (s *Scheduler) execute(ctx context.Context, sn store.ScheduledNegotiation) {
	sched, err := schedule.Parse(sn.Schedule)
	if err != nil {
		slog.Error("invalid stored schedule, pausing", "id", sn.ID, "error", err)
		s.finishRun(sn, "error", err.Error(), "", nil)
		if err := s.store.UpdateScheduleStatus(sn.ID, StatusPaused); err != nil {
			slog.Error("failed to pause schedule", "id", sn.ID, "error", err)
		}
		return
	}

	start := *sn.NextRunAt
	now := s.now()
	if start.Before(now) {
		// The meeting time passed while nobody was polling.
		next, ok := sched.Next(now)
		slog.Warn("skipping missed occurrence", "id", sn.ID, "at", start)
		s.finishRun(sn, "skipped", "occurrence passed before it was negotiated", "", nextPtr(next, ok))
		if !ok {
			s.complete(sn)
		}
		return
	}

	minutes := sn.DurationMinutes
	if minutes <= 0 {
		minutes = defaultDurationMinutes
	}
	slot := protocol.NewTimeSlot(start, time.Duration(minutes)*time.Minute)
	slog.Info("executing scheduled negotiation", "id", sn.ID, "name", sn.Name, "slot", slot.String())

	res, err := s.negotiator.Negotiate(ctx, negotiation.Request{
		Participants: sn.Participants,
		Slot:         slot,
	})

	status, lastError, conversationID := "error", "", ""
	if res != nil {
		status = string(res.State)
		conversationID = res.ConversationID
	}
	if err != nil {
		lastError = err.Error()
		slog.Warn("scheduled negotiation did not confirm", "id", sn.ID, "error", err)
	}

	next, ok := sched.Next(start)
	s.finishRun(sn, status, lastError, conversationID, nextPtr(next, ok))
	if !ok {
		s.complete(sn)
	}
}

func (s *Scheduler) finishRun(sn store.ScheduledNegotiation, status, lastError, conversationID string, next *time.Time) {
	if err := s.store.UpdateScheduleRun(sn.ID, status, lastError, conversationID, next); err != nil {
		slog.Error("failed to update schedule run", "id", sn.ID, "error", err)
	}
	if s.events == nil {
		return
	}
	data := map[string]any{
		"id":              sn.ID,
		"name":            sn.Name,
		"status":          status,
		"conversation_id": conversationID,
	}
	if next != nil {
		data["next_run_at"] = next.Format(time.RFC3339)
	}
	if err := s.events.PublishEvent(natsbus.TopicEventsSchedule, "schedule_executed", data); err != nil {
		slog.Warn("publish schedule event failed", "id", sn.ID, "error", err)
	}
}

func (s *Scheduler) complete(sn store.ScheduledNegotiation) {
	slog.Info("no next occurrence, completing schedule", "id", sn.ID, "name", sn.Name)
	if err := s.store.UpdateScheduleStatus(sn.ID, StatusCompleted); err != nil {
		slog.Error("failed to complete schedule", "id", sn.ID, "error", err)
	}
}

func nextPtr(t time.Time, ok bool) *time.Time {
	if !ok {
		return nil
	}
	return &t
}
