package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ScheduledNegotiation starts a negotiation among Participants for a meeting
// of DurationMinutes at each occurrence of Schedule.
type ScheduledNegotiation struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Participants     []string   `json:"participants"`
	DurationMinutes  int        `json:"duration_minutes"`
	Schedule         string     `json:"schedule"`
	Status           string     `json:"status"`
	NextRunAt        *time.Time `json:"next_run_at,omitempty"`
	LastRunAt        *time.Time `json:"last_run_at,omitempty"`
	LastStatus       string     `json:"last_status,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	LastConversation string     `json:"last_conversation,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

const scheduleColumns = `id, name, participants, duration_minutes, schedule, status,
	next_run_at, last_run_at, last_status, last_error, last_conversation, created_at`

func scanSchedule(scanner interface {
	Scan(dest ...any) error
}) (*ScheduledNegotiation, error) {
	sn := &ScheduledNegotiation{}
	var participants string
	var lastStatus, lastError, lastConversation *string
	err := scanner.Scan(&sn.ID, &sn.Name, &participants, &sn.DurationMinutes, &sn.Schedule, &sn.Status,
		&sn.NextRunAt, &sn.LastRunAt, &lastStatus, &lastError, &lastConversation, &sn.CreatedAt)
	if err != nil {
		return nil, err
	}
	if sn.Participants, err = decodeList(participants); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	if lastStatus != nil {
		sn.LastStatus = *lastStatus
	}
	if lastError != nil {
		sn.LastError = *lastError
	}
	if lastConversation != nil {
		sn.LastConversation = *lastConversation
	}
	return sn, nil
}

func (s *Store) SaveSchedule(sn *ScheduledNegotiation) error {
	participants, err := encodeList(sn.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO schedules (id, name, participants, duration_minutes, schedule, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			participants = excluded.participants,
			duration_minutes = excluded.duration_minutes,
			schedule = excluded.schedule,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		sn.ID, sn.Name, participants, sn.DurationMinutes, sn.Schedule, sn.Status, utcPtr(sn.NextRunAt))
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(id string) (*ScheduledNegotiation, error) {
	row := s.db.QueryRow(`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sn, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sn, nil
}

func (s *Store) ListSchedules() ([]ScheduledNegotiation, error) {
	return s.querySchedules(`SELECT ` + scheduleColumns + ` FROM schedules ORDER BY created_at, id`)
}

func (s *Store) GetDueSchedules(now time.Time) ([]ScheduledNegotiation, error) {
	return s.querySchedules(`
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at`, now.UTC())
}

func (s *Store) querySchedules(query string, args ...any) ([]ScheduledNegotiation, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var list []ScheduledNegotiation
	for rows.Next() {
		sn, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		list = append(list, *sn)
	}
	return list, rows.Err()
}

func (s *Store) UpdateScheduleRun(id, lastStatus, lastError, conversationID string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE schedules
		SET last_run_at = ?, last_status = ?, last_error = ?, last_conversation = ?, next_run_at = ?
		WHERE id = ?`, time.Now().UTC(), lastStatus, lastError, conversationID, utcPtr(nextRunAt), id)
	return err
}

func (s *Store) UpdateScheduleStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE schedules SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) DeleteSchedule(id string) error {
	_, err := s.db.Exec(`DELETE FROM schedules WHERE id = ?`, id)
	return err
}
