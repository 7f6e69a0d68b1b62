package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Negotiation is the history record of a finished negotiation.
type Negotiation struct {
	ID           string          `json:"id"`
	Host         string          `json:"host"`
	Participants []string        `json:"participants"`
	InitialStart time.Time       `json:"initial_start"`
	InitialEnd   time.Time       `json:"initial_end"`
	State        string          `json:"state"`
	Reason       string          `json:"reason,omitempty"`
	SlotStart    *time.Time      `json:"slot_start,omitempty"`
	SlotEnd      *time.Time      `json:"slot_end,omitempty"`
	Rounds       int             `json:"rounds"`
	Responses    json.RawMessage `json:"responses,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
}

const negotiationColumns = `id, host, participants, initial_start, initial_end, state, reason, slot_start, slot_end, rounds, responses, started_at, finished_at`

func scanNegotiation(scanner interface {
	Scan(dest ...any) error
}) (*Negotiation, error) {
	n := &Negotiation{}
	var participants string
	var reason, responses *string
	err := scanner.Scan(&n.ID, &n.Host, &participants, &n.InitialStart, &n.InitialEnd, &n.State, &reason,
		&n.SlotStart, &n.SlotEnd, &n.Rounds, &responses, &n.StartedAt, &n.FinishedAt)
	if err != nil {
		return nil, err
	}
	if n.Participants, err = decodeList(participants); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	if reason != nil {
		n.Reason = *reason
	}
	if responses != nil {
		n.Responses = json.RawMessage(*responses)
	}
	return n, nil
}

func (s *Store) SaveNegotiation(n *Negotiation) error {
	participants, err := encodeList(n.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	var responses *string
	if len(n.Responses) > 0 {
		r := string(n.Responses)
		responses = &r
	}
	_, err = s.db.Exec(`
		INSERT INTO negotiations (`+negotiationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			reason = excluded.reason,
			slot_start = excluded.slot_start,
			slot_end = excluded.slot_end,
			rounds = excluded.rounds,
			responses = excluded.responses,
			finished_at = excluded.finished_at`,
		n.ID, n.Host, participants, n.InitialStart.UTC(), n.InitialEnd.UTC(), n.State, n.Reason,
		utcPtr(n.SlotStart), utcPtr(n.SlotEnd), n.Rounds, responses, n.StartedAt.UTC(), n.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("save negotiation: %w", err)
	}
	return nil
}

func (s *Store) GetNegotiation(id string) (*Negotiation, error) {
	row := s.db.QueryRow(`SELECT `+negotiationColumns+` FROM negotiations WHERE id = ?`, id)
	n, err := scanNegotiation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get negotiation: %w", err)
	}
	return n, nil
}

// ListNegotiations returns the most recent negotiations first. A limit of
// zero or less returns all of them.
func (s *Store) ListNegotiations(limit int) ([]Negotiation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT `+negotiationColumns+` FROM negotiations ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list negotiations: %w", err)
	}
	defer rows.Close()

	var list []Negotiation
	for rows.Next() {
		n, err := scanNegotiation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan negotiation: %w", err)
		}
		list = append(list, *n)
	}
	return list, rows.Err()
}

// NegotiationStats counts finished negotiations by state.
func (s *Store) NegotiationStats() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT state, COUNT(*) FROM negotiations GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("negotiation stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats[state] = count
	}
	return stats, rows.Err()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
