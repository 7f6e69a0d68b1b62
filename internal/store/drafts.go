package store

import (
	"fmt"
	"time"
)

// Draft is an invitation written after a meeting was confirmed. Drafts are
// never sent from here.
type Draft struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Recipients     []string  `json:"recipients"`
	Subject        string    `json:"subject"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
}

func (s *Store) SaveDraft(d *Draft) error {
	recipients, err := encodeList(d.Recipients)
	if err != nil {
		return fmt.Errorf("encode recipients: %w", err)
	}
	result, err := s.db.Exec(`
		INSERT INTO drafts (conversation_id, recipients, subject, body)
		VALUES (?, ?, ?, ?)`,
		d.ConversationID, recipients, d.Subject, d.Body)
	if err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	d.ID, _ = result.LastInsertId()
	return nil
}

// ListDrafts returns drafts newest first, optionally filtered by
// conversation.
func (s *Store) ListDrafts(conversationID string, limit int) ([]Draft, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, conversation_id, recipients, subject, body, created_at FROM drafts`
	args := []any{}
	if conversationID != "" {
		query += ` WHERE conversation_id = ?`
		args = append(args, conversationID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list drafts: %w", err)
	}
	defer rows.Close()

	var drafts []Draft
	for rows.Next() {
		var d Draft
		var recipients string
		if err := rows.Scan(&d.ID, &d.ConversationID, &recipients, &d.Subject, &d.Body, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan draft: %w", err)
		}
		if d.Recipients, err = decodeList(recipients); err != nil {
			return nil, fmt.Errorf("decode recipients: %w", err)
		}
		drafts = append(drafts, d)
	}
	return drafts, rows.Err()
}
