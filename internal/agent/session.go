package agent

import (
	"sort"
	"sync"
	"time"
)

// Session is a negotiation the host is currently running.
type Session struct {
	ConversationID string    `json:"conversation_id"`
	Participants   []string  `json:"participants"`
	Requester      string    `json:"requester"`
	StartedAt      time.Time `json:"started_at"`
}

type SessionTracker struct {
	sessions map[string]*Session // conversation id → session
	mu       sync.RWMutex
}

func NewSessionTracker() *SessionTracker {
	return &SessionTracker{
		sessions: make(map[string]*Session),
	}
}

func (t *SessionTracker) Set(session *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[session.ConversationID] = session
}

func (t *SessionTracker) Get(conversationID string) *Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessions[conversationID]
}

func (t *SessionTracker) Remove(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, conversationID)
}

// List returns the active sessions, oldest first.
func (t *SessionTracker) List() []Session {
	t.mu.RLock()
	defer t.mu.RUnlock()

	list := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		list = append(list, *s)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].StartedAt.Before(list[j].StartedAt) })
	return list
}
