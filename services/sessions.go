package services

import (
	"sync"
	"time"

	"stylistapi/models"

	"github.com/google/uuid"
)

// SessionStore keeps chat sessions in memory with lazy expiry. One instance is
// created at startup and injected into the pipeline; tests build their own.
// A coarse mutex is enough here, load is tens of concurrent sessions.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.ChatSession
	timeout  time.Duration
}

const DefaultSessionTimeout = 60 * time.Minute

func NewSessionStore(timeout time.Duration) *SessionStore {
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	return &SessionStore{
		sessions: make(map[string]*models.ChatSession),
		timeout:  timeout,
	}
}

// Get returns the session if present and unexpired. An expired session found
// at lookup time is evicted immediately.
func (s *SessionStore) Get(sessionID string) *models.ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(sessionID)
}

func (s *SessionStore) getLocked(sessionID string) *models.ChatSession {
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	if time.Since(session.LastUpdated) > s.timeout {
		delete(s.sessions, sessionID)
		return nil
	}
	return session
}

// GetOrCreate resolves an optional client-supplied session id. An empty,
// unknown or expired id allocates a fresh UUID-keyed session and reports
// isNew=true. Lookup does not touch LastUpdated.
func (s *SessionStore) GetOrCreate(sessionID string) (*models.ChatSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sessionID != "" {
		if session := s.getLocked(sessionID); session != nil {
			return session, false
		}
	}

	now := time.Now()
	session := &models.ChatSession{
		SessionID:   uuid.NewString(),
		CreatedAt:   now,
		LastUpdated: now,
	}
	s.sessions[session.SessionID] = session
	return session, true
}

// AddMessage appends to the session history and bumps LastUpdated.
func (s *SessionStore) AddMessage(session *models.ChatSession, role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	session.Messages = append(session.Messages, models.ChatMessage{
		Role:      role,
		Content:   content,
		Timestamp: now,
	})
	session.LastUpdated = now
}

// CleanupExpired sweeps every expired session and reports how many were
// removed. Optional; expiry also happens lazily on lookup.
func (s *SessionStore) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	now := time.Now()
	for id, session := range s.sessions {
		if now.Sub(session.LastUpdated) > s.timeout {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

func (s *SessionStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
