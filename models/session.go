package models

import "time"

type ChatMessage struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatSession holds the multi-turn conversation history for one client.
// Owned exclusively by the session store; callers must go through its API.
type ChatSession struct {
	SessionID   string        `json:"session_id"`
	Messages    []ChatMessage `json:"messages"`
	CreatedAt   time.Time     `json:"created_at"`
	LastUpdated time.Time     `json:"last_updated"`
}

// ContextSummary is a short human-readable recap of the session, surfaced in
// generation responses so clients can show "continuing previous conversation".
func (s *ChatSession) ContextSummary() string {
	if len(s.Messages) == 0 {
		return ""
	}
	last := s.Messages[len(s.Messages)-1]
	summary := last.Content
	// truncate on runes, a byte cut could split a multi-byte character
	if runes := []rune(summary); len(runes) > 120 {
		summary = string(runes[:117]) + "..."
	}
	return summary
}
