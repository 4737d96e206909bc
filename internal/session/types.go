// Package session persists conversation sessions in Redis with a local
// read cache. A session carries the Conversation agent's context between
// reasoning turns: goal, canvas state, and message history.
package session

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a session does not exist or has expired.
var ErrNotFound = errors.New("session not found")

// Message is one conversation turn.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is one conversation's persistent state.
type Session struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	ExpiresAt time.Time      `json:"expires_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Context   map[string]any `json:"context"`
	History   []Message      `json:"history"`
}

// IsExpired reports whether the session's TTL has passed.
func (s *Session) IsExpired() bool {
	return !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt)
}

// AddMessage appends a turn to the history.
func (s *Session) AddMessage(role, content string) {
	s.History = append(s.History, Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
}
