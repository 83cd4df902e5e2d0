/*
Package core provides in-memory conversation sessions for the relay.

A relay session keeps the recent exchange between a client and the upstream
text-completion service so that follow-up prompts carry context. Sessions
live only in process memory and expire after a period without activity.
*/
package core

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ChatMessage is one turn of a relay conversation.
type ChatMessage struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatSession is a relay conversation. Its methods are safe for concurrent use.
type ChatSession struct {
	ID       string
	created  time.Time
	updated  time.Time
	messages []ChatMessage
	mutex    sync.RWMutex
}

// SessionSnapshot is a point-in-time copy of a session.
type SessionSnapshot struct {
	ID           string        `json:"id"`
	Created      time.Time     `json:"created"`
	Updated      time.Time     `json:"updated"`
	MessageCount int           `json:"messageCount"`
	Messages     []ChatMessage `json:"messages"`
}

// MemoryStore holds relay sessions and expires idle ones in the background.
type MemoryStore struct {
	sessions        map[string]*ChatSession
	mutex           sync.RWMutex
	maxAge          time.Duration
	cleanupInterval time.Duration
	logger          *logrus.Entry
	stop            chan struct{}
	stopOnce        sync.Once
}

// NewMemoryStore creates a store and starts its cleanup loop. Call Close to
// stop the loop.
//
// Parameters:
//   - maxAge: Idle time after which a session expires
//   - cleanupInterval: How often expired sessions are removed
//   - logger: Logger for session lifecycle events
func NewMemoryStore(maxAge, cleanupInterval time.Duration, logger *logrus.Entry) *MemoryStore {
	store := &MemoryStore{
		sessions:        make(map[string]*ChatSession),
		maxAge:          maxAge,
		cleanupInterval: cleanupInterval,
		logger:          logger,
		stop:            make(chan struct{}),
	}
	go store.cleanupLoop()
	return store
}

// Close stops the cleanup loop. It is idempotent.
func (m *MemoryStore) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// GetOrCreateSession returns the session with the given id, creating it when
// it does not exist. An empty id always creates a new session.
func (m *MemoryStore) GetOrCreateSession(sessionID string) *ChatSession {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if sessionID == "" {
		sessionID = "session_" + uuid.NewString()
	}

	now := time.Now()
	session, exists := m.sessions[sessionID]
	if !exists {
		session = &ChatSession{ID: sessionID, created: now, updated: now}
		m.sessions[sessionID] = session
		m.logger.WithField("sessionID", sessionID).Info("Created new relay session")
		return session
	}
	session.touch(now)
	return session
}

// GetSession returns an existing session.
func (m *MemoryStore) GetSession(sessionID string) (*ChatSession, bool) {
	m.mutex.RLock()
	session, exists := m.sessions[sessionID]
	m.mutex.RUnlock()

	if exists {
		session.touch(time.Now())
	}
	return session, exists
}

// DeleteSession removes a session and reports whether it existed.
func (m *MemoryStore) DeleteSession(sessionID string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	_, exists := m.sessions[sessionID]
	if exists {
		delete(m.sessions, sessionID)
		m.logger.WithField("sessionID", sessionID).Info("Relay session deleted")
	}
	return exists
}

// SessionStats reports session and message counts.
func (m *MemoryStore) SessionStats() map[string]int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	totalMessages := 0
	for _, session := range m.sessions {
		totalMessages += session.Len()
	}
	return map[string]int{
		"totalSessions": len(m.sessions),
		"totalMessages": totalMessages,
	}
}

// Expire removes sessions idle for longer than maxAge and returns how many
// were removed.
func (m *MemoryStore) Expire(now time.Time) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	expired := 0
	for id, session := range m.sessions {
		if now.Sub(session.lastUpdate()) > m.maxAge {
			delete(m.sessions, id)
			expired++
		}
	}
	if expired > 0 {
		m.logger.WithFields(logrus.Fields{
			"expiredSessions":   expired,
			"remainingSessions": len(m.sessions),
		}).Info("Cleaned up expired relay sessions")
	}
	return expired
}

func (m *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.Expire(now)
		}
	}
}

func (s *ChatSession) touch(now time.Time) {
	s.mutex.Lock()
	s.updated = now
	s.mutex.Unlock()
}

func (s *ChatSession) lastUpdate() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.updated
}

// AddMessage appends a turn to the conversation.
func (s *ChatSession) AddMessage(role, content string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()
	s.messages = append(s.messages, ChatMessage{Role: role, Content: content, Timestamp: now})
	s.updated = now
}

// Len returns the number of messages.
func (s *ChatSession) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.messages)
}

// RecentMessages returns a copy of at most limit trailing messages.
func (s *ChatSession) RecentMessages(limit int) []ChatMessage {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	start := 0
	if limit >= 0 && len(s.messages) > limit {
		start = len(s.messages) - limit
	}
	out := make([]ChatMessage, len(s.messages)-start)
	copy(out, s.messages[start:])
	return out
}

// Snapshot copies the session for serialization.
func (s *ChatSession) Snapshot() SessionSnapshot {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	messages := make([]ChatMessage, len(s.messages))
	copy(messages, s.messages)
	return SessionSnapshot{
		ID:           s.ID,
		Created:      s.created,
		Updated:      s.updated,
		MessageCount: len(messages),
		Messages:     messages,
	}
}

// BuildPrompt prefixes message with up to limit earlier turns. The message
// itself is expected to be the last turn already added to the session.
func (s *ChatSession) BuildPrompt(message string, limit int) string {
	messages := s.RecentMessages(limit + 1)
	if len(messages) > 0 {
		messages = messages[:len(messages)-1]
	}
	if len(messages) == 0 {
		return message
	}

	var prompt strings.Builder
	prompt.WriteString("Previous conversation context:\n")
	for _, msg := range messages {
		switch msg.Role {
		case "user":
			prompt.WriteString(fmt.Sprintf("Human: %s\n", msg.Content))
		case "assistant":
			prompt.WriteString(fmt.Sprintf("Assistant: %s\n", msg.Content))
		}
	}
	prompt.WriteString("\nCurrent conversation:\nHuman: ")
	prompt.WriteString(message)
	return prompt.String()
}
