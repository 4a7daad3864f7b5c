package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// sessionTTL is the browser session lifetime.
const sessionTTL = 12 * time.Hour

type session struct {
	userID    uint64
	expiresAt time.Time
}

// SessionManager holds browser sessions in memory. A server restart logs
// everyone out, which is acceptable for the admin surface.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]*session)}
}

// Create opens a session for the user and returns the opaque session id.
func (m *SessionManager) Create(userID uint64) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	id := hex.EncodeToString(buf)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = &session{
		userID:    userID,
		expiresAt: time.Now().Add(sessionTTL),
	}
	return id, nil
}

// Lookup resolves a session id to its user, reaping it when expired.
func (m *SessionManager) Lookup(id string) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return 0, false
	}
	if time.Now().After(s.expiresAt) {
		delete(m.sessions, id)
		return 0, false
	}
	return s.userID, true
}

// Revoke drops a session. Unknown ids are a no-op.
func (m *SessionManager) Revoke(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// RevokeUser drops every session belonging to the user.
func (m *SessionManager) RevokeUser(userID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.userID == userID {
			delete(m.sessions, id)
		}
	}
}
