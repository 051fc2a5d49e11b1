package store

import (
	"context"
	"sync"
	"time"

	"bookbank/internal/util"
)

// MemorySessionStore keeps sessions in-process (single instance only).
type MemorySessionStore struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	sess map[string]memorySession
}

type memorySession struct {
	userID  string
	expires time.Time
}

// NewMemorySessionStore builds an in-memory session store. A ttl <= 0 means
// sessions never expire.
func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	return &MemorySessionStore{
		ttl:  ttl,
		now:  time.Now,
		sess: make(map[string]memorySession),
	}
}

// NewSession creates a session token for a user.
func (m *MemorySessionStore) NewSession(_ context.Context, userID string) (string, error) {
	token := util.NewID()
	entry := memorySession{userID: userID}
	if m.ttl > 0 {
		entry.expires = m.now().Add(m.ttl)
	}
	m.mu.Lock()
	m.sess[token] = entry
	m.mu.Unlock()
	return token, nil
}

// GetUserIDByToken returns the user bound to a live token.
func (m *MemorySessionStore) GetUserIDByToken(_ context.Context, token string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.sess[token]
	if !ok {
		return "", false, nil
	}
	if !entry.expires.IsZero() && m.now().After(entry.expires) {
		delete(m.sess, token)
		return "", false, nil
	}
	return entry.userID, true, nil
}

// DeleteSession removes a token.
func (m *MemorySessionStore) DeleteSession(_ context.Context, token string) error {
	m.mu.Lock()
	delete(m.sess, token)
	m.mu.Unlock()
	return nil
}
