package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps encoded sessions in process memory. Entries older than
// ttl are dropped on read; a zero ttl keeps them forever.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]memoryEntry
	ttl      time.Duration
}

type memoryEntry struct {
	blob      []byte
	updatedAt time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]memoryEntry),
		ttl:      ttl,
	}
}

func (m *MemoryStore) Load(_ context.Context, conversationID string) (*Session, error) {
	if conversationID == "" {
		return nil, ErrInvalidKey
	}
	m.mu.RLock()
	e, ok := m.sessions[conversationID]
	m.mu.RUnlock()
	if !ok {
		return NewSession(conversationID), nil
	}
	if m.ttl > 0 && time.Since(e.updatedAt) > m.ttl {
		m.mu.Lock()
		delete(m.sessions, conversationID)
		m.mu.Unlock()
		return NewSession(conversationID), nil
	}
	// Decoding a private copy keeps callers from sharing maps across turns.
	return decode(conversationID, e.blob)
}

func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	if s == nil || s.ConversationID == "" {
		return ErrInvalidKey
	}
	touch(s)
	b, err := encode(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ConversationID] = memoryEntry{blob: b, updatedAt: time.Now()}
	return nil
}

// Delete removes a conversation's session.
func (m *MemoryStore) Delete(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, conversationID)
}

// Len reports how many sessions are held.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *MemoryStore) Close() error { return nil }
