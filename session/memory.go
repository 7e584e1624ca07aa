package session

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory single-use TTL session store. It satisfies
// both Registry and Issuer.
type MemoryStore struct {
	lock    sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore returns an empty MemoryStore whose issued sessions expire
// after ttl if unconsumed. ttl<=0 selects DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &MemoryStore{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (m *MemoryStore) key(resourceID uint64, sessionID string) string {
	var b [8]byte
	for i := range b {
		b[i] = byte(resourceID >> (56 - 8*i))
	}
	return string(b[:]) + sessionID
}

// Issue mints a new session for resourceID under mode, valid for the
// store's TTL.
func (m *MemoryStore) Issue(ctx context.Context, resourceID uint64, mode string) (string, time.Time, error) {
	u := uuid.New()
	sessionID := hex.EncodeToString(u[:])
	expiresAt := m.now().Add(m.ttl)

	m.lock.Lock()
	m.entries[m.key(resourceID, sessionID)] = entry{resourceID: resourceID, mode: mode, expiresAt: expiresAt}
	m.lock.Unlock()

	return sessionID, expiresAt, nil
}

// Validate consumes the session, if present, valid and matching mode.
func (m *MemoryStore) Validate(ctx context.Context, resourceID uint64, sessionID string, mode string) (Role, error) {
	key := m.key(resourceID, sessionID)

	m.lock.Lock()
	e, ok := m.entries[key]
	if ok {
		delete(m.entries, key)
	}
	m.lock.Unlock()

	if !ok || e.expired(m.now()) || e.mode != mode {
		return "", ErrInvalidSession
	}

	role, ok := roleForMode(mode)
	if !ok {
		return "", ErrInvalidSession
	}

	return role, nil
}

// Sweep removes expired, never-consumed entries. Callers typically run it
// periodically; it is never required for correctness since Validate itself
// rejects expired entries, only for bounding memory use.
func (m *MemoryStore) Sweep() {
	now := m.now()

	m.lock.Lock()
	defer m.lock.Unlock()

	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
		}
	}
}
