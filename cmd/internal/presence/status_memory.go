package presence

import (
	"context"
	"sync"
	"time"
)

// MemoryStatusStore is a single-instance fallback used when Redis is not
// configured (dev, tests, degraded mode). Entries expire the same way the
// Redis store's keys do so crash semantics stay comparable.
type MemoryStatusStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

// NewMemoryStatusStore constructs an in-memory StatusStore with the given TTL.
func NewMemoryStatusStore(ttl time.Duration) *MemoryStatusStore {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &MemoryStatusStore{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStatusStore) MarkOnline(_ context.Context, uid, charaIdent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[uid] = memoryEntry{
		entry:     Entry{CharaIdent: charaIdent, InstanceID: "local"},
		expiresAt: s.now().Add(s.ttl),
	}
	return nil
}

func (s *MemoryStatusStore) MarkOffline(_ context.Context, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, uid)
	return nil
}

func (s *MemoryStatusStore) Refresh(_ context.Context, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[uid]
	if !ok {
		return nil
	}
	e.expiresAt = s.now().Add(s.ttl)
	s.entries[uid] = e
	return nil
}

func (s *MemoryStatusStore) IsOnline(_ context.Context, uid string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[uid]
	if !ok {
		return false, nil
	}
	if s.now().After(e.expiresAt) {
		delete(s.entries, uid)
		return false, nil
	}
	return true, nil
}

func (s *MemoryStatusStore) CountOnline(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for uid, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, uid)
			continue
		}
		n++
	}
	return n, nil
}

// Sweep discards expired entries. Run periodically by the app so a quiet
// store does not accumulate dead entries between reads.
func (s *MemoryStatusStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for uid, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, uid)
		}
	}
}
