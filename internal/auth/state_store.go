package auth

import (
	"context"
	"sync"
	"time"

	"github.com/traklist/server/pkg/redis"
)

// MemoryStateStore keeps OAuth nonces in process when no Redis is configured.
type MemoryStateStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{entries: make(map[string]time.Time), now: time.Now}
}

func (s *MemoryStateStore) Save(_ context.Context, nonce string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for n, expires := range s.entries {
		if !now.Before(expires) {
			delete(s.entries, n)
		}
	}
	if _, ok := s.entries[nonce]; ok {
		return redis.ErrStateExists
	}
	s.entries[nonce] = now.Add(ttl)
	return nil
}

func (s *MemoryStateStore) Consume(_ context.Context, nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expires, ok := s.entries[nonce]
	if !ok {
		return false, nil
	}
	delete(s.entries, nonce)
	return s.now().Before(expires), nil
}
