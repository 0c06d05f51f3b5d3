package quota

import (
	"context"
	"sync"
)

// MemoryStore keeps counters in process. Suitable for a single instance.
type MemoryStore struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counts: make(map[string]int64)}
}

func memKey(userID, periodKey string) string {
	return userID + "\x00" + periodKey
}

func (s *MemoryStore) IncrementIfBelow(_ context.Context, userID, periodKey string, limit int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memKey(userID, periodKey)
	current := s.counts[key]
	if limit >= 0 && current >= limit {
		return current, false, nil
	}
	current++
	s.counts[key] = current
	return current, true, nil
}

func (s *MemoryStore) Usage(_ context.Context, userID, periodKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[memKey(userID, periodKey)], nil
}

// Set overrides a counter. Used to seed usage in tests and local runs.
func (s *MemoryStore) Set(userID, periodKey string, count int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[memKey(userID, periodKey)] = count
}
