package cache

import (
	"strings"
	"sync"
	"time"
)

// maxLocalEntries caps the in-process store so a burst of unique keys cannot
// exhaust memory when running without Redis.
const maxLocalEntries = 8192

type localEntry struct {
	value     []byte
	expiresAt time.Time
}

// localStore is a bounded in-process TTL map. Stale entries are pruned when
// the store approaches its cap, with hard eviction as the backstop.
// Safe for concurrent use.
type localStore struct {
	mu      sync.Mutex
	entries map[string]localEntry
}

func newLocalStore() *localStore {
	return &localStore{entries: make(map[string]localEntry)}
}

func (s *localStore) get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(s.entries, key)
		return nil, false
	}
	return e.value, true
}

func (s *localStore) set(key string, value []byte, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if len(s.entries) >= maxLocalEntries {
		for k, e := range s.entries {
			if now.After(e.expiresAt) {
				delete(s.entries, k)
			}
		}
		for len(s.entries) >= maxLocalEntries {
			for k := range s.entries {
				delete(s.entries, k)
				break
			}
		}
	}

	s.entries[key] = localEntry{value: value, expiresAt: now.Add(ttl)}
}

func (s *localStore) delete(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// deletePrefix removes every entry under a prefix (local hash-field scans).
func (s *localStore) deletePrefix(prefix string) {
	s.mu.Lock()
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			delete(s.entries, k)
		}
	}
	s.mu.Unlock()
}
