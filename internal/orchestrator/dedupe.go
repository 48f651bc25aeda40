package orchestrator

import (
	"sync"
	"time"
)

const (
	// dedupTTL bounds how long a last-inbound entry is trusted at all.
	dedupTTL = 60 * time.Second
	// dedupRefreshAfter is the age beyond which the stale-reply guard
	// re-reads the persisted session context instead of trusting the entry.
	dedupRefreshAfter = 20 * time.Second
	// maxDedupEntries caps the map; stale entries are pruned on insert.
	maxDedupEntries = 16384
)

type dedupEntry struct {
	keyID     string
	updatedAt time.Time
}

// DedupStore maps session id to the last accepted inbound message id. It is
// process-local and best-effort: a miss only forces the guard onto the
// persisted-context fallback path. Safe for concurrent use.
type DedupStore struct {
	mu      sync.Mutex
	entries map[string]dedupEntry
	now     func() time.Time
}

func NewDedupStore() *DedupStore {
	return &DedupStore{entries: make(map[string]dedupEntry), now: time.Now}
}

// Set records keyID as the last accepted inbound message for a session.
func (d *DedupStore) Set(sessionID, keyID string) {
	if sessionID == "" || keyID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if len(d.entries) >= maxDedupEntries {
		for k, e := range d.entries {
			if now.Sub(e.updatedAt) > dedupTTL {
				delete(d.entries, k)
			}
		}
		for len(d.entries) >= maxDedupEntries {
			for k := range d.entries {
				delete(d.entries, k)
				break
			}
		}
	}
	d.entries[sessionID] = dedupEntry{keyID: keyID, updatedAt: now}
}

// Get returns the recorded key id and its age.
func (d *DedupStore) Get(sessionID string) (keyID string, age time.Duration, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, found := d.entries[sessionID]
	if !found {
		return "", 0, false
	}
	return e.keyID, d.now().Sub(e.updatedAt), true
}

// Clear drops the entry for a session.
func (d *DedupStore) Clear(sessionID string) {
	d.mu.Lock()
	delete(d.entries, sessionID)
	d.mu.Unlock()
}
