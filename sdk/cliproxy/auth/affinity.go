package auth

import (
	"sync"
	"time"
)

// affinityTTL is the session stickiness window from spec.md §4.4/§9: a
// session_key keeps routing to the same account for this long after its last use.
const affinityTTL = 60 * time.Second

type affinityEntry struct {
	accountID string
	expiresAt time.Time
}

// affinityTable maps a client-supplied session_key to the account it was last
// routed to. There is no background sweeper (per spec.md §9's design notes):
// expired entries are evicted lazily, on the next lookup that finds them stale.
type affinityTable struct {
	mu      sync.Mutex
	entries map[string]affinityEntry
}

func newAffinityTable() *affinityTable {
	return &affinityTable{entries: make(map[string]affinityEntry)}
}

// lookup returns the account bound to sessionKey if the binding hasn't expired.
func (t *affinityTable) lookup(sessionKey string) (string, bool) {
	if sessionKey == "" {
		return "", false
	}
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[sessionKey]
	if !ok {
		return "", false
	}
	if !entry.expiresAt.After(now) {
		delete(t.entries, sessionKey)
		return "", false
	}
	return entry.accountID, true
}

// bind records (or refreshes) the binding and resets its TTL.
func (t *affinityTable) bind(sessionKey, accountID string) {
	if sessionKey == "" || accountID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[sessionKey] = affinityEntry{accountID: accountID, expiresAt: time.Now().Add(affinityTTL)}
}
