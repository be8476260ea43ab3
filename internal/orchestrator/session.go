package orchestrator

import (
	"sync"
	"time"
)

// sessionTable maps session IDs to the server that last served them.
// Entries expire after the configured TTL; a TTL of zero disables
// expiry.
type sessionTable struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]sessionEntry
}

type sessionEntry struct {
	serverID string
	expires  time.Time
}

func newSessionTable(ttl time.Duration) *sessionTable {
	return &sessionTable{
		ttl:     ttl,
		entries: make(map[string]sessionEntry),
	}
}

// bind records (or refreshes) the session's affinity.
func (t *sessionTable) bind(sessionID, serverID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := sessionEntry{serverID: serverID}
	if t.ttl > 0 {
		e.expires = time.Now().Add(t.ttl)
	}
	t.entries[sessionID] = e
}

// lookup returns the bound server ID, pruning the entry if expired.
func (t *sessionTable) lookup(sessionID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[sessionID]
	if !ok {
		return "", false
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(t.entries, sessionID)
		return "", false
	}
	return e.serverID, true
}

// dropServer removes every affinity pointing at a deregistered server.
func (t *sessionTable) dropServer(serverID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.entries {
		if e.serverID == serverID {
			delete(t.entries, id)
		}
	}
}

// active counts live entries, pruning expired ones as it goes.
func (t *sessionTable) active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for id, e := range t.entries {
		if !e.expires.IsZero() && now.After(e.expires) {
			delete(t.entries, id)
		}
	}
	return len(t.entries)
}
