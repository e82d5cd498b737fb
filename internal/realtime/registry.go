package realtime

import "sync"

// Registry maps a user id to that user's single live connection. It is the only record of which users are
// connected to this process. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// Register stores c under userID unconditionally and returns the connection it replaced, if any.
func (r *Registry) Register(userID string, c *Connection) (previous *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous = r.conns[userID]
	r.conns[userID] = c
	if previous == c {
		return nil
	}
	return previous
}

// Unregister removes the entry for userID if present.
func (r *Registry) Unregister(userID string) {
	r.mu.Lock()
	delete(r.conns, userID)
	r.mu.Unlock()
}

// Release removes the entry for userID only while it still points at c, so a replaced connection
// cannot evict its successor. Reports whether an entry was removed.
func (r *Registry) Release(userID string, c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[userID]; ok && cur == c {
		delete(r.conns, userID)
		return true
	}
	return false
}

// Lookup returns the live connection for userID.
func (r *Registry) Lookup(userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[userID]
	return c, ok
}

// Snapshot returns a point-in-time copy of all entries. Callers that do I/O per entry iterate the copy.
func (r *Registry) Snapshot() map[string]*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Connection, len(r.conns))
	for id, c := range r.conns {
		out[id] = c
	}
	return out
}

// Len returns the number of registered users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Clear removes every entry.
func (r *Registry) Clear() {
	r.mu.Lock()
	clear(r.conns)
	r.mu.Unlock()
}
