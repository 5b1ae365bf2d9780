// Package server keeps the live connection set used as the broadcast
// target list.
package server

import "sync"

// Registry is an unordered set of live connections. Membership is the only
// invariant: a connection appears at most once.
type Registry struct {
	mu    sync.RWMutex
	conns map[*Conn]struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[*Conn]struct{}),
	}
}

// Add inserts c and reports whether it was not already a member.
func (r *Registry) Add(c *Conn) bool {
	if c == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c]; ok {
		return false
	}
	r.conns[c] = struct{}{}
	return true
}

// Remove deletes c and reports whether it was a member. Removing a
// connection twice is a no-op.
func (r *Registry) Remove(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c]; !ok {
		return false
	}
	delete(r.conns, c)
	return true
}

// Contains reports whether c is a member.
func (r *Registry) Contains(c *Conn) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[c]
	return ok
}

// Len returns the number of members.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns the current members in no particular order.
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// ForEachExcept calls fn for every member other than src. It works on a
// snapshot, so fn may run for a connection that is removed concurrently;
// queueing on such a connection is a no-op.
func (r *Registry) ForEachExcept(src *Conn, fn func(*Conn)) {
	for _, c := range r.Snapshot() {
		if c == src {
			continue
		}
		fn(c)
	}
}
