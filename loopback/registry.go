package loopback

import (
	"errors"
	"sort"
	"sync"
)

// ErrSessionExists is returned when a port already has an active session.
var ErrSessionExists = errors.New("session already registered for port")

// Registry is the authoritative set of active sessions, keyed by port id.
// It stores sessions but never touches their connections.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Add registers s. At most one session may exist per port.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.PortID()]; ok {
		return ErrSessionExists
	}
	r.sessions[s.PortID()] = s
	return nil
}

// Remove deletes the session for portID. Removing an absent port is a no-op.
func (r *Registry) Remove(portID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[portID]
	if ok {
		delete(r.sessions, portID)
	}
	return s, ok
}

// removeSession deletes s only if it is still the registered session for
// its port, so a stale session cannot evict its replacement.
func (r *Registry) removeSession(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[s.PortID()]; ok && cur == s {
		delete(r.sessions, s.PortID())
		return true
	}
	return false
}

// Get returns the session for portID
func (r *Registry) Get(portID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[portID]
	return s, ok
}

// Contains reports whether portID has an active session
func (r *Registry) Contains(portID string) bool {
	_, ok := r.Get(portID)
	return ok
}

// Snapshot returns a point-in-time copy of the active sessions ordered by port id.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].PortID() < out[j].PortID()
	})
	return out
}

// Len returns the number of active sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
