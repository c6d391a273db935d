// Package registry tracks live call sessions by SID.
package registry

import (
	"sync"

	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/session"
)

// Registry is a concurrency-safe map of active sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]*session.Session)}
}

// Insert adds a session. Returns false if the SID is already tracked.
func (r *Registry) Insert(s *session.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.SID()]; ok {
		return false
	}
	r.sessions[s.SID()] = s
	return true
}

// Lookup returns the session for a SID.
func (r *Registry) Lookup(sid string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sid]
	return s, ok
}

// Remove drops a session. Safe to call for SIDs that are already gone.
func (r *Registry) Remove(sid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sid)
}

// List returns snapshots of every live session.
func (r *Registry) List() []session.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]session.Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
