package session

import (
	"sort"
	"sync"
)

// Registry holds the currently connected sessions keyed by station identity.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add stores s and returns the session it replaced, if any.
func (r *Registry) Add(s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.sessions[s.Identity()]
	r.sessions[s.Identity()] = s
	return prev
}

// Remove deletes the entry for identity only while it still points at s.
func (r *Registry) Remove(identity string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[identity]; ok && cur == s {
		delete(r.sessions, identity)
	}
}

func (r *Registry) Get(identity string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[identity]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns the sessions ordered by identity.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Identity() < out[j].Identity() })
	return out
}

// Prune drops sessions whose transport is no longer open.
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, s := range r.sessions {
		if !s.IsOpen() {
			delete(r.sessions, id)
			n++
		}
	}
	return n
}
