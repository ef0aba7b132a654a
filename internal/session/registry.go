// registry.go tracks live sessions by ID for the HTTP layer.

package session

import "sync"

// Registry is a concurrency-safe collection of live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*LogSession
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*LogSession)}
}

// Add registers a session under its ID.
func (r *Registry) Add(s *LogSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// Get returns the session with the given ID.
func (r *Registry) Get(id string) (*LogSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns all registered sessions in unspecified order.
func (r *Registry) List() []*LogSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*LogSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Remove disposes the session with the given ID and drops it from the
// registry. Reports whether a session was found.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return false
	}
	s.Dispose()
	return true
}

// DisposeAll tears down every session. Used on shutdown.
func (r *Registry) DisposeAll() {
	r.mu.Lock()
	sessions := make([]*LogSession, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Dispose()
	}
}
