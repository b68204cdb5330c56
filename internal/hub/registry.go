package hub

import "sync"

// Registry is a concurrent set of live sessions for one channel. Fan-out
// iterates over a snapshot, so concurrent add/remove never corrupts an
// iteration in progress: sessions added mid-broadcast may be skipped,
// removed ones are never revisited.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

// Remove is idempotent: removing an absent session is a no-op, because the
// disconnect path and the failed-send path may both try to remove the same
// session.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.ID)
	r.mu.Unlock()
}

// Snapshot returns the current membership as a slice safe to iterate
// without holding any lock.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// ForEach applies fn to a snapshot of the registry.
func (r *Registry) ForEach(fn func(*Session)) {
	for _, s := range r.Snapshot() {
		fn(s)
	}
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// PruneClosed drops sessions whose connection is already closed and
// returns how many were removed.
func (r *Registry) PruneClosed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, s := range r.sessions {
		if s.Closed() {
			delete(r.sessions, id)
			n++
		}
	}
	return n
}
