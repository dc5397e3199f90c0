package session

import (
	"context"
	"sync"
	"time"
)

// Registry holds per-client session state. The mutex guards only the
// structural mutation of the map; nothing on a session's hot path ever
// takes it.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create inserts a new session for clientID. When a live session already
// exists it is returned unchanged and created is false.
func (r *Registry) Create(ctx context.Context, clientID, traceID string, cfg Config) (sess *Session, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[clientID]; ok {
		return existing, false
	}
	sess = newSession(ctx, clientID, traceID, cfg)
	r.sessions[clientID] = sess
	return sess, true
}

func (r *Registry) Get(clientID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[clientID]
	return sess, ok
}

// Remove deletes the session and cancels its context. Idempotent.
func (r *Registry) Remove(clientID string) {
	r.mu.Lock()
	sess, ok := r.sessions[clientID]
	if ok {
		delete(r.sessions, clientID)
	}
	r.mu.Unlock()
	if ok {
		sess.cancel()
	}
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Each calls fn for every live session outside the registry lock.
func (r *Registry) Each(fn func(*Session)) {
	r.mu.Lock()
	list := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		list = append(list, sess)
	}
	r.mu.Unlock()
	for _, sess := range list {
		fn(sess)
	}
}

// WaitForEmpty polls until no sessions remain or ctx expires.
func (r *Registry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
