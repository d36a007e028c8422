// Package session tracks which live sessions belong to which user and defines
// the contract for reloading a session's authorization view.
package session

import (
	"sort"
	"sync"
)

// Registry is the authoritative map of user to active session identifiers.
// It owns the per-user session sets exclusively; readers only ever see
// snapshot copies.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]map[string]struct{})}
}

// Register adds sessionID to the user's session set. Registering an already
// known pair is a no-op.
func (r *Registry) Register(userID, sessionID string) {
	if userID == "" || sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[userID]
	if !ok {
		set = make(map[string]struct{})
		r.sessions[userID] = set
	}
	set[sessionID] = struct{}{}
}

// Unregister removes sessionID from the user's session set. Unregistering an
// unknown pair is a no-op.
func (r *Registry) Unregister(userID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[userID]
	if !ok {
		return
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(r.sessions, userID)
	}
}

// Sessions returns a sorted snapshot of the user's active session ids. The
// returned slice never aliases internal state, so later registry mutations do
// not change an already-taken snapshot.
func (r *Registry) Sessions(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.sessions[userID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of active sessions for the user.
func (r *Registry) Count(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[userID])
}
