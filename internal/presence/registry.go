// Package presence tracks which live connection currently speaks for each
// user. It is the only process-wide mutable structure on the delivery path
// and is safe for concurrent use.
package presence

import (
	"log"
	"sync"
)

// Registry is a bidirectional userID <-> connection handle map. A later
// registration for the same user replaces the earlier handle
// (last-register-wins); the displaced connection is not notified.
type Registry struct {
	mu       sync.RWMutex
	byUser   map[string]string // userID -> handle
	byHandle map[string]string // handle -> userID
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser:   make(map[string]string),
		byHandle: make(map[string]string),
	}
}

// Register maps userID to handle, replacing any previous handle for that
// user. If handle was registered under a different user, that older mapping
// is dropped so a connection speaks for one user at a time.
func (r *Registry) Register(userID, handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prevUser, ok := r.byHandle[handle]; ok && prevUser != userID {
		if r.byUser[prevUser] == handle {
			delete(r.byUser, prevUser)
		}
	}
	if prevHandle, ok := r.byUser[userID]; ok && prevHandle != handle {
		delete(r.byHandle, prevHandle)
		log.Printf("[presence] user=%s moved from conn=%s to conn=%s", userID, prevHandle, handle)
	}

	r.byUser[userID] = handle
	r.byHandle[handle] = userID
}

// Unregister removes the mapping held by handle and returns the user it
// belonged to. A stale handle whose user has since re-registered elsewhere
// leaves the newer mapping intact. Unknown handles are a no-op.
func (r *Registry) Unregister(handle string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byHandle[handle]
	if !ok {
		return "", false
	}
	delete(r.byHandle, handle)

	if r.byUser[userID] != handle {
		return "", false
	}
	delete(r.byUser, userID)
	return userID, true
}

// ConnectionsFor returns the handles currently registered for userID. With
// last-register-wins the result holds at most one handle.
func (r *Registry) ConnectionsFor(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handle, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	return []string{handle}
}

// UserFor returns the user a handle is registered as.
func (r *Registry) UserFor(handle string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userID, ok := r.byHandle[handle]
	return userID, ok
}

// Count returns the number of users with a live registration.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byUser)
	r.mu.RUnlock()
	return n
}
