// Package registry maintains the set of online participants.
package registry

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ashureev/relaycore/internal/domain"
)

// Registry is a thread-safe mapping from username to live Session, with a
// unique-username invariant: no two live sessions share a name. All
// operations serialize through one mutex, per §4.3.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[string]*domain.Session),
	}
}

// Register inserts sess under username. It returns false without mutating
// state if the username is already taken.
func (r *Registry) Register(username string, sess *domain.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[username]; exists {
		return false
	}
	r.sessions[username] = sess
	slog.Info("session registered", "user", username, "conn_id", sess.ConnID)
	return true
}

// Remove deletes username from the registry if present, only when the
// stored session still matches sess (a session that was already replaced
// by a newer registration for the same name is left alone).
func (r *Registry) Remove(username string, sess *domain.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.sessions[username]; ok && current == sess {
		delete(r.sessions, username)
		slog.Info("session removed", "user", username, "conn_id", sess.ConnID)
	}
}

// Lookup returns the live session for username, or nil if offline.
func (r *Registry) Lookup(username string) *domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[username]
}

// SnapshotUsernames returns the current registry keys. The returned slice
// is a copy safe to use after the call returns.
func (r *Registry) SnapshotUsernames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []string {
	users := make([]string, 0, len(r.sessions))
	for u := range r.sessions {
		users = append(users, u)
	}
	return users
}

// Broadcast sends frame (JSON-encoded, newline-terminated) to every live
// session except exclude (pass "" to include everyone). A peer whose write
// fails is treated as gone per §4.2.2: it is removed from the registry and
// its username is returned to the caller so a departure notice can be
// raised — raised by the caller, not here, so Broadcast never recurses into
// itself while holding the lock.
//
// The registry lock is held only long enough to snapshot the session
// pointers; the actual socket writes happen after it is released, so one
// slow peer cannot stall delivery to the others (§5's "never hold the
// registry lock across a write that could block").
func (r *Registry) Broadcast(frame interface{}, exclude string) []string {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("broadcast: failed to marshal frame", "error", err)
		return nil
	}
	data = append(data, '\n')

	r.mu.Lock()
	targets := make(map[string]*domain.Session, len(r.sessions))
	for u, s := range r.sessions {
		if u != exclude {
			targets[u] = s
		}
	}
	r.mu.Unlock()

	var gone []string
	for u, s := range targets {
		if err := s.WriteFrame(data); err != nil {
			slog.Warn("broadcast write failed, dropping peer", "user", u, "error", err)
			r.Remove(u, s)
			gone = append(gone, u)
		}
	}
	return gone
}

// SendTo writes frame to exactly one user's session. It reports whether the
// user was online and the write succeeded; on write failure the session is
// removed, mirroring Broadcast's peer-loss handling.
func (r *Registry) SendTo(username string, frame interface{}) bool {
	sess := r.Lookup(username)
	if sess == nil {
		return false
	}

	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("sendTo: failed to marshal frame", "user", username, "error", err)
		return false
	}
	data = append(data, '\n')

	if err := sess.WriteFrame(data); err != nil {
		slog.Warn("sendTo write failed, dropping peer", "user", username, "error", err)
		r.Remove(username, sess)
		return false
	}
	return true
}
