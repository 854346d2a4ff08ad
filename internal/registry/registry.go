// Package registry maps users to their currently connected agent sessions.
// Sessions are stored by id (handle-based indirection); a request for one
// user is never resolved to another user's session.
package registry

import (
	"context"
	"sync"
	"time"

	tunnel "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/correlator"
	"github.com/eugener/palantir/internal/protocol"
)

// Session is the narrow view of a connected agent session the registry and
// proxy front need. Implemented by internal/session.Session.
type Session interface {
	ID() string
	UserID() string
	Tier() tunnel.Tier
	Dispatch(ctx context.Context, req *protocol.HTTPRequest, deadline time.Time) (*correlator.Pending, error)
	// Drain refuses new dispatches, waits briefly for in-flight responses,
	// then closes the session.
	Drain()
}

// Handle identifies one registration; sessions keep it to unregister
// themselves on close.
type Handle struct {
	UserID    string
	SessionID string
}

// userSessions holds one user's sessions plus the round-robin cursor.
type userSessions struct {
	order  []string // session ids in registration order
	cursor int
}

// Registry is the process-wide user -> session map.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session       // session id -> session
	byUser   map[string]*userSessions // user id -> sessions
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[string]Session),
		byUser:   make(map[string]*userSessions),
	}
}

// Register adds the session, enforcing the tier's concurrent-session cap.
// Excess registrations fail with server_unavailable carrying a stable
// message so the agent can tell "already connected elsewhere" from an auth
// failure.
func (r *Registry) Register(s Session) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	us, ok := r.byUser[s.UserID()]
	if !ok {
		us = &userSessions{}
		r.byUser[s.UserID()] = us
	}
	if cap := s.Tier().SessionCap(); len(us.order) >= cap {
		return Handle{}, tunnel.Ef(tunnel.CodeServerUnavailable,
			"session limit reached: tier %s allows %d concurrent sessions", s.Tier(), cap)
	}

	r.sessions[s.ID()] = s
	us.order = append(us.order, s.ID())
	return Handle{UserID: s.UserID(), SessionID: s.ID()}, nil
}

// Unregister removes the session identified by h. Safe to call twice.
func (r *Registry) Unregister(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, h.SessionID)
	us, ok := r.byUser[h.UserID]
	if !ok {
		return
	}
	for i, id := range us.order {
		if id == h.SessionID {
			us.order = append(us.order[:i], us.order[i+1:]...)
			if us.cursor > i {
				us.cursor--
			}
			break
		}
	}
	if len(us.order) == 0 {
		delete(r.byUser, h.UserID)
	}
}

// Resolve returns one of the user's sessions, round-robin across multiple,
// or nil when the user has no connected agent.
func (r *Registry) Resolve(userID string) Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	us, ok := r.byUser[userID]
	if !ok || len(us.order) == 0 {
		return nil
	}
	us.cursor = us.cursor % len(us.order)
	id := us.order[us.cursor]
	us.cursor++
	return r.sessions[id]
}

// Get returns the session with the given id, or nil.
func (r *Registry) Get(sessionID string) Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

// Count returns the total number of connected sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CountByTier returns connected session counts grouped by tier.
func (r *Registry) CountByTier() map[tunnel.Tier]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[tunnel.Tier]int, 3)
	for _, s := range r.sessions {
		out[s.Tier()]++
	}
	return out
}

// DrainAll drains every connected session in parallel and waits for all of
// them. Called on broker shutdown.
func (r *Registry) DrainAll() {
	r.mu.RLock()
	sessions := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Drain()
		}()
	}
	wg.Wait()
}

// UserSessionCount returns how many sessions the user currently has.
func (r *Registry) UserSessionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if us, ok := r.byUser[userID]; ok {
		return len(us.order)
	}
	return 0
}
