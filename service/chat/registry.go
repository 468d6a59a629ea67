package chat

import (
	"sync"

	"careline/service/metrics"
)

type deviceKey struct {
	userID   string
	deviceID string
}

// Registry tracks which sessions are live on this gateway. A (user, device)
// pair maps to at most one session: a reconnect for the same device
// supersedes the old session (last writer wins), which is what keeps a
// flapping mobile client from receiving every message twice.
type Registry struct {
	mu       sync.RWMutex
	byDevice map[deviceKey]*Session
	byUser   map[string]map[string]*Session // userID -> sessionID -> session
}

func NewRegistry() *Registry {
	return &Registry{
		byDevice: make(map[deviceKey]*Session),
		byUser:   make(map[string]map[string]*Session),
	}
}

// Register indexes the session and returns the superseded one, if any. The
// caller closes the old session with the duplicate_device reason; the
// registry only swaps indexes.
func (r *Registry) Register(s *Session) (old *Session) {
	k := deviceKey{userID: s.UserID, deviceID: s.DeviceID}

	r.mu.Lock()
	old = r.byDevice[k]
	if old != nil {
		if m := r.byUser[old.UserID]; m != nil {
			delete(m, old.ID)
		}
	}
	r.byDevice[k] = s
	m := r.byUser[s.UserID]
	if m == nil {
		m = make(map[string]*Session)
		r.byUser[s.UserID] = m
	}
	m[s.ID] = s
	r.mu.Unlock()

	if old == nil {
		metrics.SessionsLive.Inc()
	}
	return old
}

// Deregister removes the session if it is still the current holder of its
// device slot. A session superseded earlier is a no-op here, so a late
// disconnect of the old connection cannot evict its replacement.
func (r *Registry) Deregister(s *Session) bool {
	k := deviceKey{userID: s.UserID, deviceID: s.DeviceID}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.byDevice[k]
	if !ok || cur != s {
		if m := r.byUser[s.UserID]; m != nil {
			delete(m, s.ID)
			if len(m) == 0 {
				delete(r.byUser, s.UserID)
			}
		}
		return false
	}
	delete(r.byDevice, k)
	if m := r.byUser[s.UserID]; m != nil {
		delete(m, s.ID)
		if len(m) == 0 {
			delete(r.byUser, s.UserID)
		}
	}
	metrics.SessionsLive.Dec()
	return true
}

// LiveSessionsFor returns the user's live sessions on this gateway.
func (r *Registry) LiveSessionsFor(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.byUser[userID]
	if len(m) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	return out
}

// Get returns the current session for a device, if any.
func (r *Registry) Get(userID, deviceID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byDevice[deviceKey{userID: userID, deviceID: deviceID}]
	return s, ok
}

// All snapshots every live session (shutdown path).
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byDevice))
	for _, s := range r.byDevice {
		out = append(out, s)
	}
	return out
}
