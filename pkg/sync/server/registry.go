package server

import (
	goSync "sync"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/mirror/pkg/config"
	"github.com/sidkik/mirror/pkg/errors"
	"github.com/sidkik/mirror/pkg/sync/session"
)

// Registry tracks the sessions known to the server, keyed by session ID.
// There's at most one live session at a time. When a second client
// handshakes, the policy decides whether the old session is replaced or the
// new one rejected.
type Registry struct {
	policy config.SessionPolicy

	lock     goSync.Mutex
	sessions map[string]registered
}

type registered struct {
	session *session.Session

	// cleanup releases resources tied to the session, such as its file
	// watcher.
	cleanup func()
}

// NewRegistry returns an empty Registry.
func NewRegistry(policy config.SessionPolicy) *Registry {
	return &Registry{policy: policy, sessions: map[string]registered{}}
}

// Register makes `s` the live session. `cleanup` is called once the session
// is removed from the registry.
func (r *Registry) Register(s *session.Session, cleanup func()) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	for id, old := range r.sessions {
		if old.session.State() != session.Closed && r.policy == config.RejectSession {
			return errors.ErrSessionConflict
		}

		log.WithField("session", id).WithField("replacement", s.ID()).
			Info("Closing old session in favor of new client")
		r.remove(id)
	}

	r.sessions[s.ID()] = registered{session: s, cleanup: cleanup}
	return nil
}

// Get returns the session with the given ID.
func (r *Registry) Get(id string) (*session.Session, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.sessions[id]
	return entry.session, ok
}

// Remove closes the session with the given ID, and forgets about it. It's a
// no-op if the session was already removed.
func (r *Registry) Remove(id string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.remove(id)
}

func (r *Registry) remove(id string) {
	entry, ok := r.sessions[id]
	if !ok {
		return
	}

	delete(r.sessions, id)
	entry.session.Close()
	if entry.cleanup != nil {
		entry.cleanup()
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.sessions)
}
