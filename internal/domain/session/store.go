package session

import (
	"sort"
	"sync"
	"time"

	"github.com/gaos-systems/apc-coordinator/internal/statestore"
)

// Store owns every session's in-memory state, persisting the whole registry
// to a single sessions.json on every mutation (sessions are few and small
// compared to a session's own task/workflow histories).
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	backing  *statestore.Store[map[string]*Session]
}

// NewStore builds a Store backed by layout.SessionsPath(), loading any
// existing registry from disk.
func NewStore(layout statestore.Layout) (*Store, error) {
	backing := statestore.NewStore[map[string]*Session](layout.SessionsPath())
	loaded, err := backing.Load()
	if err != nil {
		return nil, err
	}
	if loaded == nil {
		loaded = make(map[string]*Session)
	}
	return &Store{sessions: loaded, backing: backing}, nil
}

// GetOrCreate returns the session with id, creating a fresh no_plan session
// on first reference.
func (s *Store) GetOrCreate(id string) (*Session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = New(id)
		s.sessions[id] = sess
	}
	snapshot := *sess
	s.mu.Unlock()
	if !ok {
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
	}
	return &snapshot, nil
}

// Get returns the session with id, or nil if none exists.
func (s *Store) Get(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	cp := *sess
	return &cp
}

// Update applies fn to the session with id under the store lock and
// persists the result. Returns false if the session does not exist.
func (s *Store) Update(id string, fn func(*Session)) (bool, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	fn(sess)
	sess.UpdatedAt = time.Now()
	s.mu.Unlock()
	return true, s.persistLocked()
}

// List returns every session, sorted by id.
func (s *Store) List() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		cp := *sess
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove deletes a session from the registry (used when completeSession
// unregisters a finished session).
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	s.mu.Lock()
	snapshot := make(map[string]*Session, len(s.sessions))
	for id, sess := range s.sessions {
		cp := *sess
		snapshot[id] = &cp
	}
	s.mu.Unlock()
	return s.backing.Save(snapshot)
}
