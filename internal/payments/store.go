package payments

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// Mutation edits a session inside a transition. Returning an error aborts
// the transition without writing.
type Mutation func(*Session) error

// Store persists sessions. Transition is the only write path for existing
// sessions and must be atomic: the state check and the write happen as one
// step, so two concurrent transitions out of the same state cannot both win.
type Store interface {
	Create(ctx context.Context, session Session) error
	Get(ctx context.Context, id string) (Session, error)
	// Transition applies mutate when the session is in one of from. When it
	// is not, the current session is returned with ErrInvalidState.
	Transition(ctx context.Context, id string, from []State, mutate Mutation) (Session, error)
	// ListExpired returns created or authorized sessions whose deadline is before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Session, error)
	// ListStale returns sessions in state last updated before the given time.
	ListStale(ctx context.Context, state State, before time.Time, limit int) ([]Session, error)
	// Purge deletes terminal sessions last updated before the given time.
	Purge(ctx context.Context, before time.Time) (int, error)
}

type memoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewMemoryStore returns a process-local Store.
func NewMemoryStore() Store {
	return &memoryStore{sessions: make(map[string]Session)}
}

func (s *memoryStore) Create(_ context.Context, session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; ok {
		return ErrAlreadyExists
	}
	s.sessions[session.ID] = session
	return nil
}

func (s *memoryStore) Get(_ context.Context, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return session, nil
}

func (s *memoryStore) Transition(_ context.Context, id string, from []State, mutate Mutation) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	if !slices.Contains(from, current.State) {
		return current, ErrInvalidState
	}
	next := current
	if err := mutate(&next); err != nil {
		return current, err
	}
	next.ID = current.ID
	s.sessions[id] = next
	return next, nil
}

func (s *memoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]Session, error) {
	return s.collect(limit, func(session Session) bool {
		return session.State.Expirable() && now.After(session.ExpiresAt)
	}, func(session Session) time.Time { return session.ExpiresAt }), nil
}

func (s *memoryStore) ListStale(_ context.Context, state State, before time.Time, limit int) ([]Session, error) {
	return s.collect(limit, func(session Session) bool {
		return session.State == state && session.UpdatedAt.Before(before)
	}, func(session Session) time.Time { return session.UpdatedAt }), nil
}

func (s *memoryStore) Purge(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, session := range s.sessions {
		if session.State.Terminal() && session.UpdatedAt.Before(before) {
			delete(s.sessions, id)
			purged++
		}
	}
	return purged, nil
}

func (s *memoryStore) collect(limit int, keep func(Session) bool, order func(Session) time.Time) []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Session
	for _, session := range s.sessions {
		if keep(session) {
			out = append(out, session)
		}
	}
	sort.Slice(out, func(i, j int) bool { return order(out[i]).Before(order(out[j])) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
