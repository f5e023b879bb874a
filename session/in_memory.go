package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/researchmesh/core"
)

// InMemoryStore is a volatile SessionStore implementation storing
// sessions in a process local map. It is safe for concurrent access and best
// suited for tests or ephemeral runs. Sessions are cloned on the way in and
// out to prevent external mutation of internal state.
type InMemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*core.Session
	inflight map[string]struct{}
	now      func() time.Time
}

// NewInMemoryStore constructs an empty in‑memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*core.Session),
		inflight: make(map[string]struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Load returns a clone of the stored session.
func (s *InMemoryStore) Load(ctx context.Context, id string) (*core.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, &core.StoreError{Op: "load", SessionID: id, Err: core.ErrSessionNotFound}
	}

	return sess.Clone(), nil
}

// LoadHead returns the metadata of the stored session.
func (s *InMemoryStore) LoadHead(ctx context.Context, id string) (core.SessionHead, error) {
	if err := ctx.Err(); err != nil {
		return core.SessionHead{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return core.SessionHead{}, &core.StoreError{Op: "load", SessionID: id, Err: core.ErrSessionNotFound}
	}

	return sess.Head(), nil
}

// Save stores a clone of session if its Version matches the stored revision.
// The snapshot is taken outside the lock; a second Save for the same id
// arriving meanwhile is rejected with ErrStoreConflict.
func (s *InMemoryStore) Save(ctx context.Context, session *core.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if session == nil || session.ID == "" {
		return core.NewStoreIOError("save", "", fmt.Errorf("session id is required"))
	}

	id := session.ID

	s.mu.Lock()
	if _, busy := s.inflight[id]; busy {
		s.mu.Unlock()
		return core.NewStoreConflictError(id, "save already in flight")
	}
	if err := s.checkVersionLocked(session); err != nil {
		s.mu.Unlock()
		return err
	}
	s.inflight[id] = struct{}{}
	s.mu.Unlock()

	snapshot := session.Clone()
	snapshot.Version = session.Version + 1
	snapshot.CheckpointedAt = s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)

	s.sessions[id] = snapshot
	session.Version = snapshot.Version
	session.CheckpointedAt = snapshot.CheckpointedAt

	return nil
}

func (s *InMemoryStore) checkVersionLocked(session *core.Session) error {
	stored, ok := s.sessions[session.ID]

	switch {
	case !ok && session.Version != 0:
		return core.NewStoreConflictError(session.ID, fmt.Sprintf("version %d of a session that does not exist", session.Version))
	case ok && stored.Version != session.Version:
		return core.NewStoreConflictError(session.ID, fmt.Sprintf("stale version %d, stored %d", session.Version, stored.Version))
	}

	return nil
}

// Delete removes a session. Deleting an unknown id is not an error.
func (s *InMemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)

	return nil
}

// List returns the heads of all stored sessions ordered by id.
func (s *InMemoryStore) List(ctx context.Context) ([]core.SessionHead, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	heads := make([]core.SessionHead, 0, len(s.sessions))
	for _, sess := range s.sessions {
		heads = append(heads, sess.Head())
	}
	s.mu.Unlock()

	sort.Slice(heads, func(i, j int) bool { return heads[i].ID < heads[j].ID })

	return heads, nil
}
