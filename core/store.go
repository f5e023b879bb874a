package core

import (
	"context"
	"time"
)

// SessionHead is the metadata of a stored session without its message log.
type SessionHead struct {
	ID             string    `json:"id"`
	Cursor         string    `json:"cursor,omitempty"`
	State          State     `json:"state"`
	Reason         string    `json:"reason,omitempty"`
	PendingTurn    bool      `json:"pending_turn,omitempty"`
	Attempt        int       `json:"attempt"`
	Version        int64     `json:"version"`
	Messages       int       `json:"messages"`
	CreatedAt      time.Time `json:"created_at"`
	CheckpointedAt time.Time `json:"checkpointed_at"`
}

// Head extracts the metadata of s.
func (s *Session) Head() SessionHead {
	return SessionHead{
		ID:             s.ID,
		Cursor:         s.Cursor,
		State:          s.State,
		Reason:         s.Reason,
		PendingTurn:    s.PendingTurn,
		Attempt:        s.Attempt,
		Version:        s.Version,
		Messages:       len(s.Messages),
		CreatedAt:      s.CreatedAt,
		CheckpointedAt: s.CheckpointedAt,
	}
}

// SessionStore persists sessions keyed by id.
//
// Contract:
//   - Load returns a private copy or ErrSessionNotFound
//   - Save is atomic: the full history, cursor and state are written, or
//     nothing changes
//   - Save succeeds only when the stored revision equals session.Version
//     (zero: the id must not exist yet); on success it bumps Version and sets
//     CheckpointedAt on the passed session
//   - a Save racing another in-flight Save for the same id, or carrying a
//     stale Version, fails with ErrStoreConflict
//   - persistence failures wrap ErrStoreIO
type SessionStore interface {
	Load(ctx context.Context, id string) (*Session, error)
	LoadHead(ctx context.Context, id string) (SessionHead, error)
	Save(ctx context.Context, session *Session) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]SessionHead, error)
}
