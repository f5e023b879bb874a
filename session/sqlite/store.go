// Package sqlite provides a durable core.SessionStore backed by SQLite.
//
// Each session is stored as a single row holding the JSON encoded session
// document next to its head columns (state, cursor, attempt, message count and
// timestamps), so heads and listings are read without decoding the history. Saves are single-row upserts inside a transaction guarded by a
// version predicate.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hupe1980/researchmesh/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	version      INTEGER NOT NULL,
	state        TEXT NOT NULL,
	reason       TEXT NOT NULL DEFAULT '',
	cursor       TEXT NOT NULL DEFAULT '',
	pending_turn INTEGER NOT NULL DEFAULT 0,
	attempt      INTEGER NOT NULL DEFAULT 1,
	messages     INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL,
	body         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
`

// Options configures a Store.
type Options struct {
	// BusyTimeout is how long SQLite waits on a locked database.
	BusyTimeout time.Duration
	// WAL enables write-ahead logging.
	WAL bool
}

// Store is a SessionStore persisting sessions in a SQLite database file.
type Store struct {
	db       *sql.DB
	mu       sync.Mutex
	inflight map[string]struct{}
	now      func() time.Time
}

// Open opens (and if needed creates) the database at path. Use ":memory:"
// for a private in-memory database.
func Open(path string, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{
		BusyTimeout: 5 * time.Second,
		WAL:         true,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=%d", path, opts.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if opts.WAL && path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{
		db:       db,
		inflight: make(map[string]struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load reads and decodes the session document.
func (s *Store) Load(ctx context.Context, id string) (*core.Session, error) {
	var (
		version int64
		body    string
	)

	err := s.db.QueryRowContext(ctx, "SELECT version, body FROM sessions WHERE id = ?", id).Scan(&version, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.StoreError{Op: "load", SessionID: id, Err: core.ErrSessionNotFound}
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, core.NewStoreIOError("load", id, err)
	}

	var sess core.Session
	if err := json.Unmarshal([]byte(body), &sess); err != nil {
		return nil, core.NewStoreIOError("load", id, fmt.Errorf("decode body: %w", err))
	}

	sess.Version = version

	return &sess, nil
}

const headColumns = "id, version, state, reason, cursor, pending_turn, attempt, messages, created_at, updated_at"

// LoadHead returns the session metadata from the head columns; the message
// log is not read.
func (s *Store) LoadHead(ctx context.Context, id string) (core.SessionHead, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+headColumns+" FROM sessions WHERE id = ?", id)

	head, err := scanHead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.SessionHead{}, &core.StoreError{Op: "load", SessionID: id, Err: core.ErrSessionNotFound}
	}
	if err != nil {
		if ctx.Err() != nil {
			return core.SessionHead{}, ctx.Err()
		}
		return core.SessionHead{}, core.NewStoreIOError("load", id, err)
	}

	return head, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHead(row scanner) (core.SessionHead, error) {
	var (
		head  core.SessionHead
		state string
	)

	err := row.Scan(&head.ID, &head.Version, &state, &head.Reason, &head.Cursor,
		&head.PendingTurn, &head.Attempt, &head.Messages, &head.CreatedAt, &head.CheckpointedAt)
	if err != nil {
		return core.SessionHead{}, err
	}

	head.State = core.State(state)

	return head, nil
}

// Save writes session if the stored version equals session.Version.
func (s *Store) Save(ctx context.Context, session *core.Session) error {
	if session == nil || session.ID == "" {
		return core.NewStoreIOError("save", "", errors.New("session id is required"))
	}

	id := session.ID

	if !s.acquire(id) {
		return core.NewStoreConflictError(id, "save already in flight")
	}
	defer s.release(id)

	snapshot := session.Clone()
	snapshot.Version = session.Version + 1
	snapshot.CheckpointedAt = s.now()

	body, err := json.Marshal(snapshot)
	if err != nil {
		return core.NewStoreIOError("save", id, fmt.Errorf("encode body: %w", err))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.ioError(ctx, id, err)
	}
	defer func() { _ = tx.Rollback() }()

	var result sql.Result
	if session.Version == 0 {
		result, err = tx.ExecContext(ctx,
			`INSERT INTO sessions (id, version, state, reason, cursor, pending_turn, attempt, messages, created_at, updated_at, body)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO NOTHING`,
			id, snapshot.Version, string(snapshot.State), snapshot.Reason, snapshot.Cursor, snapshot.PendingTurn,
			snapshot.Attempt, snapshot.Len(), snapshot.CreatedAt, snapshot.CheckpointedAt, string(body),
		)
	} else {
		result, err = tx.ExecContext(ctx,
			`UPDATE sessions SET version = ?, state = ?, reason = ?, cursor = ?, pending_turn = ?, attempt = ?,
			 messages = ?, created_at = ?, updated_at = ?, body = ?
			 WHERE id = ? AND version = ?`,
			snapshot.Version, string(snapshot.State), snapshot.Reason, snapshot.Cursor, snapshot.PendingTurn,
			snapshot.Attempt, snapshot.Len(), snapshot.CreatedAt, snapshot.CheckpointedAt, string(body),
			id, session.Version,
		)
	}
	if err != nil {
		return s.ioError(ctx, id, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return s.ioError(ctx, id, err)
	}
	if n == 0 {
		return core.NewStoreConflictError(id, fmt.Sprintf("version %d is not the stored revision", session.Version))
	}

	if err := tx.Commit(); err != nil {
		return s.ioError(ctx, id, err)
	}

	session.Version = snapshot.Version
	session.CheckpointedAt = snapshot.CheckpointedAt

	return nil
}

// Delete removes a session. Deleting an unknown id is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return s.ioError(ctx, id, err)
	}
	return nil
}

// List returns the heads of all sessions ordered by id.
func (s *Store) List(ctx context.Context) ([]core.SessionHead, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+headColumns+" FROM sessions ORDER BY id")
	if err != nil {
		return nil, s.ioError(ctx, "", err)
	}
	defer func() { _ = rows.Close() }()

	heads := []core.SessionHead{}
	for rows.Next() {
		head, err := scanHead(rows)
		if err != nil {
			return nil, s.ioError(ctx, "", err)
		}
		heads = append(heads, head)
	}
	if err := rows.Err(); err != nil {
		return nil, s.ioError(ctx, "", err)
	}

	return heads, nil
}

func (s *Store) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Store) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
}

func (s *Store) ioError(ctx context.Context, id string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return core.NewStoreIOError("save", id, err)
}
