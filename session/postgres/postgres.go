// Package postgres implements fathom.SessionStore using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool. Session exclusivity
// is a claims table shared by every process pointing at the database:
// the INSERT that claims a session is the lock.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/fathom"
)

// Store implements fathom.SessionStore backed by PostgreSQL.
type Store struct {
	pool       *pgxpool.Pool
	holder     string
	staleAfter time.Duration
}

// Option configures a PostgreSQL Store.
type Option func(*Store)

// WithStaleClaimAfter treats claims older than d as abandoned by a
// crashed process and takes them over. Zero (the default) never takes
// over a claim.
func WithStaleClaimAfter(d time.Duration) Option {
	return func(s *Store) { s.staleAfter = d }
}

var _ fathom.SessionStore = (*Store)(nil)

// uniqueViolation is the PostgreSQL error code for unique_violation.
const uniqueViolation = "23505"

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, holder: fathom.NewID()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			record JSONB NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_claims (
			session_id TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			claimed_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sessions_updated_idx ON sessions(updated_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	return nil
}

// Load claims the session and reads its record. A session claimed by
// another holder fails fast with fathom.ErrSessionBusy; a session never
// saved returns fathom.ErrSessionNotFound with the claim held.
func (s *Store) Load(ctx context.Context, sessionID string) (*fathom.SessionRecord, error) {
	if err := s.claim(ctx, sessionID); err != nil {
		return nil, err
	}

	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM sessions WHERE id = $1`, sessionID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fathom.ErrSessionNotFound
	}
	if err != nil {
		s.unclaim(ctx, sessionID)
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	var rec fathom.SessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.unclaim(ctx, sessionID)
		return nil, &fathom.SessionLoadError{SessionID: sessionID, Reason: "malformed record row", Err: err}
	}
	return &rec, nil
}

// Save upserts the session record.
func (s *Store) Save(ctx context.Context, rec *fathom.SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", rec.SessionID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (id, record, created_at, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET record = EXCLUDED.record, updated_at = EXCLUDED.updated_at`,
		rec.SessionID, data, rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", rec.SessionID, err)
	}
	return nil
}

// Release drops this holder's claim. Claims held by other holders are
// left alone.
func (s *Store) Release(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM session_claims WHERE session_id = $1 AND holder = $2`,
		sessionID, s.holder,
	)
	if err != nil {
		return fmt.Errorf("release session %s: %w", sessionID, err)
	}
	return nil
}

// ListSessions returns the ids of every saved session, most recently
// updated first.
func (s *Store) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes a saved session and any claim on it.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	_, _ = s.pool.Exec(ctx, `DELETE FROM session_claims WHERE session_id = $1`, sessionID)
	return nil
}

func (s *Store) claim(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_claims (session_id, holder, claimed_at) VALUES ($1, $2, $3)`,
		sessionID, s.holder, time.Now().UnixMilli(),
	)
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return fmt.Errorf("claim session %s: %w", sessionID, err)
	}
	if s.takeOverStale(ctx, sessionID) {
		return s.claim(ctx, sessionID)
	}
	return fathom.ErrSessionBusy
}

// takeOverStale deletes a claim older than staleAfter. Returns true when
// the claim was removed and acquisition should be retried.
func (s *Store) takeOverStale(ctx context.Context, sessionID string) bool {
	if s.staleAfter <= 0 {
		return false
	}
	cutoff := time.Now().Add(-s.staleAfter).UnixMilli()
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM session_claims WHERE session_id = $1 AND claimed_at < $2`,
		sessionID, cutoff,
	)
	return err == nil && tag.RowsAffected() > 0
}

func (s *Store) unclaim(ctx context.Context, sessionID string) {
	_, _ = s.pool.Exec(ctx,
		`DELETE FROM session_claims WHERE session_id = $1 AND holder = $2`,
		sessionID, s.holder,
	)
}
