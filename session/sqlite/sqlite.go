// Package sqlite implements fathom.SessionStore using pure-Go SQLite.
// Zero CGO required. Session exclusivity is a claims table: the INSERT
// that claims a session is the lock, so the busy check works across
// processes sharing the database file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/fathom"

	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing. If not set, no
// logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithStaleClaimAfter treats claims older than d as abandoned by a
// crashed process and takes them over. Zero (the default) never takes
// over a claim.
func WithStaleClaimAfter(d time.Duration) StoreOption {
	return func(s *Store) { s.staleAfter = d }
}

// Store implements fathom.SessionStore backed by a local SQLite file.
type Store struct {
	db         *sql.DB
	holder     string
	logger     *slog.Logger
	staleAfter time.Duration
}

var _ fathom.SessionStore = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so
// that all goroutines serialize through one connection, eliminating
// SQLITE_BUSY errors caused by concurrent writers opening independent
// connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, holder: fathom.NewID(), logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: session store opened", "path", dbPath, "holder", s.holder)
	return s
}

// Init creates the required tables. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			record TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_claims (
			session_id TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			claimed_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	s.logger.Debug("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Load claims the session and reads its record. A session claimed by
// another holder fails fast with fathom.ErrSessionBusy; a session never
// saved returns fathom.ErrSessionNotFound with the claim held.
func (s *Store) Load(ctx context.Context, sessionID string) (*fathom.SessionRecord, error) {
	start := time.Now()
	if err := s.claim(ctx, sessionID); err != nil {
		return nil, err
	}

	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM sessions WHERE id = ?`, sessionID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Debug("sqlite: session not found", "session_id", sessionID, "duration", time.Since(start))
		return nil, fathom.ErrSessionNotFound
	}
	if err != nil {
		s.unclaim(ctx, sessionID)
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	var rec fathom.SessionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		s.unclaim(ctx, sessionID)
		return nil, &fathom.SessionLoadError{SessionID: sessionID, Reason: "malformed record row", Err: err}
	}
	s.logger.Debug("sqlite: session loaded", "session_id", sessionID, "messages", len(rec.Messages), "duration", time.Since(start))
	return &rec, nil
}

// Save upserts the session record.
func (s *Store) Save(ctx context.Context, rec *fathom.SessionRecord) error {
	start := time.Now()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", rec.SessionID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, record, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
		rec.SessionID, string(data), rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		s.logger.Error("sqlite: save session failed", "session_id", rec.SessionID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("save session %s: %w", rec.SessionID, err)
	}
	s.logger.Debug("sqlite: session saved", "session_id", rec.SessionID, "bytes", len(data), "duration", time.Since(start))
	return nil
}

// Release drops this holder's claim. Claims held by other holders are
// left alone.
func (s *Store) Release(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM session_claims WHERE session_id = ? AND holder = ?`,
		sessionID, s.holder,
	)
	if err != nil {
		return fmt.Errorf("release session %s: %w", sessionID, err)
	}
	s.logger.Debug("sqlite: session released", "session_id", sessionID)
	return nil
}

// ListSessions returns the ids of every saved session, most recently
// updated first.
func (s *Store) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions ORDER BY updated_at DESC`)
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
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	_, _ = s.db.ExecContext(ctx, `DELETE FROM session_claims WHERE session_id = ?`, sessionID)
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing session store")
	return s.db.Close()
}

// claim inserts the holder row. A primary-key conflict means another
// holder owns the session.
func (s *Store) claim(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_claims (session_id, holder, claimed_at) VALUES (?, ?, ?)`,
		sessionID, s.holder, time.Now().UnixMilli(),
	)
	if err == nil {
		return nil
	}
	if !isConstraintViolation(err) {
		return fmt.Errorf("claim session %s: %w", sessionID, err)
	}
	if s.takeOverStale(ctx, sessionID) {
		return s.claim(ctx, sessionID)
	}
	s.logger.Warn("sqlite: session busy", "session_id", sessionID)
	return fathom.ErrSessionBusy
}

// takeOverStale deletes a claim older than staleAfter. Returns true when
// the claim was removed and acquisition should be retried.
func (s *Store) takeOverStale(ctx context.Context, sessionID string) bool {
	if s.staleAfter <= 0 {
		return false
	}
	cutoff := time.Now().Add(-s.staleAfter).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM session_claims WHERE session_id = ? AND claimed_at < ?`,
		sessionID, cutoff,
	)
	if err != nil {
		return false
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Warn("sqlite: taking over stale claim", "session_id", sessionID)
	}
	return n > 0
}

func (s *Store) unclaim(ctx context.Context, sessionID string) {
	_, _ = s.db.ExecContext(ctx,
		`DELETE FROM session_claims WHERE session_id = ? AND holder = ?`,
		sessionID, s.holder,
	)
}

// isConstraintViolation reports whether err is a SQLite primary-key or
// unique constraint failure.
func isConstraintViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlitelib.SQLITE_CONSTRAINT,
		sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY,
		sqlitelib.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}
