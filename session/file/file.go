// Package file implements fathom.SessionStore with one JSON file per
// session under a directory. A sidecar lock file makes Load exclusive
// across processes: the second holder fails fast with
// fathom.ErrSessionBusy instead of queuing.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nevindra/fathom"
)

// StoreOption configures a file Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. If not set, no logs
// are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithStaleLockAfter treats lock files older than d as abandoned by a
// crashed process and takes them over. Zero (the default) never takes
// over a lock.
func WithStaleLockAfter(d time.Duration) StoreOption {
	return func(s *Store) { s.staleAfter = d }
}

// Store persists sessions as <id>.json files in a directory.
type Store struct {
	dir        string
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

// New creates a Store rooted at dir, creating the directory if needed.
func New(dir string, opts ...StoreOption) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	s := &Store{dir: dir, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("file: store opened", "dir", dir)
	return s, nil
}

// Load acquires the session lock and reads the record. Missing records
// return fathom.ErrSessionNotFound with the lock held, so a fresh
// session is still exclusively owned.
func (s *Store) Load(ctx context.Context, sessionID string) (*fathom.SessionRecord, error) {
	if err := validID(sessionID); err != nil {
		return nil, err
	}
	if err := s.acquireLock(sessionID); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.recordPath(sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Debug("file: session not found", "session_id", sessionID)
		return nil, fathom.ErrSessionNotFound
	}
	if err != nil {
		s.releaseLock(sessionID)
		return nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}

	var rec fathom.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.releaseLock(sessionID)
		return nil, &fathom.SessionLoadError{SessionID: sessionID, Reason: "malformed record file", Err: err}
	}
	s.logger.Debug("file: session loaded", "session_id", sessionID, "messages", len(rec.Messages))
	return &rec, nil
}

// Save writes the record atomically: a temp file in the same directory
// followed by a rename, so readers never see a torn write.
func (s *Store) Save(ctx context.Context, rec *fathom.SessionRecord) error {
	if err := validID(rec.SessionID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %s: %w", rec.SessionID, err)
	}

	tmp, err := os.CreateTemp(s.dir, rec.SessionID+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write session %s: %w", rec.SessionID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write session %s: %w", rec.SessionID, err)
	}
	if err := os.Rename(tmpName, s.recordPath(rec.SessionID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("save session %s: %w", rec.SessionID, err)
	}
	s.logger.Debug("file: session saved", "session_id", rec.SessionID, "bytes", len(data))
	return nil
}

// Release drops the session lock.
func (s *Store) Release(ctx context.Context, sessionID string) error {
	if err := validID(sessionID); err != nil {
		return err
	}
	s.releaseLock(sessionID)
	s.logger.Debug("file: session released", "session_id", sessionID)
	return nil
}

// ListSessions returns the ids of every saved session, sorted by name.
func (s *Store) ListSessions(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// Delete removes a saved session and its lock file.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := validID(sessionID); err != nil {
		return err
	}
	if err := os.Remove(s.recordPath(sessionID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	s.releaseLock(sessionID)
	return nil
}

// acquireLock creates the lock file with O_EXCL. An existing lock means
// another holder owns the session.
func (s *Store) acquireLock(sessionID string) error {
	path := s.lockPath(sessionID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		if s.takeOverStale(path) {
			return s.acquireLock(sessionID)
		}
		s.logger.Warn("file: session busy", "session_id", sessionID)
		return fathom.ErrSessionBusy
	}
	if err != nil {
		return fmt.Errorf("lock session %s: %w", sessionID, err)
	}
	fmt.Fprintf(f, "pid=%d acquired=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	return f.Close()
}

// takeOverStale removes a lock file older than staleAfter. Returns true
// when the lock was removed and acquisition should be retried.
func (s *Store) takeOverStale(path string) bool {
	if s.staleAfter <= 0 {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		// Lock vanished between the failed open and the stat; retry.
		return errors.Is(err, fs.ErrNotExist)
	}
	if time.Since(info.ModTime()) < s.staleAfter {
		return false
	}
	s.logger.Warn("file: taking over stale lock", "path", path, "age", time.Since(info.ModTime()))
	return os.Remove(path) == nil
}

func (s *Store) releaseLock(sessionID string) {
	_ = os.Remove(s.lockPath(sessionID))
}

func (s *Store) recordPath(id string) string { return filepath.Join(s.dir, id+".json") }
func (s *Store) lockPath(id string) string   { return filepath.Join(s.dir, id+".lock") }

// validID rejects ids that would escape the store directory or collide
// with the lock naming scheme.
func validID(id string) error {
	if id == "" {
		return fmt.Errorf("empty session id")
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}
