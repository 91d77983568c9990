package fathom

import (
	"context"
	"encoding/json"
	"time"
)

// SessionSchemaVersion is the current session envelope version. Stores
// refuse to load records written by a newer version; unknown fields in
// same-version records are ignored.
const SessionSchemaVersion = 1

// SessionRecord is the persisted form of an agent: the transcript plus
// the state snapshot, wrapped in a versioned envelope.
type SessionRecord struct {
	Version   int             `json:"version"`
	SessionID string          `json:"session_id"`
	Messages  []Message       `json:"messages"`
	State     json.RawMessage `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SessionStore persists session records. Implementations live in
// session/file, session/sqlite, and session/postgres.
//
// Load acquires the session for exclusive use: a second Load of the same
// id before Release must fail fast with ErrSessionBusy, never queue.
// Load returns ErrSessionNotFound for ids that were never saved; the
// caller treats that as a fresh session (the id stays acquired).
// A record that exists but cannot be decoded is a *SessionLoadError.
type SessionStore interface {
	Load(ctx context.Context, sessionID string) (*SessionRecord, error)
	Save(ctx context.Context, rec *SessionRecord) error
	Release(ctx context.Context, sessionID string) error
}

// snapshotSession builds the record for the agent's current transcript
// and state.
func snapshotSession(sessionID string, t *Transcript, s *State, createdAt time.Time) (*SessionRecord, error) {
	stateSnap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if createdAt.IsZero() {
		createdAt = now
	}
	return &SessionRecord{
		Version:   SessionSchemaVersion,
		SessionID: sessionID,
		Messages:  t.Messages(),
		State:     stateSnap,
		CreatedAt: createdAt,
		UpdatedAt: now,
	}, nil
}

// restoreSession rebuilds a transcript and state from a loaded record,
// validating both along the way.
func restoreSession(rec *SessionRecord) (*Transcript, *State, error) {
	if rec.Version > SessionSchemaVersion {
		return nil, nil, &SessionLoadError{
			SessionID: rec.SessionID,
			Reason:    "record written by a newer schema version",
		}
	}
	t, err := NewTranscriptFrom(rec.Messages)
	if err != nil {
		return nil, nil, &SessionLoadError{SessionID: rec.SessionID, Reason: "invalid transcript", Err: err}
	}
	if len(rec.State) == 0 {
		return nil, nil, &SessionLoadError{SessionID: rec.SessionID, Reason: "missing state"}
	}
	s, err := RestoreState(rec.State)
	if err != nil {
		return nil, nil, &SessionLoadError{SessionID: rec.SessionID, Reason: "invalid state", Err: err}
	}
	return t, s, nil
}
