// Package eventstore persists the append-only, per-submission event log. It
// is the single source of truth: every successful append is durable before
// the call returns, and the per-submission version sequence is strictly
// increasing with no gaps.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"paperline/internal/db"
	"paperline/internal/domain"
	"paperline/internal/domain/event"
)

var (
	// ErrVersionConflict means the expected version was stale: another
	// producer won the version slot. Re-read and retry.
	ErrVersionConflict = errors.New("version conflict")
	// ErrNotFound means the submission has no events.
	ErrNotFound = errors.New("submission not found")
	// ErrStorageUnavailable wraps transient backend failures. Retryable.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Store reads and appends submission events.
type Store struct {
	Conn *db.Conn
	Now  func() time.Time
}

func New(conn *db.Conn) Store {
	return Store{Conn: conn, Now: time.Now}
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Append commits one event in its own transaction. expectedVersion must equal
// the current stored version (0 when no events exist); the committed event
// gets version expectedVersion+1.
func (s Store) Append(ctx context.Context, submissionID string, expectedVersion int64, creator domain.Agent, p event.Payload) (event.Event, error) {
	tx, err := s.Conn.BeginTx(ctx, nil)
	if err != nil {
		return event.Event{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback()
	evt, err := s.AppendTx(ctx, tx, submissionID, expectedVersion, creator, p)
	if err != nil {
		return event.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return event.Event{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return evt, nil
}

// AppendTx commits one event inside the caller's transaction, so projections
// and outbox rows can advance atomically with the append.
func (s Store) AppendTx(ctx context.Context, tx *sql.Tx, submissionID string, expectedVersion int64, creator domain.Agent, p event.Payload) (event.Event, error) {
	current, err := currentVersionTx(ctx, s.Conn, tx, submissionID)
	if err != nil {
		return event.Event{}, err
	}
	if current != expectedVersion {
		return event.Event{}, fmt.Errorf("%w: expected %d, have %d", ErrVersionConflict, expectedVersion, current)
	}
	evt := event.Event{
		SubmissionID: submissionID,
		Version:      expectedVersion + 1,
		Type:         p.EventType(),
		Creator:      creator,
		CreatedAt:    s.now().UTC(),
		Payload:      p,
	}
	creatorJSON, err := json.Marshal(evt.Creator)
	if err != nil {
		return event.Event{}, fmt.Errorf("encode creator: %w", err)
	}
	payloadJSON, err := json.Marshal(evt.Payload)
	if err != nil {
		return event.Event{}, fmt.Errorf("encode payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.Conn.Rebind(
		`INSERT INTO events(submission_id,version,type,creator_json,payload_json,created_at) VALUES (?,?,?,?,?,?)`),
		evt.SubmissionID, evt.Version, evt.Type, string(creatorJSON), string(payloadJSON),
		evt.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		// Two producers can pass the version check concurrently; the unique
		// constraint on (submission_id, version) picks exactly one winner.
		if isUniqueViolation(err) {
			return event.Event{}, fmt.Errorf("%w: version %d already committed", ErrVersionConflict, evt.Version)
		}
		return event.Event{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return evt, nil
}

// Load returns the ordered event sequence for a submission. upTo == 0 loads
// the full history.
func (s Store) Load(ctx context.Context, submissionID string, upTo int64) ([]event.Event, error) {
	query := `SELECT submission_id,version,type,creator_json,payload_json,created_at
		FROM events WHERE submission_id=?`
	args := []any{submissionID}
	if upTo > 0 {
		query += ` AND version<=?`
		args = append(args, upTo)
	}
	query += ` ORDER BY version ASC`
	rows, err := s.Conn.QueryContext(ctx, s.Conn.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()
	var events []event.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, submissionID)
	}
	return events, nil
}

// Exists reports whether any event has been committed for the submission.
func (s Store) Exists(ctx context.Context, submissionID string) (bool, error) {
	v, err := s.CurrentVersion(ctx, submissionID)
	if err != nil {
		return false, err
	}
	return v > 0, nil
}

// CurrentVersion returns the latest committed version, 0 when none.
func (s Store) CurrentVersion(ctx context.Context, submissionID string) (int64, error) {
	return currentVersionTx(ctx, s.Conn, nil, submissionID)
}

// ListSubmissionIDs returns every submission with at least one event, for
// full projection rebuilds.
func (s Store) ListSubmissionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.Conn.QueryContext(ctx,
		`SELECT DISTINCT submission_id FROM events ORDER BY submission_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (event.Event, error) {
	var (
		evt         event.Event
		creatorJSON string
		payloadJSON string
		createdAt   string
	)
	if err := row.Scan(&evt.SubmissionID, &evt.Version, &evt.Type, &creatorJSON, &payloadJSON, &createdAt); err != nil {
		return event.Event{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := json.Unmarshal([]byte(creatorJSON), &evt.Creator); err != nil {
		return event.Event{}, fmt.Errorf("decode creator for %s v%d: %w", evt.SubmissionID, evt.Version, err)
	}
	p, err := event.DecodePayload(evt.Type, []byte(payloadJSON))
	if err != nil {
		return event.Event{}, fmt.Errorf("event %s v%d: %w", evt.SubmissionID, evt.Version, err)
	}
	evt.Payload = p
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return event.Event{}, fmt.Errorf("decode timestamp for %s v%d: %w", evt.SubmissionID, evt.Version, err)
	}
	evt.CreatedAt = ts
	return evt, nil
}

func currentVersionTx(ctx context.Context, conn *db.Conn, tx *sql.Tx, submissionID string) (int64, error) {
	query := conn.Rebind(`SELECT COALESCE(MAX(version),0) FROM events WHERE submission_id=?`)
	var row *sql.Row
	if tx != nil {
		row = tx.QueryRowContext(ctx, query, submissionID)
	} else {
		row = conn.QueryRowContext(ctx, query, submissionID)
	}
	var v int64
	if err := row.Scan(&v); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return v, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key")
}
