// Package notify fans committed events out to consumers: a redis channel for
// live subscribers and registered webhooks with at-least-once delivery. The
// outbox table decouples delivery from the commit path; rows are written in
// the same transaction as the event and drained asynchronously.
package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"paperline/internal/db"
	"paperline/internal/domain/event"
)

// OutboxRow is one committed event awaiting fan-out.
type OutboxRow struct {
	ID           int64       `json:"id"`
	SubmissionID string      `json:"submission_id"`
	Version      int64       `json:"version"`
	EventType    string      `json:"event_type"`
	Event        event.Event `json:"event"`
	CreatedAt    time.Time   `json:"created_at"`
	BrokerSent   bool        `json:"broker_sent"`
}

// Outbox stores committed events for asynchronous delivery.
type Outbox struct {
	Conn *db.Conn
}

// InsertTx records an event for fan-out inside the caller's transaction, so
// the outbox row commits atomically with the event itself. Duplicate
// (submission, version) pairs are ignored: the event store already guarantees
// a single writer per version.
func (o Outbox) InsertTx(ctx context.Context, tx *sql.Tx, evt event.Event) error {
	eventJSON, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode outbox event: %w", err)
	}
	_, err = tx.ExecContext(ctx, o.Conn.Rebind(
		`INSERT INTO outbox(submission_id,version,event_type,event_json,created_at,broker_sent)
		 VALUES (?,?,?,?,?,0) ON CONFLICT (submission_id, version) DO NOTHING`),
		evt.SubmissionID, evt.Version, evt.Type, string(eventJSON),
		evt.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert outbox row: %w", err)
	}
	return nil
}

// PendingBroker returns rows not yet published to the broker, oldest first.
func (o Outbox) PendingBroker(ctx context.Context, limit int) ([]OutboxRow, error) {
	rows, err := o.Conn.QueryContext(ctx, o.Conn.Rebind(
		`SELECT id,submission_id,version,event_type,event_json,created_at,broker_sent
		 FROM outbox WHERE broker_sent=0 ORDER BY id ASC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOutboxRows(rows)
}

// After returns rows with id greater than cursor, oldest first. Webhook
// delivery uses this to enqueue work past each hook's cursor.
func (o Outbox) After(ctx context.Context, cursor int64, limit int) ([]OutboxRow, error) {
	rows, err := o.Conn.QueryContext(ctx, o.Conn.Rebind(
		`SELECT id,submission_id,version,event_type,event_json,created_at,broker_sent
		 FROM outbox WHERE id>? ORDER BY id ASC LIMIT ?`), cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOutboxRows(rows)
}

// Latest returns the most recently committed rows, newest first.
func (o Outbox) Latest(ctx context.Context, limit int) ([]OutboxRow, error) {
	rows, err := o.Conn.QueryContext(ctx, o.Conn.Rebind(
		`SELECT id,submission_id,version,event_type,event_json,created_at,broker_sent
		 FROM outbox ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOutboxRows(rows)
}

// Get loads a single outbox row by id.
func (o Outbox) Get(ctx context.Context, id int64) (OutboxRow, error) {
	row := o.Conn.QueryRowContext(ctx, o.Conn.Rebind(
		`SELECT id,submission_id,version,event_type,event_json,created_at,broker_sent
		 FROM outbox WHERE id=?`), id)
	return scanOutboxRow(row)
}

// MarkBrokerSent records that the row reached the broker.
func (o Outbox) MarkBrokerSent(ctx context.Context, id int64) error {
	_, err := o.Conn.ExecContext(ctx, o.Conn.Rebind(
		`UPDATE outbox SET broker_sent=1 WHERE id=?`), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxRows(rows *sql.Rows) ([]OutboxRow, error) {
	var out []OutboxRow
	for rows.Next() {
		r, err := scanOutboxRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanOutboxRow(row rowScanner) (OutboxRow, error) {
	var (
		r         OutboxRow
		eventJSON string
		createdAt string
	)
	if err := row.Scan(&r.ID, &r.SubmissionID, &r.Version, &r.EventType, &eventJSON, &createdAt, &r.BrokerSent); err != nil {
		return OutboxRow{}, err
	}
	if err := json.Unmarshal([]byte(eventJSON), &r.Event); err != nil {
		return OutboxRow{}, fmt.Errorf("decode outbox row %d: %w", r.ID, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return OutboxRow{}, fmt.Errorf("decode outbox row %d timestamp: %w", r.ID, err)
	}
	r.CreatedAt = ts
	return r, nil
}
