package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"paperline/internal/db"
)

var ErrWebhookNotFound = errors.New("webhook not found")

// Webhook is a registered delivery target. Events lists the event type
// patterns it subscribes to ('*' suffix wildcard, empty means all); Cursor is
// the highest outbox id already enqueued for it.
type Webhook struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Events    []string  `json:"events,omitempty"`
	Enabled   bool      `json:"enabled"`
	Cursor    int64     `json:"cursor"`
	CreatedAt time.Time `json:"created_at"`
}

// Wants reports whether the webhook subscribes to an event type.
func (w Webhook) Wants(eventType string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, pattern := range w.Events {
		if pattern == "*" || pattern == eventType {
			return true
		}
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok && strings.HasPrefix(eventType, prefix) {
			return true
		}
	}
	return false
}

// WebhookStore persists webhook registrations.
type WebhookStore struct {
	Conn *db.Conn
}

func (s WebhookStore) Create(ctx context.Context, url, secret string, events []string) (Webhook, error) {
	w := Webhook{
		ID:        uuid.NewString(),
		URL:       url,
		Secret:    secret,
		Events:    events,
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	eventsJSON, err := json.Marshal(w.Events)
	if err != nil {
		return Webhook{}, err
	}
	_, err = s.Conn.ExecContext(ctx, s.Conn.Rebind(
		`INSERT INTO webhooks(id,url,secret,events_json,enabled,cursor,created_at)
		 VALUES (?,?,?,?,1,0,?)`),
		w.ID, w.URL, w.Secret, string(eventsJSON), w.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Webhook{}, fmt.Errorf("create webhook: %w", err)
	}
	return w, nil
}

func (s WebhookStore) Get(ctx context.Context, id string) (Webhook, error) {
	row := s.Conn.QueryRowContext(ctx, s.Conn.Rebind(
		`SELECT id,url,secret,events_json,enabled,cursor,created_at FROM webhooks WHERE id=?`), id)
	w, err := scanWebhook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Webhook{}, fmt.Errorf("%w: %s", ErrWebhookNotFound, id)
	}
	return w, err
}

// List returns all webhooks; enabledOnly restricts to active ones.
func (s WebhookStore) List(ctx context.Context, enabledOnly bool) ([]Webhook, error) {
	query := `SELECT id,url,secret,events_json,enabled,cursor,created_at FROM webhooks`
	if enabledOnly {
		query += ` WHERE enabled=1`
	}
	query += ` ORDER BY created_at`
	rows, err := s.Conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var hooks []Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, w)
	}
	return hooks, rows.Err()
}

func (s WebhookStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.Conn.ExecContext(ctx, s.Conn.Rebind(
		`UPDATE webhooks SET enabled=? WHERE id=?`), enabled, id)
	if err != nil {
		return err
	}
	return requireHit(res, id)
}

func (s WebhookStore) Delete(ctx context.Context, id string) error {
	res, err := s.Conn.ExecContext(ctx, s.Conn.Rebind(
		`DELETE FROM webhooks WHERE id=?`), id)
	if err != nil {
		return err
	}
	return requireHit(res, id)
}

// AdvanceCursor moves the enqueue cursor forward; it never rewinds.
func (s WebhookStore) AdvanceCursor(ctx context.Context, id string, cursor int64) error {
	_, err := s.Conn.ExecContext(ctx, s.Conn.Rebind(
		`UPDATE webhooks SET cursor=? WHERE id=? AND cursor<?`), cursor, id, cursor)
	return err
}

// DeadLetter is a delivery abandoned after exhausting retries.
type DeadLetter struct {
	ID        string          `json:"id"`
	WebhookID string          `json:"webhook_id"`
	OutboxID  int64           `json:"outbox_id"`
	Event     json.RawMessage `json:"event"`
	Reason    string          `json:"reason"`
	CreatedAt time.Time       `json:"created_at"`
}

func (s WebhookStore) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	rows, err := s.Conn.QueryContext(ctx, s.Conn.Rebind(
		`SELECT id,webhook_id,outbox_id,event_json,reason,created_at
		 FROM webhook_dead_letters ORDER BY created_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var letters []DeadLetter
	for rows.Next() {
		var (
			d         DeadLetter
			eventJSON string
			createdAt string
		)
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.OutboxID, &eventJSON, &d.Reason, &createdAt); err != nil {
			return nil, err
		}
		d.Event = json.RawMessage(eventJSON)
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("decode dead letter %s timestamp: %w", d.ID, err)
		}
		d.CreatedAt = ts
		letters = append(letters, d)
	}
	return letters, rows.Err()
}

func requireHit(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrWebhookNotFound, id)
	}
	return nil
}

func scanWebhook(row rowScanner) (Webhook, error) {
	var (
		w          Webhook
		eventsJSON string
		createdAt  string
	)
	if err := row.Scan(&w.ID, &w.URL, &w.Secret, &eventsJSON, &w.Enabled, &w.Cursor, &createdAt); err != nil {
		return Webhook{}, err
	}
	if err := json.Unmarshal([]byte(eventsJSON), &w.Events); err != nil {
		return Webhook{}, fmt.Errorf("decode webhook %s events: %w", w.ID, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Webhook{}, fmt.Errorf("decode webhook %s timestamp: %w", w.ID, err)
	}
	w.CreatedAt = ts
	return w, nil
}
