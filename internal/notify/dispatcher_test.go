package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"paperline/internal/db"
	"paperline/internal/domain"
	"paperline/internal/domain/event"
	"paperline/internal/migrate"
)

func newNotifyEnv(t *testing.T) (*db.Conn, *Dispatcher) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	d := NewDispatcher(conn, nil, log.New(io.Discard, "", 0))
	d.Now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }
	return conn, d
}

func insertEvent(t *testing.T, conn *db.Conn, version int64, p event.Payload) event.Event {
	t.Helper()
	evt := event.Event{
		SubmissionID: "sub-1",
		Version:      version,
		Type:         p.EventType(),
		Creator:      domain.User("alice"),
		CreatedAt:    time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		Payload:      p,
	}
	tx, err := conn.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := (Outbox{Conn: conn}).InsertTx(context.Background(), tx, evt); err != nil {
		t.Fatalf("insert outbox: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return evt
}

type capture struct {
	mu     sync.Mutex
	bodies [][]byte
	heads  []http.Header
	status int
}

func (c *capture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.heads = append(c.heads, r.Header.Clone())
		status := c.status
		c.mu.Unlock()
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
	}
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func TestDrainDeliversWithSignature(t *testing.T) {
	conn, d := newNotifyEnv(t)
	ctx := context.Background()

	recv := &capture{}
	srv := httptest.NewServer(recv.handler())
	defer srv.Close()

	hook, err := d.Webhooks.Create(ctx, srv.URL, "s3cret", nil)
	if err != nil {
		t.Fatalf("create webhook: %v", err)
	}
	evt := insertEvent(t, conn, 1, &event.CreateSubmission{})

	if err := d.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if recv.count() != 1 {
		t.Fatalf("expected 1 delivery, got %d", recv.count())
	}

	var got event.Event
	if err := json.Unmarshal(recv.bodies[0], &got); err != nil {
		t.Fatalf("decode delivered event: %v", err)
	}
	if got.SubmissionID != evt.SubmissionID || got.Type != evt.Type {
		t.Fatalf("delivered %s/%s", got.SubmissionID, got.Type)
	}

	head := recv.heads[0]
	if head.Get("X-Paperline-Event") != "CreateSubmission" {
		t.Fatalf("event header: %q", head.Get("X-Paperline-Event"))
	}
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(recv.bodies[0])
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if head.Get("X-Paperline-Signature") != want {
		t.Fatalf("signature: got %q want %q", head.Get("X-Paperline-Signature"), want)
	}

	// Delivered rows do not fire again.
	if err := d.Drain(ctx); err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if recv.count() != 1 {
		t.Fatalf("redelivered: %d", recv.count())
	}
	var status string
	row := conn.QueryRow(conn.Rebind(`SELECT status FROM webhook_deliveries WHERE webhook_id=?`), hook.ID)
	if err := row.Scan(&status); err != nil {
		t.Fatalf("read delivery: %v", err)
	}
	if status != DeliveryDelivered {
		t.Fatalf("status %q", status)
	}
}

func TestDrainFiltersByEventPattern(t *testing.T) {
	conn, d := newNotifyEnv(t)
	ctx := context.Background()

	recv := &capture{}
	srv := httptest.NewServer(recv.handler())
	defer srv.Close()

	if _, err := d.Webhooks.Create(ctx, srv.URL, "", []string{"Set*"}); err != nil {
		t.Fatalf("create webhook: %v", err)
	}
	insertEvent(t, conn, 1, &event.CreateSubmission{})
	insertEvent(t, conn, 2, &event.SetTitle{Title: "filtered"})

	if err := d.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if recv.count() != 1 {
		t.Fatalf("expected 1 filtered delivery, got %d", recv.count())
	}
	if recv.heads[0].Get("X-Paperline-Event") != "SetTitle" {
		t.Fatalf("delivered wrong event: %q", recv.heads[0].Get("X-Paperline-Event"))
	}
	// The cursor still advanced past the skipped event.
	hooks, err := d.Webhooks.List(ctx, true)
	if err != nil || len(hooks) != 1 {
		t.Fatalf("list hooks: %v", err)
	}
	if hooks[0].Cursor != 2 {
		t.Fatalf("cursor %d", hooks[0].Cursor)
	}
}

func TestFailedDeliveryBacksOff(t *testing.T) {
	conn, d := newNotifyEnv(t)
	ctx := context.Background()

	recv := &capture{status: http.StatusInternalServerError}
	srv := httptest.NewServer(recv.handler())
	defer srv.Close()

	hook, err := d.Webhooks.Create(ctx, srv.URL, "", nil)
	if err != nil {
		t.Fatalf("create webhook: %v", err)
	}
	insertEvent(t, conn, 1, &event.CreateSubmission{})

	if err := d.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if recv.count() != 1 {
		t.Fatalf("attempts: %d", recv.count())
	}

	var (
		status      string
		attempts    int
		lastError   string
		nextAttempt string
	)
	row := conn.QueryRow(conn.Rebind(
		`SELECT status,attempts,last_error,next_attempt_at FROM webhook_deliveries WHERE webhook_id=?`), hook.ID)
	if err := row.Scan(&status, &attempts, &lastError, &nextAttempt); err != nil {
		t.Fatalf("read delivery: %v", err)
	}
	if status != DeliveryPending || attempts != 1 || lastError == "" {
		t.Fatalf("delivery after failure: status=%s attempts=%d err=%q", status, attempts, lastError)
	}
	next, err := time.Parse(time.RFC3339Nano, nextAttempt)
	if err != nil {
		t.Fatalf("parse next attempt: %v", err)
	}
	if want := d.Now().Add(baseRetryDelay); !next.Equal(want) {
		t.Fatalf("next attempt %s, want %s", next, want)
	}

	// The retry is not due yet, so a second drain does not hit the endpoint.
	if err := d.Drain(ctx); err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if recv.count() != 1 {
		t.Fatalf("premature retry: %d", recv.count())
	}
}

func TestExhaustedDeliveryDeadLetters(t *testing.T) {
	conn, d := newNotifyEnv(t)
	ctx := context.Background()

	recv := &capture{status: http.StatusBadGateway}
	srv := httptest.NewServer(recv.handler())
	defer srv.Close()

	hook, err := d.Webhooks.Create(ctx, srv.URL, "", nil)
	if err != nil {
		t.Fatalf("create webhook: %v", err)
	}
	insertEvent(t, conn, 1, &event.CreateSubmission{})
	if err := d.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	// Fast-forward to the final attempt.
	if _, err := conn.Exec(conn.Rebind(
		`UPDATE webhook_deliveries SET attempts=?, next_attempt_at=? WHERE webhook_id=?`),
		maxDeliveryAttempts-1, d.Now().Format(time.RFC3339Nano), hook.ID); err != nil {
		t.Fatalf("fast-forward: %v", err)
	}
	if err := d.Drain(ctx); err != nil {
		t.Fatalf("final drain: %v", err)
	}

	var status string
	row := conn.QueryRow(conn.Rebind(`SELECT status FROM webhook_deliveries WHERE webhook_id=?`), hook.ID)
	if err := row.Scan(&status); err != nil {
		t.Fatalf("read delivery: %v", err)
	}
	if status != DeliveryDead {
		t.Fatalf("status %q", status)
	}
	letters, err := d.Webhooks.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(letters) != 1 || letters[0].WebhookID != hook.ID {
		t.Fatalf("letters: %+v", letters)
	}
	var dead event.Event
	if err := json.Unmarshal(letters[0].Event, &dead); err != nil {
		t.Fatalf("decode dead event: %v", err)
	}
	if dead.SubmissionID != "sub-1" {
		t.Fatalf("dead event: %+v", dead)
	}
}

func TestWebhookWants(t *testing.T) {
	cases := []struct {
		events []string
		typ    string
		want   bool
	}{
		{nil, "SetTitle", true},
		{[]string{"*"}, "Publish", true},
		{[]string{"Set*"}, "SetTitle", true},
		{[]string{"Set*"}, "Publish", false},
		{[]string{"Publish"}, "Publish", true},
		{[]string{"Publish"}, "SetTitle", false},
	}
	for _, c := range cases {
		w := Webhook{Events: c.events}
		if got := w.Wants(c.typ); got != c.want {
			t.Fatalf("Wants(%q) with %v = %v", c.typ, c.events, got)
		}
	}
}

func TestOutboxInsertIsIdempotent(t *testing.T) {
	conn, _ := newNotifyEnv(t)
	evt := insertEvent(t, conn, 1, &event.CreateSubmission{})

	// Re-inserting the same (submission, version) is a no-op.
	tx, err := conn.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := (Outbox{Conn: conn}).InsertTx(context.Background(), tx, evt); err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	rows, err := (Outbox{Conn: conn}).Latest(context.Background(), 10)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 outbox row, got %d", len(rows))
	}
}

func TestAdvanceCursorNeverRewinds(t *testing.T) {
	_, d := newNotifyEnv(t)
	ctx := context.Background()
	hook, err := d.Webhooks.Create(ctx, "https://example.org/hook", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Webhooks.AdvanceCursor(ctx, hook.ID, 5); err != nil {
		t.Fatal(err)
	}
	if err := d.Webhooks.AdvanceCursor(ctx, hook.ID, 3); err != nil {
		t.Fatal(err)
	}
	got, err := d.Webhooks.Get(ctx, hook.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Cursor != 5 {
		t.Fatalf("cursor %d", got.Cursor)
	}
}
