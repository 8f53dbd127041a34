package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"paperline/internal/db"
)

// Delivery states.
const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryDead      = "dead"
)

const (
	maxDeliveryAttempts = 8
	baseRetryDelay      = 30 * time.Second
	enqueueBatch        = 200
	deliverBatch        = 50
)

// Delivery is one webhook delivery attempt record.
type Delivery struct {
	ID            string
	WebhookID     string
	OutboxID      int64
	Attempts      int
	Status        string
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
}

// Dispatcher drains the outbox: broker publication plus per-webhook delivery
// rows with retry and dead-lettering. One dispatcher runs per deployment.
type Dispatcher struct {
	Conn     *db.Conn
	Outbox   Outbox
	Webhooks WebhookStore
	Broker   *Broker
	HTTP     *http.Client
	Limiter  *rate.Limiter
	Log      *log.Logger
	Now      func() time.Time

	// Wake, when signalled, triggers an immediate drain pass.
	Wake chan struct{}
}

func NewDispatcher(conn *db.Conn, broker *Broker, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		Conn:     conn,
		Outbox:   Outbox{Conn: conn},
		Webhooks: WebhookStore{Conn: conn},
		Broker:   broker,
		HTTP:     &http.Client{Timeout: 15 * time.Second},
		Limiter:  rate.NewLimiter(rate.Limit(10), 20),
		Log:      logger,
		Now:      time.Now,
		Wake:     make(chan struct{}, 1),
	}
}

// Notify requests a drain pass; safe to call from commit hooks.
func (d *Dispatcher) Notify() {
	select {
	case d.Wake <- struct{}{}:
	default:
	}
}

// Run drains on wake signals and on a polling interval until the context
// ends. Polling catches rows committed by other processes.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := d.Drain(ctx); err != nil {
			d.Log.Printf("dispatcher drain: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.Wake:
		case <-ticker.C:
		}
	}
}

// Drain makes one full pass: broker publication, delivery enqueueing, and
// due delivery attempts.
func (d *Dispatcher) Drain(ctx context.Context) error {
	if err := d.drainBroker(ctx); err != nil {
		return err
	}
	if err := d.enqueueDeliveries(ctx); err != nil {
		return err
	}
	return d.attemptDue(ctx)
}

func (d *Dispatcher) drainBroker(ctx context.Context) error {
	if d.Broker == nil {
		return nil
	}
	rows, err := d.Outbox.PendingBroker(ctx, enqueueBatch)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := d.Broker.Publish(ctx, row); err != nil {
			// Leave the row pending; the next pass retries it.
			return err
		}
		if err := d.Outbox.MarkBrokerSent(ctx, row.ID); err != nil {
			return err
		}
	}
	return nil
}

// enqueueDeliveries creates pending delivery rows for each enabled webhook
// past its cursor. The unique (webhook_id, outbox_id) constraint makes
// re-enqueueing after a crashed pass harmless.
func (d *Dispatcher) enqueueDeliveries(ctx context.Context) error {
	hooks, err := d.Webhooks.List(ctx, true)
	if err != nil {
		return err
	}
	for _, hook := range hooks {
		rows, err := d.Outbox.After(ctx, hook.Cursor, enqueueBatch)
		if err != nil {
			return err
		}
		now := d.Now().UTC()
		for _, row := range rows {
			if hook.Wants(row.EventType) {
				_, err := d.Conn.ExecContext(ctx, d.Conn.Rebind(
					`INSERT INTO webhook_deliveries(id,webhook_id,outbox_id,attempts,status,next_attempt_at,created_at)
					 VALUES (?,?,?,0,?,?,?) ON CONFLICT (webhook_id,outbox_id) DO NOTHING`),
					uuid.NewString(), hook.ID, row.ID, DeliveryPending,
					now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
				if err != nil {
					return fmt.Errorf("enqueue delivery for %s: %w", hook.ID, err)
				}
			}
			if err := d.Webhooks.AdvanceCursor(ctx, hook.ID, row.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Dispatcher) attemptDue(ctx context.Context) error {
	now := d.Now().UTC()
	rows, err := d.Conn.QueryContext(ctx, d.Conn.Rebind(
		`SELECT id,webhook_id,outbox_id,attempts FROM webhook_deliveries
		 WHERE status=? AND next_attempt_at<=? ORDER BY next_attempt_at ASC LIMIT ?`),
		DeliveryPending, now.Format(time.RFC3339Nano), deliverBatch)
	if err != nil {
		return err
	}
	type due struct {
		id, webhookID string
		outboxID      int64
		attempts      int
	}
	var batch []due
	for rows.Next() {
		var item due
		if err := rows.Scan(&item.id, &item.webhookID, &item.outboxID, &item.attempts); err != nil {
			rows.Close()
			return err
		}
		batch = append(batch, item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, item := range batch {
		if err := d.Limiter.Wait(ctx); err != nil {
			return err
		}
		hook, err := d.Webhooks.Get(ctx, item.webhookID)
		if err != nil {
			d.Log.Printf("delivery %s: %v", item.id, err)
			continue
		}
		row, err := d.Outbox.Get(ctx, item.outboxID)
		if err != nil {
			return err
		}
		if deliverErr := d.deliver(ctx, hook, row); deliverErr != nil {
			if err := d.recordFailure(ctx, item.id, hook, row, item.attempts+1, deliverErr); err != nil {
				return err
			}
			continue
		}
		if _, err := d.Conn.ExecContext(ctx, d.Conn.Rebind(
			`UPDATE webhook_deliveries SET status=?, attempts=attempts+1, last_error='' WHERE id=?`),
			DeliveryDelivered, item.id); err != nil {
			return err
		}
	}
	return nil
}

// deliver POSTs the event JSON with an HMAC-SHA256 signature of the body.
func (d *Dispatcher) deliver(ctx context.Context, hook Webhook, row OutboxRow) error {
	body, err := json.Marshal(row.Event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Paperline-Event", row.EventType)
	req.Header.Set("X-Paperline-Delivery", fmt.Sprintf("%s-%d", hook.ID, row.ID))
	if hook.Secret != "" {
		mac := hmac.New(sha256.New, []byte(hook.Secret))
		mac.Write(body)
		req.Header.Set("X-Paperline-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}
	resp, err := d.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// recordFailure bumps the attempt counter with exponential backoff, moving
// the delivery to the dead letter table when attempts exhaust.
func (d *Dispatcher) recordFailure(ctx context.Context, deliveryID string, hook Webhook, row OutboxRow, attempts int, cause error) error {
	if attempts >= maxDeliveryAttempts {
		eventJSON, err := json.Marshal(row.Event)
		if err != nil {
			return err
		}
		now := d.Now().UTC().Format(time.RFC3339Nano)
		if _, err := d.Conn.ExecContext(ctx, d.Conn.Rebind(
			`INSERT INTO webhook_dead_letters(id,webhook_id,outbox_id,event_json,reason,created_at)
			 VALUES (?,?,?,?,?,?)`),
			uuid.NewString(), hook.ID, row.ID, string(eventJSON), cause.Error(), now); err != nil {
			return err
		}
		_, err = d.Conn.ExecContext(ctx, d.Conn.Rebind(
			`UPDATE webhook_deliveries SET status=?, attempts=?, last_error=? WHERE id=?`),
			DeliveryDead, attempts, cause.Error(), deliveryID)
		d.Log.Printf("delivery to %s dead-lettered after %d attempts: %v", hook.URL, attempts, cause)
		return err
	}
	delay := time.Duration(math.Pow(2, float64(attempts-1))) * baseRetryDelay
	next := d.Now().UTC().Add(delay)
	_, err := d.Conn.ExecContext(ctx, d.Conn.Rebind(
		`UPDATE webhook_deliveries SET attempts=?, last_error=?, next_attempt_at=? WHERE id=?`),
		attempts, cause.Error(), next.Format(time.RFC3339Nano), deliveryID)
	return err
}
