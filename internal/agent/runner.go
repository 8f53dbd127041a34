package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"paperline/internal/db"
	"paperline/internal/domain"
	"paperline/internal/domain/event"
	"paperline/internal/engine"
	"paperline/internal/notify"
)

// drainBatch bounds one outbox read during a drain pass.
const drainBatch = 200

// ProcessFunc runs one automated process against a committed event. Derived
// events are committed through the engine by the caller; a process returns
// the payloads it wants committed, or an error after its own work failed.
type ProcessFunc func(ctx context.Context, evt event.Event, state *domain.Submission, params map[string]any) ([]event.Payload, error)

// Runner consumes committed events and executes matching rules. Delivery is
// at-least-once: a claim row in process_runs keyed by
// (submission_id, event_version, rule_id) suppresses duplicate runs.
type Runner struct {
	Engine    *engine.Engine
	Conn      *db.Conn
	Rules     *Rules
	Log       *log.Logger
	Processes map[string]ProcessFunc

	// MaxAttempts bounds process retries before escalating to a flag.
	MaxAttempts int
	// Backoff returns the pause before attempt i (0-based retry index).
	Backoff func(i int) time.Duration

	// Wake, when signalled, triggers an immediate drain pass.
	Wake chan struct{}
}

func NewRunner(eng *engine.Engine, conn *db.Conn, rules *Rules, logger *log.Logger) *Runner {
	return &Runner{
		Engine:      eng,
		Conn:        conn,
		Rules:       rules,
		Log:         logger,
		Processes:   make(map[string]ProcessFunc),
		MaxAttempts: 3,
		Backoff: func(i int) time.Duration {
			return time.Duration(math.Pow(2, float64(i))) * 250 * time.Millisecond
		},
		Wake: make(chan struct{}, 1),
	}
}

// Notify requests a drain pass; safe to call from commit hooks.
func (r *Runner) Notify() {
	select {
	case r.Wake <- struct{}{}:
	default:
	}
}

// Run drains the outbox on wake signals and on a polling interval until the
// context ends. Polling is what picks up events committed by other processes,
// the API server above all; the agent keeps its own cursor so nothing commits
// unseen.
func (r *Runner) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := r.Drain(ctx); err != nil {
			r.Log.Printf("agent drain: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.Wake:
		case <-ticker.C:
		}
	}
}

// Drain consumes outbox rows past the agent's cursor, running the rules for
// each event. The cursor advances only after a row's rules ran, so a failed
// pass is retried; process_runs claims absorb the redelivery.
func (r *Runner) Drain(ctx context.Context) error {
	cursor, err := r.cursor(ctx)
	if err != nil {
		return err
	}
	outbox := notify.Outbox{Conn: r.Conn}
	for {
		rows, err := outbox.After(ctx, cursor, drainBatch)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		for _, row := range rows {
			if err := r.OnEvent(ctx, row.Event); err != nil {
				return err
			}
			cursor = row.ID
			if err := r.advanceCursor(ctx, cursor); err != nil {
				return err
			}
		}
	}
}

func (r *Runner) cursor(ctx context.Context) (int64, error) {
	var cur int64
	err := r.Conn.QueryRowContext(ctx, `SELECT cursor FROM agent_cursor WHERE id=1`).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return cur, err
}

func (r *Runner) advanceCursor(ctx context.Context, cursor int64) error {
	_, err := r.Conn.ExecContext(ctx, r.Conn.Rebind(
		`INSERT INTO agent_cursor(id,cursor) VALUES (1,?)
		 ON CONFLICT (id) DO UPDATE SET cursor=excluded.cursor
		 WHERE excluded.cursor > agent_cursor.cursor`), cursor)
	return err
}

// Register installs a process under its rule-facing name.
func (r *Runner) Register(name string, fn ProcessFunc) {
	r.Processes[name] = fn
}

// OnEvent runs every matching rule for one committed event. Rule failures are
// isolated: one rule escalating to a flag does not stop the others.
func (r *Runner) OnEvent(ctx context.Context, evt event.Event) error {
	state, err := r.Engine.GetSubmission(ctx, evt.SubmissionID)
	if err != nil {
		return err
	}
	matched, err := r.Rules.Match(evt, state)
	if err != nil {
		return err
	}
	for _, rule := range matched {
		claimed, err := r.claim(ctx, evt, rule.ID)
		if err != nil {
			return err
		}
		if !claimed {
			continue
		}
		if err := r.runRule(ctx, rule, evt, state); err != nil {
			return err
		}
	}
	return nil
}

// claim inserts the idempotency row. Returns false when another delivery of
// the same event already ran this rule.
func (r *Runner) claim(ctx context.Context, evt event.Event, ruleID string) (bool, error) {
	res, err := r.Conn.ExecContext(ctx, r.Conn.Rebind(
		`INSERT INTO process_runs(submission_id,event_version,rule_id,status,created_at)
		 VALUES (?,?,?,'claimed',?) ON CONFLICT (submission_id,event_version,rule_id) DO NOTHING`),
		evt.SubmissionID, evt.Version, ruleID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("claim run %s/%d/%s: %w", evt.SubmissionID, evt.Version, ruleID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// runRule executes one process with bounded retries. When retries exhaust,
// the submission gets a flag instead of silently losing the run, plus a
// failure process status for the audit trail.
func (r *Runner) runRule(ctx context.Context, rule Rule, evt event.Event, state *domain.Submission) error {
	fn, ok := r.Processes[rule.Process]
	if !ok {
		return fmt.Errorf("rule %q: unknown process %q", rule.ID, rule.Process)
	}
	creator := domain.System(rule.Process)

	var payloads []event.Payload
	var lastErr error
	for attempt := 0; attempt < r.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.Backoff(attempt - 1)):
			}
		}
		payloads, lastErr = fn(ctx, evt, state, rule.Params)
		if lastErr == nil {
			break
		}
		r.Log.Printf("process %s attempt %d/%d on %s v%d: %v",
			rule.Process, attempt+1, r.MaxAttempts, evt.SubmissionID, evt.Version, lastErr)
	}
	if lastErr != nil {
		return r.escalate(ctx, rule, evt, creator, lastErr)
	}

	payloads = append(payloads, &event.AddProcessStatus{
		Process:        rule.Process,
		Status:         "succeeded",
		TriggerVersion: evt.Version,
	})
	for _, p := range payloads {
		if _, _, err := r.Engine.CommitLatest(ctx, evt.SubmissionID, creator, p); err != nil {
			var verr *event.ValidationError
			if errors.As(err, &verr) {
				// The submission moved on while the process ran. Drop the
				// derived event; the audit row still records the run.
				r.Log.Printf("process %s on %s: derived %s rejected: %v",
					rule.Process, evt.SubmissionID, p.EventType(), verr)
				continue
			}
			return err
		}
	}
	return nil
}

func (r *Runner) escalate(ctx context.Context, rule Rule, evt event.Event, creator domain.Agent, cause error) error {
	reason := fmt.Sprintf("process %s failed after %d attempts: %v", rule.Process, r.MaxAttempts, cause)
	for _, p := range []event.Payload{
		&event.AddProcessStatus{
			Process:        rule.Process,
			Status:         "failed",
			Reason:         cause.Error(),
			TriggerVersion: evt.Version,
		},
		&event.AddFlag{Kind: "process-failure", Reason: reason},
	} {
		if _, _, err := r.Engine.CommitLatest(ctx, evt.SubmissionID, creator, p); err != nil {
			var verr *event.ValidationError
			if errors.As(err, &verr) {
				r.Log.Printf("escalation for %s on %s rejected: %v", rule.Process, evt.SubmissionID, verr)
				continue
			}
			return err
		}
	}
	return nil
}
