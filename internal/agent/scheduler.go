package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"paperline/internal/db"
	"paperline/internal/domain"
	"paperline/internal/domain/event"
	"paperline/internal/engine"
	"paperline/internal/schedule"
)

// Scheduler drives submissions through the announcement windows: Submitted
// submissions without holds are scheduled for the next announcement, and
// scheduled submissions whose time has passed are published under a fresh
// paper id.
type Scheduler struct {
	Engine *engine.Engine
	Conn   *db.Conn
	Clock  schedule.Clock
	Log    *log.Logger
	Now    func() time.Time
}

func NewScheduler(eng *engine.Engine, conn *db.Conn, clock schedule.Clock, logger *log.Logger) *Scheduler {
	return &Scheduler{Engine: eng, Conn: conn, Clock: clock, Log: logger, Now: time.Now}
}

// Run ticks at the given interval until the context ends.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.Log.Printf("scheduler tick: %v", err)
			}
		}
	}
}

// Tick makes one pass over all submissions. Per-submission failures are
// logged and do not stop the sweep.
func (s *Scheduler) Tick(ctx context.Context) error {
	ids, err := s.Engine.Cache.List(ctx)
	if err != nil {
		return err
	}
	now := s.Now().UTC()
	for _, id := range ids {
		sub, err := s.Engine.GetSubmission(ctx, id)
		if err != nil {
			s.Log.Printf("scheduler: load %s: %v", id, err)
			continue
		}
		if err := s.advance(ctx, sub, now); err != nil {
			s.Log.Printf("scheduler: advance %s: %v", id, err)
		}
	}
	return nil
}

func (s *Scheduler) advance(ctx context.Context, sub *domain.Submission, now time.Time) error {
	creator := domain.System("scheduler")
	switch sub.Status {
	case domain.StatusSubmitted:
		if sub.HasHolds() {
			return nil
		}
		// The window is decided by when the submission passed QA, not by
		// when this sweep happens to run: a submission accepted before the
		// freeze announces same day even if the sweep was delayed past it.
		ref := now
		if sub.SubmittedAt != nil {
			ref = *sub.SubmittedAt
		}
		announceAt := s.Clock.NextAnnouncement(ref)
		_, _, err := s.Engine.CommitLatest(ctx, sub.ID, creator,
			&event.ScheduleAnnouncement{AnnounceAt: announceAt})
		return ignoreRejected(err)
	case domain.StatusScheduled:
		if sub.AnnounceAt == nil || !s.Clock.AnnouncementDue(now, *sub.AnnounceAt) {
			return nil
		}
		paperID, err := s.allocatePaperID(ctx, *sub.AnnounceAt)
		if err != nil {
			return err
		}
		_, _, err = s.Engine.CommitLatest(ctx, sub.ID, creator,
			&event.Publish{PaperID: paperID})
		return ignoreRejected(err)
	default:
		return nil
	}
}

// allocatePaperID hands out the next sequence number for the announcement
// month, formatted YYMM.NNNNN. The scheduler is the only writer of
// paper_counter, so a plain read-modify-write transaction suffices.
func (s *Scheduler) allocatePaperID(ctx context.Context, announceAt time.Time) (string, error) {
	yymm := announceAt.In(s.Clock.Loc).Format("0601")
	tx, err := s.Conn.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	var next int64
	err = tx.QueryRowContext(ctx, s.Conn.Rebind(
		`SELECT next FROM paper_counter WHERE yymm=?`), yymm).Scan(&next)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		next = 1
		if _, err := tx.ExecContext(ctx, s.Conn.Rebind(
			`INSERT INTO paper_counter(yymm,next) VALUES (?,2)`), yymm); err != nil {
			return "", err
		}
	case err != nil:
		return "", err
	default:
		if _, err := tx.ExecContext(ctx, s.Conn.Rebind(
			`UPDATE paper_counter SET next=next+1 WHERE yymm=?`), yymm); err != nil {
			return "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.%05d", yymm, next), nil
}

// ignoreRejected drops validation errors: another producer moved the
// submission between the sweep's read and the commit.
func ignoreRejected(err error) error {
	var verr *event.ValidationError
	if errors.As(err, &verr) {
		return nil
	}
	return err
}
