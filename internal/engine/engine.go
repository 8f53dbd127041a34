// Package engine coordinates the commit pipeline: validate an event against
// the current projection, append it, fold it into the projection, and queue
// it for fan-out, all inside a single transaction.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"

	"paperline/internal/db"
	"paperline/internal/domain"
	"paperline/internal/domain/event"
	"paperline/internal/eventstore"
	"paperline/internal/notify"
	"paperline/internal/projection"
)

// DefaultRetries bounds automatic retries on version conflicts.
const DefaultRetries = 3

// ErrForbidden marks a commit by an agent without edit rights on the
// submission: not the owner, the creator, a delegate, or a system agent.
var ErrForbidden = errors.New("agent may not edit submission")

// Engine is the write path for submissions. All methods are safe for
// concurrent use; contention resolves through the store's version check.
type Engine struct {
	Conn   *db.Conn
	Store  eventstore.Store
	Cache  projection.Cache
	Outbox notify.Outbox
	Log    *log.Logger

	// Committed, when set, is called after each successful commit. The
	// dispatcher uses it to drain the outbox without waiting for a poll.
	Committed func(event.Event)
}

func New(conn *db.Conn, logger *log.Logger) *Engine {
	return &Engine{
		Conn:   conn,
		Store:  eventstore.New(conn),
		Cache:  projection.Cache{Conn: conn},
		Outbox: notify.Outbox{Conn: conn},
		Log:    logger,
	}
}

// Commit validates and appends one event at an explicit expected version.
// On success it returns the updated projection and the committed event.
// Validation failures surface as *event.ValidationError, stale versions as
// eventstore.ErrVersionConflict, and commits by agents without edit rights
// on the submission as ErrForbidden.
func (e *Engine) Commit(ctx context.Context, submissionID string, expectedVersion int64, creator domain.Agent, p event.Payload) (*domain.Submission, event.Event, error) {
	if err := creator.Validate(); err != nil {
		return nil, event.Event{}, err
	}
	// Classify stale producers before validation: an expected version of 0
	// against an existing log is a conflict, not a missing submission. The
	// store re-checks inside the transaction; this read only shapes the error.
	current, err := e.Store.CurrentVersion(ctx, submissionID)
	if err != nil {
		return nil, event.Event{}, err
	}
	if current != expectedVersion {
		return nil, event.Event{}, fmt.Errorf("%w: expected %d, have %d",
			eventstore.ErrVersionConflict, expectedVersion, current)
	}
	tx, err := e.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, event.Event{}, fmt.Errorf("%w: %v", eventstore.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	state, err := e.stateAt(ctx, submissionID, expectedVersion)
	if err != nil {
		return nil, event.Event{}, err
	}
	if state != nil && !state.MayEdit(creator) {
		return nil, event.Event{}, fmt.Errorf("%w: %s on %s", ErrForbidden, creator, submissionID)
	}
	if err := projection.Validate(p, state); err != nil {
		return nil, event.Event{}, err
	}
	evt, err := e.Store.AppendTx(ctx, tx, submissionID, expectedVersion, creator, p)
	if err != nil {
		return nil, event.Event{}, err
	}
	next, err := projection.Fold(state, evt)
	if err != nil {
		return nil, event.Event{}, err
	}
	if err := e.Cache.PutTx(ctx, tx, next); err != nil {
		return nil, event.Event{}, err
	}
	if err := e.Outbox.InsertTx(ctx, tx, evt); err != nil {
		return nil, event.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return nil, event.Event{}, fmt.Errorf("%w: %v", eventstore.ErrStorageUnavailable, err)
	}
	e.Log.Printf("committed %s v%d on %s by %s", evt.Type, evt.Version, submissionID, creator)
	if e.Committed != nil {
		e.Committed(evt)
	}
	return next, evt, nil
}

// CommitLatest appends against whatever the current version is, retrying a
// bounded number of times when another producer wins the slot. Each attempt
// revalidates against the fresh state, so an event that became illegal in
// the meantime fails validation instead of being force-applied.
func (e *Engine) CommitLatest(ctx context.Context, submissionID string, creator domain.Agent, p event.Payload) (*domain.Submission, event.Event, error) {
	var lastErr error
	for attempt := 0; attempt < DefaultRetries; attempt++ {
		current, err := e.Store.CurrentVersion(ctx, submissionID)
		if err != nil {
			return nil, event.Event{}, err
		}
		s, evt, err := e.Commit(ctx, submissionID, current, creator, p)
		if err == nil {
			return s, evt, nil
		}
		if !errors.Is(err, eventstore.ErrVersionConflict) {
			return nil, event.Event{}, err
		}
		lastErr = err
	}
	return nil, event.Event{}, lastErr
}

// GetSubmission returns the current projection, preferring the cache and
// falling back to a replay of the log.
func (e *Engine) GetSubmission(ctx context.Context, submissionID string) (*domain.Submission, error) {
	s, err := e.Cache.Get(ctx, submissionID)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, projection.ErrNoSnapshot) {
		return nil, err
	}
	events, err := e.Store.Load(ctx, submissionID, 0)
	if err != nil {
		return nil, err
	}
	return projection.Replay(events)
}

// GetSubmissionAt replays the projection as of a historical version.
func (e *Engine) GetSubmissionAt(ctx context.Context, submissionID string, version int64) (*domain.Submission, error) {
	events, err := e.Store.Load(ctx, submissionID, version)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 || events[len(events)-1].Version != version {
		return nil, fmt.Errorf("%w: %s has no version %d", eventstore.ErrNotFound, submissionID, version)
	}
	return projection.Replay(events)
}

// GetEvents returns the full event history for a submission.
func (e *Engine) GetEvents(ctx context.Context, submissionID string) ([]event.Event, error) {
	return e.Store.Load(ctx, submissionID, 0)
}

// Rebuild replays one submission from its log and rewrites the cached
// projection. Used after deploying changed fold logic.
func (e *Engine) Rebuild(ctx context.Context, submissionID string) (*domain.Submission, error) {
	events, err := e.Store.Load(ctx, submissionID, 0)
	if err != nil {
		return nil, err
	}
	s, err := projection.Replay(events)
	if err != nil {
		return nil, err
	}
	tx, err := e.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", eventstore.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()
	if err := e.Cache.PutTx(ctx, tx, s); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", eventstore.ErrStorageUnavailable, err)
	}
	return s, nil
}

// RebuildAll replays every submission and drops cached snapshots that no
// longer have a log behind them. Returns the number rebuilt.
func (e *Engine) RebuildAll(ctx context.Context) (int, error) {
	ids, err := e.Store.ListSubmissionIDs(ctx)
	if err != nil {
		return 0, err
	}
	live := make(map[string]bool, len(ids))
	for i, id := range ids {
		if _, err := e.Rebuild(ctx, id); err != nil {
			return i, fmt.Errorf("rebuild %s: %w", id, err)
		}
		live[id] = true
	}
	cached, err := e.Cache.List(ctx)
	if err != nil {
		return len(ids), err
	}
	for _, id := range cached {
		if live[id] {
			continue
		}
		if err := e.Cache.Delete(ctx, id); err != nil {
			return len(ids), fmt.Errorf("drop orphan snapshot %s: %w", id, err)
		}
	}
	return len(ids), nil
}

// stateAt loads the projection expected by the producer. The cache holds the
// latest state; when it is missing or does not match the expected version the
// log is replayed up to that version.
func (e *Engine) stateAt(ctx context.Context, submissionID string, version int64) (*domain.Submission, error) {
	if version == 0 {
		return nil, nil
	}
	s, err := e.Cache.Get(ctx, submissionID)
	if err == nil && s.Version == version {
		return s, nil
	}
	if err != nil && !errors.Is(err, projection.ErrNoSnapshot) {
		return nil, err
	}
	events, err := e.Store.Load(ctx, submissionID, version)
	if err != nil {
		return nil, err
	}
	if events[len(events)-1].Version != version {
		return nil, fmt.Errorf("%w: expected %d, have %d",
			eventstore.ErrVersionConflict, version, events[len(events)-1].Version)
	}
	return projection.Replay(events)
}
