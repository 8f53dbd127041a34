// Package projection derives submission state by replaying committed events.
// Projections are never authoritative: they can be discarded and rebuilt from
// the event log at any time.
package projection

import (
	"fmt"

	"paperline/internal/domain"
	"paperline/internal/domain/event"
)

// Validate runs the payload's precondition check against the projection at
// the expected version, with the terminal-state guard applied first: once a
// submission is published its log is read-only.
func Validate(p event.Payload, s *domain.Submission) error {
	if s != nil && s.Published {
		return &event.ValidationError{
			EventType: p.EventType(),
			Reason:    "submission is published and read-only",
		}
	}
	return p.Validate(s)
}

// Fold applies a single committed event to the state, returning the updated
// projection. For version 1 the prior state must be nil.
func Fold(s *domain.Submission, e event.Event) (*domain.Submission, error) {
	if s == nil {
		if e.Version != 1 {
			return nil, fmt.Errorf("fold: first event for %s has version %d", e.SubmissionID, e.Version)
		}
		s = &domain.Submission{}
	} else if e.Version != s.Version+1 {
		return nil, fmt.Errorf("fold: version gap for %s: have %d, got event %d",
			e.SubmissionID, s.Version, e.Version)
	}
	e.Payload.Apply(s, event.Meta{
		SubmissionID: e.SubmissionID,
		Version:      e.Version,
		Creator:      e.Creator,
		CreatedAt:    e.CreatedAt,
	})
	s.Version = e.Version
	s.UpdatedAt = e.CreatedAt
	return s, nil
}

// Replay folds an ordered event sequence from the zero state. Replaying the
// same sequence always yields the same projection.
func Replay(events []event.Event) (*domain.Submission, error) {
	return ReplayTo(events, 0)
}

// ReplayTo replays up to and including upTo; upTo == 0 replays everything.
func ReplayTo(events []event.Event, upTo int64) (*domain.Submission, error) {
	var s *domain.Submission
	var err error
	for _, e := range events {
		if upTo > 0 && e.Version > upTo {
			break
		}
		if s, err = Fold(s, e); err != nil {
			return nil, err
		}
	}
	if s == nil {
		return nil, fmt.Errorf("replay: no events")
	}
	return s, nil
}
