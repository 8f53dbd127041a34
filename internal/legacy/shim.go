// Package legacy keeps the event log consistent with writes made directly to
// the classic admin database during the migration window. The shim never
// touches the store: it diffs an observed legacy row against the current
// projection and commits inferred events through the ordinary engine path, so
// every invariant and every consumer sees them like any other write.
package legacy

import (
	"context"
	"fmt"
	"log"

	"paperline/internal/domain"
	"paperline/internal/domain/event"
	"paperline/internal/engine"
)

// LegacyRow is the externally observed legacy state of one submission.
type LegacyRow struct {
	SubmissionID string
	Title        string
	Abstract     string
	Comments     string
	DOI          string
	JournalRef   string
	OnHold       bool
	HoldReason   string
	Published    bool
	PaperID      string
}

// Shim infers events from legacy rows.
type Shim struct {
	Engine *engine.Engine
	Log    *log.Logger
}

func New(eng *engine.Engine, logger *log.Logger) *Shim {
	return &Shim{Engine: eng, Log: logger}
}

// Interpolate reconciles one legacy row. It returns the events committed;
// an up-to-date submission yields none.
func (s *Shim) Interpolate(ctx context.Context, observed LegacyRow) ([]event.Event, error) {
	sub, err := s.Engine.GetSubmission(ctx, observed.SubmissionID)
	if err != nil {
		return nil, err
	}
	creator := domain.System("legacy-sync")

	var committed []event.Event
	for _, p := range s.diff(sub, observed) {
		next, evt, err := s.Engine.CommitLatest(ctx, observed.SubmissionID, creator, p)
		if err != nil {
			return committed, fmt.Errorf("interpolate %s via %s: %w",
				observed.SubmissionID, p.EventType(), err)
		}
		s.Log.Printf("legacy-sync: %s v%d on %s", evt.Type, evt.Version, observed.SubmissionID)
		committed = append(committed, evt)
		sub = next
	}
	return committed, nil
}

// diff orders inferred events so metadata lands before lifecycle moves.
func (s *Shim) diff(sub *domain.Submission, observed LegacyRow) []event.Payload {
	var payloads []event.Payload

	// Metadata edits are only legal while the submission is in Working.
	if sub.Status == domain.StatusWorking {
		if observed.Title != "" && observed.Title != sub.Metadata.Title {
			payloads = append(payloads, &event.SetTitle{Title: observed.Title})
		}
		if observed.Abstract != "" && observed.Abstract != sub.Metadata.Abstract {
			payloads = append(payloads, &event.SetAbstract{Abstract: observed.Abstract})
		}
		if observed.Comments != "" && observed.Comments != sub.Metadata.Comments {
			payloads = append(payloads, &event.SetComments{Comments: observed.Comments})
		}
		if observed.DOI != "" && observed.DOI != sub.Metadata.DOI {
			payloads = append(payloads, &event.SetDOI{DOI: observed.DOI})
		}
		if observed.JournalRef != "" && observed.JournalRef != sub.Metadata.JournalRef {
			payloads = append(payloads, &event.SetJournalReference{JournalRef: observed.JournalRef})
		}
	}

	switch {
	case observed.OnHold && !sub.HasHolds():
		payloads = append(payloads, &event.ApplyHold{Reason: observed.HoldReason})
	case !observed.OnHold && sub.HasHolds() && legacyOwnsHolds(sub):
		payloads = append(payloads, &event.RemoveHold{})
	}

	if observed.Published && sub.Status == domain.StatusScheduled {
		payloads = append(payloads, &event.Publish{PaperID: observed.PaperID})
	}
	return payloads
}

// legacyOwnsHolds reports whether every hold came through the shim. Holds
// placed by moderators in the new system are never released from legacy data.
func legacyOwnsHolds(sub *domain.Submission) bool {
	for _, h := range sub.Holds {
		if h.CreatedBy.Type != domain.AgentSystem || h.CreatedBy.ID != "legacy-sync" {
			return false
		}
	}
	return true
}
