package event

import (
	"fmt"
	"time"

	"paperline/internal/domain"
)

func init() {
	register(func() Payload { return &CreateSubmission{} })
	register(func() Payload { return &FinalizeSubmission{} })
	register(func() Payload { return &UnFinalizeSubmission{} })
	register(func() Payload { return &PassQAChecks{} })
	register(func() Payload { return &FailQAChecks{} })
	register(func() Payload { return &ScheduleAnnouncement{} })
	register(func() Payload { return &Publish{} })
}

// CreateSubmission opens a new submission in the working state. It is the
// only event legal at expected version zero, and illegal anywhere else.
type CreateSubmission struct {
	Client *domain.Agent `json:"client,omitempty"`
}

func (p *CreateSubmission) EventType() string { return "CreateSubmission" }

func (p *CreateSubmission) Validate(s *domain.Submission) error {
	if s != nil {
		return invalidf(p, "submission already exists")
	}
	if p.Client != nil {
		if err := p.Client.Validate(); err != nil {
			return invalidf(p, "client: %v", err)
		}
	}
	return nil
}

func (p *CreateSubmission) Apply(s *domain.Submission, m Meta) {
	s.ID = m.SubmissionID
	s.Creator = m.Creator
	// Proxy submissions belong to the user the client acts for.
	s.Owner = m.Creator
	if m.Creator.Type == domain.AgentClient && m.Creator.ForUser != "" {
		s.Owner = domain.User(m.Creator.ForUser)
	}
	s.Client = p.Client
	s.Status = domain.StatusWorking
	s.Active = true
	s.CreatedAt = m.CreatedAt
	s.Delegations = map[string]domain.Agent{}
}

// FinalizeSubmission marks the submission ready for automated QA, moving it
// out of the editable working state. All required descriptive and procedural
// fields must be complete, and the confirmed preview must match the current
// source package checksum.
type FinalizeSubmission struct{}

func (p *FinalizeSubmission) EventType() string { return "FinalizeSubmission" }

func (p *FinalizeSubmission) Validate(s *domain.Submission) error {
	if err := requireState(p, s); err != nil {
		return err
	}
	if s.Finalized {
		return invalidf(p, "submission already finalized")
	}
	if !s.Active {
		return invalidf(p, "submission must be active")
	}
	if s.Status != domain.StatusWorking {
		return invalidf(p, "cannot finalize in status %s", s.Status)
	}
	for _, missing := range missingRequirements(s) {
		return invalidf(p, "missing %s", missing)
	}
	return nil
}

func missingRequirements(s *domain.Submission) []string {
	var missing []string
	if s.Metadata.Title == "" {
		missing = append(missing, "title")
	}
	if s.Metadata.Abstract == "" {
		missing = append(missing, "abstract")
	}
	if len(s.Metadata.Authors) == 0 {
		missing = append(missing, "authors")
	}
	if s.Primary == nil {
		missing = append(missing, "primary classification")
	}
	if s.Licence == nil {
		missing = append(missing, "license")
	}
	if !s.PolicyAccepted {
		missing = append(missing, "policy acceptance")
	}
	if !s.ContactVerified {
		missing = append(missing, "contact verification")
	}
	if s.SourceContent == nil || s.SourceContent.Checksum == "" {
		missing = append(missing, "source package checksum")
	}
	if !s.PreviewIsCurrent() {
		missing = append(missing, "confirmed preview for current source")
	}
	return missing
}

func (p *FinalizeSubmission) Apply(s *domain.Submission, m Meta) {
	s.Finalized = true
	s.Status = domain.StatusProcessing
}

// UnFinalizeSubmission withdraws a submission from processing back to the
// editable working state.
type UnFinalizeSubmission struct{}

func (p *UnFinalizeSubmission) EventType() string { return "UnFinalizeSubmission" }

func (p *UnFinalizeSubmission) Validate(s *domain.Submission) error {
	if err := requireState(p, s); err != nil {
		return err
	}
	if !s.Finalized {
		return invalidf(p, "submission is not finalized")
	}
	return nil
}

func (p *UnFinalizeSubmission) Apply(s *domain.Submission, m Meta) {
	s.Finalized = false
	s.Status = domain.StatusWorking
	s.SubmittedAt = nil
	s.AnnounceAt = nil
}

// PassQAChecks records that automated checks completed without failure,
// moving the submission from processing to submitted.
type PassQAChecks struct{}

func (p *PassQAChecks) EventType() string { return "PassQAChecks" }

func (p *PassQAChecks) Validate(s *domain.Submission) error {
	if err := requireState(p, s); err != nil {
		return err
	}
	if s.Status != domain.StatusProcessing {
		return invalidf(p, "cannot pass QA in status %s", s.Status)
	}
	return nil
}

func (p *PassQAChecks) Apply(s *domain.Submission, m Meta) {
	s.Status = domain.StatusSubmitted
	at := m.CreatedAt
	s.SubmittedAt = &at
}

// FailQAChecks bounces a processing submission back to working.
type FailQAChecks struct {
	Reason string `json:"reason,omitempty"`
}

func (p *FailQAChecks) EventType() string { return "FailQAChecks" }

func (p *FailQAChecks) Validate(s *domain.Submission) error {
	if err := requireState(p, s); err != nil {
		return err
	}
	if s.Status != domain.StatusProcessing {
		return invalidf(p, "cannot fail QA in status %s", s.Status)
	}
	return nil
}

func (p *FailQAChecks) Apply(s *domain.Submission, m Meta) {
	s.Status = domain.StatusWorking
	s.Finalized = false
}

// ScheduleAnnouncement places a submitted submission into a publication
// window. The scheduler derives AnnounceAt from the cutoff policy.
type ScheduleAnnouncement struct {
	AnnounceAt time.Time `json:"announce_at"`
}

func (p *ScheduleAnnouncement) EventType() string { return "ScheduleAnnouncement" }

func (p *ScheduleAnnouncement) Validate(s *domain.Submission) error {
	if err := requireState(p, s); err != nil {
		return err
	}
	if s.Status != domain.StatusSubmitted {
		return invalidf(p, "cannot schedule in status %s", s.Status)
	}
	if s.HasHolds() {
		return invalidf(p, "submission has outstanding holds")
	}
	if p.AnnounceAt.IsZero() {
		return invalidf(p, "announce_at is required")
	}
	return nil
}

func (p *ScheduleAnnouncement) Apply(s *domain.Submission, m Meta) {
	s.Status = domain.StatusScheduled
	at := p.AnnounceAt
	s.AnnounceAt = &at
}

// Publish announces the submission. Terminal: no further mutating events are
// accepted once committed.
type Publish struct {
	PaperID string `json:"paper_id"`
}

func (p *Publish) EventType() string { return "Publish" }

func (p *Publish) Validate(s *domain.Submission) error {
	if err := requireState(p, s); err != nil {
		return err
	}
	if s.Status != domain.StatusScheduled {
		return invalidf(p, "cannot publish in status %s", s.Status)
	}
	if p.PaperID == "" {
		return invalidf(p, "paper_id is required")
	}
	return nil
}

func (p *Publish) Apply(s *domain.Submission, m Meta) {
	s.Status = domain.StatusPublished
	s.Published = true
	s.Active = false
	s.PaperID = p.PaperID
}

// holdID derives a stable identifier for holds and flags from the committing
// event, so replay reproduces identical records.
func holdID(m Meta) string {
	return fmt.Sprintf("%s:%d", m.SubmissionID, m.Version)
}
