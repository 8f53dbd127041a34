package domain

import "time"

// Status is the submission lifecycle state. It is always derived by replaying
// the submission's event sequence, never set directly.
type Status string

const (
	StatusWorking    Status = "working"
	StatusProcessing Status = "processing"
	StatusSubmitted  Status = "submitted"
	StatusOnHold     Status = "hold"
	StatusScheduled  Status = "scheduled"
	StatusPublished  Status = "published"
)

// Author of a submission, in display order.
type Author struct {
	Order       int    `json:"order"`
	Forename    string `json:"forename,omitempty"`
	Surname     string `json:"surname"`
	Initials    string `json:"initials,omitempty"`
	Affiliation string `json:"affiliation,omitempty"`
	Email       string `json:"email,omitempty"`
	Display     string `json:"display,omitempty"`
}

// Classification is a subject category assignment.
type Classification struct {
	Category string `json:"category"`
}

// License granted by the submitter.
type License struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// SubmissionContent identifies the source package attached to a submission.
// The checksum is the authoritative fingerprint issued by the file management
// service for the current state of the upload.
type SubmissionContent struct {
	SourceID string `json:"source_id"`
	Checksum string `json:"checksum"`
	Format   string `json:"format,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Preview records the submitter's confirmation that the compiled preview of a
// specific source state was inspected. SourceChecksum must match the current
// source package checksum for the confirmation to remain valid.
type Preview struct {
	SourceID        string `json:"source_id"`
	SourceChecksum  string `json:"source_checksum"`
	PreviewChecksum string `json:"preview_checksum"`
}

// Metadata holds the descriptive metadata of a submission.
type Metadata struct {
	Title        string   `json:"title,omitempty"`
	Abstract     string   `json:"abstract,omitempty"`
	Authors      []Author `json:"authors,omitempty"`
	DOI          string   `json:"doi,omitempty"`
	JournalRef   string   `json:"journal_ref,omitempty"`
	ReportNumber string   `json:"report_number,omitempty"`
	Comments     string   `json:"comments,omitempty"`
}

// Hold blocks automatic progression to scheduling/publication.
type Hold struct {
	ID        string    `json:"id"`
	Reason    string    `json:"reason,omitempty"`
	CreatedBy Agent     `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// Flag is an advisory annotation raised by automated processing. A flag does
// not itself change the lifecycle status but is grounds for a moderator hold.
type Flag struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Reason    string    `json:"reason,omitempty"`
	CreatedBy Agent     `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// ProcessStatus records one run of an automated process against a specific
// event version, for audit and duplicate suppression.
type ProcessStatus struct {
	Process        string    `json:"process"`
	Step           string    `json:"step,omitempty"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	TriggerVersion int64     `json:"trigger_version"`
	CreatedAt      time.Time `json:"created_at"`
}

// ClassifierResult is a category suggestion from the classification service.
type ClassifierResult struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// Submission is the aggregate projected from a submission's event sequence.
// It is owned by the projection engine: callers receive replaced snapshots and
// must not mutate them in place.
type Submission struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
	Status  Status `json:"status"`

	Creator Agent  `json:"creator"`
	Owner   Agent  `json:"owner"`
	Client  *Agent `json:"client,omitempty"`

	Metadata Metadata `json:"metadata"`

	Licence             *License         `json:"license,omitempty"`
	PolicyAccepted      bool             `json:"policy_accepted"`
	AuthorshipConfirmed bool             `json:"authorship_confirmed"`
	ContactVerified     bool             `json:"contact_verified"`
	Primary             *Classification  `json:"primary_classification,omitempty"`
	Secondary           []Classification `json:"secondary_classification,omitempty"`

	SourceContent    *SubmissionContent `json:"source_content,omitempty"`
	ConfirmedPreview *Preview           `json:"confirmed_preview,omitempty"`

	Delegations map[string]Agent `json:"delegations,omitempty"`

	Holds []Hold `json:"holds,omitempty"`
	Flags []Flag `json:"flags,omitempty"`

	Processes         []ProcessStatus    `json:"processes,omitempty"`
	ClassifierResults []ClassifierResult `json:"classifier_results,omitempty"`

	Active    bool   `json:"active"`
	Finalized bool   `json:"finalized"`
	Published bool   `json:"published"`
	PaperID   string `json:"paper_id,omitempty"`

	AnnounceAt  *time.Time `json:"announce_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
}

// HasHolds reports whether any hold is outstanding.
func (s *Submission) HasHolds() bool { return len(s.Holds) > 0 }

// PreviewIsCurrent reports whether a confirmed preview exists and still
// matches the current source package checksum.
func (s *Submission) PreviewIsCurrent() bool {
	if s.ConfirmedPreview == nil || s.SourceContent == nil {
		return false
	}
	return s.ConfirmedPreview.SourceChecksum == s.SourceContent.Checksum &&
		s.ConfirmedPreview.SourceID == s.SourceContent.SourceID
}

// MayEdit reports whether the agent may produce events for this submission:
// the owner, the creator, a delegate, or any system agent.
func (s *Submission) MayEdit(a Agent) bool {
	if a.Type == AgentSystem {
		return true
	}
	if a.ID == s.Owner.ID || a.ID == s.Creator.ID {
		return true
	}
	if a.Type == AgentClient && a.ForUser != "" &&
		(a.ForUser == s.Owner.ID || a.ForUser == s.Creator.ID) {
		return true
	}
	_, ok := s.Delegations[a.ID]
	return ok
}
