package event

import (
	"strings"

	"paperline/internal/domain"
)

func init() {
	register(func() Payload { return &SetTitle{} })
	register(func() Payload { return &SetAbstract{} })
	register(func() Payload { return &SetAuthors{} })
	register(func() Payload { return &SetDOI{} })
	register(func() Payload { return &SetJournalReference{} })
	register(func() Payload { return &SetComments{} })
	register(func() Payload { return &SetLicense{} })
	register(func() Payload { return &ConfirmPolicy{} })
	register(func() Payload { return &ConfirmAuthorship{} })
	register(func() Payload { return &ConfirmContactInformation{} })
	register(func() Payload { return &SetPrimaryClassification{} })
	register(func() Payload { return &AddSecondaryClassification{} })
	register(func() Payload { return &RemoveSecondaryClassification{} })
	register(func() Payload { return &AddDelegate{} })
	register(func() Payload { return &RemoveDelegate{} })
}

// requireWorking guards metadata edits: only unfinalized, working submissions
// accept descriptive changes.
func requireWorking(p Payload, s *domain.Submission) error {
	if err := requireState(p, s); err != nil {
		return err
	}
	if s.Status != domain.StatusWorking {
		return invalidf(p, "cannot edit in status %s", s.Status)
	}
	return nil
}

// SetTitle updates the submission title.
type SetTitle struct {
	Title string `json:"title"`
}

func (p *SetTitle) EventType() string { return "SetTitle" }

func (p *SetTitle) Validate(s *domain.Submission) error {
	if err := requireWorking(p, s); err != nil {
		return err
	}
	if strings.TrimSpace(p.Title) == "" {
		return invalidf(p, "title must not be empty")
	}
	return nil
}

func (p *SetTitle) Apply(s *domain.Submission, m Meta) {
	s.Metadata.Title = strings.TrimSpace(p.Title)
}

// SetAbstract updates the abstract.
type SetAbstract struct {
	Abstract string `json:"abstract"`
}

func (p *SetAbstract) EventType() string { return "SetAbstract" }

func (p *SetAbstract) Validate(s *domain.Submission) error {
	if err := requireWorking(p, s); err != nil {
		return err
	}
	if strings.TrimSpace(p.Abstract) == "" {
		return invalidf(p, "abstract must not be empty")
	}
	return nil
}

func (p *SetAbstract) Apply(s *domain.Submission, m Meta) {
	s.Metadata.Abstract = strings.TrimSpace(p.Abstract)
}

// SetAuthors replaces the author list.
type SetAuthors struct {
	Authors []domain.Author `json:"authors"`
}

func (p *SetAuthors) EventType() string { return "SetAuthors" }

func (p *SetAuthors) Validate(s *domain.Submission) error {
	if err := requireWorking(p, s); err != nil {
		return err
	}
	if len(p.Authors) == 0 {
		return invalidf(p, "at least one author is required")
	}
	for i, a := range p.Authors {
		if a.Surname == "" && a.Display == "" {
			return invalidf(p, "author %d needs a surname or display name", i)
		}
	}
	return nil
}

func (p *SetAuthors) Apply(s *domain.Submission, m Meta) {
	authors := make([]domain.Author, len(p.Authors))
	copy(authors, p.Authors)
	for i := range authors {
		authors[i].Order = i
		if authors[i].Display == "" {
			authors[i].Display = displayName(authors[i])
		}
	}
	s.Metadata.Authors = authors
}

func displayName(a domain.Author) string {
	parts := []string{}
	for _, p := range []string{a.Forename, a.Initials, a.Surname} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	name := strings.Join(parts, " ")
	if a.Affiliation != "" {
		return name + " (" + a.Affiliation + ")"
	}
	return name
}

// SetDOI updates the DOI.
type SetDOI struct {
	DOI string `json:"doi"`
}

func (p *SetDOI) EventType() string { return "SetDOI" }

func (p *SetDOI) Validate(s *domain.Submission) error {
	return requireWorking(p, s)
}

func (p *SetDOI) Apply(s *domain.Submission, m Meta) {
	s.Metadata.DOI = strings.TrimSpace(p.DOI)
}

// SetJournalReference updates the journal reference.
type SetJournalReference struct {
	JournalRef string `json:"journal_ref"`
}

func (p *SetJournalReference) EventType() string { return "SetJournalReference" }

func (p *SetJournalReference) Validate(s *domain.Submission) error {
	return requireWorking(p, s)
}

func (p *SetJournalReference) Apply(s *domain.Submission, m Meta) {
	s.Metadata.JournalRef = strings.TrimSpace(p.JournalRef)
}

// SetComments updates the submitter comments.
type SetComments struct {
	Comments string `json:"comments"`
}

func (p *SetComments) EventType() string { return "SetComments" }

func (p *SetComments) Validate(s *domain.Submission) error {
	return requireWorking(p, s)
}

func (p *SetComments) Apply(s *domain.Submission, m Meta) {
	s.Metadata.Comments = strings.TrimSpace(p.Comments)
}

// SetLicense selects the distribution license.
type SetLicense struct {
	License domain.License `json:"license"`
}

func (p *SetLicense) EventType() string { return "SetLicense" }

func (p *SetLicense) Validate(s *domain.Submission) error {
	if err := requireWorking(p, s); err != nil {
		return err
	}
	if p.License.URI == "" {
		return invalidf(p, "license uri is required")
	}
	return nil
}

func (p *SetLicense) Apply(s *domain.Submission, m Meta) {
	lic := p.License
	s.Licence = &lic
}

// ConfirmPolicy records the submitter's acceptance of the submission policy.
type ConfirmPolicy struct{}

func (p *ConfirmPolicy) EventType() string { return "ConfirmPolicy" }

func (p *ConfirmPolicy) Validate(s *domain.Submission) error {
	return requireWorking(p, s)
}

func (p *ConfirmPolicy) Apply(s *domain.Submission, m Meta) {
	s.PolicyAccepted = true
}

// ConfirmAuthorship asserts the submitter is an author of the work.
type ConfirmAuthorship struct {
	IsAuthor bool `json:"is_author"`
}

func (p *ConfirmAuthorship) EventType() string { return "ConfirmAuthorship" }

func (p *ConfirmAuthorship) Validate(s *domain.Submission) error {
	return requireWorking(p, s)
}

func (p *ConfirmAuthorship) Apply(s *domain.Submission, m Meta) {
	s.AuthorshipConfirmed = p.IsAuthor
}

// ConfirmContactInformation verifies the submitter's contact details.
type ConfirmContactInformation struct{}

func (p *ConfirmContactInformation) EventType() string { return "ConfirmContactInformation" }

func (p *ConfirmContactInformation) Validate(s *domain.Submission) error {
	return requireWorking(p, s)
}

func (p *ConfirmContactInformation) Apply(s *domain.Submission, m Meta) {
	s.ContactVerified = true
}

// SetPrimaryClassification assigns the primary category.
type SetPrimaryClassification struct {
	Category string `json:"category"`
}

func (p *SetPrimaryClassification) EventType() string { return "SetPrimaryClassification" }

func (p *SetPrimaryClassification) Validate(s *domain.Submission) error {
	if err := requireWorking(p, s); err != nil {
		return err
	}
	if p.Category == "" {
		return invalidf(p, "category is required")
	}
	for _, c := range s.Secondary {
		if c.Category == p.Category {
			return invalidf(p, "category %s is already a secondary classification", p.Category)
		}
	}
	return nil
}

func (p *SetPrimaryClassification) Apply(s *domain.Submission, m Meta) {
	s.Primary = &domain.Classification{Category: p.Category}
}

// AddSecondaryClassification adds a cross-list category.
type AddSecondaryClassification struct {
	Category string `json:"category"`
}

func (p *AddSecondaryClassification) EventType() string { return "AddSecondaryClassification" }

func (p *AddSecondaryClassification) Validate(s *domain.Submission) error {
	if err := requireWorking(p, s); err != nil {
		return err
	}
	if p.Category == "" {
		return invalidf(p, "category is required")
	}
	if s.Primary != nil && s.Primary.Category == p.Category {
		return invalidf(p, "category %s is the primary classification", p.Category)
	}
	for _, c := range s.Secondary {
		if c.Category == p.Category {
			return invalidf(p, "category %s already added", p.Category)
		}
	}
	return nil
}

func (p *AddSecondaryClassification) Apply(s *domain.Submission, m Meta) {
	s.Secondary = append(s.Secondary, domain.Classification{Category: p.Category})
}

// RemoveSecondaryClassification removes a cross-list category.
type RemoveSecondaryClassification struct {
	Category string `json:"category"`
}

func (p *RemoveSecondaryClassification) EventType() string { return "RemoveSecondaryClassification" }

func (p *RemoveSecondaryClassification) Validate(s *domain.Submission) error {
	if err := requireWorking(p, s); err != nil {
		return err
	}
	for _, c := range s.Secondary {
		if c.Category == p.Category {
			return nil
		}
	}
	return invalidf(p, "category %s is not a secondary classification", p.Category)
}

func (p *RemoveSecondaryClassification) Apply(s *domain.Submission, m Meta) {
	kept := s.Secondary[:0]
	for _, c := range s.Secondary {
		if c.Category != p.Category {
			kept = append(kept, c)
		}
	}
	s.Secondary = kept
}

// AddDelegate grants edit rights to another agent.
type AddDelegate struct {
	Delegate domain.Agent `json:"delegate"`
}

func (p *AddDelegate) EventType() string { return "AddDelegate" }

func (p *AddDelegate) Validate(s *domain.Submission) error {
	if err := requireState(p, s); err != nil {
		return err
	}
	if err := p.Delegate.Validate(); err != nil {
		return invalidf(p, "delegate: %v", err)
	}
	return nil
}

func (p *AddDelegate) Apply(s *domain.Submission, m Meta) {
	if s.Delegations == nil {
		s.Delegations = map[string]domain.Agent{}
	}
	s.Delegations[p.Delegate.ID] = p.Delegate
}

// RemoveDelegate revokes a delegation.
type RemoveDelegate struct {
	DelegateID string `json:"delegate_id"`
}

func (p *RemoveDelegate) EventType() string { return "RemoveDelegate" }

func (p *RemoveDelegate) Validate(s *domain.Submission) error {
	if err := requireState(p, s); err != nil {
		return err
	}
	if _, ok := s.Delegations[p.DelegateID]; !ok {
		return invalidf(p, "no delegation for %s", p.DelegateID)
	}
	return nil
}

func (p *RemoveDelegate) Apply(s *domain.Submission, m Meta) {
	delete(s.Delegations, p.DelegateID)
}
