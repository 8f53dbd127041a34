package event

import "paperline/internal/domain"

func init() {
	register(func() Payload { return &SetUploadPackage{} })
	register(func() Payload { return &UpdateUploadPackage{} })
	register(func() Payload { return &UnsetUploadPackage{} })
	register(func() Payload { return &ConfirmPreview{} })
}

// SetUploadPackage attaches a source package to the submission. The checksum
// is issued by the file management service and treated as authoritative.
type SetUploadPackage struct {
	Content domain.SubmissionContent `json:"content"`
}

func (p *SetUploadPackage) EventType() string { return "SetUploadPackage" }

func (p *SetUploadPackage) Validate(s *domain.Submission) error {
	if err := requireWorking(p, s); err != nil {
		return err
	}
	if p.Content.SourceID == "" || p.Content.Checksum == "" {
		return invalidf(p, "source_id and checksum are required")
	}
	return nil
}

func (p *SetUploadPackage) Apply(s *domain.Submission, m Meta) {
	content := p.Content
	s.SourceContent = &content
	// A new package invalidates any previously confirmed preview.
	s.ConfirmedPreview = nil
}

// UpdateUploadPackage records a changed checksum for the attached package,
// e.g. after the submitter replaced files in place.
type UpdateUploadPackage struct {
	Checksum string `json:"checksum"`
	Size     int64  `json:"size,omitempty"`
}

func (p *UpdateUploadPackage) EventType() string { return "UpdateUploadPackage" }

func (p *UpdateUploadPackage) Validate(s *domain.Submission) error {
	if err := requireWorking(p, s); err != nil {
		return err
	}
	if s.SourceContent == nil {
		return invalidf(p, "no source package to update")
	}
	if p.Checksum == "" {
		return invalidf(p, "checksum is required")
	}
	return nil
}

func (p *UpdateUploadPackage) Apply(s *domain.Submission, m Meta) {
	s.SourceContent.Checksum = p.Checksum
	if p.Size > 0 {
		s.SourceContent.Size = p.Size
	}
}

// UnsetUploadPackage detaches the source package.
type UnsetUploadPackage struct{}

func (p *UnsetUploadPackage) EventType() string { return "UnsetUploadPackage" }

func (p *UnsetUploadPackage) Validate(s *domain.Submission) error {
	if err := requireWorking(p, s); err != nil {
		return err
	}
	if s.SourceContent == nil {
		return invalidf(p, "no source package attached")
	}
	return nil
}

func (p *UnsetUploadPackage) Apply(s *domain.Submission, m Meta) {
	s.SourceContent = nil
	s.ConfirmedPreview = nil
}

// ConfirmPreview records that the submitter inspected and accepted the
// compiled preview of the current source package state.
type ConfirmPreview struct {
	Preview domain.Preview `json:"preview"`
}

func (p *ConfirmPreview) EventType() string { return "ConfirmPreview" }

func (p *ConfirmPreview) Validate(s *domain.Submission) error {
	if err := requireWorking(p, s); err != nil {
		return err
	}
	if s.SourceContent == nil {
		return invalidf(p, "no source package attached")
	}
	if p.Preview.PreviewChecksum == "" {
		return invalidf(p, "preview_checksum is required")
	}
	if p.Preview.SourceID != s.SourceContent.SourceID {
		return invalidf(p, "preview source %s does not match package %s",
			p.Preview.SourceID, s.SourceContent.SourceID)
	}
	if p.Preview.SourceChecksum != s.SourceContent.Checksum {
		return invalidf(p, "preview was built from a stale source checksum")
	}
	return nil
}

func (p *ConfirmPreview) Apply(s *domain.Submission, m Meta) {
	preview := p.Preview
	s.ConfirmedPreview = &preview
}
