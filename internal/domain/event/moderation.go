package event

import "paperline/internal/domain"

func init() {
	register(func() Payload { return &ApplyHold{} })
	register(func() Payload { return &RemoveHold{} })
	register(func() Payload { return &AddFlag{} })
	register(func() Payload { return &RemoveFlag{} })
}

// ApplyHold blocks progression to scheduling/publication. Holding a scheduled
// submission pulls it out of its announcement window.
type ApplyHold struct {
	Reason string `json:"reason,omitempty"`
}

func (p *ApplyHold) EventType() string { return "ApplyHold" }

func (p *ApplyHold) Validate(s *domain.Submission) error {
	if err := requireState(p, s); err != nil {
		return err
	}
	switch s.Status {
	case domain.StatusSubmitted, domain.StatusScheduled, domain.StatusProcessing:
		return nil
	default:
		return invalidf(p, "cannot hold in status %s", s.Status)
	}
}

func (p *ApplyHold) Apply(s *domain.Submission, m Meta) {
	s.Holds = append(s.Holds, domain.Hold{
		ID:        holdID(m),
		Reason:    p.Reason,
		CreatedBy: m.Creator,
		CreatedAt: m.CreatedAt,
	})
	if s.Status == domain.StatusSubmitted || s.Status == domain.StatusScheduled {
		s.Status = domain.StatusOnHold
		s.AnnounceAt = nil
	}
}

// RemoveHold releases a hold. With no HoldID, all holds are released. When no
// holds remain the submission returns to submitted, metadata untouched.
type RemoveHold struct {
	HoldID string `json:"hold_id,omitempty"`
}

func (p *RemoveHold) EventType() string { return "RemoveHold" }

func (p *RemoveHold) Validate(s *domain.Submission) error {
	if err := requireState(p, s); err != nil {
		return err
	}
	if !s.HasHolds() {
		return invalidf(p, "no holds to remove")
	}
	if p.HoldID != "" {
		for _, h := range s.Holds {
			if h.ID == p.HoldID {
				return nil
			}
		}
		return invalidf(p, "no hold %s", p.HoldID)
	}
	return nil
}

func (p *RemoveHold) Apply(s *domain.Submission, m Meta) {
	if p.HoldID == "" {
		s.Holds = nil
	} else {
		kept := s.Holds[:0]
		for _, h := range s.Holds {
			if h.ID != p.HoldID {
				kept = append(kept, h)
			}
		}
		s.Holds = kept
		if len(s.Holds) == 0 {
			s.Holds = nil
		}
	}
	if !s.HasHolds() && s.Status == domain.StatusOnHold {
		s.Status = domain.StatusSubmitted
	}
}

// AddFlag raises an advisory flag from automated processing. Flags do not
// change the lifecycle status; moderators act on them via ApplyHold.
type AddFlag struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`
}

func (p *AddFlag) EventType() string { return "AddFlag" }

func (p *AddFlag) Validate(s *domain.Submission) error {
	if err := requireState(p, s); err != nil {
		return err
	}
	if p.Kind == "" {
		return invalidf(p, "kind is required")
	}
	return nil
}

func (p *AddFlag) Apply(s *domain.Submission, m Meta) {
	s.Flags = append(s.Flags, domain.Flag{
		ID:        holdID(m),
		Kind:      p.Kind,
		Reason:    p.Reason,
		CreatedBy: m.Creator,
		CreatedAt: m.CreatedAt,
	})
}

// RemoveFlag clears a flag by id.
type RemoveFlag struct {
	FlagID string `json:"flag_id"`
}

func (p *RemoveFlag) EventType() string { return "RemoveFlag" }

func (p *RemoveFlag) Validate(s *domain.Submission) error {
	if err := requireState(p, s); err != nil {
		return err
	}
	for _, f := range s.Flags {
		if f.ID == p.FlagID {
			return nil
		}
	}
	return invalidf(p, "no flag %s", p.FlagID)
}

func (p *RemoveFlag) Apply(s *domain.Submission, m Meta) {
	kept := s.Flags[:0]
	for _, f := range s.Flags {
		if f.ID != p.FlagID {
			kept = append(kept, f)
		}
	}
	s.Flags = kept
	if len(s.Flags) == 0 {
		s.Flags = nil
	}
}
