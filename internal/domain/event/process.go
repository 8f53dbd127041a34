package event

import "paperline/internal/domain"

func init() {
	register(func() Payload { return &AddProcessStatus{} })
	register(func() Payload { return &AddClassifierResults{} })
}

// AddProcessStatus records the outcome of an automated process run against a
// specific trigger version. It is bookkeeping: no lifecycle change.
type AddProcessStatus struct {
	Process        string `json:"process"`
	Step           string `json:"step,omitempty"`
	Status         string `json:"status"`
	Reason         string `json:"reason,omitempty"`
	TriggerVersion int64  `json:"trigger_version"`
}

func (p *AddProcessStatus) EventType() string { return "AddProcessStatus" }

func (p *AddProcessStatus) Validate(s *domain.Submission) error {
	if err := requireState(p, s); err != nil {
		return err
	}
	if p.Process == "" || p.Status == "" {
		return invalidf(p, "process and status are required")
	}
	return nil
}

func (p *AddProcessStatus) Apply(s *domain.Submission, m Meta) {
	s.Processes = append(s.Processes, domain.ProcessStatus{
		Process:        p.Process,
		Step:           p.Step,
		Status:         p.Status,
		Reason:         p.Reason,
		TriggerVersion: p.TriggerVersion,
		CreatedAt:      m.CreatedAt,
	})
}

// AddClassifierResults attaches category suggestions from the classification
// service. Results replace any previous suggestions.
type AddClassifierResults struct {
	Results []domain.ClassifierResult `json:"results"`
}

func (p *AddClassifierResults) EventType() string { return "AddClassifierResults" }

func (p *AddClassifierResults) Validate(s *domain.Submission) error {
	if err := requireState(p, s); err != nil {
		return err
	}
	for i, r := range p.Results {
		if r.Category == "" {
			return invalidf(p, "result %d missing category", i)
		}
	}
	return nil
}

func (p *AddClassifierResults) Apply(s *domain.Submission, m Meta) {
	results := make([]domain.ClassifierResult, len(p.Results))
	copy(results, p.Results)
	s.ClassifierResults = results
}
