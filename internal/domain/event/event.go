// Package event defines the closed set of submission events. Each event type
// carries a payload with a pure precondition check (Validate) and a
// deterministic state transform (Apply); replaying a submission's committed
// events in version order from the zero state yields its current projection.
package event

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"paperline/internal/domain"
)

// Meta carries the envelope fields a transform may depend on. Everything in
// Meta is part of the committed record, so transforms stay deterministic.
type Meta struct {
	SubmissionID string
	Version      int64
	Creator      domain.Agent
	CreatedAt    time.Time
}

// Payload is one variant of the closed event set.
type Payload interface {
	// EventType returns the wire tag for this variant.
	EventType() string
	// Validate checks the payload's preconditions against the projection at
	// the expected version. It is pure: no I/O, no clock. For CreateSubmission
	// the prior state is nil; every other variant receives a non-nil state.
	Validate(s *domain.Submission) error
	// Apply folds the event into the state. It must be deterministic:
	// replaying the same sequence always yields the same projection.
	Apply(s *domain.Submission, m Meta)
}

// Event is a committed, immutable record in a submission's log.
type Event struct {
	SubmissionID string       `json:"submission_id"`
	Version      int64        `json:"version"`
	Type         string       `json:"type"`
	Creator      domain.Agent `json:"creator"`
	CreatedAt    time.Time    `json:"created_at"`
	Payload      Payload      `json:"payload"`
}

// ValidationError reports a rejected event. It is surfaced synchronously to
// the producer and never retried.
type ValidationError struct {
	EventType string
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.EventType, e.Reason)
}

func invalidf(p Payload, format string, args ...any) error {
	return &ValidationError{EventType: p.EventType(), Reason: fmt.Sprintf(format, args...)}
}

// registry maps type tags to payload factories. The set is closed: decoding
// an unregistered tag fails.
var registry = map[string]func() Payload{}

func register(factory func() Payload) {
	p := factory()
	if _, dup := registry[p.EventType()]; dup {
		panic("duplicate event type " + p.EventType())
	}
	registry[p.EventType()] = factory
}

// NewPayload returns an empty payload for the given type tag.
func NewPayload(eventType string) (Payload, error) {
	factory, ok := registry[eventType]
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}
	return factory(), nil
}

// Types returns the registered type tags, for documentation and validation.
func Types() []string {
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// DecodePayload decodes a payload of the given type from raw JSON.
func DecodePayload(eventType string, raw []byte) (Payload, error) {
	p, err := NewPayload(eventType)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	return p, nil
}

type wireEvent struct {
	SubmissionID string          `json:"submission_id"`
	Version      int64           `json:"version"`
	Type         string          `json:"type"`
	Creator      domain.Agent    `json:"creator"`
	CreatedAt    time.Time       `json:"created_at"`
	Payload      json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the envelope with the payload inline under its tag.
func (e Event) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{
		SubmissionID: e.SubmissionID,
		Version:      e.Version,
		Type:         e.Type,
		Creator:      e.Creator,
		CreatedAt:    e.CreatedAt,
		Payload:      raw,
	})
}

// UnmarshalJSON decodes the envelope and resolves the payload variant by tag.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p, err := DecodePayload(w.Type, w.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		SubmissionID: w.SubmissionID,
		Version:      w.Version,
		Type:         w.Type,
		Creator:      w.Creator,
		CreatedAt:    w.CreatedAt,
		Payload:      p,
	}
	return nil
}

// requireState is the shared guard for every variant except CreateSubmission.
func requireState(p Payload, s *domain.Submission) error {
	if s == nil {
		return invalidf(p, "submission does not exist")
	}
	return nil
}
