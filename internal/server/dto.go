package server

import (
	"time"

	"paperline/internal/domain"
	"paperline/internal/domain/event"
	"paperline/internal/notify"
)

type CreateSubmissionRequest struct {
	ID string `json:"id,omitempty" doc:"Submission id; generated when empty"`
}

// AppendEventRequest is the generic event envelope. Payload is decoded
// against the registered event type.
type AppendEventRequest struct {
	Type            string         `json:"type"`
	ExpectedVersion int64          `json:"expected_version"`
	Payload         map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type SubmissionResponse struct {
	*domain.Submission
}

type EventResponse struct {
	SubmissionID string       `json:"submission_id"`
	Version      int64        `json:"version"`
	Type         string       `json:"type"`
	Creator      domain.Agent `json:"creator"`
	CreatedAt    time.Time    `json:"created_at"`
	Payload      any          `json:"payload"`
}

func eventResponse(e event.Event) EventResponse {
	return EventResponse{
		SubmissionID: e.SubmissionID,
		Version:      e.Version,
		Type:         e.Type,
		Creator:      e.Creator,
		CreatedAt:    e.CreatedAt,
		Payload:      e.Payload,
	}
}

func mapEvents(events []event.Event) []EventResponse {
	out := make([]EventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, eventResponse(e))
	}
	return out
}

type AppendEventResponse struct {
	Event      EventResponse      `json:"event"`
	Submission SubmissionResponse `json:"submission"`
}

type CreateWebhookRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret,omitempty"`
	Events []string `json:"events,omitempty" doc:"Event type patterns; empty subscribes to all"`
}

type WebhookResponse struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events,omitempty"`
	Enabled   bool      `json:"enabled"`
	Cursor    int64     `json:"cursor"`
	CreatedAt time.Time `json:"created_at"`
}

func webhookResponse(w notify.Webhook) WebhookResponse {
	return WebhookResponse{
		ID:        w.ID,
		URL:       w.URL,
		Events:    w.Events,
		Enabled:   w.Enabled,
		Cursor:    w.Cursor,
		CreatedAt: w.CreatedAt,
	}
}

func mapWebhooks(hooks []notify.Webhook) []WebhookResponse {
	out := make([]WebhookResponse, 0, len(hooks))
	for _, w := range hooks {
		out = append(out, webhookResponse(w))
	}
	return out
}
