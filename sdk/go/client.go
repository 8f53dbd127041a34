package paperlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Paperline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Submission represents the API submission model (partial).
type Submission struct {
	ID        string         `json:"id"`
	Version   int64          `json:"version"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata"`
	Holds     []Hold         `json:"holds,omitempty"`
	Flags     []Flag         `json:"flags,omitempty"`
	Finalized bool           `json:"finalized"`
	Published bool           `json:"published"`
	PaperID   string         `json:"paper_id,omitempty"`
	AnnounceAt *string       `json:"announce_at,omitempty"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
}

// Hold represents an open hold on a submission.
type Hold struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// Flag represents an advisory flag on a submission.
type Flag struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`
}

// Event represents a committed log entry.
type Event struct {
	SubmissionID string         `json:"submission_id"`
	Version      int64          `json:"version"`
	Type         string         `json:"type"`
	Creator      map[string]any `json:"creator"`
	CreatedAt    string         `json:"created_at"`
	Payload      map[string]any `json:"payload"`
}

// AppendResult pairs a committed event with the submission it produced.
type AppendResult struct {
	Event      Event      `json:"event"`
	Submission Submission `json:"submission"`
}

// Webhook represents a registered delivery target.
type Webhook struct {
	ID        string   `json:"id"`
	URL       string   `json:"url"`
	Events    []string `json:"events,omitempty"`
	Enabled   bool     `json:"enabled"`
	Cursor    int64    `json:"cursor"`
	CreatedAt string   `json:"created_at"`
}

// DeadLetter represents a delivery that exhausted its retries.
type DeadLetter struct {
	ID        string          `json:"id"`
	WebhookID string          `json:"webhook_id"`
	Event     json.RawMessage `json:"event"`
	Reason    string          `json:"reason"`
	CreatedAt string          `json:"created_at"`
}

// APIError wraps non-2xx responses. Code and Message are filled when the
// server returned its structured error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateSubmission opens a new submission log. id may be empty to let the
// server generate one.
func (c *Client) CreateSubmission(ctx context.Context, id string) (Submission, error) {
	body := map[string]any{}
	if id != "" {
		body["id"] = id
	}
	var resp Submission
	err := c.do(ctx, http.MethodPost, "v0/submissions", body, &resp)
	return resp, err
}

// GetSubmission returns the current state of a submission.
func (c *Client) GetSubmission(ctx context.Context, id string) (Submission, error) {
	var resp Submission
	endpoint := fmt.Sprintf("v0/submissions/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetSubmissionAt returns the state of a submission at a past version.
func (c *Client) GetSubmissionAt(ctx context.Context, id string, version int64) (Submission, error) {
	var resp Submission
	endpoint := fmt.Sprintf("v0/submissions/%s/versions/%d", url.PathEscape(id), version)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns the full event log for a submission.
func (c *Client) Events(ctx context.Context, id string) ([]Event, error) {
	var resp []Event
	endpoint := fmt.Sprintf("v0/submissions/%s/events", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AppendEvent appends an event at the expected version. The payload shape
// depends on the event type.
func (c *Client) AppendEvent(ctx context.Context, id, eventType string, expectedVersion int64, payload map[string]any) (AppendResult, error) {
	body := map[string]any{
		"type":             eventType,
		"expected_version": expectedVersion,
	}
	if payload != nil {
		body["payload"] = payload
	}
	var resp AppendResult
	endpoint := fmt.Sprintf("v0/submissions/%s/events", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CreateWebhook registers a delivery target. events may be empty to
// subscribe to everything.
func (c *Client) CreateWebhook(ctx context.Context, targetURL, secret string, events []string) (Webhook, error) {
	body := map[string]any{
		"url":    targetURL,
		"secret": secret,
		"events": events,
	}
	var resp Webhook
	err := c.do(ctx, http.MethodPost, "v0/webhooks", body, &resp)
	return resp, err
}

// ListWebhooks returns all registered webhooks.
func (c *Client) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	var resp []Webhook
	err := c.do(ctx, http.MethodGet, "v0/webhooks", nil, &resp)
	return resp, err
}

// DeleteWebhook removes a webhook by id.
func (c *Client) DeleteWebhook(ctx context.Context, id string) error {
	endpoint := fmt.Sprintf("v0/webhooks/%s", url.PathEscape(id))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// DeadLetters returns recent deliveries that exhausted their retries.
func (c *Client) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	endpoint := "v0/webhooks/dead-letters"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []DeadLetter
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
