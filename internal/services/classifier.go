package services

import (
	"context"
	"fmt"
	"net/url"

	"paperline/internal/domain"
)

// Classifier talks to the content analysis service: category suggestions,
// overlap detection against the existing corpus, and plaintext extraction.
type Classifier struct {
	BaseURL string
	HTTP    *Client
}

func NewClassifier(baseURL string) *Classifier {
	return &Classifier{BaseURL: baseURL, HTTP: NewClient("classifier", 0)}
}

// Classify returns ranked category suggestions for a source package.
func (c *Classifier) Classify(ctx context.Context, sourceID string) ([]domain.ClassifierResult, error) {
	var out struct {
		Suggestions []domain.ClassifierResult `json:"suggestions"`
	}
	if err := c.HTTP.getJSON(ctx, c.url("classify", sourceID), &out); err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}
	return out.Suggestions, nil
}

// OverlapMatch is a prior document with significant textual overlap.
type OverlapMatch struct {
	PaperID string  `json:"paper_id"`
	Score   float64 `json:"score"`
}

// Overlap returns corpus documents overlapping the source text.
func (c *Classifier) Overlap(ctx context.Context, sourceID string) ([]OverlapMatch, error) {
	var out struct {
		Matches []OverlapMatch `json:"matches"`
	}
	if err := c.HTTP.getJSON(ctx, c.url("overlap", sourceID), &out); err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}
	return out.Matches, nil
}

// Plaintext requests text extraction for a source package. The extracted text
// feeds classification and overlap on the service side; callers only need
// success or failure.
func (c *Classifier) Plaintext(ctx context.Context, sourceID string) error {
	if err := c.HTTP.postJSON(ctx, c.url("plaintext", sourceID), nil); err != nil {
		return fmt.Errorf("classifier: %w", err)
	}
	return nil
}

func (c *Classifier) url(parts ...string) string {
	u := c.BaseURL
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}
