package services

import (
	"context"
	"fmt"
	"net/url"
)

// Build states reported by the compilation service.
const (
	BuildQueued     = "queued"
	BuildInProgress = "in_progress"
	BuildSucceeded  = "succeeded"
	BuildFailed     = "failed"
)

// Compiler talks to the preview build service.
type Compiler struct {
	BaseURL string
	HTTP    *Client
}

func NewCompiler(baseURL string) *Compiler {
	return &Compiler{BaseURL: baseURL, HTTP: NewClient("compiler", 0)}
}

// Build describes one compilation of a source package at a given checksum.
type Build struct {
	SourceID        string `json:"source_id"`
	SourceChecksum  string `json:"source_checksum"`
	PreviewChecksum string `json:"preview_checksum,omitempty"`
	Status          string `json:"status"`
	Log             string `json:"log,omitempty"`
}

// RequestBuild asks for a compilation of the package at its current checksum.
func (c *Compiler) RequestBuild(ctx context.Context, sourceID, checksum string) (Build, error) {
	var b Build
	if err := c.HTTP.postJSON(ctx, c.url("builds", sourceID, checksum), &b); err != nil {
		return Build{}, fmt.Errorf("compiler: %w", err)
	}
	return b, nil
}

// BuildStatus fetches the state of a previously requested build.
func (c *Compiler) BuildStatus(ctx context.Context, sourceID, checksum string) (Build, error) {
	var b Build
	if err := c.HTTP.getJSON(ctx, c.url("builds", sourceID, checksum), &b); err != nil {
		return Build{}, fmt.Errorf("compiler: %w", err)
	}
	return b, nil
}

func (c *Compiler) url(parts ...string) string {
	u := c.BaseURL
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}
