package services

import (
	"context"
	"fmt"
	"net/url"
)

// FileManager talks to the source package store.
type FileManager struct {
	BaseURL string
	HTTP    *Client
}

func NewFileManager(baseURL string) *FileManager {
	return &FileManager{BaseURL: baseURL, HTTP: NewClient("filemanager", 0)}
}

type sourceInfo struct {
	SourceID string `json:"source_id"`
	Checksum string `json:"checksum"`
	Format   string `json:"format"`
	Size     int64  `json:"size"`
}

// SourceChecksum returns the current checksum of an uploaded source package.
func (f *FileManager) SourceChecksum(ctx context.Context, sourceID string) (string, error) {
	var info sourceInfo
	if err := f.HTTP.getJSON(ctx, f.url("sources", sourceID), &info); err != nil {
		return "", fmt.Errorf("file manager: %w", err)
	}
	return info.Checksum, nil
}

// SourceSize returns the unpacked size in bytes of a source package.
func (f *FileManager) SourceSize(ctx context.Context, sourceID string) (int64, error) {
	var info sourceInfo
	if err := f.HTTP.getJSON(ctx, f.url("sources", sourceID), &info); err != nil {
		return 0, fmt.Errorf("file manager: %w", err)
	}
	return info.Size, nil
}

func (f *FileManager) url(parts ...string) string {
	u := f.BaseURL
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}
