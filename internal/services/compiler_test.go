package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestBuild(t *testing.T) {
	var method, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		w.Write([]byte(`{"source_id":"src-1","source_checksum":"abc","status":"queued"}`))
	}))
	defer srv.Close()

	c := NewCompiler(srv.URL)
	b, err := c.RequestBuild(context.Background(), "src-1", "abc")
	require.NoError(t, err)
	require.Equal(t, http.MethodPost, method)
	require.Equal(t, "/builds/src-1/abc", path)
	require.Equal(t, BuildQueued, b.Status)
}

func TestBuildStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/builds/src-1/abc", r.URL.Path)
		w.Write([]byte(`{"source_id":"src-1","source_checksum":"abc","preview_checksum":"def","status":"succeeded"}`))
	}))
	defer srv.Close()

	c := NewCompiler(srv.URL)
	b, err := c.BuildStatus(context.Background(), "src-1", "abc")
	require.NoError(t, err)
	require.Equal(t, BuildSucceeded, b.Status)
	require.Equal(t, "def", b.PreviewChecksum)
}
