package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/classify/src-1", r.URL.Path)
		w.Write([]byte(`{"suggestions":[{"category":"cs.DL","confidence":0.91},{"category":"cs.IR","confidence":0.42}]}`))
	}))
	defer srv.Close()

	c := NewClassifier(srv.URL)
	results, err := c.Classify(context.Background(), "src-1")
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "cs.DL", results[0].Category)
	require.InDelta(t, 0.91, results[0].Confidence, 1e-9)
}

func TestOverlap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/overlap/src-1", r.URL.Path)
		w.Write([]byte(`{"matches":[{"paper_id":"2501.01234","score":0.83}]}`))
	}))
	defer srv.Close()

	c := NewClassifier(srv.URL)
	matches, err := c.Overlap(context.Background(), "src-1")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "2501.01234", matches[0].PaperID)
}

func TestPlaintext(t *testing.T) {
	var method, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClassifier(srv.URL)
	require.NoError(t, c.Plaintext(context.Background(), "src-1"))
	require.Equal(t, http.MethodPost, method)
	require.Equal(t, "/plaintext/src-1", path)
}
