package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient("test-key", WithBaseURL(srv.URL), WithRateLimit(1000))
	return c, srv
}

func TestEmbed_Success(t *testing.T) {
	var gotReq embeddingRequest
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"data": []map[string]any{
				{"index": 0, "embedding": []float32{0.1, 0.2, 0.3}},
			},
		})
	})

	vec, err := c.Embed(context.Background(), "my card was charged twice")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, "text-embedding-3-small", gotReq.Model)
	assert.Equal(t, 1536, gotReq.Dimensions)
}

func TestEmbedBatch_ReordersByIndex(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"data": []map[string]any{
				{"index": 1, "embedding": []float32{1}},
				{"index": 0, "embedding": []float32{0}},
			},
		})
	})

	vecs, err := c.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []float32{0}, vecs[0])
	assert.Equal(t, []float32{1}, vecs[1])
}

func TestEmbedBatch_CountMismatch(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"data": []map[string]any{{"index": 0, "embedding": []float32{0}}},
		})
	})

	_, err := c.EmbedBatch(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "got 1 vectors for 2 inputs")
}

func TestEmbed_ServerError(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	_, err := c.Embed(context.Background(), "text")
	require.Error(t, err)
	ae, ok := IsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, ae.StatusCode)
}

func TestEmbedBatch_EmptyInput(t *testing.T) {
	c := NewClient("test-key")
	_, err := c.EmbedBatch(context.Background(), nil)
	require.Error(t, err)
}
