package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := generateResponse{Response: "echo: " + req.Prompt, Done: true}
		if req.Format == "json" {
			resp.Response = `{"ok":true}`
		}
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/api/embeddings", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embeddingResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	})
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGenerate(t *testing.T) {
	srv := newTestServer(t)
	c := NewClient(Config{BaseURL: srv.URL, Model: "test"})

	out, err := c.Generate(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", out)

	jsonOut, err := c.GenerateJSON(context.Background(), "hello")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, jsonOut)
}

func TestEmbed(t *testing.T) {
	srv := newTestServer(t)
	c := NewClient(Config{BaseURL: srv.URL, EmbedModel: "test-embed"})

	vec, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, vec, 3)
}

func TestPing(t *testing.T) {
	srv := newTestServer(t)
	c := NewClient(Config{BaseURL: srv.URL})
	assert.NoError(t, c.Ping(context.Background()))

	down := NewClient(Config{BaseURL: "http://127.0.0.1:1"})
	assert.Error(t, down.Ping(context.Background()))
}
