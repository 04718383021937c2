package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vortrix5/echogarden/pkg/config"
	"github.com/Vortrix5/echogarden/pkg/embedders"
	"github.com/Vortrix5/echogarden/pkg/graph"
	"github.com/Vortrix5/echogarden/pkg/orchestrator"
	"github.com/Vortrix5/echogarden/pkg/qa"
	"github.com/Vortrix5/echogarden/pkg/retriever"
	"github.com/Vortrix5/echogarden/pkg/storage"
	"github.com/Vortrix5/echogarden/pkg/tools"
	"github.com/Vortrix5/echogarden/pkg/vector"
)

const testCaptureKey = "test-capture-key"

type fixture struct {
	store  *storage.Store
	server *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	store, err := storage.Open(ctx, filepath.Join(dir, "eg.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	provider, err := vector.NewChromemProvider(vector.ChromemConfig{PersistPath: filepath.Join(dir, "vectors")})
	require.NoError(t, err)
	t.Cleanup(func() { provider.Close() })

	embedder := embedders.NewStubEmbedder(32)
	graphSvc := graph.NewService(store)

	cfg := config.RetrievalConfig{
		FusionWeights: config.FusionWeights{Semantic: 0.40, FTS: 0.20, Graph: 0.20, Recency: 0.20},
		TopK:          8,
		MinScore:      0.18,
	}
	ret := retriever.New(store, provider, embedder, graphSvc, cfg, nil)

	registry := tools.NewRegistry(store, nil)
	registry.MustRegister(
		tools.NewDocParseTool(store),
		tools.NewOCRTool(store, tools.ModeStub, ""),
		tools.NewASRTool(store, tools.ModeStub, ""),
		tools.NewVisionEmbedTool(store, provider, tools.ModeStub, ""),
		tools.NewTextEmbedTool(embedder, provider),
		tools.NewSummarizerTool(nil),
		tools.NewExtractorTool(nil),
		tools.NewGraphBuilderTool(graphSvc),
		tools.NewRetrievalTool(ret),
		tools.NewWeaverTool(nil),
		tools.NewVerifierTool(nil),
	)

	orch := orchestrator.New(store, registry, nil, 20)
	srv := New(Deps{
		Store:        store,
		Registry:     registry,
		Retriever:    ret,
		QA:           qa.NewService(store, orch),
		Orch:         orch,
		Graph:        graphSvc,
		Vector:       provider,
		LLM:          nil,
		CaptureKey:   testCaptureKey,
		WatchRoot:    filepath.Join(dir, "watch"),
		PollInterval: 2 * time.Second,
	}, "127.0.0.1", 0)

	return &fixture{store: store, server: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	health := decode[map[string]string](t, rec)
	assert.Equal(t, "ok", health["db"])
	assert.Equal(t, "ok", health["vector_index"])
	assert.Equal(t, "stub", health["llm"])
}

func TestIngestAndGetCardRoundTrip(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/ingest", map[string]any{
		"text": "Remember to water the ferns on Friday.",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	out := decode[map[string]string](t, rec)
	require.NotEmpty(t, out["memory_id"])
	require.NotEmpty(t, out["trace_id"])

	rec = f.do(t, http.MethodGet, "/cards/"+out["memory_id"], nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	card := decode[storage.MemoryCard](t, rec)
	assert.Equal(t, "Remember to water the ferns on Friday.", card.ContentText)
	assert.Equal(t, "note", card.Type)
}

func TestIngestRejectsEmptyText(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/ingest", map[string]any{"text": "   "}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, KindInvalidInput, decode[apiError](t, rec).Kind)
}

func TestGetCardNotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/cards/nope", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, KindNotFound, decode[apiError](t, rec).Kind)
}

func TestListCardsWithSearch(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/ingest", map[string]any{"text": "pergola sketch for the garden"}, nil)
	f.do(t, http.MethodPost, "/ingest", map[string]any{"text": "quarterly tax checklist"}, nil)

	rec := f.do(t, http.MethodGet, "/cards?q=pergola", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[map[string][]storage.MemoryCard](t, rec)
	require.Len(t, out["cards"], 1)
	assert.Contains(t, out["cards"][0].ContentText, "pergola")

	rec = f.do(t, http.MethodGet, "/cards", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out = decode[map[string][]storage.MemoryCard](t, rec)
	assert.Len(t, out["cards"], 2)
}

func TestRetrieveEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/ingest", map[string]any{"text": "knowledge garden"}, nil)

	rec := f.do(t, http.MethodPost, "/retrieve", map[string]any{"query": "knowledge garden"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Results  []retriever.Hit `json:"results"`
		Degraded bool            `json:"degraded"`
		TraceID  string          `json:"trace_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.False(t, out.Degraded)
	assert.NotEmpty(t, out.TraceID)
	require.NotEmpty(t, out.Results)
	assert.NotEmpty(t, out.Results[0].Reasons)
}

func TestRetrieveRequiresQuery(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/retrieve", map[string]any{}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/ingest", map[string]any{"text": "knowledge garden"}, nil)

	rec := f.do(t, http.MethodPost, "/chat", map[string]any{"message": "knowledge garden"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[qa.ChatResponse](t, rec)
	assert.Equal(t, tools.VerdictPass, resp.Verdict)
	assert.NotEmpty(t, resp.Answer)
	assert.NotEmpty(t, resp.TraceID)

	// The exec graph behind the answer is inspectable.
	rec = f.do(t, http.MethodGet, "/exec/"+resp.TraceID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var execOut struct {
		Nodes []storage.ExecNode `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &execOut))
	assert.Len(t, execOut.Nodes, 3)
}

func TestChatRejectsOversizedMessage(t *testing.T) {
	f := newFixture(t)
	big := make([]byte, 60_000)
	for i := range big {
		big[i] = 'a'
	}
	rec := f.do(t, http.MethodPost, "/chat", map[string]any{"message": string(big)}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBrowserCaptureRequiresKey(t *testing.T) {
	f := newFixture(t)
	body := map[string]any{"url": "https://example.org", "title": "Example"}

	rec := f.do(t, http.MethodPost, "/capture/browser/bookmark", body, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/capture/browser/bookmark", body,
		map[string]string{"X-EG-KEY": "wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/capture/browser/bookmark", body,
		map[string]string{"X-EG-KEY": testCaptureKey})
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[map[string]string](t, rec)
	assert.NotEmpty(t, out["memory_id"])
	assert.NotEmpty(t, out["trace_id"])
}

func TestBrowserCaptureWithoutConfiguredKey(t *testing.T) {
	srv := New(Deps{}, "127.0.0.1", 0)
	req := httptest.NewRequest(http.MethodPost, "/capture/browser/bookmark",
		bytes.NewReader([]byte(`{"url":"https://example.org"}`)))
	req.Header.Set("X-EG-KEY", "anything")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBrowserCaptureUnknownKind(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/capture/browser/screenshot",
		map[string]any{"url": "https://example.org"},
		map[string]string{"X-EG-KEY": testCaptureKey})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGraphUpsertAndQuery(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/graph/upsert", map[string]any{
		"nodes": []map[string]any{
			{"node_id": "ent:ada-lovelace", "node_type": "Person", "props": map[string]any{"name": "Ada Lovelace"}},
			{"node_id": "ent:analytical-engine", "node_type": "Concept", "props": map[string]any{"name": "Analytical Engine"}},
		},
		"edges": []map[string]any{
			{"from": "ent:ada-lovelace", "to": "ent:analytical-engine", "edge_type": "RELATED_TO", "weight": 0.9},
		},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	counts := decode[map[string]int](t, rec)
	assert.Equal(t, 2, counts["nodes_upserted"])
	assert.Equal(t, 1, counts["edges_upserted"])

	rec = f.do(t, http.MethodPost, "/graph/query", map[string]any{"node_id": "ent:ada-lovelace"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sub struct {
		Nodes []storage.GraphNode `json:"nodes"`
		Edges []storage.GraphEdge `json:"edges"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sub))
	assert.Len(t, sub.Edges, 1)

	rec = f.do(t, http.MethodGet, "/graph/search?query=ada", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGraphQueryUnknownNode(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/graph/query", map[string]any{"node_id": "ent:nobody"}, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestToolsEndpoints(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/tools", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[map[string][]string](t, rec)
	assert.Contains(t, out["tools"], "summarizer")
	assert.Contains(t, out["tools"], "retrieval")

	rec = f.do(t, http.MethodGet, "/tools/summarizer/schema", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	schema := decode[map[string]any](t, rec)
	assert.Equal(t, "summarizer", schema["name"])
	assert.NotNil(t, schema["input_schema"])

	rec = f.do(t, http.MethodPost, "/tools/summarizer/run", map[string]any{
		"inputs": map[string]any{"text": "One sentence about ferns."},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	run := decode[map[string]any](t, rec)
	assert.NotEmpty(t, run["call_id"])

	rec = f.do(t, http.MethodGet, "/tools/nope/schema", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodPost, "/tools/nope/run", map[string]any{"inputs": map[string]any{}}, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDigestValidatesWindow(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/digest?window=2y", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/digest?window=7d", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	digest := decode[map[string]any](t, rec)
	assert.Equal(t, "7d", digest["window"])
}

func TestFeedToday(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/ingest", map[string]any{"text": "TODO water the ferns"}, nil)

	rec := f.do(t, http.MethodGet, "/feed/today", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	feed := decode[map[string]any](t, rec)
	assert.NotEmpty(t, feed["date"])
	assert.NotNil(t, feed["recent_memories"])
	assert.NotNil(t, feed["activity_summary"])
}

func TestCaptureStatus(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/capture/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[map[string]any](t, rec)
	assert.EqualValues(t, 2, status["poll_interval_s"])
}

func TestSearchHistoryLogsRetrieval(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/ingest", map[string]any{"text": "knowledge garden"}, nil)
	f.do(t, http.MethodPost, "/retrieve", map[string]any{"query": "knowledge garden"}, nil)

	rec := f.do(t, http.MethodGet, "/search/history", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Queries []storage.SearchQuery `json:"queries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(t, out.Queries)
	assert.Equal(t, "knowledge garden", out.Queries[0].QueryText)
}
