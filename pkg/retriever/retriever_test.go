package retriever

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vortrix5/echogarden/pkg/config"
	"github.com/Vortrix5/echogarden/pkg/embedders"
	"github.com/Vortrix5/echogarden/pkg/graph"
	"github.com/Vortrix5/echogarden/pkg/storage"
	"github.com/Vortrix5/echogarden/pkg/vector"
)

type fixture struct {
	store    *storage.Store
	provider vector.Provider
	embedder embedders.Embedder
	graph    *graph.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(context.Background(), filepath.Join(dir, "eg.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	provider, err := vector.NewChromemProvider(vector.ChromemConfig{PersistPath: filepath.Join(dir, "vectors")})
	require.NoError(t, err)
	t.Cleanup(func() { provider.Close() })

	return &fixture{
		store:    store,
		provider: provider,
		embedder: embedders.NewStubEmbedder(64),
		graph:    graph.NewService(store),
	}
}

func defaultCfg() config.RetrievalConfig {
	return config.RetrievalConfig{
		FusionWeights: config.FusionWeights{Semantic: 0.40, FTS: 0.20, Graph: 0.20, Recency: 0.20},
		TopK:          8,
		MinScore:      0.18,
	}
}

func (f *fixture) newRetriever() *Retriever {
	return New(f.store, f.provider, f.embedder, f.graph, defaultCfg(), nil)
}

// addCard persists a card, its FTS row, and its text vector.
func (f *fixture) addCard(t *testing.T, memoryID, cardType, summary, content, sourceType string, age time.Duration) {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.UpsertCard(ctx, &storage.MemoryCard{
		MemoryID:    memoryID,
		Type:        cardType,
		SourceTime:  time.Now().Add(-age),
		Summary:     summary,
		ContentText: content,
		Metadata:    map[string]any{"source_type": sourceType},
	})
	require.NoError(t, err)

	vec, err := f.embedder.Embed(ctx, content)
	require.NoError(t, err)
	require.NoError(t, f.provider.Upsert(ctx, vector.CollectionText, memoryID, vec, map[string]any{
		"memory_id": memoryID,
		"content":   content,
	}))
}

func TestRetrieveFusesFTSAndSemantic(t *testing.T) {
	f := newFixture(t)
	// Content equal to the query gives an exact stub-embedding match, so
	// the semantic signal is deterministic.
	f.addCard(t, "m-garden", "note", "gardening notes", "knowledge garden", "filesystem", time.Hour)
	f.addCard(t, "m-other", "note", "tax paperwork", "annual tax filing checklist", "filesystem", time.Hour)

	resp, err := f.newRetriever().Retrieve(context.Background(), Request{Query: "knowledge garden"})
	require.NoError(t, err)
	assert.False(t, resp.Degraded)
	require.NotEmpty(t, resp.Hits)

	top := resp.Hits[0]
	assert.Equal(t, "m-garden", top.MemoryID)
	assert.Contains(t, top.Reasons, SignalFTS)
	assert.Contains(t, top.Reasons, SignalSemantic)
	assert.GreaterOrEqual(t, top.Score, 0.2)
}

func TestRetrieveAppliesSourceBoost(t *testing.T) {
	f := newFixture(t)
	f.addCard(t, "m-doc", "document", "garden design pdf", "garden design", "filesystem", time.Hour)

	resp, err := f.newRetriever().Retrieve(context.Background(), Request{Query: "garden design"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Hits)
	assert.Contains(t, resp.Hits[0].Reasons, SignalBoost)
	assert.InDelta(t, 0.03, resp.Hits[0].Signals[SignalBoost], 1e-9)
}

func TestRetrieveGraphSignal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addCard(t, "m-ada", "note", "meeting notes", "discussed the analytical engine", "filesystem", time.Hour)
	_, err := f.graph.LinkEntities(ctx, "m-ada", "meeting notes", time.Now(), []graph.Entity{
		{Name: "Lovelace", Type: "person", Confidence: 0.9},
	})
	require.NoError(t, err)

	resp, err := f.newRetriever().Retrieve(ctx, Request{Query: "lovelace"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Hits)
	assert.Equal(t, "m-ada", resp.Hits[0].MemoryID)
	assert.Contains(t, resp.Hits[0].Reasons, SignalGraph)
}

func TestRetrieveDisablesGraphSignal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addCard(t, "m-ada", "note", "meeting notes", "discussed the analytical engine", "filesystem", time.Hour)
	_, err := f.graph.LinkEntities(ctx, "m-ada", "meeting notes", time.Now(), []graph.Entity{
		{Name: "Lovelace", Type: "person", Confidence: 0.9},
	})
	require.NoError(t, err)

	off := false
	resp, err := f.newRetriever().Retrieve(ctx, Request{Query: "lovelace", UseGraph: &off})
	require.NoError(t, err)
	for _, hit := range resp.Hits {
		assert.NotContains(t, hit.Reasons, SignalGraph)
	}
}

func TestRetrieveGraphSignalMultiHop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addCard(t, "m-ada", "note", "meeting notes", "discussed the analytical engine", "filesystem", time.Hour)
	_, err := f.graph.LinkEntities(ctx, "m-ada", "meeting notes", time.Now(), []graph.Entity{
		{Name: "Lovelace", Type: "person", Confidence: 0.9},
	})
	require.NoError(t, err)

	resp, err := f.newRetriever().Retrieve(ctx, Request{Query: "lovelace", GraphHops: 2})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Hits)
	assert.Equal(t, "m-ada", resp.Hits[0].MemoryID)
	assert.Contains(t, resp.Hits[0].Reasons, SignalGraph)
}

func TestRetrieveDegradesWithoutVectorProvider(t *testing.T) {
	f := newFixture(t)
	f.addCard(t, "m-1", "note", "garden notes", "the garden", "filesystem", time.Hour)

	r := New(f.store, nil, nil, f.graph, defaultCfg(), nil)
	resp, err := r.Retrieve(context.Background(), Request{Query: "garden"})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	require.NotEmpty(t, resp.Hits)
	assert.NotContains(t, resp.Hits[0].Reasons, SignalSemantic)
}

func TestRetrieveHonorsFilters(t *testing.T) {
	f := newFixture(t)
	f.addCard(t, "m-note", "note", "garden journal", "garden journal entry", "filesystem", time.Hour)
	f.addCard(t, "m-doc", "document", "garden paper", "garden paper text", "filesystem", time.Hour)

	resp, err := f.newRetriever().Retrieve(context.Background(), Request{Query: "garden", CardType: "document"})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 1)
	assert.Equal(t, "m-doc", resp.Hits[0].MemoryID)
}

func TestRetrieveTieBreaksByMemoryID(t *testing.T) {
	f := newFixture(t)
	// Identical content in both cards produces identical signal scores.
	f.addCard(t, "m-b", "note", "same", "identical text", "filesystem", time.Hour)
	f.addCard(t, "m-a", "note", "same", "identical text", "filesystem", time.Hour)

	resp, err := f.newRetriever().Retrieve(context.Background(), Request{Query: "identical text"})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 2)
	if resp.Hits[0].Score == resp.Hits[1].Score {
		assert.Equal(t, "m-a", resp.Hits[0].MemoryID)
	}
}

func TestRetrieveLogsSearchHistory(t *testing.T) {
	f := newFixture(t)
	f.addCard(t, "m-1", "note", "garden", "garden", "filesystem", time.Hour)

	_, err := f.newRetriever().Retrieve(context.Background(), Request{Query: "garden"})
	require.NoError(t, err)

	history, err := f.store.ListSearchHistory(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "garden", history[0].QueryText)
}
