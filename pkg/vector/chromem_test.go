package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChromemUpsertAndSearch(t *testing.T) {
	p, err := NewChromemProvider(ChromemConfig{})
	require.NoError(t, err)
	defer p.Close()
	ctx := context.Background()

	require.NoError(t, p.Upsert(ctx, CollectionText, "m1", []float32{1, 0, 0},
		map[string]any{"memory_id": "m1", "content": "alpha"}))
	require.NoError(t, p.Upsert(ctx, CollectionText, "m2", []float32{0, 1, 0},
		map[string]any{"memory_id": "m2", "content": "beta"}))

	results, err := p.Search(ctx, CollectionText, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "m1", results[0].ID)
	assert.Greater(t, results[0].Score, results[1].Score)
	assert.Equal(t, "m1", results[0].Metadata["memory_id"])
}

func TestChromemUpsertIsIdempotentByID(t *testing.T) {
	p, err := NewChromemProvider(ChromemConfig{})
	require.NoError(t, err)
	defer p.Close()
	ctx := context.Background()

	require.NoError(t, p.Upsert(ctx, CollectionText, "m1", []float32{1, 0}, nil))
	require.NoError(t, p.Upsert(ctx, CollectionText, "m1", []float32{0, 1}, nil))

	results, err := p.Search(ctx, CollectionText, []float32{0, 1}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestChromemSearchEmptyCollection(t *testing.T) {
	p, err := NewChromemProvider(ChromemConfig{})
	require.NoError(t, err)
	defer p.Close()

	results, err := p.Search(context.Background(), CollectionText, []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChromemPersistRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	p, err := NewChromemProvider(ChromemConfig{PersistPath: dir})
	require.NoError(t, err)
	require.NoError(t, p.Upsert(ctx, CollectionText, "m1", []float32{1, 0}, map[string]any{"content": "alpha"}))
	require.NoError(t, p.Close())

	reloaded, err := NewChromemProvider(ChromemConfig{PersistPath: dir})
	require.NoError(t, err)
	defer reloaded.Close()

	results, err := reloaded.Search(ctx, CollectionText, []float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "m1", results[0].ID)
}

func TestFactorySelectsProvider(t *testing.T) {
	p, err := NewProvider(&ProviderConfig{Type: ProviderChromem})
	require.NoError(t, err)
	assert.Equal(t, "chromem", p.Name())
	p.Close()

	_, err = NewProvider(&ProviderConfig{Type: "pinecone"})
	assert.Error(t, err)

	_, err = NewProvider(&ProviderConfig{Type: ProviderQdrant})
	assert.Error(t, err) // missing qdrant config
}
