package embedders

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStubEmbedderIsDeterministic(t *testing.T) {
	e := NewStubEmbedder(64)
	ctx := context.Background()

	v1, err := e.Embed(ctx, "echo garden")
	require.NoError(t, err)
	v2, err := e.Embed(ctx, "echo garden")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)

	v3, err := e.Embed(ctx, "something else")
	require.NoError(t, err)
	assert.NotEqual(t, v1, v3)
}

func TestStubEmbedderUnitNorm(t *testing.T) {
	e := NewStubEmbedder(32)
	vec, err := e.Embed(context.Background(), "normalize me")
	require.NoError(t, err)
	require.Len(t, vec, 32)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestStubEmbedderRejectsEmptyText(t *testing.T) {
	e := NewStubEmbedder(16)
	_, err := e.Embed(context.Background(), "")
	assert.Error(t, err)
}
