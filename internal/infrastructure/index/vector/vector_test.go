package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

func chunks() []domain.Chunk {
	return []domain.Chunk{
		{ID: "east", Embedding: []float32{1, 0, 0}},
		{ID: "north-east", Embedding: []float32{0.7, 0.7, 0}},
		{ID: "north", Embedding: []float32{0, 2, 0}},
		{ID: "up", Embedding: []float32{0, 0, 1}},
	}
}

func TestLookupOrdersBySimilarity(t *testing.T) {
	idx, err := Build(context.Background(), chunks(), Config{})
	require.NoError(t, err)
	assert.Equal(t, 3, idx.Dimension())
	assert.Equal(t, 4, idx.Len())

	hits, err := idx.Lookup(context.Background(), []float32{2, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)

	assert.Equal(t, "east", hits[0].ChunkID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Equal(t, "north-east", hits[1].ChunkID)
	assert.Equal(t, domain.MethodVector, hits[1].Method)
	for _, hit := range hits {
		assert.GreaterOrEqual(t, hit.Score, 0.0)
		assert.LessOrEqual(t, hit.Score, 1.0+1e-6)
	}
}

func TestLookupRejectsDimensionMismatch(t *testing.T) {
	idx, err := Build(context.Background(), chunks(), Config{})
	require.NoError(t, err)

	_, err = idx.Lookup(context.Background(), []float32{1, 0}, 2)
	assert.Error(t, err)
}

func TestLookupHonorsCancelledContext(t *testing.T) {
	idx, err := Build(context.Background(), chunks(), Config{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	hits, err := idx.Lookup(ctx, []float32{1, 0, 0}, 2)
	if err == nil {
		// the search may win the race against the cancelled context
		assert.NotEmpty(t, hits)
		return
	}
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuildRejectsMixedDimensions(t *testing.T) {
	_, err := Build(context.Background(), []domain.Chunk{
		{ID: "a", Embedding: []float32{1, 0}},
		{ID: "b", Embedding: []float32{1, 0, 0}},
	}, Config{})
	assert.True(t, domain.IsKind(err, domain.ErrInvalidInput))
}

func TestLookupOnEmptyIndex(t *testing.T) {
	idx, err := Build(context.Background(), nil, Config{})
	require.NoError(t, err)

	hits, err := idx.Lookup(context.Background(), []float32{1, 0, 0}, 3)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
