package lexical

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

func corpus() []domain.Chunk {
	return []domain.Chunk{
		{ID: "a", Text: "Q3 revenue grew 12 percent, revenue growth was driven by subscriptions."},
		{ID: "b", Text: "Revenue in the third quarter reached 4.2 million."},
		{ID: "c", Text: "The office moved to a new building in March."},
	}
}

func TestLookupRanksByBM25(t *testing.T) {
	idx, err := Build(context.Background(), corpus())
	require.NoError(t, err)
	defer idx.Close()

	hits, err := idx.Lookup(context.Background(), "revenue growth", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)

	assert.Equal(t, "a", hits[0].ChunkID)
	assert.Equal(t, "b", hits[1].ChunkID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
	for _, hit := range hits {
		assert.Equal(t, domain.MethodLexical, hit.Method)
	}
}

func TestLookupHonorsK(t *testing.T) {
	idx, err := Build(context.Background(), corpus())
	require.NoError(t, err)
	defer idx.Close()

	hits, err := idx.Lookup(context.Background(), "revenue", 1)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestLookupBlankQueryReturnsNoHits(t *testing.T) {
	idx, err := Build(context.Background(), corpus())
	require.NoError(t, err)
	defer idx.Close()

	hits, err := idx.Lookup(context.Background(), "   ", 5)
	require.NoError(t, err)
	assert.NotNil(t, hits)
	assert.Empty(t, hits)
}

func TestLookupOnEmptyIndex(t *testing.T) {
	idx, err := Build(context.Background(), nil)
	require.NoError(t, err)
	defer idx.Close()

	hits, err := idx.Lookup(context.Background(), "revenue", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.Equal(t, 0, idx.Len())
}

func TestBuildStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Build(ctx, corpus())
	assert.ErrorIs(t, err, context.Canceled)
}
