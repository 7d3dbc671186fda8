// Package vector is the nearest-neighbour read side of an index snapshot,
// an HNSW graph over normalized chunk embeddings with cosine distance.
package vector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

type Config struct {
	M        int
	EfSearch int
}

func (c Config) withDefaults() Config {
	if c.M <= 0 {
		c.M = 16
	}
	if c.EfSearch <= 0 {
		c.EfSearch = 64
	}
	return c
}

type Index struct {
	mu        sync.RWMutex
	graph     *hnsw.Graph[uint64]
	ids       []string
	dimension int
}

// Build inserts every chunk embedding. All embeddings must share one
// non-zero dimension.
func Build(ctx context.Context, chunks []domain.Chunk, cfg Config) (*Index, error) {
	cfg = cfg.withDefaults()
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	idx := &Index{graph: graph, ids: make([]string, 0, len(chunks))}
	for i, chunk := range chunks {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if len(chunk.Embedding) == 0 {
			return nil, domain.WrapError(domain.ErrInvalidInput, "build vector index", fmt.Errorf("chunk %s has no embedding", chunk.ID))
		}
		if idx.dimension == 0 {
			idx.dimension = len(chunk.Embedding)
		}
		if len(chunk.Embedding) != idx.dimension {
			return nil, domain.WrapError(
				domain.ErrInvalidInput,
				"build vector index",
				fmt.Errorf("chunk %s: dimension %d, expected %d", chunk.ID, len(chunk.Embedding), idx.dimension),
			)
		}
		graph.Add(hnsw.MakeNode(uint64(len(idx.ids)), normalized(chunk.Embedding)))
		idx.ids = append(idx.ids, chunk.ID)
	}
	return idx, nil
}

// Lookup returns up to k chunks ordered by similarity 1-d/2 desc, ties by
// chunk id. The call returns when ctx is done even if the search has not.
func (i *Index) Lookup(ctx context.Context, embedding []float32, k int) ([]domain.CandidateHit, error) {
	if k <= 0 || len(i.ids) == 0 {
		return []domain.CandidateHit{}, nil
	}
	if len(embedding) != i.dimension {
		return nil, fmt.Errorf("query dimension %d, index dimension %d", len(embedding), i.dimension)
	}
	query := normalized(embedding)
	if isZero(query) {
		return nil, errors.New("query embedding has zero magnitude")
	}

	type result struct {
		hits []domain.CandidateHit
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("hnsw search: panic: %v", p)}
			}
		}()
		done <- result{hits: i.search(query, k)}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		return res.hits, res.err
	}
}

func (i *Index) search(query []float32, k int) []domain.CandidateHit {
	i.mu.RLock()
	defer i.mu.RUnlock()
	nodes := i.graph.Search(query, k)

	hits := make([]domain.CandidateHit, 0, len(nodes))
	for _, node := range nodes {
		if node.Key >= uint64(len(i.ids)) {
			continue
		}
		distance := hnsw.CosineDistance(query, node.Value)
		hits = append(hits, domain.CandidateHit{
			ChunkID: i.ids[node.Key],
			Method:  domain.MethodVector,
			Score:   1 - float64(distance)/2,
		})
	}
	sort.SliceStable(hits, func(a, b int) bool {
		if hits[a].Score != hits[b].Score {
			return hits[a].Score > hits[b].Score
		}
		return hits[a].ChunkID < hits[b].ChunkID
	})
	return hits
}

func (i *Index) Len() int {
	return len(i.ids)
}

func (i *Index) Dimension() int {
	return i.dimension
}

func normalized(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	var sum float64
	for _, x := range out {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return out
	}
	inv := float32(1 / math.Sqrt(sum))
	for j := range out {
		out[j] *= inv
	}
	return out
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
