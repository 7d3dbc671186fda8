// Package snapshot pairs a lexical and a vector index built from the same
// chunk set and publishes them atomically. A published snapshot is never
// mutated; readers pin one for the whole query session.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/index/lexical"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/index/vector"
)

const emptyVersion = "empty"

type Snapshot struct {
	version string
	builtAt time.Time
	lexical *lexical.Index
	vector  *vector.Index
	chunks  map[string]domain.Chunk

	refs      atomic.Int64
	retired   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ ports.IndexSnapshot = (*Snapshot)(nil)

// Build indexes chunks with both methods. Chunk ids must be non-empty and
// unique; embeddings must share one dimension.
func Build(ctx context.Context, version string, builtAt time.Time, chunks []domain.Chunk, cfg vector.Config) (*Snapshot, error) {
	byID := make(map[string]domain.Chunk, len(chunks))
	for _, chunk := range chunks {
		if chunk.ID == "" {
			return nil, domain.WrapError(domain.ErrInvalidInput, "build snapshot", errors.New("chunk without id"))
		}
		if _, dup := byID[chunk.ID]; dup {
			return nil, domain.WrapError(domain.ErrInvalidInput, "build snapshot", fmt.Errorf("duplicate chunk id %s", chunk.ID))
		}
		stored := chunk
		stored.Embedding = nil
		byID[chunk.ID] = stored
	}

	vec, err := vector.Build(ctx, chunks, cfg)
	if err != nil {
		return nil, fmt.Errorf("build vector index: %w", err)
	}
	lex, err := lexical.Build(ctx, chunks)
	if err != nil {
		return nil, fmt.Errorf("build lexical index: %w", err)
	}

	return &Snapshot{
		version: version,
		builtAt: builtAt.UTC(),
		lexical: lex,
		vector:  vec,
		chunks:  byID,
	}, nil
}

// Empty is served before the first snapshot is published.
func Empty() *Snapshot {
	return &Snapshot{version: emptyVersion, chunks: map[string]domain.Chunk{}}
}

func (s *Snapshot) Info() domain.IndexInfo {
	info := domain.IndexInfo{Version: s.version, Chunks: len(s.chunks), BuiltAt: s.builtAt}
	if s.vector != nil {
		info.Dimension = s.vector.Dimension()
	}
	return info
}

func (s *Snapshot) LookupLexical(ctx context.Context, queryText string, k int) ([]domain.CandidateHit, error) {
	if s.lexical == nil {
		return []domain.CandidateHit{}, nil
	}
	return s.lexical.Lookup(ctx, queryText, k)
}

func (s *Snapshot) LookupVector(ctx context.Context, queryEmbedding []float32, k int) ([]domain.CandidateHit, error) {
	if s.vector == nil || s.vector.Len() == 0 {
		return []domain.CandidateHit{}, nil
	}
	return s.vector.Lookup(ctx, queryEmbedding, k)
}

func (s *Snapshot) Chunk(id string) (domain.Chunk, bool) {
	chunk, ok := s.chunks[id]
	return chunk, ok
}

func (s *Snapshot) Len() int {
	return len(s.chunks)
}

func (s *Snapshot) Version() string {
	return s.version
}

// Close releases the index resources. It is idempotent.
func (s *Snapshot) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.lexical != nil {
			s.closeErr = s.lexical.Close()
		}
	})
	return s.closeErr
}

// retire marks s as replaced and closes it when nothing pins it.
func (s *Snapshot) retire() {
	s.retired.Store(true)
	if s.refs.Load() == 0 {
		s.closeRetired()
	}
}

func (s *Snapshot) unpin() {
	if s.refs.Add(-1) == 0 && s.retired.Load() {
		s.closeRetired()
	}
}

func (s *Snapshot) closeRetired() {
	if err := s.Close(); err != nil {
		slog.Warn("index_snapshot_close_failed", "version", s.version, "error", err)
	}
}
