// Package lexical is the BM25 read side of an index snapshot, backed by an
// in-memory bleve index that is built once and never mutated afterwards.
package lexical

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

const (
	textField      = "text"
	buildBatchSize = 500
)

type Index struct {
	index bleve.Index
	count int
}

type bleveDocument struct {
	Text string `json:"text"`
}

// Build indexes every chunk text. The returned index is read-only.
func Build(ctx context.Context, chunks []domain.Chunk) (*Index, error) {
	idx, err := bleve.NewMemOnly(newIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create lexical index: %w", err)
	}

	for start := 0; start < len(chunks); start += buildBatchSize {
		if err := ctx.Err(); err != nil {
			_ = idx.Close()
			return nil, err
		}
		batch := idx.NewBatch()
		for _, chunk := range chunks[start:min(start+buildBatchSize, len(chunks))] {
			if err := batch.Index(chunk.ID, bleveDocument{Text: chunk.Text}); err != nil {
				_ = idx.Close()
				return nil, fmt.Errorf("index chunk %s: %w", chunk.ID, err)
			}
		}
		if err := idx.Batch(batch); err != nil {
			_ = idx.Close()
			return nil, fmt.Errorf("execute lexical batch: %w", err)
		}
	}

	return &Index{index: idx, count: len(chunks)}, nil
}

func newIndexMapping() *mapping.IndexMappingImpl {
	field := bleve.NewTextFieldMapping()
	field.Analyzer = en.AnalyzerName
	field.Store = false
	field.IncludeInAll = false

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt(textField, field)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = doc
	indexMapping.DefaultAnalyzer = en.AnalyzerName
	return indexMapping
}

// Lookup returns up to k chunks ordered by BM25 score desc, ties by chunk id.
func (i *Index) Lookup(ctx context.Context, text string, k int) ([]domain.CandidateHit, error) {
	if strings.TrimSpace(text) == "" || k <= 0 || i.count == 0 {
		return []domain.CandidateHit{}, nil
	}

	query := bleve.NewMatchQuery(text)
	query.SetField(textField)
	req := bleve.NewSearchRequest(query)
	req.Size = k

	result, err := i.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}

	hits := make([]domain.CandidateHit, 0, len(result.Hits))
	for _, hit := range result.Hits {
		hits = append(hits, domain.CandidateHit{
			ChunkID: hit.ID,
			Method:  domain.MethodLexical,
			Score:   hit.Score,
		})
	}
	sort.SliceStable(hits, func(a, b int) bool {
		if hits[a].Score != hits[b].Score {
			return hits[a].Score > hits[b].Score
		}
		return hits[a].ChunkID < hits[b].ChunkID
	})
	return hits, nil
}

func (i *Index) Len() int {
	return i.count
}

func (i *Index) Close() error {
	return i.index.Close()
}
