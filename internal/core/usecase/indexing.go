package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
)

const defaultEmbedBatchSize = 32

// IndexBuildUseCase turns raw documents or pre-chunked text into a published
// index snapshot. Snapshots are always rebuilt in full.
type IndexBuildUseCase struct {
	source         ports.DocumentSource
	extractor      ports.TextExtractor
	chunker        ports.Chunker
	embedder       ports.Embedder
	publisher      ports.SnapshotPublisher
	embedBatchSize int
}

func NewIndexBuildUseCase(
	source ports.DocumentSource,
	extractor ports.TextExtractor,
	chunker ports.Chunker,
	embedder ports.Embedder,
	publisher ports.SnapshotPublisher,
	embedBatchSize int,
) *IndexBuildUseCase {
	if embedBatchSize <= 0 {
		embedBatchSize = defaultEmbedBatchSize
	}
	return &IndexBuildUseCase{
		source:         source,
		extractor:      extractor,
		chunker:        chunker,
		embedder:       embedder,
		publisher:      publisher,
		embedBatchSize: embedBatchSize,
	}
}

// BuildFromDocuments extracts, chunks and embeds every document of the source.
// Documents that fail extraction are skipped and logged.
func (uc *IndexBuildUseCase) BuildFromDocuments(ctx context.Context, version string) (domain.IndexInfo, error) {
	if uc.source == nil || uc.extractor == nil || uc.chunker == nil {
		return domain.IndexInfo{}, domain.WrapError(domain.ErrInvalidInput, "build from documents", errors.New("document source is not configured"))
	}

	docs, err := uc.source.List(ctx)
	if err != nil {
		return domain.IndexInfo{}, fmt.Errorf("list documents: %w", err)
	}

	var chunks []domain.Chunk
	for _, doc := range docs {
		docChunks, err := uc.chunkDocument(ctx, doc)
		if err != nil {
			if ctx.Err() != nil {
				return domain.IndexInfo{}, ctx.Err()
			}
			slog.Warn("index_document_skipped", "document_id", doc.ID, "name", doc.Name, "error", err)
			continue
		}
		chunks = append(chunks, docChunks...)
	}
	if len(chunks) == 0 {
		return domain.IndexInfo{}, domain.WrapError(domain.ErrInvalidInput, "build from documents", errors.New("no chunks produced"))
	}

	slog.Info("index_documents_chunked", "documents", len(docs), "chunks", len(chunks))
	return uc.BuildFromChunks(ctx, version, chunks)
}

// BuildFromChunks embeds chunks that carry no embedding yet and publishes
// the snapshot.
func (uc *IndexBuildUseCase) BuildFromChunks(ctx context.Context, version string, chunks []domain.Chunk) (domain.IndexInfo, error) {
	if len(chunks) == 0 {
		return domain.IndexInfo{}, domain.WrapError(domain.ErrInvalidInput, "build from chunks", errors.New("empty chunk set"))
	}
	if err := uc.embedMissing(ctx, chunks); err != nil {
		return domain.IndexInfo{}, err
	}

	info, err := uc.publisher.PublishChunks(ctx, version, chunks)
	if err != nil {
		return domain.IndexInfo{}, fmt.Errorf("publish snapshot: %w", err)
	}
	slog.Info("index_snapshot_built", "version", info.Version, "chunks", info.Chunks, "dimension", info.Dimension)
	return info, nil
}

func (uc *IndexBuildUseCase) chunkDocument(ctx context.Context, doc domain.SourceDocument) ([]domain.Chunk, error) {
	text, err := uc.extractor.Extract(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("extract text: %w", err)
	}
	if text == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "extract text", errors.New("empty extracted text"))
	}

	parts := uc.chunker.Split(text)
	if len(parts) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "chunk document", errors.New("chunking produced zero chunks"))
	}

	out := make([]domain.Chunk, len(parts))
	for i, part := range parts {
		out[i] = domain.Chunk{
			ID:         ChunkID(doc.ID, i),
			DocumentID: doc.ID,
			Ordinal:    i,
			Text:       part,
		}
	}
	return out, nil
}

func (uc *IndexBuildUseCase) embedMissing(ctx context.Context, chunks []domain.Chunk) error {
	var pending []int
	for i := range chunks {
		if len(chunks[i].Embedding) == 0 {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	if uc.embedder == nil {
		return domain.WrapError(domain.ErrInvalidInput, "embed chunks", errors.New("chunks without embeddings and no embedder"))
	}

	for start := 0; start < len(pending); start += uc.embedBatchSize {
		batch := pending[start:min(start+uc.embedBatchSize, len(pending))]
		texts := make([]string, len(batch))
		for i, idx := range batch {
			texts[i] = chunks[idx].Text
		}

		vectors, err := uc.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed chunks: %w", err)
		}
		if len(vectors) != len(texts) {
			return domain.WrapError(
				domain.ErrInvalidInput,
				"embed chunks",
				fmt.Errorf("vectors/chunks mismatch: %d/%d", len(vectors), len(texts)),
			)
		}
		for i, idx := range batch {
			chunks[idx].Embedding = vectors[i]
		}
		slog.Debug("index_chunks_embedded", "done", min(start+uc.embedBatchSize, len(pending)), "total", len(pending))
	}
	return nil
}

// ChunkID is the stable id of the ordinal-th chunk of a document.
func ChunkID(documentID string, ordinal int) string {
	return fmt.Sprintf("%s#%04d", documentID, ordinal)
}
