package usecase

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

type sourceFake struct {
	docs []domain.SourceDocument
	err  error
}

func (f *sourceFake) List(context.Context) ([]domain.SourceDocument, error) {
	return f.docs, f.err
}

func (f *sourceFake) Open(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

type extractorFake struct {
	texts map[string]string
	errs  map[string]error
}

func (f *extractorFake) Extract(_ context.Context, doc domain.SourceDocument) (string, error) {
	if err := f.errs[doc.ID]; err != nil {
		return "", err
	}
	return f.texts[doc.ID], nil
}

type chunkerFake struct{}

func (chunkerFake) Split(text string) []string { return strings.Fields(text) }

type embedderFake struct {
	mu      sync.Mutex
	batches [][]string
	err     error
	short   bool

	queryFn func(ctx context.Context, text string) ([]float32, error)
}

func (f *embedderFake) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.batches = append(f.batches, append([]string(nil), texts...))
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	n := len(texts)
	if f.short {
		n--
	}
	out := make([][]float32, n)
	for i := range out {
		out[i] = []float32{float32(len(texts[i])), 1}
	}
	return out, nil
}

func (f *embedderFake) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if f.queryFn != nil {
		return f.queryFn(ctx, text)
	}
	return []float32{1, 0}, nil
}

type publisherFake struct {
	version string
	chunks  []domain.Chunk
	err     error
}

func (f *publisherFake) PublishChunks(_ context.Context, version string, chunks []domain.Chunk) (domain.IndexInfo, error) {
	if f.err != nil {
		return domain.IndexInfo{}, f.err
	}
	f.version = version
	f.chunks = chunks
	return domain.IndexInfo{Version: version, Chunks: len(chunks), Dimension: len(chunks[0].Embedding)}, nil
}

func TestBuildFromDocumentsChunksEmbedsAndPublishes(t *testing.T) {
	source := &sourceFake{docs: []domain.SourceDocument{{ID: "guide", Key: "guide.txt"}, {ID: "notes", Key: "notes.md"}}}
	extractor := &extractorFake{texts: map[string]string{"guide": "alpha beta gamma", "notes": "delta"}}
	embedder := &embedderFake{}
	publisher := &publisherFake{}
	uc := NewIndexBuildUseCase(source, extractor, chunkerFake{}, embedder, publisher, 2)

	info, err := uc.BuildFromDocuments(context.Background(), "v1")
	if err != nil {
		t.Fatalf("BuildFromDocuments() error = %v", err)
	}
	if info.Chunks != 4 || publisher.version != "v1" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if len(embedder.batches) != 2 {
		t.Fatalf("expected 2 embedding batches of size 2, got %v", embedder.batches)
	}
	first := publisher.chunks[0]
	if first.ID != "guide#0000" || first.DocumentID != "guide" || first.Ordinal != 0 || first.Text != "alpha" {
		t.Fatalf("unexpected first chunk: %+v", first)
	}
	if publisher.chunks[3].ID != "notes#0000" {
		t.Fatalf("expected chunk ids per document, got %s", publisher.chunks[3].ID)
	}
	for _, chunk := range publisher.chunks {
		if len(chunk.Embedding) == 0 {
			t.Fatalf("chunk %s has no embedding", chunk.ID)
		}
	}
}

func TestBuildFromDocumentsSkipsFailedDocuments(t *testing.T) {
	source := &sourceFake{docs: []domain.SourceDocument{{ID: "broken"}, {ID: "empty"}, {ID: "ok"}}}
	extractor := &extractorFake{
		texts: map[string]string{"ok": "alpha"},
		errs:  map[string]error{"broken": errors.New("binary content")},
	}
	publisher := &publisherFake{}
	uc := NewIndexBuildUseCase(source, extractor, chunkerFake{}, &embedderFake{}, publisher, 0)

	info, err := uc.BuildFromDocuments(context.Background(), "v2")
	if err != nil {
		t.Fatalf("BuildFromDocuments() error = %v", err)
	}
	if info.Chunks != 1 || publisher.chunks[0].DocumentID != "ok" {
		t.Fatalf("expected only the readable document to be indexed, got %+v", publisher.chunks)
	}
}

func TestBuildFromDocumentsFailsWithoutChunks(t *testing.T) {
	source := &sourceFake{docs: []domain.SourceDocument{{ID: "empty"}}}
	uc := NewIndexBuildUseCase(source, &extractorFake{}, chunkerFake{}, &embedderFake{}, &publisherFake{}, 0)

	_, err := uc.BuildFromDocuments(context.Background(), "v3")
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestBuildFromChunksKeepsExistingEmbeddings(t *testing.T) {
	embedder := &embedderFake{}
	publisher := &publisherFake{}
	uc := NewIndexBuildUseCase(nil, nil, nil, embedder, publisher, 0)

	chunks := []domain.Chunk{
		{ID: "a", Text: "first", Embedding: []float32{0, 1}},
		{ID: "b", Text: "second"},
	}
	if _, err := uc.BuildFromChunks(context.Background(), "v4", chunks); err != nil {
		t.Fatalf("BuildFromChunks() error = %v", err)
	}
	if len(embedder.batches) != 1 || len(embedder.batches[0]) != 1 || embedder.batches[0][0] != "second" {
		t.Fatalf("expected only the missing embedding to be computed, got %v", embedder.batches)
	}
	if publisher.chunks[0].Embedding[1] != 1 {
		t.Fatalf("existing embedding was overwritten: %v", publisher.chunks[0].Embedding)
	}
}

func TestBuildFromChunksRejectsVectorMismatch(t *testing.T) {
	uc := NewIndexBuildUseCase(nil, nil, nil, &embedderFake{short: true}, &publisherFake{}, 0)

	_, err := uc.BuildFromChunks(context.Background(), "v5", []domain.Chunk{{ID: "a", Text: "x"}, {ID: "b", Text: "y"}})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input on mismatch, got %v", err)
	}
}

func TestChunkIDIsZeroPadded(t *testing.T) {
	if got := ChunkID("doc", 7); got != "doc#0007" {
		t.Fatalf("unexpected chunk id %q", got)
	}
}
