package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

// IndexSnapshot is an immutable, fully built pair of lexical and vector
// indices. Lookups are safe for concurrent callers and must honor ctx.
type IndexSnapshot interface {
	Info() domain.IndexInfo
	LookupLexical(ctx context.Context, queryText string, k int) ([]domain.CandidateHit, error)
	LookupVector(ctx context.Context, queryEmbedding []float32, k int) ([]domain.CandidateHit, error)
	Chunk(id string) (domain.Chunk, bool)
}

// SnapshotProvider pins the currently published snapshot. The snapshot stays
// usable until release is called.
type SnapshotProvider interface {
	Acquire() (snap IndexSnapshot, release func())
}

// Embedder builds vectors for chunks and query text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Reranker scores (query, text) pairs in one batched call. The result has
// one score per text, in input order.
type Reranker interface {
	Score(ctx context.Context, query string, texts []string) ([]float64, error)
}

// FragmentStream is a cancellable lazy sequence of generated text.
// Next returns io.EOF once generation finished.
type FragmentStream interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// Generator creates answers with an external language model.
type Generator interface {
	GenerateStream(ctx context.Context, prompt string) (FragmentStream, error)
	Generate(ctx context.Context, prompt string) (string, error)
}

// ConversationStore persists conversation turns.
type ConversationStore interface {
	AppendMessages(ctx context.Context, messages ...domain.ConversationMessage) error
	ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.ConversationMessage, error)
	DeleteConversation(ctx context.Context, conversationID string) error
}

// SnapshotNotifier announces a freshly written snapshot file.
type SnapshotNotifier interface {
	PublishSnapshot(ctx context.Context, event domain.SnapshotPublished) error
}

// PipelineObserver receives query pipeline measurements.
type PipelineObserver interface {
	ObserveStage(stage domain.SessionState, duration time.Duration)
	ObserveSession(final domain.SessionState)
	ObserveMethodUnavailable(method domain.RetrievalMethod)
	ObserveRerankDegraded()
	ObserveFused(candidates int)
	ObserveTokens(tokens int)
}

// DocumentSource lists and opens raw documents for indexing.
type DocumentSource interface {
	List(ctx context.Context) ([]domain.SourceDocument, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

type TextExtractor interface {
	Extract(ctx context.Context, doc domain.SourceDocument) (string, error)
}

type Chunker interface {
	Split(text string) []string
}

// SnapshotPublisher builds an index snapshot from embedded chunks, persists
// it and makes it current.
type SnapshotPublisher interface {
	PublishChunks(ctx context.Context, version string, chunks []domain.Chunk) (domain.IndexInfo, error)
}
