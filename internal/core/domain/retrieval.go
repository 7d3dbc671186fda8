package domain

type RetrievalMethod string

const (
	MethodLexical RetrievalMethod = "lexical"
	MethodVector  RetrievalMethod = "vector"
)

type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Ordinal    int       `json:"ordinal"`
	Text       string    `json:"text"`
	Embedding  []float32 `json:"embedding,omitempty"`
}

type CandidateHit struct {
	ChunkID string          `json:"chunk_id"`
	Method  RetrievalMethod `json:"method"`
	Score   float64         `json:"score"`
}

// MethodScore is one method's contribution to a fused candidate.
// Rank is the 0-based position in that method's native list.
type MethodScore struct {
	Raw        float64 `json:"raw"`
	Normalized float64 `json:"normalized"`
	Rank       int     `json:"rank"`
}

// FusedCandidate merges the hits of both methods for one chunk.
// A nil Lexical or Vector means the method did not retrieve the chunk.
type FusedCandidate struct {
	ChunkID string       `json:"chunk_id"`
	Chunk   Chunk        `json:"-"`
	Lexical *MethodScore `json:"lexical,omitempty"`
	Vector  *MethodScore `json:"vector,omitempty"`
	Score   float64      `json:"score"`
	Rank    int          `json:"rank"`
}

type RankedResult struct {
	FusedCandidate
	Relevance float64 `json:"relevance"`
	Reranked  bool    `json:"reranked"`
}

type Answer struct {
	SessionID   string           `json:"session_id"`
	Text        string           `json:"answer"`
	Sources     []SourceCitation `json:"sources"`
	Diagnostics Diagnostics      `json:"diagnostics"`
}
