package domain

type EventType string

const (
	EventToken  EventType = "token"
	EventSource EventType = "source"
	EventError  EventType = "error"
	EventEnd    EventType = "end"
)

type SourceCitation struct {
	Index      int     `json:"index"`
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Ordinal    int     `json:"ordinal"`
	Excerpt    string  `json:"excerpt"`
	Relevance  float64 `json:"relevance"`
	FusedScore float64 `json:"fused_score"`
	Reranked   bool    `json:"reranked"`
}

type StreamError struct {
	Kind    ErrorKind         `json:"kind"`
	Methods []RetrievalMethod `json:"methods,omitempty"`
	Message string            `json:"message"`
}

type StreamEvent struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Token     string          `json:"token,omitempty"`
	Source    *SourceCitation `json:"source,omitempty"`
	Error     *StreamError    `json:"error,omitempty"`
}

func (e StreamEvent) IsTerminal() bool {
	return e.Type == EventError || e.Type == EventEnd
}

func TokenEvent(sessionID, token string) StreamEvent {
	return StreamEvent{Type: EventToken, SessionID: sessionID, Token: token}
}

func SourceEvent(sessionID string, source SourceCitation) StreamEvent {
	return StreamEvent{Type: EventSource, SessionID: sessionID, Source: &source}
}

func ErrorEvent(sessionID string, streamErr StreamError) StreamEvent {
	return StreamEvent{Type: EventError, SessionID: sessionID, Error: &streamErr}
}

func EndEvent(sessionID string) StreamEvent {
	return StreamEvent{Type: EventEnd, SessionID: sessionID}
}

// CitationFor builds the caller-facing citation for the i-th ranked result (1-based).
func CitationFor(index int, result RankedResult, excerptRunes int) SourceCitation {
	return SourceCitation{
		Index:      index,
		ChunkID:    result.ChunkID,
		DocumentID: result.Chunk.DocumentID,
		Ordinal:    result.Chunk.Ordinal,
		Excerpt:    truncateRunes(result.Chunk.Text, excerptRunes),
		Relevance:  result.Relevance,
		FusedScore: result.Score,
		Reranked:   result.Reranked,
	}
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
