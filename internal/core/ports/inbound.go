package ports

import (
	"context"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

// QueryStream is a running query session. Events closes after the terminal
// event, or silently when the session is cancelled.
type QueryStream interface {
	Events() <-chan domain.StreamEvent
	Done() <-chan struct{}
	Session() domain.QuerySession
	Cancel()
}

// QueryService is the inbound contract for streaming grounded answers.
type QueryService interface {
	Start(ctx context.Context, req domain.QueryRequest) (QueryStream, error)
}

// ConversationResetter drops stored history for one conversation.
type ConversationResetter interface {
	ResetConversation(ctx context.Context, conversationID string) error
}

// IndexInfoReader exposes metadata of the currently published index snapshot.
type IndexInfoReader interface {
	Info() domain.IndexInfo
}

// IndexRebuilder runs full index rebuilds in the background.
type IndexRebuilder interface {
	StartRebuild(ctx context.Context) (domain.RebuildStatus, error)
	RebuildStatus() domain.RebuildStatus
}
