package usecase

import (
	"context"
	"errors"
	"strings"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
)

var _ ports.QueryService = (*QueryOrchestrator)(nil)

// CollectAnswer drains qs into a non-streaming answer. An error event is
// returned as an error carrying the matching domain sentinel.
func CollectAnswer(ctx context.Context, qs ports.QueryStream) (*domain.Answer, error) {
	var text strings.Builder
	sources := make([]domain.SourceCitation, 0)
	events := qs.Events()

	for {
		select {
		case <-ctx.Done():
			qs.Cancel()
			return nil, domain.WrapError(domain.ErrCancelled, "collect answer", ctx.Err())
		case ev, ok := <-events:
			if !ok {
				<-qs.Done()
				return nil, domain.WrapError(domain.ErrCancelled, "collect answer", errors.New("stream closed before completion"))
			}
			switch ev.Type {
			case domain.EventSource:
				sources = append(sources, *ev.Source)
			case domain.EventToken:
				text.WriteString(ev.Token)
			case domain.EventError:
				<-qs.Done()
				return nil, domain.WrapError(domain.SentinelFor(ev.Error.Kind), "collect answer", errors.New(ev.Error.Message))
			case domain.EventEnd:
				<-qs.Done()
				session := qs.Session()
				return &domain.Answer{
					SessionID:   session.ID,
					Text:        strings.TrimSpace(text.String()),
					Sources:     sources,
					Diagnostics: session.Diagnostics,
				}, nil
			}
		}
	}
}
