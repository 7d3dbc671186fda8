package router

import (
	"context"
	"testing"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

type namedExtractor string

func (n namedExtractor) Extract(context.Context, domain.SourceDocument) (string, error) {
	return string(n), nil
}

func TestRouterPicksExtractorByExtension(t *testing.T) {
	r := New(namedExtractor("text")).Handle(namedExtractor("pdf"), "PDF")

	cases := map[string]string{
		"reports/q3.pdf":  "pdf",
		"reports/Q3.PDF":  "pdf",
		"notes/readme.md": "text",
		"plain":           "text",
	}
	for key, want := range cases {
		got, err := r.Extract(context.Background(), domain.SourceDocument{Key: key, Name: key})
		if err != nil {
			t.Fatalf("%s: Extract() error = %v", key, err)
		}
		if got != want {
			t.Fatalf("%s: routed to %q, want %q", key, got, want)
		}
	}
}

func TestRouterWithoutFallbackRejectsUnknownExtension(t *testing.T) {
	r := New(nil).Handle(namedExtractor("pdf"), ".pdf")

	_, err := r.Extract(context.Background(), domain.SourceDocument{Key: "sheet.xlsx", Name: "sheet.xlsx"})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
