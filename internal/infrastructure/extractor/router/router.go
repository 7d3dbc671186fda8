// Package router picks a text extractor by document extension.
package router

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
)

type Router struct {
	byExt    map[string]ports.TextExtractor
	fallback ports.TextExtractor
}

var _ ports.TextExtractor = (*Router)(nil)

// New routes unknown extensions to fallback. A nil fallback rejects them.
func New(fallback ports.TextExtractor) *Router {
	return &Router{byExt: make(map[string]ports.TextExtractor), fallback: fallback}
}

// Handle registers ex for the given extensions (".pdf", "PDF" and "pdf" are
// equivalent).
func (r *Router) Handle(ex ports.TextExtractor, extensions ...string) *Router {
	for _, ext := range extensions {
		r.byExt[normalizeExt(ext)] = ex
	}
	return r
}

func (r *Router) Extract(ctx context.Context, doc domain.SourceDocument) (string, error) {
	name := doc.Key
	if name == "" {
		name = doc.Name
	}
	if ex, ok := r.byExt[normalizeExt(path.Ext(name))]; ok {
		return ex.Extract(ctx, doc)
	}
	if r.fallback == nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "extract text", fmt.Errorf("no extractor for %s", doc.Name))
	}
	return r.fallback.Extract(ctx, doc)
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
