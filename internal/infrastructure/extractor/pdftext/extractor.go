// Package pdftext extracts the text layer of PDF documents.
package pdftext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
)

const defaultMaxBytes = 64 << 20

type Extractor struct {
	source   ports.DocumentSource
	maxBytes int64
}

var _ ports.TextExtractor = (*Extractor)(nil)

func NewExtractor(source ports.DocumentSource) *Extractor {
	return &Extractor{source: source, maxBytes: defaultMaxBytes}
}

// Extract returns the plain text of every page, pages separated by a blank
// line. Pages whose text cannot be decoded are skipped. Scanned PDFs without
// a text layer yield "".
func (e *Extractor) Extract(ctx context.Context, doc domain.SourceDocument) (string, error) {
	reader, err := e.source.Open(ctx, doc.Key)
	if err != nil {
		return "", fmt.Errorf("open source document: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(io.LimitReader(reader, e.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read source document: %w", err)
	}
	if int64(len(raw)) > e.maxBytes {
		return "", domain.WrapError(domain.ErrInvalidInput, "extract pdf", fmt.Errorf("%s exceeds %d bytes", doc.Name, e.maxBytes))
	}
	return extractPages(ctx, doc.Name, raw)
}

func extractPages(ctx context.Context, name string, raw []byte) (text string, err error) {
	// The parser panics on some malformed files.
	defer func() {
		if p := recover(); p != nil {
			err = domain.WrapError(domain.ErrInvalidInput, "extract pdf", fmt.Errorf("%s: malformed pdf: %v", name, p))
		}
	}()

	doc, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "extract pdf", fmt.Errorf("%s: %w", name, err))
	}

	if doc.NumPage() == 0 {
		return "", domain.WrapError(domain.ErrInvalidInput, "extract pdf", errors.New(name+": no pages"))
	}

	pages := make([]string, 0, doc.NumPage())
	for i := 1; i <= doc.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		page := doc.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			slog.Warn("pdf_page_skipped", "name", name, "page", i, "error", err)
			continue
		}
		if pageText = strings.TrimSpace(pageText); pageText != "" {
			pages = append(pages, pageText)
		}
	}
	if len(pages) == 0 {
		slog.Warn("pdf_without_text_layer", "name", name, "pages", doc.NumPage())
	}
	return strings.Join(pages, "\n\n"), nil
}
