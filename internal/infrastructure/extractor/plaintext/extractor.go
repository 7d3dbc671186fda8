package plaintext

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
)

const defaultMaxBytes = 16 << 20

type Extractor struct {
	source   ports.DocumentSource
	maxBytes int64
}

var _ ports.TextExtractor = (*Extractor)(nil)

func NewExtractor(source ports.DocumentSource) *Extractor {
	return &Extractor{source: source, maxBytes: defaultMaxBytes}
}

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
		return "", domain.WrapError(domain.ErrInvalidInput, "extract text", fmt.Errorf("%s exceeds %d bytes", doc.Name, e.maxBytes))
	}
	if !utf8.Valid(raw) {
		return "", domain.WrapError(domain.ErrInvalidInput, "extract text", errors.New("not utf-8 text: "+doc.Name))
	}

	text := strings.TrimPrefix(string(raw), "\ufeff")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.TrimSpace(text), nil
}
