// Package spreadsheet renders XLSX workbooks as text, one block per sheet.
package spreadsheet

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
)

const defaultMaxBytes = 32 << 20

type Extractor struct {
	source   ports.DocumentSource
	maxBytes int64
}

var _ ports.TextExtractor = (*Extractor)(nil)

func NewExtractor(source ports.DocumentSource) *Extractor {
	return &Extractor{source: source, maxBytes: defaultMaxBytes}
}

// Extract writes each non-empty sheet as a "## <sheet>" heading followed by
// its rows, cells joined with " | ". Trailing empty cells are dropped.
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
		return "", domain.WrapError(domain.ErrInvalidInput, "extract xlsx", fmt.Errorf("%s exceeds %d bytes", doc.Name, e.maxBytes))
	}

	book, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "extract xlsx", fmt.Errorf("%s: %w", doc.Name, err))
	}
	defer book.Close()

	var blocks []string
	for _, sheet := range book.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		rows, err := book.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("read sheet %q of %s: %w", sheet, doc.Name, err)
		}
		if block := renderSheet(sheet, rows); block != "" {
			blocks = append(blocks, block)
		}
	}
	return strings.Join(blocks, "\n\n"), nil
}

func renderSheet(name string, rows [][]string) string {
	var b strings.Builder
	for _, row := range rows {
		cells := trimRow(row)
		if len(cells) == 0 {
			continue
		}
		if b.Len() == 0 {
			b.WriteString("## " + name)
		}
		b.WriteString("\n" + strings.Join(cells, " | "))
	}
	return b.String()
}

func trimRow(row []string) []string {
	end := len(row)
	for end > 0 && strings.TrimSpace(row[end-1]) == "" {
		end--
	}
	out := make([]string, end)
	for i := range out {
		out[i] = strings.TrimSpace(row[i])
	}
	return out
}
