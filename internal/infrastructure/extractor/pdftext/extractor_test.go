package pdftext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

type memorySource map[string][]byte

func (m memorySource) List(context.Context) ([]domain.SourceDocument, error) {
	return nil, nil
}

func (m memorySource) Open(_ context.Context, key string) (io.ReadCloser, error) {
	body, ok := m[key]
	if !ok {
		return nil, errors.New("missing " + key)
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

// buildPDF writes a minimal single-font PDF with one page per entry of
// pages, with a correct xref table.
func buildPDF(pages ...string) []byte {
	n := len(pages)
	fontObj := 3 + 2*n
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
	}
	kids := make([]string, n)
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", 3+2*i)
	}
	objects = append(objects, fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), n))
	for i, text := range pages {
		content := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", text)
		objects = append(objects,
			fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents %d 0 R /Resources << /Font << /F1 %d 0 R >> >> >>", 4+2*i, fontObj),
			fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		)
	}
	objects = append(objects, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>")

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func TestExtractReadsEveryPage(t *testing.T) {
	ex := NewExtractor(memorySource{"report.pdf": buildPDF("Revenue grew", "Costs fell")})

	text, err := ex.Extract(context.Background(), domain.SourceDocument{Key: "report.pdf", Name: "report.pdf"})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	first := strings.Index(text, "Revenue grew")
	second := strings.Index(text, "Costs fell")
	if first < 0 || second < 0 || second < first {
		t.Fatalf("expected both pages in order, got %q", text)
	}
}

func TestExtractRejectsMalformedPDF(t *testing.T) {
	ex := NewExtractor(memorySource{"broken.pdf": []byte("%PDF-1.4\nnot really a pdf")})

	_, err := ex.Extract(context.Background(), domain.SourceDocument{Key: "broken.pdf", Name: "broken.pdf"})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestExtractRejectsOversizedPDF(t *testing.T) {
	ex := NewExtractor(memorySource{"big.pdf": buildPDF("x")})
	ex.maxBytes = 16

	_, err := ex.Extract(context.Background(), domain.SourceDocument{Key: "big.pdf", Name: "big.pdf"})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
