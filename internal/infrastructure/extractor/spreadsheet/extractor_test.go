package spreadsheet

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/xuri/excelize/v2"

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

func buildWorkbook(t *testing.T) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	cells := map[string]any{"A1": "Quarter", "B1": "Revenue", "A2": "Q3", "B2": 4.2}
	for cell, value := range cells {
		if err := f.SetCellValue("Sheet1", cell, value); err != nil {
			t.Fatalf("set %s: %v", cell, err)
		}
	}
	if _, err := f.NewSheet("Empty"); err != nil {
		t.Fatalf("new sheet: %v", err)
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("write workbook: %v", err)
	}
	return buf.Bytes()
}

func TestExtractRendersSheets(t *testing.T) {
	ex := NewExtractor(memorySource{"q3.xlsx": buildWorkbook(t)})

	text, err := ex.Extract(context.Background(), domain.SourceDocument{Key: "q3.xlsx", Name: "q3.xlsx"})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	want := "## Sheet1\nQuarter | Revenue\nQ3 | 4.2"
	if text != want {
		t.Fatalf("text = %q, want %q", text, want)
	}
}

func TestExtractRejectsNonWorkbook(t *testing.T) {
	ex := NewExtractor(memorySource{"fake.xlsx": []byte("plain text")})

	_, err := ex.Extract(context.Background(), domain.SourceDocument{Key: "fake.xlsx", Name: "fake.xlsx"})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestTrimRowDropsTrailingBlanks(t *testing.T) {
	got := trimRow([]string{" a ", "", "b", " ", ""})
	if len(got) != 3 || got[0] != "a" || got[1] != "" || got[2] != "b" {
		t.Fatalf("trimRow = %q", got)
	}
}
