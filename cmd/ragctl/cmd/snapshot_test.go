package cmd

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/index/snapshot"
)

func writeTestSnapshot(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.jsonl")
	chunks := []domain.Chunk{
		{ID: "a#0000", DocumentID: "a", Ordinal: 0, Text: "alpha", Embedding: []float32{1, 0, 0}},
		{ID: "a#0001", DocumentID: "a", Ordinal: 1, Text: "beta", Embedding: []float32{0, 1, 0}},
		{ID: "b#0000", DocumentID: "b", Ordinal: 0, Text: "gamma", Embedding: []float32{0, 0, 1}},
	}
	require.NoError(t, snapshot.WriteFile(path, "v42", time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), chunks))
	return path
}

func TestSnapshotInspect_Text(t *testing.T) {
	// Given: a snapshot file with two documents
	path := writeTestSnapshot(t)
	cmd := newSnapshotInspectCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{path})

	// When: inspecting it
	err := cmd.Execute()

	// Then: the header and counts are printed
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "version:   v42")
	assert.Contains(t, buf.String(), "chunks:    3")
	assert.Contains(t, buf.String(), "documents: 2")
	assert.Contains(t, buf.String(), "dimension: 3")
}

func TestSnapshotInspect_JSON(t *testing.T) {
	path := writeTestSnapshot(t)
	cmd := newSnapshotInspectCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--json", path})

	require.NoError(t, cmd.Execute())

	var summary snapshotSummary
	require.NoError(t, json.Unmarshal(buf.Bytes(), &summary))
	assert.Equal(t, "v42", summary.Version)
	assert.Equal(t, 3, summary.Embedded)
	assert.Equal(t, 2, summary.Documents)
}

func TestSnapshotInspect_MissingFile(t *testing.T) {
	cmd := newSnapshotInspectCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{filepath.Join(t.TempDir(), "missing.jsonl")})

	assert.Error(t, cmd.Execute())
}

func TestSnapshotBuild_RequiresExactlyOneInput(t *testing.T) {
	cmd := newSnapshotBuildCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--chunks", "a.jsonl", "--docs", "dir"})

	err := cmd.Execute()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one of --chunks or --docs")
}

func TestRootCmd_HasSubcommands(t *testing.T) {
	root := NewRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["ask"])
	assert.True(t, names["snapshot"])
	assert.True(t, names["mcp"])
}
