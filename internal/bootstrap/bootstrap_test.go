package bootstrap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kirillkom/hybrid-rag/internal/config"
	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/index/snapshot"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		SnapshotPath:     filepath.Join(dir, "index", "snapshot.jsonl"),
		SnapshotDebounce: 10 * time.Millisecond,
		OllamaURL:        "http://127.0.0.1:1",
		OllamaGenModel:   "gen",
		OllamaEmbedModel: "embed",
		EmbedCacheSize:   16,
		HistoryDriver:    "sqlite",
		HistoryDSN:       filepath.Join(dir, "history", "history.db"),
		Query:            domain.DefaultQueryParams(),
	}
}

func writeSnapshot(t *testing.T, path, version string) {
	t.Helper()
	chunks := []domain.Chunk{
		{ID: "a#0000", DocumentID: "a", Text: "alpha beta", Embedding: []float32{1, 0}},
		{ID: "b#0000", DocumentID: "b", Text: "gamma delta", Embedding: []float32{0, 1}},
	}
	if err := snapshot.WriteFile(path, version, time.Now().UTC(), chunks); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
}

func TestNewLoadsSnapshotAndHistory(t *testing.T) {
	cfg := testConfig(t)
	writeSnapshot(t, cfg.SnapshotPath, "v1")

	app, err := New(context.Background(), cfg, "api-test")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer app.Close()

	info := app.Snapshots.Info()
	if info.Version != "v1" || info.Chunks != 2 {
		t.Fatalf("unexpected snapshot info %+v", info)
	}

	err = app.QueryUC.ResetConversation(context.Background(), "never-used")
	if !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected not found from sqlite history, got %v", err)
	}
}

func TestNewStartsWithoutSnapshotFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.HistoryDriver = ""

	app, err := New(context.Background(), cfg, "api-test")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer app.Close()

	if got := app.Snapshots.Info().Chunks; got != 0 {
		t.Fatalf("expected empty snapshot, got %d chunks", got)
	}
	if err := app.QueryUC.ResetConversation(context.Background(), "c1"); err != nil {
		t.Fatalf("reset without history should be a no-op, got %v", err)
	}
}

func TestNewRejectsUnknownHistoryDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.HistoryDriver = "mysql"

	if _, err := New(context.Background(), cfg, "api-test"); err == nil {
		t.Fatalf("expected error for unknown history driver")
	}
}

func TestSnapshotEventReloadsServedPath(t *testing.T) {
	cfg := testConfig(t)
	cfg.HistoryDriver = ""
	writeSnapshot(t, cfg.SnapshotPath, "v1")

	app, err := New(context.Background(), cfg, "api-test")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer app.Close()

	writeSnapshot(t, cfg.SnapshotPath, "v2")

	other := domain.SnapshotPublished{Path: filepath.Join(t.TempDir(), "other.jsonl"), Version: "v9"}
	if err := app.onSnapshotPublished(context.Background(), other); err != nil {
		t.Fatalf("foreign event: %v", err)
	}
	if got := app.Snapshots.Info().Version; got != "v1" {
		t.Fatalf("foreign path must be ignored, serving %s", got)
	}

	event := domain.SnapshotPublished{Path: cfg.SnapshotPath, Version: "v2", Chunks: 2}
	if err := app.onSnapshotPublished(context.Background(), event); err != nil {
		t.Fatalf("reload on event: %v", err)
	}
	if got := app.Snapshots.Info().Version; got != "v2" {
		t.Fatalf("expected v2 after event, got %s", got)
	}
}

func TestRebuildPublishesDocumentsIntoServedStore(t *testing.T) {
	embedServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		vectors := make([][]float32, len(req.Input))
		for i := range vectors {
			vectors[i] = []float32{1, float32(i)}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": vectors})
	}))
	defer embedServer.Close()

	cfg := testConfig(t)
	cfg.HistoryDriver = ""
	cfg.OllamaURL = embedServer.URL
	cfg.DocsDir = t.TempDir()
	cfg.RebuildTimeout = time.Minute
	for name, text := range map[string]string{
		"report.md": "Q3 revenue grew 12 percent.",
		"memo.txt":  "The office moved in March.",
	} {
		if err := os.WriteFile(filepath.Join(cfg.DocsDir, name), []byte(text), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	app, err := New(context.Background(), cfg, "api-test")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer app.Close()
	if app.Rebuilds == nil {
		t.Fatalf("expected rebuilds to be enabled with DOCS_DIR")
	}

	if _, err := app.Rebuilds.StartRebuild(context.Background()); err != nil {
		t.Fatalf("start rebuild: %v", err)
	}
	app.Rebuilds.Wait()

	status := app.Rebuilds.RebuildStatus()
	if status.State != domain.RebuildSucceeded || status.Index == nil {
		t.Fatalf("unexpected rebuild status %+v", status)
	}
	info := app.Snapshots.Info()
	if info.Version != status.Index.Version || info.Chunks != 2 {
		t.Fatalf("expected the rebuilt snapshot to be served, got %+v", info)
	}
	if _, err := os.Stat(cfg.SnapshotPath); err != nil {
		t.Fatalf("expected snapshot file: %v", err)
	}
}

func TestNewWithoutDocsDirDisablesRebuilds(t *testing.T) {
	cfg := testConfig(t)
	cfg.HistoryDriver = ""

	app, err := New(context.Background(), cfg, "api-test")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer app.Close()
	if app.Rebuilds != nil {
		t.Fatalf("expected no rebuild job without DOCS_DIR")
	}
}
