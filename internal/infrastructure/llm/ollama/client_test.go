package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/resilience"
)

func testExecutor() *resilience.Executor {
	p := resilience.DefaultPolicy()
	p.Retry.Attempts = 2
	p.Retry.InitialBackoff = time.Millisecond
	p.Retry.MaxBackoff = time.Millisecond
	return resilience.NewExecutor(p)
}

func TestGeneratePostsPromptWithoutStreaming(t *testing.T) {
	var payload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"response":"  ok  "}`))
	}))
	defer server.Close()

	gen := NewGenerator(New(server.URL, "gen", "embed", testExecutor()))
	text, err := gen.Generate(context.Background(), "question?")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if text != "ok" {
		t.Fatalf("text = %q, want ok", text)
	}
	if payload["prompt"] != "question?" || payload["model"] != "gen" || payload["stream"] != false {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestEmbedIncludesHTTPBodyInError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model unavailable", http.StatusBadGateway)
	}))
	defer server.Close()

	embedder := NewEmbedder(New(server.URL, "gen", "embed", testExecutor()))
	_, err := embedder.Embed(context.Background(), []string{"hello"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("expected response body in error, got %v", err)
	}
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
}

func TestEmbedRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"embeddings":[[0.1,0.2],[0.3,0.4]]}`))
	}))
	defer server.Close()

	embedder := NewEmbedder(New(server.URL, "gen", "embed", testExecutor()))
	vectors, err := embedder.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
	if len(vectors) != 2 || vectors[1][0] != 0.3 {
		t.Fatalf("unexpected vectors: %v", vectors)
	}
}

func TestEmbedQueryRejectsEmptyResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embeddings":[[]]}`))
	}))
	defer server.Close()

	embedder := NewEmbedder(New(server.URL, "gen", "embed", testExecutor()))
	if _, err := embedder.EmbedQuery(context.Background(), "q"); err == nil {
		t.Fatalf("expected error for empty embedding")
	}
}

func TestGenerateStreamYieldsFragments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = io.WriteString(w, `{"response":"Rev","done":false}`+"\n")
		_, _ = io.WriteString(w, `{"response":"enue","done":false}`+"\n")
		_, _ = io.WriteString(w, `{"response":"","done":true}`+"\n")
	}))
	defer server.Close()

	gen := NewGenerator(New(server.URL, "gen", "embed", testExecutor()))
	fs, err := gen.GenerateStream(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}
	defer fs.Close()

	var got []string
	for {
		text, err := fs.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		got = append(got, text)
	}
	if strings.Join(got, "|") != "Rev|enue" {
		t.Fatalf("fragments = %v", got)
	}
}

func TestGenerateStreamReportsMidStreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"response":"partial","done":false}`+"\n")
		_, _ = io.WriteString(w, `{"error":"model crashed"}`+"\n")
	}))
	defer server.Close()

	gen := NewGenerator(New(server.URL, "gen", "embed", testExecutor()))
	fs, err := gen.GenerateStream(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}
	defer fs.Close()

	text, err := fs.Next(context.Background())
	if err != nil || text != "partial" {
		t.Fatalf("first Next() = %q, %v", text, err)
	}
	if _, err := fs.Next(context.Background()); err == nil || !strings.Contains(err.Error(), "model crashed") {
		t.Fatalf("expected model error, got %v", err)
	}
}

func TestGenerateStreamTruncatedBodyIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"response":"cut","done":false}`+"\n")
	}))
	defer server.Close()

	gen := NewGenerator(New(server.URL, "gen", "embed", testExecutor()))
	fs, err := gen.GenerateStream(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}
	defer fs.Close()

	if _, err := fs.Next(context.Background()); err != nil {
		t.Fatalf("first Next() error = %v", err)
	}
	if _, err := fs.Next(context.Background()); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unexpected EOF, got %v", err)
	}
}

func TestGenerateStreamOpenFailureIsNotRetriedFor4xx(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown model", http.StatusNotFound)
	}))
	defer server.Close()

	gen := NewGenerator(New(server.URL, "gen", "embed", testExecutor()))
	_, err := gen.GenerateStream(context.Background(), "prompt")
	if err == nil {
		t.Fatalf("expected error")
	}
	var statusErr *resilience.HTTPStatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 status error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestGenerateStreamNextHonoursContext(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	gen := NewGenerator(New(server.URL, "gen", "embed", testExecutor()))
	fs, err := gen.GenerateStream(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}
	defer fs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := fs.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestGenerateStreamDeadlineMidStreamIsNotEOF(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"response":"Rev","done":false}`+"\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	gen := NewGenerator(New(server.URL, "gen", "embed", testExecutor()))
	for run := 0; run < 10; run++ {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		fs, err := gen.GenerateStream(ctx, "prompt")
		if err != nil {
			cancel()
			t.Fatalf("run %d: GenerateStream() error = %v", run, err)
		}

		text, err := fs.Next(context.Background())
		if err != nil || text != "Rev" {
			t.Fatalf("run %d: first Next() = %q, %v", run, text, err)
		}
		_, err = fs.Next(context.Background())
		_ = fs.Close()
		cancel()
		if errors.Is(err, io.EOF) || !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("run %d: expected deadline error after stall, got %v", run, err)
		}
	}
}
