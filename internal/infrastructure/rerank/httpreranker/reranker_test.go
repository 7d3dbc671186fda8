package httpreranker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/resilience"
)

func TestScoreMapsIndexesBackToInputOrder(t *testing.T) {
	var got rerankRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rerank" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		// TEI answers sorted by score, not by index.
		_, _ = w.Write([]byte(`[{"index":2,"score":0.9},{"index":0,"score":0.4},{"index":1,"score":0.1}]`))
	}))
	defer server.Close()

	client := New(server.URL, "bge-reranker", nil)
	scores, err := client.Score(context.Background(), "revenue", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if len(scores) != 3 || scores[0] != 0.4 || scores[1] != 0.1 || scores[2] != 0.9 {
		t.Fatalf("scores = %v", scores)
	}
	if got.Query != "revenue" || len(got.Texts) != 3 || got.Model != "bge-reranker" {
		t.Fatalf("unexpected request: %+v", got)
	}
}

func TestScoreRejectsMissingIndex(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"index":0,"score":0.4}]`))
	}))
	defer server.Close()

	_, err := New(server.URL, "", nil).Score(context.Background(), "q", []string{"a", "b"})
	if err == nil || !strings.Contains(err.Error(), "missing score") {
		t.Fatalf("expected missing score error, got %v", err)
	}
}

func TestScoreServerErrorIsTemporaryAndNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	executor := resilience.NewExecutor(resilience.DefaultPolicy().SingleAttempt())
	_, err := New(server.URL, "", executor).Score(context.Background(), "q", []string{"a"})
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
	var statusErr *resilience.HTTPStatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 status error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestScoreEmptyInputSkipsCall(t *testing.T) {
	client := New("http://127.0.0.1:1", "", nil)
	scores, err := client.Score(context.Background(), "q", nil)
	if err != nil || len(scores) != 0 {
		t.Fatalf("Score() = %v, %v", scores, err)
	}
}
