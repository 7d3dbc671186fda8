// Package httpreranker scores passages with a cross-encoder served over
// the text-embeddings-inference /rerank API.
package httpreranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/hybrid-rag/internal/core/ports"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/resilience"
)

const serviceName = "reranker"

type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	executor   *resilience.Executor
}

var _ ports.Reranker = (*Client)(nil)

type rerankRequest struct {
	Model    string   `json:"model,omitempty"`
	Query    string   `json:"query"`
	Texts    []string `json:"texts"`
	Truncate bool     `json:"truncate"`
}

type rerankScore struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// New builds a client. The executor should run a single attempt: retries
// belong to the caller, which owns the retry budget per batch.
func New(baseURL, model string, executor *resilience.Executor) *Client {
	if executor == nil {
		executor = resilience.NewExecutor(resilience.DefaultPolicy().SingleAttempt())
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		executor:   executor,
	}
}

// Score returns one relevance score per text in input order.
func (c *Client) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	if len(texts) == 0 {
		return []float64{}, nil
	}
	payload := rerankRequest{Model: c.model, Query: query, Texts: texts, Truncate: true}

	scored, err := resilience.Do(ctx, c.executor, "reranker.rerank", func(callCtx context.Context) ([]rerankScore, error) {
		return c.post(callCtx, payload)
	}, resilience.ClassifyHTTPError)
	if err != nil {
		return nil, resilience.WrapTemporary("rerank", err)
	}

	scores := make([]float64, len(texts))
	seen := make([]bool, len(texts))
	for _, s := range scored {
		if s.Index < 0 || s.Index >= len(texts) {
			return nil, fmt.Errorf("rerank: score index %d out of range [0,%d)", s.Index, len(texts))
		}
		scores[s.Index] = s.Score
		seen[s.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("rerank: missing score for text %d", i)
		}
	}
	return scores, nil
}

func (c *Client) post(ctx context.Context, payload rerankRequest) ([]rerankScore, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, resilience.NewHTTPStatusError(serviceName, "rerank", resp)
	}
	var out []rerankScore
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}
	return out, nil
}
