package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/hybrid-rag/internal/core/ports"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/resilience"
)

const serviceName = "ollama"

type Client struct {
	baseURL    string
	genModel   string
	embedModel string
	httpClient *http.Client
	// streamClient has no overall timeout; streams are bounded by ctx.
	streamClient *http.Client
	executor     *resilience.Executor
}

func New(baseURL, genModel, embedModel string, executor *resilience.Executor) *Client {
	if executor == nil {
		executor = resilience.NewExecutor(resilience.DefaultPolicy())
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		genModel:     genModel,
		embedModel:   embedModel,
		httpClient:   &http.Client{Timeout: 120 * time.Second},
		streamClient: &http.Client{},
		executor:     executor,
	}
}

type Embedder struct {
	client *Client
}

var _ ports.Embedder = (*Embedder)(nil)

func NewEmbedder(client *Client) *Embedder {
	return &Embedder{client: client}
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	request := map[string]any{
		"model": e.client.embedModel,
		"input": texts,
	}

	vectors, err := resilience.Do(ctx, e.client.executor, "ollama.embed", func(callCtx context.Context) ([][]float32, error) {
		var response struct {
			Embeddings [][]float32 `json:"embeddings"`
		}
		if err := e.client.postJSON(callCtx, "/api/embed", request, &response, "embed"); err != nil {
			return nil, err
		}
		return response.Embeddings, nil
	}, resilience.ClassifyHTTPError)
	if err != nil {
		return nil, resilience.WrapTemporary("ollama embed", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("ollama embed: %d vectors for %d inputs", len(vectors), len(texts))
	}
	return vectors, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, errors.New("empty embedding result")
	}
	return vectors[0], nil
}

type Generator struct {
	client *Client
}

var _ ports.Generator = (*Generator)(nil)

func NewGenerator(client *Client) *Generator {
	return &Generator{client: client}
}

// Generate returns the whole completion in one response.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	reqBody := map[string]any{
		"model":  g.client.genModel,
		"prompt": prompt,
		"stream": false,
	}

	text, err := resilience.Do(ctx, g.client.executor, "ollama.generate", func(callCtx context.Context) (string, error) {
		var response struct {
			Response string `json:"response"`
		}
		if err := g.client.postJSON(callCtx, "/api/generate", reqBody, &response, "generate"); err != nil {
			return "", err
		}
		return response.Response, nil
	}, resilience.ClassifyHTTPError)
	if err != nil {
		return "", resilience.WrapTemporary("ollama generate", err)
	}
	return strings.TrimSpace(text), nil
}

// GenerateStream opens a streaming completion. Only opening the stream is
// retried; a stream that fails midway is reported through Next.
func (g *Generator) GenerateStream(ctx context.Context, prompt string) (ports.FragmentStream, error) {
	reqBody := map[string]any{
		"model":  g.client.genModel,
		"prompt": prompt,
		"stream": true,
	}

	stream, err := resilience.Do(ctx, g.client.executor, "ollama.generate_stream", func(callCtx context.Context) (*fragmentStream, error) {
		return g.client.openStream(callCtx, "/api/generate", reqBody)
	}, resilience.ClassifyHTTPError)
	if err != nil {
		return nil, resilience.WrapTemporary("ollama generate stream", err)
	}
	return stream, nil
}
