package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
)

type RerankOptions struct {
	TopN        int
	SourcesTopK int
	BatchSize   int
	Retries     int
	Backoff     time.Duration
	Timeout     time.Duration
}

func rerankOptionsFrom(p domain.QueryParams) RerankOptions {
	return RerankOptions{
		TopN:        p.RerankTopN,
		SourcesTopK: p.SourcesTopK,
		BatchSize:   p.RerankBatchSize,
		Retries:     p.RerankRetries,
		Backoff:     p.RerankBackoff,
		Timeout:     p.RerankTimeout,
	}
}

type RerankReport struct {
	Degraded bool
	Err      error
	Batches  int
}

// RerankerClient reorders fused candidates with an external relevance model.
// Failures never fail the query: the fused order is kept and the report is
// marked degraded.
type RerankerClient struct {
	reranker ports.Reranker
}

func NewRerankerClient(reranker ports.Reranker) *RerankerClient {
	return &RerankerClient{reranker: reranker}
}

func (c *RerankerClient) Rerank(
	ctx context.Context,
	query string,
	candidates []domain.FusedCandidate,
	opts RerankOptions,
) ([]domain.RankedResult, RerankReport) {
	head := candidates
	if opts.TopN > 0 && len(head) > opts.TopN {
		head = head[:opts.TopN]
	}
	if c == nil || c.reranker == nil || opts.TopN <= 0 || len(head) == 0 {
		return passthrough(head, opts.SourcesTopK), RerankReport{}
	}

	batches := splitBatches(len(head), opts.BatchSize)
	scores := make([]float64, len(head))

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range batches {
		texts := make([]string, 0, b.end-b.start)
		for _, candidate := range head[b.start:b.end] {
			texts = append(texts, candidate.Chunk.Text)
		}
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = panicError("rerank.score", p)
				}
			}()
			batchScores, err := c.scoreBatch(gctx, query, texts, opts)
			if err != nil {
				return err
			}
			copy(scores[b.start:b.end], batchScores)
			return nil
		})
	}

	report := RerankReport{Batches: len(batches)}
	if err := g.Wait(); err != nil {
		report.Err = err
		if ctx.Err() != nil {
			report.Err = ctx.Err()
			return passthrough(head, opts.SourcesTopK), report
		}
		report.Degraded = true
		slog.Warn("rerank_degraded",
			"candidates", len(head),
			"batches", len(batches),
			"error", err,
		)
		return passthrough(head, opts.SourcesTopK), report
	}

	ranked := make([]domain.RankedResult, len(head))
	for i, candidate := range head {
		ranked[i] = domain.RankedResult{FusedCandidate: candidate, Relevance: scores[i], Reranked: true}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Relevance > ranked[j].Relevance
	})
	return trimRanked(ranked, opts.SourcesTopK), report
}

func (c *RerankerClient) scoreBatch(ctx context.Context, query string, texts []string, opts RerankOptions) ([]float64, error) {
	backoff := opts.Backoff
	maxBackoff := 4 * opts.Backoff
	var lastErr error

	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if attempt > 0 {
			slog.Warn("retry_attempt",
				"operation", "rerank.score",
				"attempt", attempt,
				"max_attempts", opts.Retries+1,
				"backoff_ms", float64(backoff.Microseconds())/1000.0,
				"error", lastErr,
			)
			if err := sleepContext(ctx, backoff); err != nil {
				return nil, err
			}
			backoff = min(backoff*2, maxBackoff)
		}

		callCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		scores, err := c.reranker.Score(callCtx, query, texts)
		cancel()
		if err == nil {
			if len(scores) != len(texts) {
				return nil, fmt.Errorf("reranker returned %d scores for %d texts", len(scores), len(texts))
			}
			return scores, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isTransientRerankError(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func isTransientRerankError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || domain.IsKind(err, domain.ErrTemporary) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

type batchRange struct {
	start, end int
}

func splitBatches(n, size int) []batchRange {
	if size <= 0 || size >= n {
		return []batchRange{{start: 0, end: n}}
	}
	out := make([]batchRange, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		out = append(out, batchRange{start: start, end: min(start+size, n)})
	}
	return out
}

func passthrough(candidates []domain.FusedCandidate, limit int) []domain.RankedResult {
	out := make([]domain.RankedResult, len(candidates))
	for i, candidate := range candidates {
		out[i] = domain.RankedResult{FusedCandidate: candidate, Relevance: candidate.Score}
	}
	return trimRanked(out, limit)
}

func trimRanked(results []domain.RankedResult, limit int) []domain.RankedResult {
	if limit <= 0 || len(results) <= limit {
		return results
	}
	return results[:limit]
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
