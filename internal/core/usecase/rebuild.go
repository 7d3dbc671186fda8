package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
)

// DocumentIndexBuilder rebuilds the full index from the document source.
type DocumentIndexBuilder interface {
	BuildFromDocuments(ctx context.Context, version string) (domain.IndexInfo, error)
}

// RebuildJob runs at most one background index rebuild at a time. The
// build outlives the request that started it and stops when the job's base
// context ends or the timeout passes.
type RebuildJob struct {
	builder DocumentIndexBuilder
	base    context.Context
	timeout time.Duration
	now     func() time.Time

	mu     sync.Mutex
	status domain.RebuildStatus
	wg     sync.WaitGroup
}

var _ ports.IndexRebuilder = (*RebuildJob)(nil)

func NewRebuildJob(base context.Context, builder DocumentIndexBuilder, timeout time.Duration) *RebuildJob {
	return &RebuildJob{
		builder: builder,
		base:    base,
		timeout: timeout,
		now:     time.Now,
		status:  domain.RebuildStatus{State: domain.RebuildIdle},
	}
}

// StartRebuild launches a rebuild and returns the running status. A second
// call while one is running fails with ErrConflict.
func (j *RebuildJob) StartRebuild(_ context.Context) (domain.RebuildStatus, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.State == domain.RebuildRunning {
		return j.status, domain.WrapError(domain.ErrConflict, "start rebuild", errors.New("index rebuild already running"))
	}
	if err := j.base.Err(); err != nil {
		return j.status, domain.WrapError(domain.ErrTemporary, "start rebuild", err)
	}

	j.status = domain.RebuildStatus{State: domain.RebuildRunning, StartedAt: j.now().UTC()}
	started := j.status
	slog.Info("index_rebuild_started")

	j.wg.Add(1)
	go j.run()
	return started, nil
}

func (j *RebuildJob) RebuildStatus() domain.RebuildStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Wait blocks until the running rebuild, if any, has finished.
func (j *RebuildJob) Wait() {
	j.wg.Wait()
}

func (j *RebuildJob) run() {
	defer j.wg.Done()

	ctx, cancel := context.WithTimeout(j.base, j.timeout)
	defer cancel()

	info, err := j.build(ctx)

	j.mu.Lock()
	defer j.mu.Unlock()
	j.status.FinishedAt = j.now().UTC()
	elapsed := j.status.FinishedAt.Sub(j.status.StartedAt)
	if err != nil {
		j.status.State = domain.RebuildFailed
		j.status.Error = err.Error()
		slog.Error("index_rebuild_failed", "duration_ms", elapsed.Milliseconds(), "error", err)
		return
	}
	j.status.State = domain.RebuildSucceeded
	j.status.Index = &info
	slog.Info("index_rebuild_finished", "version", info.Version, "chunks", info.Chunks, "duration_ms", elapsed.Milliseconds())
}

func (j *RebuildJob) build(ctx context.Context) (info domain.IndexInfo, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicError("index rebuild", p)
		}
	}()
	info, err = j.builder.BuildFromDocuments(ctx, "")
	if err != nil {
		return domain.IndexInfo{}, fmt.Errorf("rebuild index: %w", err)
	}
	return info, nil
}
