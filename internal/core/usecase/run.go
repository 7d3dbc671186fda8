package usecase

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/stream"
)

// queryRun is the handle returned by Start. The pipeline goroutine is the
// only writer of session; readers go through Session.
type queryRun struct {
	emitter *stream.Emitter
	done    chan struct{}
	cancel  context.CancelFunc
	now     func() time.Time

	mu         sync.Mutex
	session    *domain.QuerySession
	stageStart time.Time
}

func (r *queryRun) Events() <-chan domain.StreamEvent {
	return r.emitter.Events()
}

func (r *queryRun) Done() <-chan struct{} {
	return r.done
}

func (r *queryRun) Session() domain.QuerySession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session.Snapshot()
}

// Cancel stops the session. Output already buffered may still be read, no
// terminal event follows.
func (r *queryRun) Cancel() {
	r.cancel()
}

func (r *queryRun) update(fn func(*domain.QuerySession)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.session)
}

func (r *queryRun) effectiveQuery() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session.EffectiveQuery != "" {
		return r.session.EffectiveQuery
	}
	return r.session.Query
}

func (r *queryRun) interrupted(ctx context.Context) bool {
	return ctx.Err() != nil || r.emitter.Context().Err() != nil
}

func (r *queryRun) transition(o *QueryOrchestrator, to domain.SessionState) bool {
	now := r.now()

	r.mu.Lock()
	from := r.session.State
	if from.IsTerminal() {
		r.mu.Unlock()
		return false
	}
	if r.stageStart.IsZero() {
		r.stageStart = r.session.CreatedAt
	}
	elapsed := now.Sub(r.stageStart)
	err := r.session.Transition(to, now)
	if err == nil {
		r.stageStart = now
	}
	id := r.session.ID
	r.mu.Unlock()

	if err != nil {
		slog.Error("query_session_transition_rejected", "session_id", id, "from", from, "to", to, "error", err)
		return false
	}
	o.observer.ObserveStage(from, elapsed)
	if to.IsTerminal() {
		o.observer.ObserveSession(to)
	}
	slog.Debug("query_session_transition", "session_id", id, "from", from, "to", to, "stage_ms", elapsed.Milliseconds())
	return true
}

func (r *queryRun) fail(o *QueryOrchestrator, streamErr domain.StreamError) {
	if !r.transition(o, domain.StateFailed) {
		r.emitter.Close()
		return
	}
	slog.Warn("query_session_failed",
		"session_id", r.session.ID,
		"kind", streamErr.Kind,
		"methods", streamErr.Methods,
		"error", streamErr.Message,
	)
	if err := r.emitter.Finish(domain.ErrorEvent(r.session.ID, streamErr)); err != nil {
		slog.Debug("terminal_event_dropped", "session_id", r.session.ID, "error", err)
	}
}

func (r *queryRun) cancelSession(o *QueryOrchestrator) {
	if r.transition(o, domain.StateCancelled) {
		slog.Info("query_session_cancelled", "session_id", r.session.ID)
	}
	r.emitter.Close()
}

func (r *queryRun) complete(o *QueryOrchestrator) {
	if !r.transition(o, domain.StateCompleted) {
		r.emitter.Close()
		return
	}
	if err := r.emitter.Finish(domain.EndEvent(r.session.ID)); err != nil {
		slog.Debug("terminal_event_dropped", "session_id", r.session.ID, "error", err)
		return
	}
	slog.Info("query_session_completed",
		"session_id", r.session.ID,
		"tokens", r.emitter.TokensEmitted(),
	)
}
