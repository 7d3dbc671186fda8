package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
	"github.com/kirillkom/hybrid-rag/internal/core/stream"
)

const tracerName = "github.com/kirillkom/hybrid-rag/internal/core/usecase"

type OrchestratorSettings struct {
	Defaults     domain.QueryParams
	Prompts      PromptTemplates
	StreamBuffer int
}

// QueryOrchestrator drives one query session through
// received -> retrieving -> fusing -> reranking -> generating -> streaming -> completed.
type QueryOrchestrator struct {
	snapshots ports.SnapshotProvider
	embedder  ports.Embedder
	reranker  *RerankerClient
	generator ports.Generator
	history   ports.ConversationStore
	observer  ports.PipelineObserver
	tracer    trace.Tracer
	settings  OrchestratorSettings
	now       func() time.Time
}

func NewQueryOrchestrator(
	snapshots ports.SnapshotProvider,
	embedder ports.Embedder,
	reranker ports.Reranker,
	generator ports.Generator,
	history ports.ConversationStore,
	observer ports.PipelineObserver,
	settings OrchestratorSettings,
) *QueryOrchestrator {
	if observer == nil {
		observer = noopObserver{}
	}
	if settings.StreamBuffer <= 0 {
		settings.StreamBuffer = stream.DefaultBuffer
	}
	if settings.Defaults == (domain.QueryParams{}) {
		settings.Defaults = domain.DefaultQueryParams()
	}
	settings.Prompts = settings.Prompts.withDefaults()

	return &QueryOrchestrator{
		snapshots: snapshots,
		embedder:  embedder,
		reranker:  NewRerankerClient(reranker),
		generator: generator,
		history:   history,
		observer:  observer,
		tracer:    otel.Tracer(tracerName),
		settings:  settings,
		now:       time.Now,
	}
}

// Start validates the request, pins the current index snapshot and runs the
// pipeline in its own goroutine. Validation errors are returned directly;
// every later failure is delivered as a stream event.
func (o *QueryOrchestrator) Start(ctx context.Context, req domain.QueryRequest) (ports.QueryStream, error) {
	params := o.settings.Defaults.Apply(req.Overrides)
	session, err := domain.NewQuerySession(uuid.NewString(), req.ConversationID, req.Question, params, o.now())
	if err != nil {
		return nil, err
	}
	snap, release := o.snapshots.Acquire()
	session.SnapshotVersion = snap.Info().Version

	clientCtx, cancel := context.WithCancel(ctx)
	emitter := stream.New(clientCtx, o.settings.StreamBuffer)
	workCtx, cancelWork := context.WithTimeout(emitter.Context(), params.SessionTimeout)

	run := &queryRun{
		emitter: emitter,
		done:    make(chan struct{}),
		cancel:  cancel,
		session: session,
		now:     o.now,
	}

	go func() {
		defer close(run.done)
		defer release()
		defer emitter.Close()
		defer cancel()
		defer cancelWork()
		defer func() {
			if p := recover(); p != nil {
				slog.Error("query_pipeline_panic", "session_id", session.ID, "panic", fmt.Sprint(p))
				run.fail(o, domain.StreamError{Kind: domain.KindInternal, Message: "internal error"})
			}
		}()
		o.execute(workCtx, run, snap)
	}()

	return run, nil
}

func (o *QueryOrchestrator) ResetConversation(ctx context.Context, conversationID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "reset conversation", errors.New("conversation id is required"))
	}
	if o.history == nil {
		return nil
	}
	return o.history.DeleteConversation(ctx, conversationID)
}

func (o *QueryOrchestrator) execute(ctx context.Context, run *queryRun, snap ports.IndexSnapshot) {
	session := run.session
	params := session.Params

	ctx, span := o.tracer.Start(ctx, "rag.query", trace.WithAttributes(
		attribute.String("rag.session_id", session.ID),
		attribute.String("rag.snapshot_version", session.SnapshotVersion),
	))
	defer span.End()

	slog.Info("query_session_started",
		"session_id", session.ID,
		"conversation_id", session.ConversationID,
		"snapshot_version", session.SnapshotVersion,
	)

	o.condenseQuery(ctx, run)
	if run.interrupted(ctx) {
		run.cancelSession(o)
		return
	}
	query := run.effectiveQuery()

	// Retrieving: fork both methods, join on both.
	run.transition(o, domain.StateRetrieving)
	lexical, vector, failures := o.retrieve(ctx, snap, query, params)
	if run.interrupted(ctx) {
		run.cancelSession(o)
		return
	}
	run.update(func(s *domain.QuerySession) {
		s.Diagnostics.LexicalHits = len(lexical)
		s.Diagnostics.VectorHits = len(vector)
		for method, err := range failures {
			s.Diagnostics.MethodErrors[method] = err.Error()
		}
	})
	if enabled := enabledMethods(params); len(enabled) > 0 && len(failures) == len(enabled) {
		run.fail(o, domain.StreamError{
			Kind:    domain.KindMethodUnavailable,
			Methods: enabled,
			Message: "all retrieval methods are unavailable",
		})
		return
	}

	// Fusing.
	run.transition(o, domain.StateFusing)
	fused := o.attachChunks(snap, FuseScores(lexical, vector, FusionOptions{
		Weight: params.FusionWeight,
		Size:   params.FusionSize,
	}))
	o.observer.ObserveFused(len(fused))
	run.update(func(s *domain.QuerySession) {
		s.Diagnostics.FusedCount = len(fused)
		s.Diagnostics.NoCandidates = len(fused) == 0
	})
	if len(fused) == 0 {
		slog.Warn("query_no_candidates", "session_id", session.ID, "require_sources", params.RequireSources)
		if params.RequireSources {
			run.fail(o, domain.StreamError{Kind: domain.KindNoCandidates, Message: "no relevant sources found"})
			return
		}
	}

	// Reranking.
	run.transition(o, domain.StateReranking)
	rerankCtx, rerankSpan := o.tracer.Start(ctx, "rag.rerank", trace.WithAttributes(attribute.Int("rag.candidates", len(fused))))
	ranked, report := o.reranker.Rerank(rerankCtx, query, fused, rerankOptionsFrom(params))
	if report.Degraded {
		rerankSpan.SetStatus(codes.Error, "rerank degraded")
		rerankSpan.RecordError(report.Err)
	}
	rerankSpan.End()
	if run.interrupted(ctx) {
		run.cancelSession(o)
		return
	}
	if report.Degraded {
		o.observer.ObserveRerankDegraded()
		run.update(func(s *domain.QuerySession) {
			s.Diagnostics.RerankDegraded = true
			s.Diagnostics.RerankError = report.Err.Error()
		})
	}

	for i, result := range ranked {
		citation := domain.CitationFor(i+1, result, params.ExcerptRunes)
		if err := run.emitter.Emit(domain.SourceEvent(session.ID, citation)); err != nil {
			run.cancelSession(o)
			return
		}
	}

	// Generating.
	run.transition(o, domain.StateGenerating)
	prompt := buildAnswerPrompt(o.settings.Prompts.Answer, query, ranked)
	genCtx, cancelGen := context.WithTimeout(ctx, params.GenerationTimeout)
	defer cancelGen()
	genCtx, genSpan := o.tracer.Start(genCtx, "rag.generate")
	defer genSpan.End()

	fragments, err := o.generator.GenerateStream(genCtx, prompt)
	if err != nil {
		if run.interrupted(ctx) {
			run.cancelSession(o)
			return
		}
		genSpan.RecordError(err)
		genSpan.SetStatus(codes.Error, "generation failed")
		run.fail(o, domain.StreamError{Kind: domain.KindGenerationFailed, Message: err.Error()})
		return
	}
	defer fragments.Close()

	// Streaming.
	run.transition(o, domain.StateStreaming)
	recorder := &recordingStream{FragmentStream: fragments}
	tokens, err := run.emitter.Pipe(session.ID, recorder)
	o.observer.ObserveTokens(tokens)
	run.update(func(s *domain.QuerySession) { s.Diagnostics.TokensEmitted = tokens })
	if err == nil && genCtx.Err() != nil {
		// The stream ended without error after its deadline: the answer is truncated.
		err = fmt.Errorf("generation stopped after %d tokens: %w", tokens, genCtx.Err())
	}
	if err != nil {
		if run.interrupted(ctx) {
			run.cancelSession(o)
			return
		}
		genSpan.RecordError(err)
		genSpan.SetStatus(codes.Error, "generation failed")
		run.fail(o, domain.StreamError{Kind: domain.KindGenerationFailed, Message: err.Error()})
		return
	}

	o.appendHistory(ctx, run, recorder.text.String())
	run.complete(o)
}

// retrieve runs both lookups concurrently. Failures are returned per method
// and never abort the other lookup.
func (o *QueryOrchestrator) retrieve(
	ctx context.Context,
	snap ports.IndexSnapshot,
	query string,
	params domain.QueryParams,
) ([]domain.CandidateHit, []domain.CandidateHit, map[domain.RetrievalMethod]error) {
	ctx, span := o.tracer.Start(ctx, "rag.retrieve")
	defer span.End()

	var g errgroup.Group
	var lexical, vector []domain.CandidateHit
	var lexicalErr, vecErr error
	var lexicalDur, vectorDur time.Duration

	if params.KLexical > 0 {
		g.Go(func() error {
			start := time.Now()
			lexical, lexicalErr = withTimeout(ctx, "lookup lexical", params.LexicalTimeout, func(callCtx context.Context) ([]domain.CandidateHit, error) {
				return snap.LookupLexical(callCtx, query, params.KLexical)
			})
			lexicalDur = time.Since(start)
			return nil
		})
	}
	if params.KVector > 0 {
		g.Go(func() error {
			start := time.Now()
			vector, vecErr = withTimeout(ctx, "lookup vector", params.VectorTimeout, func(callCtx context.Context) ([]domain.CandidateHit, error) {
				embedding, err := o.embedder.EmbedQuery(callCtx, query)
				if err != nil {
					return nil, fmt.Errorf("embed query: %w", err)
				}
				return snap.LookupVector(callCtx, embedding, params.KVector)
			})
			vectorDur = time.Since(start)
			return nil
		})
	}
	_ = g.Wait()

	failures := make(map[domain.RetrievalMethod]error, 2)
	if lexicalErr != nil {
		failures[domain.MethodLexical] = domain.WrapError(domain.ErrMethodUnavailable, "lookup lexical", lexicalErr)
		lexical = nil
	}
	if vecErr != nil {
		failures[domain.MethodVector] = domain.WrapError(domain.ErrMethodUnavailable, "lookup vector", vecErr)
		vector = nil
	}
	for method, err := range failures {
		o.observer.ObserveMethodUnavailable(method)
		span.AddEvent("method_unavailable", trace.WithAttributes(attribute.String("rag.method", string(method))))
		slog.Warn("retrieval_method_unavailable", "method", method, "error", err)
	}
	span.SetAttributes(
		attribute.Int("rag.lexical_hits", len(lexical)),
		attribute.Int("rag.vector_hits", len(vector)),
	)
	slog.Debug("retrieval_completed",
		"lexical_hits", len(lexical),
		"vector_hits", len(vector),
		"lexical_ms", lexicalDur.Milliseconds(),
		"vector_ms", vectorDur.Milliseconds(),
	)

	return limitHits(lexical, params.KLexical), limitHits(vector, params.KVector), failures
}

// withTimeout bounds fn by timeout even if fn ignores its context. A panic
// in fn comes back as an error.
func withTimeout[T any](ctx context.Context, op string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- result{err: panicError(op, p)}
			}
		}()
		value, err := fn(callCtx)
		ch <- result{value: value, err: err}
	}()

	select {
	case res := <-ch:
		return res.value, res.err
	case <-callCtx.Done():
		var zero T
		return zero, callCtx.Err()
	}
}

// panicError logs a recovered panic with its stack and turns it into an
// error for op.
func panicError(op string, p any) error {
	slog.Error("collaborator_panic", "operation", op, "panic", fmt.Sprint(p), "stack", string(debug.Stack()))
	return fmt.Errorf("%s: panic: %v", op, p)
}

func (o *QueryOrchestrator) attachChunks(snap ports.IndexSnapshot, fused []domain.FusedCandidate) []domain.FusedCandidate {
	out := fused[:0]
	for _, candidate := range fused {
		chunk, ok := snap.Chunk(candidate.ChunkID)
		if !ok {
			slog.Warn("fused_chunk_missing", "chunk_id", candidate.ChunkID)
			continue
		}
		candidate.Chunk = chunk
		candidate.Rank = len(out)
		out = append(out, candidate)
	}
	return out
}

func (o *QueryOrchestrator) condenseQuery(ctx context.Context, run *queryRun) {
	session := run.session
	if o.history == nil || session.ConversationID == "" || session.Params.HistoryTurns <= 0 {
		return
	}

	history, err := o.history.ListRecentMessages(ctx, session.ConversationID, session.Params.HistoryTurns*2)
	if err != nil {
		slog.Warn("history_load_failed", "session_id", session.ID, "conversation_id", session.ConversationID, "error", err)
		return
	}
	if len(history) == 0 {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, session.Params.RewriteTimeout)
	defer cancel()
	rewritten, err := o.generator.Generate(callCtx, buildCondensePrompt(o.settings.Prompts.Condense, history, session.Query))
	rewritten = strings.TrimSpace(rewritten)
	if err != nil || rewritten == "" {
		slog.Warn("query_rewrite_failed", "session_id", session.ID, "error", err)
		return
	}

	run.update(func(s *domain.QuerySession) {
		s.EffectiveQuery = rewritten
		s.Diagnostics.QueryRewritten = true
	})
	slog.Info("query_rewritten", "session_id", session.ID, "original", session.Query, "rewritten", rewritten)
}

func (o *QueryOrchestrator) appendHistory(ctx context.Context, run *queryRun, answer string) {
	session := run.session
	if o.history == nil || session.ConversationID == "" || strings.TrimSpace(answer) == "" {
		return
	}
	now := o.now().UTC()
	err := o.history.AppendMessages(ctx,
		domain.ConversationMessage{ID: uuid.NewString(), ConversationID: session.ConversationID, Role: domain.RoleUser, Content: session.Query, CreatedAt: now},
		domain.ConversationMessage{ID: uuid.NewString(), ConversationID: session.ConversationID, Role: domain.RoleAssistant, Content: answer, CreatedAt: now.Add(time.Millisecond)},
	)
	if err != nil {
		slog.Warn("history_append_failed", "session_id", session.ID, "conversation_id", session.ConversationID, "error", err)
	}
}

func enabledMethods(p domain.QueryParams) []domain.RetrievalMethod {
	var out []domain.RetrievalMethod
	if p.KLexical > 0 {
		out = append(out, domain.MethodLexical)
	}
	if p.KVector > 0 {
		out = append(out, domain.MethodVector)
	}
	return out
}

func limitHits(hits []domain.CandidateHit, k int) []domain.CandidateHit {
	if k > 0 && len(hits) > k {
		return hits[:k]
	}
	return hits
}

type recordingStream struct {
	ports.FragmentStream
	text strings.Builder
}

func (r *recordingStream) Next(ctx context.Context) (string, error) {
	fragment, err := r.FragmentStream.Next(ctx)
	if err == nil {
		r.text.WriteString(fragment)
	}
	return fragment, err
}

type noopObserver struct{}

func (noopObserver) ObserveStage(domain.SessionState, time.Duration) {}
func (noopObserver) ObserveSession(domain.SessionState)              {}
func (noopObserver) ObserveMethodUnavailable(domain.RetrievalMethod) {}
func (noopObserver) ObserveRerankDegraded()                          {}
func (noopObserver) ObserveFused(int)                                {}
func (noopObserver) ObserveTokens(int)                               {}
