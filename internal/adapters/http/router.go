package httpadapter

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
	"github.com/kirillkom/hybrid-rag/internal/core/usecase"
	"github.com/kirillkom/hybrid-rag/internal/observability/metrics"
)

type RouterConfig struct {
	Service          string
	RateLimitRPS     float64
	RateLimitBurst   int
	MaxInFlight      int
	BackpressureWait time.Duration
}

type Router struct {
	query     ports.QueryService
	resetter  ports.ConversationResetter
	index     ports.IndexInfoReader
	rebuilder ports.IndexRebuilder
	metrics   *metrics.HTTPServerMetrics
	validator *requestValidator
	cfg       RouterConfig
}

func NewRouter(
	query ports.QueryService,
	resetter ports.ConversationResetter,
	index ports.IndexInfoReader,
	httpMetrics *metrics.HTTPServerMetrics,
	cfg RouterConfig,
) (*Router, error) {
	validator, err := newRequestValidator()
	if err != nil {
		return nil, err
	}
	if cfg.Service == "" {
		cfg.Service = "api"
	}
	return &Router{
		query:     query,
		resetter:  resetter,
		index:     index,
		metrics:   httpMetrics,
		validator: validator,
		cfg:       cfg,
	}, nil
}

// WithRebuilder enables the background index rebuild routes.
func (rt *Router) WithRebuilder(rebuilder ports.IndexRebuilder) *Router {
	rt.rebuilder = rebuilder
	return rt
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("POST /v1/query", rt.streamQuery)
	mux.HandleFunc("POST /v1/answer", rt.answer)
	mux.HandleFunc("DELETE /v1/conversations/{conversation_id}", rt.resetConversation)
	mux.HandleFunc("GET /v1/index", rt.indexInfo)
	mux.HandleFunc("POST /v1/index/rebuild", rt.startRebuild)
	mux.HandleFunc("GET /v1/index/rebuild", rt.rebuildStatus)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}

	var handler http.Handler = rt.validator.middleware(mux)

	var rec rejectRecorder
	if rt.metrics != nil {
		rec = rt.metrics
	}
	handler = newAdmission(rt.cfg, rec).middleware(handler)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(rt.cfg.Service, handler)
	}
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type queryRequestBody struct {
	Question       string   `json:"question"`
	ConversationID string   `json:"conversation_id,omitempty"`
	KLexical       *int     `json:"k_lexical,omitempty"`
	KVector        *int     `json:"k_vector,omitempty"`
	FusionWeight   *float64 `json:"fusion_weight,omitempty"`
	RerankTopN     *int     `json:"rerank_top_n,omitempty"`
}

func (b queryRequestBody) toDomain() domain.QueryRequest {
	return domain.QueryRequest{
		Question:       strings.TrimSpace(b.Question),
		ConversationID: strings.TrimSpace(b.ConversationID),
		Overrides: domain.QueryOverrides{
			KLexical:     b.KLexical,
			KVector:      b.KVector,
			FusionWeight: b.FusionWeight,
			RerankTopN:   b.RerankTopN,
		},
	}
}

func decodeQueryRequest(r *http.Request) (domain.QueryRequest, error) {
	var body queryRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return domain.QueryRequest{}, domain.WrapError(domain.ErrInvalidInput, "decode query request", err)
	}
	req := body.toDomain()
	if req.Question == "" {
		return domain.QueryRequest{}, domain.WrapError(domain.ErrInvalidInput, "decode query request", errors.New("question is required"))
	}
	return req, nil
}

func (rt *Router) streamQuery(w http.ResponseWriter, r *http.Request) {
	req, err := decodeQueryRequest(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming is not supported", "")
		return
	}

	qs, err := rt.query.Start(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.StreamOpened()
		defer rt.metrics.StreamClosed()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sse := newSSEWriter(w, flusher)
	terminal, err := sse.relay(r.Context(), qs)
	switch {
	case err == nil && terminal:
		_ = sse.done()
	case err == nil:
		slog.Info("query_stream_closed_without_terminal", "request_id", requestIDFromContext(r.Context()), "session_id", qs.Session().ID)
	case r.Context().Err() != nil:
		slog.Info("query_stream_client_gone", "request_id", requestIDFromContext(r.Context()), "session_id", qs.Session().ID)
	default:
		slog.Warn("query_stream_write_failed", "request_id", requestIDFromContext(r.Context()), "error", err)
	}
}

func (rt *Router) answer(w http.ResponseWriter, r *http.Request) {
	req, err := decodeQueryRequest(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	qs, err := rt.query.Start(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	answer, err := usecase.CollectAnswer(r.Context(), qs)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func (rt *Router) resetConversation(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("conversation_id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "conversation id is required", string(domain.KindInvalidInput))
		return
	}
	if rt.resetter == nil {
		writeError(w, http.StatusNotFound, "conversation history is disabled", "")
		return
	}
	if err := rt.resetter.ResetConversation(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) indexInfo(w http.ResponseWriter, _ *http.Request) {
	if rt.index == nil {
		writeJSON(w, http.StatusOK, domain.IndexInfo{})
		return
	}
	writeJSON(w, http.StatusOK, rt.index.Info())
}

func (rt *Router) startRebuild(w http.ResponseWriter, r *http.Request) {
	if rt.rebuilder == nil {
		writeError(w, http.StatusNotFound, "index rebuild is disabled", "")
		return
	}
	status, err := rt.rebuilder.StartRebuild(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	slog.Info("index_rebuild_accepted", "request_id", requestIDFromContext(r.Context()))
	writeJSON(w, http.StatusAccepted, status)
}

func (rt *Router) rebuildStatus(w http.ResponseWriter, _ *http.Request) {
	if rt.rebuilder == nil {
		writeError(w, http.StatusNotFound, "index rebuild is disabled", "")
		return
	}
	writeJSON(w, http.StatusOK, rt.rebuilder.RebuildStatus())
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message, kind string) {
	writeJSON(w, status, errorBody{Error: message, Kind: kind})
}

func writeDomainError(w http.ResponseWriter, err error) {
	status := mapErrorToHTTPStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("http_handler_failed", "error", err)
		message = "internal error"
	}
	kind := domain.KindOf(err)
	if kind == domain.KindInternal && status != http.StatusInternalServerError {
		kind = ""
	}
	writeError(w, status, message, string(kind))
}
