package domain

import (
	"fmt"
	"strings"
	"time"
)

const (
	maxMethodK     = 200
	maxFusionSize  = 400
	maxQueryLength = 4000
)

// QueryParams is the full set of per-session knobs. Defaults come from
// configuration; callers may only override the fields in QueryOverrides.
type QueryParams struct {
	KLexical        int           `json:"k_lexical"`
	KVector         int           `json:"k_vector"`
	FusionWeight    float64       `json:"fusion_weight"`
	FusionSize      int           `json:"fusion_size"`
	RerankTopN      int           `json:"rerank_top_n"`
	SourcesTopK     int           `json:"sources_top_k"`
	RerankBatchSize int           `json:"rerank_batch_size"`
	RerankRetries   int           `json:"rerank_retries"`
	RerankBackoff   time.Duration `json:"rerank_backoff"`

	LexicalTimeout    time.Duration `json:"lexical_timeout"`
	VectorTimeout     time.Duration `json:"vector_timeout"`
	RerankTimeout     time.Duration `json:"rerank_timeout"`
	GenerationTimeout time.Duration `json:"generation_timeout"`
	RewriteTimeout    time.Duration `json:"rewrite_timeout"`
	SessionTimeout    time.Duration `json:"session_timeout"`

	RequireSources bool `json:"require_sources"`
	HistoryTurns   int  `json:"history_turns"`
	ExcerptRunes   int  `json:"excerpt_runes"`
}

func DefaultQueryParams() QueryParams {
	return QueryParams{
		KLexical:          20,
		KVector:           20,
		FusionWeight:      0.5,
		FusionSize:        30,
		RerankTopN:        10,
		SourcesTopK:       5,
		RerankBatchSize:   32,
		RerankRetries:     1,
		RerankBackoff:     150 * time.Millisecond,
		LexicalTimeout:    800 * time.Millisecond,
		VectorTimeout:     1500 * time.Millisecond,
		RerankTimeout:     2 * time.Second,
		GenerationTimeout: 90 * time.Second,
		RewriteTimeout:    10 * time.Second,
		SessionTimeout:    2 * time.Minute,
		RequireSources:    false,
		HistoryTurns:      3,
		ExcerptRunes:      280,
	}
}

type QueryOverrides struct {
	KLexical     *int     `json:"k_lexical,omitempty"`
	KVector      *int     `json:"k_vector,omitempty"`
	FusionWeight *float64 `json:"fusion_weight,omitempty"`
	RerankTopN   *int     `json:"rerank_top_n,omitempty"`
}

func (p QueryParams) Apply(o QueryOverrides) QueryParams {
	out := p
	if o.KLexical != nil {
		out.KLexical = *o.KLexical
	}
	if o.KVector != nil {
		out.KVector = *o.KVector
	}
	if o.FusionWeight != nil {
		out.FusionWeight = *o.FusionWeight
	}
	if o.RerankTopN != nil {
		out.RerankTopN = *o.RerankTopN
	}
	return out
}

func (p QueryParams) Validate() error {
	var problems []string
	if p.KLexical < 0 || p.KLexical > maxMethodK {
		problems = append(problems, fmt.Sprintf("k_lexical must be in [0,%d]", maxMethodK))
	}
	if p.KVector < 0 || p.KVector > maxMethodK {
		problems = append(problems, fmt.Sprintf("k_vector must be in [0,%d]", maxMethodK))
	}
	if p.KLexical == 0 && p.KVector == 0 {
		problems = append(problems, "at least one of k_lexical, k_vector must be positive")
	}
	if p.FusionWeight < 0 || p.FusionWeight > 1 {
		problems = append(problems, "fusion_weight must be in [0,1]")
	}
	if p.FusionSize <= 0 || p.FusionSize > maxFusionSize {
		problems = append(problems, fmt.Sprintf("fusion_size must be in [1,%d]", maxFusionSize))
	}
	if p.RerankTopN < 0 || p.RerankTopN > p.FusionSize {
		problems = append(problems, "rerank_top_n must be in [0,fusion_size]")
	}
	if p.SourcesTopK <= 0 {
		problems = append(problems, "sources_top_k must be positive")
	}
	if p.RerankRetries < 0 {
		problems = append(problems, "rerank_retries must not be negative")
	}
	if p.LexicalTimeout <= 0 || p.VectorTimeout <= 0 || p.RerankTimeout <= 0 || p.GenerationTimeout <= 0 || p.RewriteTimeout <= 0 {
		problems = append(problems, "per-call timeouts must be positive")
	}
	if p.SessionTimeout <= 0 {
		problems = append(problems, "session_timeout must be positive")
	}
	if len(problems) > 0 {
		return WrapError(ErrInvalidInput, "validate query params", fmt.Errorf("%s", strings.Join(problems, "; ")))
	}
	return nil
}

type SessionState string

const (
	StateReceived   SessionState = "received"
	StateRetrieving SessionState = "retrieving"
	StateFusing     SessionState = "fusing"
	StateReranking  SessionState = "reranking"
	StateGenerating SessionState = "generating"
	StateStreaming  SessionState = "streaming"
	StateCompleted  SessionState = "completed"
	StateFailed     SessionState = "failed"
	StateCancelled  SessionState = "cancelled"
)

func (s SessionState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

var forwardTransitions = map[SessionState]SessionState{
	StateReceived:   StateRetrieving,
	StateRetrieving: StateFusing,
	StateFusing:     StateReranking,
	StateReranking:  StateGenerating,
	StateGenerating: StateStreaming,
	StateStreaming:  StateCompleted,
}

// CanTransition reports whether from -> to is a legal edge of the session lifecycle.
func CanTransition(from, to SessionState) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StateFailed || to == StateCancelled {
		return true
	}
	return forwardTransitions[from] == to
}

type StateTransition struct {
	From SessionState `json:"from"`
	To   SessionState `json:"to"`
	At   time.Time    `json:"at"`
}

type Diagnostics struct {
	MethodErrors   map[RetrievalMethod]string `json:"method_errors,omitempty"`
	LexicalHits    int                        `json:"lexical_hits"`
	VectorHits     int                        `json:"vector_hits"`
	FusedCount     int                        `json:"fused_count"`
	RerankDegraded bool                       `json:"rerank_degraded"`
	RerankError    string                     `json:"rerank_error,omitempty"`
	NoCandidates   bool                       `json:"no_candidates"`
	QueryRewritten bool                       `json:"query_rewritten"`
	TokensEmitted  int                        `json:"tokens_emitted"`
	StageDurations map[SessionState]int64     `json:"stage_durations_ms,omitempty"`
}

type QuerySession struct {
	ID              string            `json:"id"`
	ConversationID  string            `json:"conversation_id,omitempty"`
	Query           string            `json:"query"`
	EffectiveQuery  string            `json:"effective_query"`
	Params          QueryParams       `json:"params"`
	State           SessionState      `json:"state"`
	SnapshotVersion string            `json:"snapshot_version"`
	Diagnostics     Diagnostics       `json:"diagnostics"`
	Transitions     []StateTransition `json:"transitions"`
	CreatedAt       time.Time         `json:"created_at"`
}

func NewQuerySession(id, conversationID, query string, params QueryParams, now time.Time) (*QuerySession, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, WrapError(ErrInvalidInput, "new query session", fmt.Errorf("question is required"))
	}
	if len([]rune(query)) > maxQueryLength {
		return nil, WrapError(ErrInvalidInput, "new query session", fmt.Errorf("question exceeds %d characters", maxQueryLength))
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &QuerySession{
		ID:             id,
		ConversationID: strings.TrimSpace(conversationID),
		Query:          query,
		EffectiveQuery: query,
		Params:         params,
		State:          StateReceived,
		CreatedAt:      now,
		Diagnostics: Diagnostics{
			MethodErrors:   map[RetrievalMethod]string{},
			StageDurations: map[SessionState]int64{},
		},
	}, nil
}

// Transition moves the session to the next state and records the edge.
func (s *QuerySession) Transition(to SessionState, now time.Time) error {
	if !CanTransition(s.State, to) {
		return fmt.Errorf("illegal session transition %s -> %s", s.State, to)
	}
	if n := len(s.Transitions); n > 0 {
		s.Diagnostics.StageDurations[s.State] = now.Sub(s.Transitions[n-1].At).Milliseconds()
	} else {
		s.Diagnostics.StageDurations[s.State] = now.Sub(s.CreatedAt).Milliseconds()
	}
	s.Transitions = append(s.Transitions, StateTransition{From: s.State, To: to, At: now})
	s.State = to
	return nil
}

// Snapshot returns a deep copy safe to hand to other goroutines.
func (s *QuerySession) Snapshot() QuerySession {
	out := *s
	out.Transitions = append([]StateTransition(nil), s.Transitions...)
	out.Diagnostics.MethodErrors = make(map[RetrievalMethod]string, len(s.Diagnostics.MethodErrors))
	for k, v := range s.Diagnostics.MethodErrors {
		out.Diagnostics.MethodErrors[k] = v
	}
	out.Diagnostics.StageDurations = make(map[SessionState]int64, len(s.Diagnostics.StageDurations))
	for k, v := range s.Diagnostics.StageDurations {
		out.Diagnostics.StageDurations[k] = v
	}
	return out
}

type QueryRequest struct {
	Question       string         `json:"question"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Overrides      QueryOverrides `json:"overrides"`
}
