package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

type Config struct {
	APIPort   string
	LogLevel  string
	LogFormat string

	HTTPMaxConnections    int
	HTTPRateLimitRPS      float64
	HTTPRateLimitBurst    int
	HTTPMaxInFlight       int
	HTTPBackpressureWait  time.Duration
	HTTPReadHeaderTimeout time.Duration
	HTTPShutdownTimeout   time.Duration
	StreamBuffer          int

	SnapshotPath     string
	SnapshotWatch    bool
	SnapshotDebounce time.Duration
	HNSWM            int
	HNSWEfSearch     int

	OllamaURL        string
	OllamaGenModel   string
	OllamaEmbedModel string
	EmbedCacheSize   int
	EmbedBatchSize   int

	RerankerURL   string
	RerankerModel string

	// Guards for calls to Ollama, the reranker and NATS.
	UpstreamRetryAttempts       int
	UpstreamRetryBackoff        time.Duration
	UpstreamBreakerFailureRatio float64
	UpstreamBreakerOpenTimeout  time.Duration

	// HistoryDriver is postgres or sqlite; empty disables conversation history.
	HistoryDriver string
	HistoryDSN    string

	// NATSURL empty disables snapshot notifications.
	NATSURL     string
	NATSSubject string

	OTelEndpoint    string
	OTelInsecure    bool
	OTelSampleRatio float64

	ChunkSize    int
	ChunkOverlap int

	// DocsDir empty disables rebuilding the index from the API.
	DocsDir        string
	RebuildTimeout time.Duration

	Query   domain.QueryParams
	Prompts Prompts
}

// Prompts overrides the instruction blocks sent to the generator.
type Prompts struct {
	Answer   string `yaml:"qa_system"`
	Condense string `yaml:"condense_q_system"`
}

// Load resolves every option from, in increasing priority: built-in
// defaults, the optional CONFIG_FILE, environment variables.
func Load() (Config, error) {
	src, err := newSource(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return Config{}, err
	}

	def := domain.DefaultQueryParams()
	cfg := Config{
		APIPort:   src.mustEnv("API_PORT", "8080"),
		LogLevel:  src.mustEnv("LOG_LEVEL", "info"),
		LogFormat: src.mustEnv("LOG_FORMAT", "json"),

		HTTPMaxConnections:    src.mustEnvInt("HTTP_MAX_CONNECTIONS", 512),
		HTTPRateLimitRPS:      src.mustEnvFloat("HTTP_RATE_LIMIT_RPS", 20),
		HTTPRateLimitBurst:    src.mustEnvInt("HTTP_RATE_LIMIT_BURST", 40),
		HTTPMaxInFlight:       src.mustEnvInt("HTTP_MAX_IN_FLIGHT", 64),
		HTTPBackpressureWait:  src.mustEnvDuration("HTTP_BACKPRESSURE_WAIT", 250*time.Millisecond),
		HTTPReadHeaderTimeout: src.mustEnvDuration("HTTP_READ_HEADER_TIMEOUT", 10*time.Second),
		HTTPShutdownTimeout:   src.mustEnvDuration("HTTP_SHUTDOWN_TIMEOUT", 15*time.Second),
		StreamBuffer:          src.mustEnvInt("STREAM_BUFFER", 32),

		SnapshotPath:     src.mustEnv("SNAPSHOT_PATH", "./data/index/snapshot.jsonl"),
		SnapshotWatch:    src.mustEnvBool("SNAPSHOT_WATCH", true),
		SnapshotDebounce: src.mustEnvDuration("SNAPSHOT_DEBOUNCE", 250*time.Millisecond),
		HNSWM:            src.mustEnvInt("HNSW_M", 16),
		HNSWEfSearch:     src.mustEnvInt("HNSW_EF_SEARCH", 64),

		OllamaURL:        src.mustEnv("OLLAMA_URL", "http://localhost:11434"),
		OllamaGenModel:   src.mustEnv("OLLAMA_GEN_MODEL", "llama3.1:8b"),
		OllamaEmbedModel: src.mustEnv("OLLAMA_EMBED_MODEL", "nomic-embed-text"),
		EmbedCacheSize:   src.mustEnvInt("EMBED_CACHE_SIZE", 1000),
		EmbedBatchSize:   src.mustEnvInt("EMBED_BATCH_SIZE", 32),

		RerankerURL:   src.mustEnv("RERANKER_URL", ""),
		RerankerModel: src.mustEnv("RERANKER_MODEL", ""),

		UpstreamRetryAttempts:       src.mustEnvInt("UPSTREAM_RETRY_ATTEMPTS", 3),
		UpstreamRetryBackoff:        src.mustEnvDuration("UPSTREAM_RETRY_BACKOFF", 100*time.Millisecond),
		UpstreamBreakerFailureRatio: src.mustEnvFloat("UPSTREAM_BREAKER_FAILURE_RATIO", 0.5),
		UpstreamBreakerOpenTimeout:  src.mustEnvDuration("UPSTREAM_BREAKER_OPEN_TIMEOUT", 30*time.Second),

		HistoryDriver: src.mustEnv("HISTORY_DRIVER", ""),
		HistoryDSN:    src.mustEnv("HISTORY_DSN", ""),

		NATSURL:     src.mustEnv("NATS_URL", ""),
		NATSSubject: src.mustEnv("NATS_SUBJECT", "snapshots.published"),

		OTelEndpoint:    src.mustEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTelInsecure:    src.mustEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		OTelSampleRatio: src.mustEnvFloat("OTEL_SAMPLE_RATIO", 1),

		ChunkSize:    src.mustEnvInt("CHUNK_SIZE", 900),
		ChunkOverlap: src.mustEnvInt("CHUNK_OVERLAP", 150),

		DocsDir:        src.mustEnv("DOCS_DIR", ""),
		RebuildTimeout: src.mustEnvDuration("REBUILD_TIMEOUT", 30*time.Minute),

		Query: domain.QueryParams{
			KLexical:          src.mustEnvInt("RAG_K_LEXICAL", def.KLexical),
			KVector:           src.mustEnvInt("RAG_K_VECTOR", def.KVector),
			FusionWeight:      src.mustEnvFloat("RAG_FUSION_WEIGHT", def.FusionWeight),
			FusionSize:        src.mustEnvInt("RAG_FUSION_SIZE", def.FusionSize),
			RerankTopN:        src.mustEnvInt("RAG_RERANK_TOP_N", def.RerankTopN),
			SourcesTopK:       src.mustEnvInt("RAG_SOURCES_TOP_K", def.SourcesTopK),
			RerankBatchSize:   src.mustEnvInt("RAG_RERANK_BATCH_SIZE", def.RerankBatchSize),
			RerankRetries:     src.mustEnvInt("RAG_RERANK_RETRIES", def.RerankRetries),
			RerankBackoff:     src.mustEnvDuration("RAG_RERANK_BACKOFF", def.RerankBackoff),
			LexicalTimeout:    src.mustEnvDuration("RAG_LEXICAL_TIMEOUT", def.LexicalTimeout),
			VectorTimeout:     src.mustEnvDuration("RAG_VECTOR_TIMEOUT", def.VectorTimeout),
			RerankTimeout:     src.mustEnvDuration("RAG_RERANK_TIMEOUT", def.RerankTimeout),
			GenerationTimeout: src.mustEnvDuration("RAG_GENERATION_TIMEOUT", def.GenerationTimeout),
			RewriteTimeout:    src.mustEnvDuration("RAG_REWRITE_TIMEOUT", def.RewriteTimeout),
			SessionTimeout:    src.mustEnvDuration("RAG_SESSION_TIMEOUT", def.SessionTimeout),
			RequireSources:    src.mustEnvBool("RAG_REQUIRE_SOURCES", def.RequireSources),
			HistoryTurns:      src.mustEnvInt("RAG_HISTORY_TURNS", def.HistoryTurns),
			ExcerptRunes:      src.mustEnvInt("RAG_EXCERPT_RUNES", def.ExcerptRunes),
		},
	}
	if err := src.err(); err != nil {
		return Config{}, err
	}

	if path := src.mustEnv("PROMPTS_FILE", ""); path != "" {
		prompts, err := loadPrompts(path)
		if err != nil {
			return Config{}, err
		}
		cfg.Prompts = prompts
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var problems []string
	if err := c.Query.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if strings.TrimSpace(c.SnapshotPath) == "" {
		problems = append(problems, "SNAPSHOT_PATH is required")
	}
	if c.OllamaURL == "" {
		problems = append(problems, "OLLAMA_URL is required")
	}
	if c.HTTPMaxInFlight <= 0 {
		problems = append(problems, "HTTP_MAX_IN_FLIGHT must be positive")
	}
	if c.HTTPRateLimitRPS < 0 {
		problems = append(problems, "HTTP_RATE_LIMIT_RPS must not be negative")
	}
	if c.UpstreamRetryAttempts < 1 {
		problems = append(problems, "UPSTREAM_RETRY_ATTEMPTS must be at least 1")
	}
	if c.UpstreamBreakerFailureRatio <= 0 || c.UpstreamBreakerFailureRatio > 1 {
		problems = append(problems, "UPSTREAM_BREAKER_FAILURE_RATIO must be in (0, 1]")
	}
	if c.StreamBuffer <= 0 {
		problems = append(problems, "STREAM_BUFFER must be positive")
	}
	switch c.HistoryDriver {
	case "":
	case "postgres", "pgx", "sqlite", "sqlite3":
		if c.HistoryDSN == "" {
			problems = append(problems, "HISTORY_DSN is required when HISTORY_DRIVER is set")
		}
	default:
		problems = append(problems, fmt.Sprintf("HISTORY_DRIVER %q is not supported", c.HistoryDriver))
	}
	if c.DocsDir != "" && c.RebuildTimeout <= 0 {
		problems = append(problems, "REBUILD_TIMEOUT must be positive")
	}
	if c.ChunkOverlap >= c.ChunkSize {
		problems = append(problems, "CHUNK_OVERLAP must be smaller than CHUNK_SIZE")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.New(strings.Join(problems, "; ")))
	}
	return nil
}

// QueryParams returns the per-session defaults.
func (c Config) QueryParams() domain.QueryParams {
	return c.Query
}
