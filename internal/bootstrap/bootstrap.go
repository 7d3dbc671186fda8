package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/hybrid-rag/internal/config"
	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
	"github.com/kirillkom/hybrid-rag/internal/core/usecase"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/chunking"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/extractor/pdftext"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/extractor/plaintext"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/extractor/router"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/extractor/spreadsheet"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/index/snapshot"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/index/vector"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/llm/embedcache"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/queue/nats"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/repository/sqlstore"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/rerank/httpreranker"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/resilience"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/source/localfs"
	"github.com/kirillkom/hybrid-rag/internal/observability/metrics"
	"github.com/kirillkom/hybrid-rag/internal/observability/tracing"
)

// Version is stamped at build time.
var Version = "dev"

type App struct {
	Config config.Config

	Snapshots   *snapshot.Store
	QueryUC     *usecase.QueryOrchestrator
	HTTPMetrics *metrics.HTTPServerMetrics

	// Rebuilds is nil unless DOCS_DIR is set.
	Rebuilds *usecase.RebuildJob

	watcher  *snapshot.Watcher
	notifier *nats.Notifier
	closeFn  func()
}

// New wires the serving side: snapshot store, model clients, history and
// the query orchestrator. Background loops start with Run.
func New(ctx context.Context, cfg config.Config, service string) (*App, error) {
	var cleanups []func()
	closeAll := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (*App, error) {
		closeAll()
		return nil, err
	}

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Service:     service,
		Version:     Version,
		Endpoint:    cfg.OTelEndpoint,
		Insecure:    cfg.OTelInsecure,
		SampleRatio: cfg.OTelSampleRatio,
	})
	if err != nil {
		return fail(fmt.Errorf("init tracing: %w", err))
	}
	cleanups = append(cleanups, func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("tracing_shutdown_failed", "error", err)
		}
	})

	httpMetrics := metrics.NewHTTPServerMetrics(service)
	indexMetrics := metrics.NewIndexMetrics(httpMetrics.Registry(), service)
	pipelineMetrics := metrics.NewPipelineMetrics(httpMetrics.Registry(), service)

	vectorCfg := vector.Config{M: cfg.HNSWM, EfSearch: cfg.HNSWEfSearch}
	store := snapshot.NewStore()
	store.OnPublish(indexMetrics.RecordSnapshotPublished)
	if err := loadInitialSnapshot(ctx, store, cfg.SnapshotPath, vectorCfg); err != nil {
		return fail(err)
	}

	var watcher *snapshot.Watcher
	if cfg.SnapshotPath != "" {
		watcher = snapshot.NewWatcher(cfg.SnapshotPath, store, vectorCfg, cfg.SnapshotDebounce)
		watcher.OnReload(indexMetrics.RecordSnapshotReload)
	}

	embedder, generator, err := newModelClients(cfg, indexMetrics)
	if err != nil {
		return fail(err)
	}

	var reranker ports.Reranker
	if cfg.RerankerURL != "" {
		rerankExecutor := resilience.NewExecutor(upstreamPolicy(cfg).SingleAttempt())
		rerankExecutor.OnStateChange(indexMetrics.RecordBreakerState)
		reranker = httpreranker.New(cfg.RerankerURL, cfg.RerankerModel, rerankExecutor)
	}

	var history ports.ConversationStore
	if cfg.HistoryDriver != "" {
		db, convStore, err := openHistory(ctx, cfg)
		if err != nil {
			return fail(err)
		}
		cleanups = append(cleanups, func() { _ = db.Close() })
		history = convStore
	}

	var notifier *nats.Notifier
	if cfg.NATSURL != "" {
		notifier, err = newNotifier(cfg, service, indexMetrics)
		if err != nil {
			return fail(err)
		}
		cleanups = append(cleanups, notifier.Close)
	}

	queryUC := usecase.NewQueryOrchestrator(
		store,
		embedder,
		reranker,
		generator,
		history,
		pipelineMetrics,
		usecase.OrchestratorSettings{
			Defaults: cfg.QueryParams(),
			Prompts: usecase.PromptTemplates{
				Answer:   cfg.Prompts.Answer,
				Condense: cfg.Prompts.Condense,
			},
			StreamBuffer: cfg.StreamBuffer,
		},
	)

	var rebuilds *usecase.RebuildJob
	if cfg.DocsDir != "" {
		source, extractor, chunker, err := newDocumentPipeline(cfg, cfg.DocsDir)
		if err != nil {
			return fail(err)
		}
		var announcer ports.SnapshotNotifier
		if notifier != nil {
			announcer = notifier
		}
		publisher := snapshot.NewPublisher(store, cfg.SnapshotPath, announcer, vectorCfg)
		builder := usecase.NewIndexBuildUseCase(source, extractor, chunker, embedder, publisher, cfg.EmbedBatchSize)
		rebuilds = usecase.NewRebuildJob(ctx, builder, cfg.RebuildTimeout)
	}

	slog.Info("bootstrap_ready",
		"service", service,
		"version", Version,
		"snapshot_version", store.Info().Version,
		"reranker", cfg.RerankerURL != "",
		"history", cfg.HistoryDriver,
		"notifications", notifier != nil,
		"rebuild", rebuilds != nil,
	)

	return &App{
		Config:      cfg,
		Snapshots:   store,
		QueryUC:     queryUC,
		HTTPMetrics: httpMetrics,
		Rebuilds:    rebuilds,
		watcher:     watcher,
		notifier:    notifier,
		closeFn: func() {
			if rebuilds != nil {
				rebuilds.Wait()
			}
			closeAll()
			store.Close()
		},
	}, nil
}

// Run drives snapshot reloads from the file watcher and from NATS
// notifications until ctx is done.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if a.watcher != nil && a.Config.SnapshotWatch {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	if a.watcher != nil && a.notifier != nil {
		g.Go(func() error {
			return a.notifier.SubscribeSnapshots(gctx, a.onSnapshotPublished)
		})
	}
	return g.Wait()
}

func (a *App) onSnapshotPublished(ctx context.Context, event domain.SnapshotPublished) error {
	if filepath.Clean(event.Path) != filepath.Clean(a.Config.SnapshotPath) {
		slog.Warn("index_snapshot_event_ignored", "path", event.Path, "served_path", a.Config.SnapshotPath, "version", event.Version)
		return nil
	}
	if event.Version == a.Snapshots.Info().Version {
		return nil
	}
	slog.Info("index_snapshot_event_received", "version", event.Version, "chunks", event.Chunks)
	return a.watcher.Reload(ctx)
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

// NewIndexBuilder wires an offline build: documents under docsDir (when
// set) are chunked, embedded and written to outPath. A configured NATS
// server is told about the new file.
func NewIndexBuilder(cfg config.Config, docsDir, outPath, service string) (*usecase.IndexBuildUseCase, func(), error) {
	var (
		source    ports.DocumentSource
		extractor ports.TextExtractor
		chunker   ports.Chunker
		err       error
	)
	if docsDir != "" {
		source, extractor, chunker, err = newDocumentPipeline(cfg, docsDir)
		if err != nil {
			return nil, nil, err
		}
	}

	embedder, _, err := newModelClients(cfg, nil)
	if err != nil {
		return nil, nil, err
	}

	closeFn := func() {}
	var notifier ports.SnapshotNotifier
	if cfg.NATSURL != "" {
		n, err := newNotifier(cfg, service, nil)
		if err != nil {
			return nil, nil, err
		}
		notifier = n
		closeFn = n.Close
	}

	publisher := snapshot.NewPublisher(nil, outPath, notifier, vector.Config{M: cfg.HNSWM, EfSearch: cfg.HNSWEfSearch})
	return usecase.NewIndexBuildUseCase(source, extractor, chunker, embedder, publisher, cfg.EmbedBatchSize), closeFn, nil
}

func newDocumentPipeline(cfg config.Config, docsDir string) (ports.DocumentSource, ports.TextExtractor, ports.Chunker, error) {
	src, err := localfs.New(docsDir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init document source: %w", err)
	}
	return src, newExtractor(src), chunking.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap), nil
}

// newExtractor reads PDFs and workbooks with their parsers and everything
// else as UTF-8 text.
func newExtractor(src ports.DocumentSource) ports.TextExtractor {
	return router.New(plaintext.NewExtractor(src)).
		Handle(pdftext.NewExtractor(src), ".pdf").
		Handle(spreadsheet.NewExtractor(src), ".xlsx")
}

func loadInitialSnapshot(ctx context.Context, store *snapshot.Store, path string, cfg vector.Config) error {
	if path == "" {
		slog.Warn("index_snapshot_not_configured")
		return nil
	}
	snap, err := snapshot.LoadFile(ctx, path, cfg)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("index_snapshot_missing", "path", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load snapshot %s: %w", path, err)
	}
	store.Publish(snap)
	return nil
}

func upstreamPolicy(cfg config.Config) resilience.Policy {
	p := resilience.DefaultPolicy()
	p.Retry.Attempts = cfg.UpstreamRetryAttempts
	p.Retry.InitialBackoff = cfg.UpstreamRetryBackoff
	p.Retry.MaxBackoff = 4 * cfg.UpstreamRetryBackoff
	p.Breaker.FailureRatio = cfg.UpstreamBreakerFailureRatio
	p.Breaker.OpenTimeout = cfg.UpstreamBreakerOpenTimeout
	return p
}

func newModelClients(cfg config.Config, indexMetrics *metrics.IndexMetrics) (ports.Embedder, ports.Generator, error) {
	executor := resilience.NewExecutor(upstreamPolicy(cfg))
	if indexMetrics != nil {
		executor.OnStateChange(indexMetrics.RecordBreakerState)
	}
	client := ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel, executor)

	var embedder ports.Embedder = ollama.NewEmbedder(client)
	if cfg.EmbedCacheSize > 0 {
		cached, err := embedcache.New(embedder, cfg.OllamaEmbedModel, cfg.EmbedCacheSize)
		if err != nil {
			return nil, nil, fmt.Errorf("init embedding cache: %w", err)
		}
		embedder = cached
	}
	return embedder, ollama.NewGenerator(client), nil
}

func openHistory(ctx context.Context, cfg config.Config) (*sql.DB, *sqlstore.ConversationStore, error) {
	dialect, err := sqlstore.ParseDialect(cfg.HistoryDriver)
	if err != nil {
		return nil, nil, err
	}
	if dialect == sqlstore.DialectSQLite {
		if dir := filepath.Dir(cfg.HistoryDSN); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create history dir: %w", err)
			}
		}
	}
	db, err := sqlstore.OpenDB(dialect, cfg.HistoryDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s history: %w", dialect, err)
	}
	convStore := sqlstore.NewConversationStore(db, dialect)
	if err := convStore.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ensure history schema: %w", err)
	}
	return db, convStore, nil
}

func newNotifier(cfg config.Config, service string, indexMetrics *metrics.IndexMetrics) (*nats.Notifier, error) {
	executor := resilience.NewExecutor(upstreamPolicy(cfg))
	if indexMetrics != nil {
		executor.OnStateChange(indexMetrics.RecordBreakerState)
	}
	notifier, err := nats.New(cfg.NATSURL, cfg.NATSSubject, nats.Options{
		ResilienceExecutor: executor,
		ClientName:         service,
	})
	if err != nil {
		return nil, fmt.Errorf("init snapshot notifier: %w", err)
	}
	return notifier, nil
}
