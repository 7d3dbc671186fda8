package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/index/vector"
)

// Publisher builds a snapshot, writes it to disk, swaps it into the local
// store and announces it to other instances. Store, path and notifier are
// each optional.
type Publisher struct {
	store    *Store
	path     string
	notifier ports.SnapshotNotifier
	cfg      vector.Config
	now      func() time.Time
}

var _ ports.SnapshotPublisher = (*Publisher)(nil)

func NewPublisher(store *Store, path string, notifier ports.SnapshotNotifier, cfg vector.Config) *Publisher {
	return &Publisher{
		store:    store,
		path:     path,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
	}
}

func (p *Publisher) PublishChunks(ctx context.Context, version string, chunks []domain.Chunk) (domain.IndexInfo, error) {
	builtAt := p.now().UTC()
	if version == "" {
		version = builtAt.Format("20060102T150405Z")
	}

	snap, err := Build(ctx, version, builtAt, chunks, p.cfg)
	if err != nil {
		return domain.IndexInfo{}, err
	}
	info := snap.Info()

	if p.path != "" {
		if err := WriteFile(p.path, version, builtAt, chunks); err != nil {
			_ = snap.Close()
			return domain.IndexInfo{}, fmt.Errorf("write snapshot file: %w", err)
		}
	}
	if p.store != nil {
		p.store.Publish(snap)
	} else {
		_ = snap.Close()
	}

	if p.notifier != nil && p.path != "" {
		event := domain.SnapshotPublished{Path: p.path, Version: version, Chunks: info.Chunks, At: builtAt}
		if err := p.notifier.PublishSnapshot(ctx, event); err != nil {
			slog.Warn("index_snapshot_notify_failed", "version", version, "error", err)
		}
	}
	return info, nil
}
