package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kirillkom/hybrid-rag/internal/infrastructure/index/vector"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher reloads the snapshot file into a Store whenever it is replaced.
type Watcher struct {
	path     string
	store    *Store
	cfg      vector.Config
	debounce time.Duration
	onReload func(error)

	reloadMu sync.Mutex
}

func NewWatcher(path string, store *Store, cfg vector.Config, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{
		path:     filepath.Clean(path),
		store:    store,
		cfg:      cfg,
		debounce: debounce,
	}
}

// OnReload registers fn to observe the outcome of every file-triggered
// reload. Call before Run.
func (w *Watcher) OnReload(fn func(error)) {
	w.onReload = fn
}

// Reload builds the file and publishes it unless its version is already
// current.
func (w *Watcher) Reload(ctx context.Context) error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	next, err := LoadFile(ctx, w.path, w.cfg)
	if err != nil {
		return err
	}
	if next.Version() == w.store.Current().Version() {
		_ = next.Close()
		slog.Debug("index_snapshot_unchanged", "version", next.Version())
		return nil
	}
	w.store.Publish(next)
	return nil
}

// Run watches the snapshot directory until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create snapshot watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch snapshot dir: %w", err)
	}
	slog.Info("index_snapshot_watch_started", "path", w.path)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("index_snapshot_watch_error", "error", err)
		case <-timer.C:
			err := w.Reload(ctx)
			if err != nil {
				slog.Error("index_snapshot_reload_failed", "path", w.path, "error", err)
			}
			if w.onReload != nil {
				w.onReload(err)
			}
		}
	}
}
