package snapshot

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
)

// Store hands out the current snapshot without locking. Publish swaps the
// pointer and retires the previous snapshot; a retired snapshot is closed
// once the last session that pinned it releases it.
type Store struct {
	current atomic.Pointer[Snapshot]

	mu        sync.Mutex
	listeners []func(domain.IndexInfo)
}

func NewStore() *Store {
	s := &Store{}
	s.current.Store(Empty())
	return s
}

// Acquire pins the current snapshot. release must be called exactly when
// the caller is done with it; extra calls are ignored.
func (s *Store) Acquire() (ports.IndexSnapshot, func()) {
	for {
		snap := s.current.Load()
		snap.refs.Add(1)
		if s.current.Load() == snap {
			var once sync.Once
			return snap, func() { once.Do(snap.unpin) }
		}
		// Swapped between the load and the pin.
		snap.unpin()
	}
}

func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

func (s *Store) Info() domain.IndexInfo {
	return s.current.Load().Info()
}

// OnPublish registers fn to run after every swap.
func (s *Store) OnPublish(fn func(domain.IndexInfo)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) Publish(next *Snapshot) {
	prev := s.current.Swap(next)
	slog.Info("index_snapshot_published",
		"version", next.version,
		"chunks", next.Len(),
		"previous_version", prev.version,
		"previous_pins", prev.refs.Load(),
	)

	s.mu.Lock()
	listeners := append(([]func(domain.IndexInfo))(nil), s.listeners...)
	s.mu.Unlock()
	info := next.Info()
	for _, fn := range listeners {
		fn(info)
	}
	if prev != next {
		prev.retire()
	}
}

// Close retires the current snapshot. The store must not be used afterwards.
func (s *Store) Close() {
	s.current.Swap(Empty()).retire()
}
