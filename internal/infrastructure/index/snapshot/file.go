package snapshot

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/index/vector"
)

const maxLineBytes = 16 << 20

// header is the optional first line of a snapshot file.
type header struct {
	Version string    `json:"version"`
	BuiltAt time.Time `json:"built_at"`
	Chunks  int       `json:"chunks"`
}

type line struct {
	header
	domain.Chunk
}

// ReadChunks parses JSON Lines chunks. A leading header line carrying a
// version and no chunk id is returned separately. Without a header the
// version is derived from the content hash.
func ReadChunks(r io.Reader) (string, time.Time, []domain.Chunk, error) {
	hash := sha256.New()
	scanner := bufio.NewScanner(io.TeeReader(r, hash))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var (
		h      header
		chunks []domain.Chunk
		lineNo int
	)
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			return "", time.Time{}, nil, domain.WrapError(domain.ErrInvalidInput, "read snapshot", fmt.Errorf("line %d: %w", lineNo, err))
		}
		if lineNo == 1 && l.Chunk.ID == "" && l.header.Version != "" {
			h = l.header
			continue
		}
		chunks = append(chunks, l.Chunk)
	}
	if err := scanner.Err(); err != nil {
		return "", time.Time{}, nil, fmt.Errorf("scan snapshot: %w", err)
	}

	if h.Version == "" {
		h.Version = hex.EncodeToString(hash.Sum(nil))[:12]
	}
	return h.Version, h.BuiltAt, chunks, nil
}

// LoadFile reads and builds the snapshot at path under a shared lock.
func LoadFile(ctx context.Context, path string, cfg vector.Config) (*Snapshot, error) {
	lock := flock.New(lockPath(path))
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("lock snapshot for read: %w", err)
	}
	f, err := os.Open(path)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	version, builtAt, chunks, err := ReadChunks(f)
	_ = f.Close()
	_ = lock.Unlock()
	if err != nil {
		return nil, err
	}

	if builtAt.IsZero() {
		if info, statErr := os.Stat(path); statErr == nil {
			builtAt = info.ModTime()
		}
	}
	return Build(ctx, version, builtAt, chunks, cfg)
}

// WriteFile replaces path with a new snapshot file. The file is written
// next to the target and renamed under an exclusive lock so readers never
// observe a partial file.
func WriteFile(path, version string, builtAt time.Time, chunks []domain.Chunk) error {
	if path == "" {
		return errors.New("snapshot path is empty")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	lock := flock.New(lockPath(path))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock snapshot for write: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	if err := enc.Encode(header{Version: version, BuiltAt: builtAt.UTC(), Chunks: len(chunks)}); err != nil {
		cleanup()
		return fmt.Errorf("write snapshot header: %w", err)
	}
	for _, chunk := range chunks {
		if err := enc.Encode(chunk); err != nil {
			cleanup()
			return fmt.Errorf("write chunk %s: %w", chunk.ID, err)
		}
	}
	if err := w.Flush(); err != nil {
		cleanup()
		return fmt.Errorf("flush snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

func lockPath(path string) string {
	return path + ".lock"
}
