package domain

import (
	"path"
	"path/filepath"
	"strings"
	"time"
)

type IndexInfo struct {
	Version   string    `json:"version"`
	Chunks    int       `json:"chunks"`
	Dimension int       `json:"dimension"`
	BuiltAt   time.Time `json:"built_at"`
}

// SnapshotPublished is announced after a snapshot file is fully written.
type SnapshotPublished struct {
	Path    string    `json:"path"`
	Version string    `json:"version"`
	Chunks  int       `json:"chunks"`
	At      time.Time `json:"at"`
}

type RebuildState string

const (
	RebuildIdle      RebuildState = "idle"
	RebuildRunning   RebuildState = "running"
	RebuildSucceeded RebuildState = "succeeded"
	RebuildFailed    RebuildState = "failed"
)

// RebuildStatus describes the latest background index rebuild.
type RebuildStatus struct {
	State      RebuildState `json:"state"`
	StartedAt  time.Time    `json:"started_at,omitzero"`
	FinishedAt time.Time    `json:"finished_at,omitzero"`
	Index      *IndexInfo   `json:"index,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// SourceDocument is a raw document handed to the index builder.
type SourceDocument struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

// DocumentIDFromKey derives a stable document id from a storage key: the
// extension is dropped and characters outside [A-Za-z0-9._/-] become '_'.
func DocumentIDFromKey(key string) string {
	key = filepath.ToSlash(key)
	base := strings.TrimSuffix(key, path.Ext(key))
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_', r == '/':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" {
		return "document"
	}
	return base
}
