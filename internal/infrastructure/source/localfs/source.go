// Package localfs serves documents for index builds from a directory tree.
package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
)

var defaultExtensions = []string{".txt", ".md", ".markdown", ".pdf", ".xlsx"}

type Source struct {
	root       string
	extensions map[string]struct{}
}

var _ ports.DocumentSource = (*Source)(nil)

func New(root string, extensions ...string) (*Source, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat document root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("document root %s is not a directory", root)
	}
	if len(extensions) == 0 {
		extensions = defaultExtensions
	}
	exts := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		exts[strings.ToLower(ext)] = struct{}{}
	}
	return &Source{root: root, extensions: exts}, nil
}

// List walks the root, skipping hidden entries, and returns documents sorted
// by key.
func (s *Source) List(ctx context.Context) ([]domain.SourceDocument, error) {
	var docs []domain.SourceDocument
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if p != s.root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := s.extensions[strings.ToLower(filepath.Ext(p))]; !ok {
			return nil
		}

		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		docs = append(docs, domain.SourceDocument{
			ID:   domain.DocumentIDFromKey(key),
			Key:  key,
			Name: path.Base(key),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk documents: %w", err)
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].Key < docs[j].Key })
	return docs, nil
}

func (s *Source) Open(_ context.Context, key string) (io.ReadCloser, error) {
	local := filepath.FromSlash(key)
	if !filepath.IsLocal(local) {
		return nil, domain.WrapError(domain.ErrInvalidInput, "open document", fmt.Errorf("key %q escapes the document root", key))
	}
	f, err := os.Open(filepath.Join(s.root, local))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.WrapError(domain.ErrNotFound, "open document", err)
		}
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}
