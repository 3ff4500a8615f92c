// Package bleve stores index documents in a local bleve index.
package bleve

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/tendant/textrepo/pkg/textrepo/index"
)

var errClosed = errors.New("index is closed")

// Backend implements index.Backend on a bleve index
type Backend struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

// New opens the bleve index at path, creating it when absent. An empty path
// creates an in-memory index.
func New(path string) (*Backend, error) {
	indexMapping := bleve.NewIndexMapping()

	var idx bleve.Index
	var err error
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		idx, err = bleve.Open(path)
		if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create/open index: %w", err)
	}
	return &Backend{index: idx, path: path}, nil
}

func (b *Backend) Put(ctx context.Context, id string, doc index.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errClosed
	}
	if err := b.index.Index(id, map[string]any(doc)); err != nil {
		return fmt.Errorf("failed to index document %s: %w", id, err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false, errClosed
	}
	doc, err := b.index.Document(id)
	if err != nil {
		return false, fmt.Errorf("failed to look up document %s: %w", id, err)
	}
	if doc == nil {
		return false, nil
	}
	if err := b.index.Delete(id); err != nil {
		return false, fmt.Errorf("failed to delete document %s: %w", id, err)
	}
	return true, nil
}

// Scan pages through the index ordered by id. The cursor is the last id of
// the previous page.
func (b *Backend) Scan(ctx context.Context, cursor string, pageSize int) ([]string, string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, "", errClosed
	}

	req := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	req.Size = pageSize
	req.Fields = []string{}
	req.SortBy([]string{"_id"})
	if cursor != "" {
		req.SearchAfter = []string{cursor}
	}

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to scan index: %w", err)
	}

	ids := make([]string, len(result.Hits))
	for i, hit := range result.Hits {
		ids[i] = hit.ID
	}
	next := ""
	if len(ids) == pageSize && pageSize > 0 {
		next = ids[len(ids)-1]
	}
	return ids, next, nil
}

// Release is a no-op: bleve scans hold no server side state
func (b *Backend) Release(ctx context.Context, cursor string) error {
	return nil
}

// DocCount returns the number of indexed documents
func (b *Backend) DocCount() (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, errClosed
	}
	return b.index.DocCount()
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}

var _ index.Backend = (*Backend)(nil)
