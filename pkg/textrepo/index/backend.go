// Package index fans file index mutations out to a set of search backends and
// scans those backends to reconcile them with the store.
package index

import (
	"context"
)

// Document is the set of fields a backend stores for one file
type Document map[string]any

// Backend stores documents keyed by file id
type Backend interface {
	// Put adds or replaces the document with the given id
	Put(ctx context.Context, id string, doc Document) error

	// Delete removes the document. found is false when the backend did not
	// hold the id.
	Delete(ctx context.Context, id string) (found bool, err error)

	// Scan returns the next page of ids. An empty cursor starts a new scan;
	// an empty next cursor ends it.
	Scan(ctx context.Context, cursor string, pageSize int) (ids []string, next string, err error)

	// Release frees the server side state held for a scan cursor
	Release(ctx context.Context, cursor string) error

	Close() error
}
