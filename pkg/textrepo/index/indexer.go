package index

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/textrepo/pkg/textrepo"
)

// Scan defaults
const (
	DefaultScanPageSize   = 1000
	DefaultReleaseTimeout = 10 * time.Second
)

// IDLister is implemented by indexers whose backend can be scanned
type IDLister interface {
	ListIDs(ctx context.Context) ([]uuid.UUID, error)
}

// Indexer combines a fields source with a backend
type Indexer struct {
	name           string
	mimetypes      []string
	fields         FieldsSource
	backend        Backend
	pageSize       int
	releaseTimeout time.Duration
	logger         *slog.Logger
}

// IndexerOption configures an Indexer
type IndexerOption func(*Indexer)

// WithMimetypes restricts the indexer to the given mimetypes
func WithMimetypes(mimetypes ...string) IndexerOption {
	return func(i *Indexer) {
		i.mimetypes = mimetypes
	}
}

// WithScanPageSize sets the number of ids fetched per scan page
func WithScanPageSize(n int) IndexerOption {
	return func(i *Indexer) {
		if n > 0 {
			i.pageSize = n
		}
	}
}

// WithReleaseTimeout bounds the call releasing a scan cursor
func WithReleaseTimeout(d time.Duration) IndexerOption {
	return func(i *Indexer) {
		if d > 0 {
			i.releaseTimeout = d
		}
	}
}

// WithIndexerLogger sets the logger used for cursor release failures
func WithIndexerLogger(logger *slog.Logger) IndexerOption {
	return func(i *Indexer) {
		i.logger = logger
	}
}

// NewIndexer creates an indexer. A nil fields source stores the rendered text.
func NewIndexer(name string, fields FieldsSource, backend Backend, opts ...IndexerOption) *Indexer {
	if fields == nil {
		fields = TextFields{}
	}
	i := &Indexer{
		name:           name,
		fields:         fields,
		backend:        backend,
		pageSize:       DefaultScanPageSize,
		releaseTimeout: DefaultReleaseTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Indexer) Name() string {
	return i.name
}

func (i *Indexer) Mimetypes() []string {
	return i.mimetypes
}

func (i *Indexer) Index(ctx context.Context, file *textrepo.File, fileType *textrepo.FileType, contents string) (string, error) {
	doc, err := i.fields.Fields(ctx, file, fileType, contents)
	if err != nil {
		return "", fmt.Errorf("could not get fields: %w", err)
	}
	if err := i.backend.Put(ctx, file.ID.String(), doc); err != nil {
		return "", err
	}
	return fmt.Sprintf("indexed file %s", file.ID), nil
}

func (i *Indexer) Delete(ctx context.Context, fileID uuid.UUID) (string, error) {
	found, err := i.backend.Delete(ctx, fileID.String())
	if err != nil {
		return "", err
	}
	if !found {
		return fmt.Sprintf("file %s not found in index", fileID), nil
	}
	return fmt.Sprintf("deleted file %s", fileID), nil
}

// ListIDs scans the whole backend. The scan cursor is released even when ctx
// is cancelled halfway.
func (i *Indexer) ListIDs(ctx context.Context) (ids []uuid.UUID, err error) {
	cursor := ""
	defer func() {
		if cursor == "" {
			return
		}
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.releaseTimeout)
		defer cancel()
		if relErr := i.backend.Release(releaseCtx, cursor); relErr != nil {
			i.logger.Warn("Failed to release scan cursor", "indexer", i.name, "err", relErr)
		}
	}()

	for {
		page, next, err := i.backend.Scan(ctx, cursor, i.pageSize)
		if next != "" {
			cursor = next
		}
		if err != nil {
			return nil, fmt.Errorf("scan of %s failed: %w", i.name, err)
		}
		for _, raw := range page {
			id, err := uuid.Parse(raw)
			if err != nil {
				i.logger.Warn("Skipping non-file id in index", "indexer", i.name, "id", raw)
				continue
			}
			ids = append(ids, id)
		}
		if next == "" || len(page) == 0 {
			return ids, nil
		}
	}
}

// Close closes the backend
func (i *Indexer) Close() error {
	return i.backend.Close()
}

var (
	_ textrepo.Indexer = (*Indexer)(nil)
	_ IDLister         = (*Indexer)(nil)
)
