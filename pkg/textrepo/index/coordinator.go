package index

import (
	"bytes"
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/textrepo/pkg/textrepo"
	"golang.org/x/sync/errgroup"
)

// Coordinator defaults
const (
	DefaultTimeout     = 30 * time.Second
	DefaultScanTimeout = 10 * time.Minute
	DefaultConcurrency = 8
)

// Outcomes recorded in metrics
const (
	outcomeOK       = "ok"
	outcomeFailed   = "failed"
	outcomeSkipped  = "skipped"
	outcomeNotFound = "not_found"
)

// Coordinator implements textrepo.IndexService. Every indexer gets its own
// call; the failure of one never cancels or hides the others.
type Coordinator struct {
	indexers    []textrepo.Indexer
	timeout     time.Duration
	scanTimeout time.Duration
	concurrency int
	logger      *slog.Logger
	metrics     *Metrics
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithTimeout bounds each call to a single indexer
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithScanTimeout bounds a full scan of all backends
func WithScanTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.scanTimeout = d
		}
	}
}

// WithConcurrency limits the number of indexers called at once
func WithConcurrency(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithMetrics records outcomes in m
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// NewCoordinator creates a coordinator over the given indexers
func NewCoordinator(indexers []textrepo.Indexer, opts ...Option) *Coordinator {
	c := &Coordinator{
		indexers:    indexers,
		timeout:     DefaultTimeout,
		scanTimeout: DefaultScanTimeout,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Indexers returns the configured indexers
func (c *Coordinator) Indexers() []textrepo.Indexer {
	return c.indexers
}

// Index calls every indexer supporting the mimetype of the file type
func (c *Coordinator) Index(ctx context.Context, file *textrepo.File, fileType *textrepo.FileType, contents string) *textrepo.IndexReport {
	return c.fanOut(ctx, file.ID, "index", func(ctx context.Context, ix textrepo.Indexer) textrepo.IndexResult {
		if !Supports(ix, fileType.Mimetype) {
			return textrepo.IndexResult{Indexer: ix.Name(), Skipped: true}
		}
		msg, err := ix.Index(ctx, file, fileType, contents)
		return textrepo.IndexResult{Indexer: ix.Name(), Message: msg, Err: err}
	})
}

// Delete removes the file from every indexer. Indexers that never held the
// file report success.
func (c *Coordinator) Delete(ctx context.Context, fileID uuid.UUID) *textrepo.IndexReport {
	return c.fanOut(ctx, fileID, "delete", func(ctx context.Context, ix textrepo.Indexer) textrepo.IndexResult {
		msg, err := ix.Delete(ctx, fileID)
		return textrepo.IndexResult{Indexer: ix.Name(), Message: msg, Err: err}
	})
}

func (c *Coordinator) fanOut(ctx context.Context, fileID uuid.UUID, op string, call func(context.Context, textrepo.Indexer) textrepo.IndexResult) *textrepo.IndexReport {
	results := make([]textrepo.IndexResult, len(c.indexers))

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, ix := range c.indexers {
		g.Go(func() error {
			start := time.Now()
			callCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			res := call(callCtx, ix)
			outcome := outcomeOK
			switch {
			case res.Skipped:
				outcome = outcomeSkipped
			case res.Err != nil:
				outcome = outcomeFailed
				res.Err = &textrepo.IndexError{Indexer: ix.Name(), FileID: fileID, Op: op, Err: res.Err}
				c.logger.Warn("Indexer failed", "indexer", ix.Name(), "op", op, "file_id", fileID, "err", res.Err)
			}
			c.metrics.observe(ix.Name(), op, outcome, start)
			results[i] = res
			// never fail the group: the other indexers must still run
			return nil
		})
	}
	_ = g.Wait()

	return &textrepo.IndexReport{FileID: fileID, Results: results}
}

// GetAllIDs scans every scannable backend and returns the union of file ids
func (c *Coordinator) GetAllIDs(ctx context.Context) ([]uuid.UUID, error) {
	ctx, cancel := context.WithTimeout(ctx, c.scanTimeout)
	defer cancel()

	var mu sync.Mutex
	seen := make(map[uuid.UUID]struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, ix := range c.indexers {
		lister, ok := ix.(IDLister)
		if !ok {
			c.logger.Debug("Indexer cannot be scanned", "indexer", ix.Name())
			continue
		}
		g.Go(func() error {
			start := time.Now()
			ids, err := lister.ListIDs(gctx)
			if err != nil {
				c.metrics.observe(ix.Name(), "scan", outcomeFailed, start)
				return textrepo.Unavailable("scan "+ix.Name(), err)
			}
			c.metrics.observe(ix.Name(), "scan", outcomeOK, start)
			c.logger.Debug("Scanned index", "indexer", ix.Name(), "ids", len(ids))

			mu.Lock()
			defer mu.Unlock()
			for _, id := range ids {
				seen[id] = struct{}{}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int {
		return bytes.Compare(a[:], b[:])
	})
	return ids, nil
}

// Accepts reports whether at least one indexer supports the mimetype
func (c *Coordinator) Accepts(mimetype string) bool {
	return slices.ContainsFunc(c.indexers, func(ix textrepo.Indexer) bool {
		return Supports(ix, mimetype)
	})
}

// Close closes every indexer that holds resources
func (c *Coordinator) Close() error {
	var firstErr error
	for _, ix := range c.indexers {
		closer, ok := ix.(interface{ Close() error })
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Supports reports whether the indexer accepts the mimetype. Indexers
// without a mimetype list accept everything.
func Supports(ix textrepo.Indexer, mimetype string) bool {
	supported := ix.Mimetypes()
	if supported == nil {
		return true
	}
	mimetype = normalizeMimetype(mimetype)
	return slices.ContainsFunc(supported, func(s string) bool {
		return normalizeMimetype(s) == mimetype
	})
}

func normalizeMimetype(m string) string {
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = m[:i]
	}
	return strings.ToLower(strings.TrimSpace(m))
}

var _ textrepo.IndexService = (*Coordinator)(nil)
