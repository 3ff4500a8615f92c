package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/tendant/textrepo/pkg/textrepo"
	"github.com/tendant/textrepo/pkg/textrepo/index"
	"github.com/tendant/textrepo/pkg/textrepo/index/bleve"
	"github.com/tendant/textrepo/pkg/textrepo/index/elastic"
	"github.com/tendant/textrepo/pkg/textrepo/repo/memory"
	"github.com/tendant/textrepo/pkg/textrepo/repo/postgres"
	"github.com/tendant/textrepo/pkg/textrepo/repo/sqlite"
)

const pingTimeout = 5 * time.Second

// Runtime holds a built service together with the resources it owns
type Runtime struct {
	Service     textrepo.Service
	Coordinator *index.Coordinator
	Registry    *prometheus.Registry

	ping    func(ctx context.Context) error
	closers []func() error
}

// Ping checks that the store is reachable
func (r *Runtime) Ping(ctx context.Context) error {
	if r.ping == nil {
		return nil
	}
	return r.ping(ctx)
}

// Close releases the indexers and the store connection
func (r *Runtime) Close() error {
	var errs []error
	for _, closeFn := range slices.Backward(r.closers) {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// BuildService creates the service, its store and its indexers from the
// server configuration
func (c *ServerConfig) BuildService(ctx context.Context) (_ *Runtime, err error) {
	rt := &Runtime{Registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	rt.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	repo, err := c.buildRepository(ctx, rt)
	if err != nil {
		return nil, fmt.Errorf("failed to build repository: %w", err)
	}

	indexers, err := c.buildIndexers(ctx)
	if err != nil {
		return nil, err
	}
	rt.Coordinator = index.NewCoordinator(indexers,
		index.WithTimeout(c.IndexTimeout),
		index.WithScanTimeout(c.ScanTimeout),
		index.WithConcurrency(c.IndexConcurrency),
		index.WithLogger(c.logger()),
		index.WithMetrics(index.NewMetrics(rt.Registry)),
	)
	rt.closers = append(rt.closers, rt.Coordinator.Close)

	svc, err := textrepo.New(
		textrepo.WithRepository(repo),
		textrepo.WithIndexService(rt.Coordinator),
		textrepo.WithLogger(c.logger()),
		textrepo.WithMaxPayloadSize(c.MaxPayloadSize),
	)
	if err != nil {
		return nil, err
	}

	for _, t := range c.Types {
		if _, err := svc.EnsureType(ctx, t.Name, t.Mimetype); err != nil {
			return nil, fmt.Errorf("failed to seed type %s: %w", t.Name, err)
		}
	}

	rt.Service = svc
	return rt, nil
}

// buildRepository creates a Repository based on the configuration
func (c *ServerConfig) buildRepository(ctx context.Context, rt *Runtime) (textrepo.Repository, error) {
	switch c.DatabaseType {
	case DatabaseMemory:
		return memory.New(), nil

	case DatabasePostgres:
		pool, err := postgres.NewPool(ctx, c.DatabaseURL, c.DBSchema)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() error {
			pool.Close()
			return nil
		})
		if c.AutoMigrate {
			if err := postgres.Migrate(ctx, pool, c.DBSchema); err != nil {
				return nil, err
			}
		}
		repo := postgres.NewWithPool(pool)
		rt.ping = func(ctx context.Context) error {
			return repo.Ping(ctx, pingTimeout)
		}
		return repo, nil

	case DatabaseSQLite:
		db, err := sqlite.OpenConnection(c.SQLitePath)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, db.Close)
		// the embedded store always runs its migrations
		if err := sqlite.MigrateUp(db); err != nil {
			return nil, err
		}
		rt.ping = pingSQL(db)
		return sqlite.New(db), nil

	default:
		return nil, fmt.Errorf("unsupported database type: %s", c.DatabaseType)
	}
}

func pingSQL(db *sql.DB) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		return db.PingContext(ctx)
	}
}

func (c *ServerConfig) buildIndexers(ctx context.Context) ([]textrepo.Indexer, error) {
	var built []*index.Indexer
	for _, cfg := range c.Indexers {
		ix, err := c.buildIndexer(ctx, cfg)
		if err != nil {
			for _, b := range built {
				b.Close()
			}
			return nil, fmt.Errorf("failed to build indexer %s: %w", cfg.Name, err)
		}
		built = append(built, ix)
	}
	indexers := make([]textrepo.Indexer, len(built))
	for i, ix := range built {
		indexers[i] = ix
	}
	return indexers, nil
}

func (c *ServerConfig) buildIndexer(ctx context.Context, cfg IndexerConfig) (*index.Indexer, error) {
	var fields index.FieldsSource
	if cfg.Fields.Type != "" && cfg.Fields.Type != index.FieldsText {
		remote, err := index.NewRemoteFields(cfg.Fields.URL, cfg.Fields.Type, nil)
		if err != nil {
			return nil, err
		}
		fields = remote
	}

	var backend index.Backend
	switch cfg.Backend.Type {
	case BackendBleve:
		b, err := bleve.New(cfg.Backend.Path)
		if err != nil {
			return nil, err
		}
		backend = b
	case BackendElastic:
		mapping, err := loadMapping(ctx, cfg.Backend.Mapping)
		if err != nil {
			return nil, err
		}
		b, err := elastic.New(ctx, elastic.Config{
			Hosts:   cfg.Backend.Hosts,
			Index:   cfg.Backend.Index,
			Mapping: mapping,
		})
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", cfg.Backend.Type)
	}

	var mimetypes []string
	if len(cfg.Mimetypes) > 0 {
		mimetypes = cfg.Mimetypes
	}
	return index.NewIndexer(cfg.Name, fields, backend,
		index.WithMimetypes(mimetypes...),
		index.WithScanPageSize(c.ScanPageSize),
		index.WithIndexerLogger(c.logger()),
	), nil
}

// loadMapping reads an index mapping from a file or an http(s) URL. An empty
// reference creates the index with default settings.
func loadMapping(ctx context.Context, ref string) ([]byte, error) {
	if ref == "" {
		return nil, nil
	}
	if !isURL(ref) {
		data, err := os.ReadFile(ref)
		if err != nil {
			return nil, fmt.Errorf("failed to read mapping: %w", err)
		}
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mapping request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch mapping: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch mapping %s: status %d", ref, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
