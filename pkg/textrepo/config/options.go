package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// WithPort sets the server port
func WithPort(port string) Option {
	return func(c *ServerConfig) error {
		if port == "" {
			return fmt.Errorf("port cannot be empty")
		}
		c.Port = port
		return nil
	}
}

// WithDatabaseURL configures the store from a url: "memory",
// "postgres://..." or "sqlite://path"
func WithDatabaseURL(url string) Option {
	return func(c *ServerConfig) error {
		if url == "" {
			return fmt.Errorf("database url cannot be empty")
		}
		return applyDatabaseURL(url, c)
	}
}

// WithDatabaseSchema sets the database schema (for Postgres)
func WithDatabaseSchema(schema string) Option {
	return func(c *ServerConfig) error {
		c.DBSchema = schema
		return nil
	}
}

// WithAutoMigrate runs migrations when the service is built
func WithAutoMigrate(enabled bool) Option {
	return func(c *ServerConfig) error {
		c.AutoMigrate = enabled
		return nil
	}
}

// WithMaxPayloadSize sets the maximum contents size in bytes
func WithMaxPayloadSize(n int64) Option {
	return func(c *ServerConfig) error {
		if n <= 0 {
			return fmt.Errorf("max payload size must be positive, got: %d", n)
		}
		c.MaxPayloadSize = n
		return nil
	}
}

// WithTypes adds types seeded at startup
func WithTypes(types ...TypeConfig) Option {
	return func(c *ServerConfig) error {
		c.Types = upsertTypes(c.Types, types...)
		return nil
	}
}

// WithIndexers adds indexers, replacing any with the same name
func WithIndexers(indexers ...IndexerConfig) Option {
	return func(c *ServerConfig) error {
		for _, ix := range indexers {
			c.Indexers = upsertIndexer(c.Indexers, ix)
		}
		return nil
	}
}

// WithIndexTimeouts sets the per-indexer call timeout and the scan timeout
func WithIndexTimeouts(call, scan time.Duration) Option {
	return func(c *ServerConfig) error {
		if call > 0 {
			c.IndexTimeout = call
		}
		if scan > 0 {
			c.ScanTimeout = scan
		}
		return nil
	}
}

// WithLogger sets the logger handed to every component
func WithLogger(logger *slog.Logger) Option {
	return func(c *ServerConfig) error {
		c.Logger = logger
		return nil
	}
}

type indexersFile struct {
	Indexers []IndexerConfig `yaml:"indexers"`
}

// WithIndexersFile reads indexers from a YAML file:
//
//	indexers:
//	  - name: full-text
//	    mimetypes: [text/plain]
//	    fields: {type: text}
//	    backend: {type: bleve, path: ./data/full-text.bleve}
//
// Relative bleve paths and mapping files resolve against the file's directory.
func WithIndexersFile(path string) Option {
	return func(c *ServerConfig) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read indexers file: %w", err)
		}
		var file indexersFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("failed to parse indexers file %s: %w", path, err)
		}

		dir := filepath.Dir(path)
		for _, ix := range file.Indexers {
			ix.Backend.Path = resolvePath(dir, ix.Backend.Path)
			if !isURL(ix.Backend.Mapping) {
				ix.Backend.Mapping = resolvePath(dir, ix.Backend.Mapping)
			}
			c.Indexers = upsertIndexer(c.Indexers, ix)
		}
		return nil
	}
}

func resolvePath(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func upsertIndexer(indexers []IndexerConfig, ix IndexerConfig) []IndexerConfig {
	for i := range indexers {
		if indexers[i].Name == ix.Name {
			indexers[i] = ix
			return indexers
		}
	}
	return append(indexers, ix)
}
