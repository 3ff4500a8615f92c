package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/tendant/textrepo/pkg/textrepo"
	"github.com/tendant/textrepo/pkg/textrepo/index"
)

// Database types
const (
	DatabaseMemory   = "memory"
	DatabasePostgres = "postgres"
	DatabaseSQLite   = "sqlite"
)

// Backend types
const (
	BackendBleve   = "bleve"
	BackendElastic = "elastic"
)

// Option applies configuration to a ServerConfig instance.
type Option func(*ServerConfig) error

// Load constructs a ServerConfig by applying the supplied options on top of library defaults.
func Load(opts ...Option) (*ServerConfig, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() ServerConfig {
	return ServerConfig{
		Port:             "8080",
		Environment:      "development",
		DatabaseType:     DatabaseMemory,
		DBSchema:         "textrepo",
		MaxPayloadSize:   textrepo.DefaultMaxPayloadSize,
		IndexTimeout:     index.DefaultTimeout,
		ScanTimeout:      index.DefaultScanTimeout,
		ScanPageSize:     index.DefaultScanPageSize,
		IndexConcurrency: index.DefaultConcurrency,
		LogFormat:        "text",
		LogLevel:         "info",
	}
}

// ServerConfig represents server configuration for the text repository
type ServerConfig struct {
	Port        string
	Environment string // development, production, testing

	// Database configuration
	DatabaseURL  string
	DatabaseType string // "memory", "postgres", "sqlite"
	DBSchema     string // Postgres schema to use (default: textrepo)
	SQLitePath   string
	AutoMigrate  bool

	MaxPayloadSize int64

	// Types seeded at startup
	Types []TypeConfig

	// Index configuration
	Indexers         []IndexerConfig
	IndexTimeout     time.Duration
	ScanTimeout      time.Duration
	ScanPageSize     int
	IndexConcurrency int

	LogFormat string // "text", "json"
	LogLevel  string // "debug", "info", "warn", "error"

	Logger *slog.Logger
}

// TypeConfig is a file type seeded at startup
type TypeConfig struct {
	Name     string `yaml:"name"`
	Mimetype string `yaml:"mimetype"`
}

// IndexerConfig describes one indexer
type IndexerConfig struct {
	Name      string        `yaml:"name"`
	Mimetypes []string      `yaml:"mimetypes"`
	Fields    FieldsConfig  `yaml:"fields"`
	Backend   BackendConfig `yaml:"backend"`
}

// FieldsConfig selects how document fields are produced
type FieldsConfig struct {
	Type string `yaml:"type"` // "text", "original", "multipart"
	URL  string `yaml:"url"`
}

// BackendConfig selects where documents are stored
type BackendConfig struct {
	Type  string   `yaml:"type"` // "bleve", "elastic"
	Path  string   `yaml:"path"`
	Hosts []string `yaml:"hosts"`
	Index string   `yaml:"index"`
	// Mapping is a file path or an http(s) URL of the index mapping
	Mapping string `yaml:"mapping"`
}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}

	switch c.DatabaseType {
	case DatabaseMemory:
	case DatabasePostgres:
		if c.DatabaseURL == "" {
			return errors.New("database_url is required when using postgres")
		}
	case DatabaseSQLite:
		if c.SQLitePath == "" {
			return errors.New("sqlite path is required when using sqlite")
		}
	default:
		return errors.New("database_type must be 'memory', 'postgres' or 'sqlite'")
	}

	if c.MaxPayloadSize <= 0 {
		return errors.New("max payload size must be positive")
	}
	if c.IndexTimeout <= 0 || c.ScanTimeout <= 0 {
		return errors.New("index and scan timeouts must be positive")
	}
	if c.ScanPageSize <= 0 {
		return errors.New("scan page size must be positive")
	}
	if c.IndexConcurrency <= 0 {
		return errors.New("index concurrency must be positive")
	}

	for _, t := range c.Types {
		if t.Name == "" || t.Mimetype == "" {
			return fmt.Errorf("type %q needs a name and a mimetype", t.Name)
		}
	}

	names := make(map[string]bool, len(c.Indexers))
	for _, ix := range c.Indexers {
		if err := ix.validate(); err != nil {
			return err
		}
		if names[ix.Name] {
			return fmt.Errorf("indexer %q is configured twice", ix.Name)
		}
		names[ix.Name] = true
	}

	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log format must be 'text' or 'json', got %q", c.LogFormat)
	}
	return nil
}

func (ix IndexerConfig) validate() error {
	if ix.Name == "" {
		return errors.New("indexer name is required")
	}
	switch ix.Fields.Type {
	case "", index.FieldsText:
	case index.FieldsOriginal, index.FieldsMultipart:
		if ix.Fields.URL == "" {
			return fmt.Errorf("indexer %q: fields url is required for %s fields", ix.Name, ix.Fields.Type)
		}
	default:
		return fmt.Errorf("indexer %q: unknown fields type %q", ix.Name, ix.Fields.Type)
	}
	switch ix.Backend.Type {
	case BackendBleve:
	case BackendElastic:
		if len(ix.Backend.Hosts) == 0 || ix.Backend.Index == "" {
			return fmt.Errorf("indexer %q: elastic backend needs hosts and index", ix.Name)
		}
	default:
		return fmt.Errorf("indexer %q: unknown backend type %q", ix.Name, ix.Backend.Type)
	}
	return nil
}

// NewLogger builds a slog logger writing to w in the configured format and level
func (c *ServerConfig) NewLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

func (c *ServerConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
