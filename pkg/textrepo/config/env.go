package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// envConfig is read with cleanenv. Unset variables keep their zero value and
// leave the current configuration untouched.
type envConfig struct {
	Port             string        `env:"PORT"`
	Environment      string        `env:"ENVIRONMENT"`
	DatabaseURL      string        `env:"DATABASE_URL"`
	DBSchema         string        `env:"DB_SCHEMA"`
	AutoMigrate      bool          `env:"AUTO_MIGRATE"`
	MaxPayloadSize   int64         `env:"MAX_PAYLOAD_SIZE"`
	IndexersFile     string        `env:"INDEXERS_FILE"`
	IndexTimeout     time.Duration `env:"INDEX_TIMEOUT"`
	ScanTimeout      time.Duration `env:"SCAN_TIMEOUT"`
	ScanPageSize     int           `env:"SCAN_PAGE_SIZE"`
	IndexConcurrency int           `env:"INDEX_CONCURRENCY"`
	Types            []string      `env:"TYPES" env-separator:","`
	LogFormat        string        `env:"LOG_FORMAT"`
	LogLevel         string        `env:"LOG_LEVEL"`
}

// WithEnv applies environment variable overrides.
//
// Environment variables:
//
//	PORT - Server port (default: "8080")
//	ENVIRONMENT - Runtime environment (default: "development")
//	DATABASE_URL - "memory" (default), "postgres://..." or "sqlite://path"
//	DB_SCHEMA - Postgres schema (default: "textrepo")
//	AUTO_MIGRATE - Run migrations when the service is built
//	MAX_PAYLOAD_SIZE - Maximum contents size in bytes
//	INDEXERS_FILE - YAML file listing the indexers
//	INDEX_TIMEOUT, SCAN_TIMEOUT - Durations such as "30s" or "10m"
//	SCAN_PAGE_SIZE, INDEX_CONCURRENCY - Positive integers
//	TYPES - Types to seed, "name:mimetype,name:mimetype"
//	LOG_FORMAT - "text" or "json"; LOG_LEVEL - "debug", "info", "warn", "error"
func WithEnv() Option {
	return func(c *ServerConfig) error {
		var env envConfig
		if err := cleanenv.ReadEnv(&env); err != nil {
			return fmt.Errorf("failed to read environment: %w", err)
		}

		if env.Port != "" {
			c.Port = env.Port
		}
		if env.Environment != "" {
			c.Environment = env.Environment
		}
		if err := applyDatabaseURL(env.DatabaseURL, c); err != nil {
			return err
		}
		if env.DBSchema != "" {
			c.DBSchema = env.DBSchema
		}
		if env.AutoMigrate {
			c.AutoMigrate = true
		}
		if env.MaxPayloadSize > 0 {
			c.MaxPayloadSize = env.MaxPayloadSize
		}
		if env.IndexTimeout > 0 {
			c.IndexTimeout = env.IndexTimeout
		}
		if env.ScanTimeout > 0 {
			c.ScanTimeout = env.ScanTimeout
		}
		if env.ScanPageSize > 0 {
			c.ScanPageSize = env.ScanPageSize
		}
		if env.IndexConcurrency > 0 {
			c.IndexConcurrency = env.IndexConcurrency
		}
		if len(env.Types) > 0 {
			types, err := parseTypes(env.Types)
			if err != nil {
				return err
			}
			c.Types = upsertTypes(c.Types, types...)
		}
		if env.LogFormat != "" {
			c.LogFormat = strings.ToLower(env.LogFormat)
		}
		if env.LogLevel != "" {
			c.LogLevel = env.LogLevel
		}

		if env.IndexersFile != "" {
			return WithIndexersFile(env.IndexersFile)(c)
		}
		return nil
	}
}

// applyDatabaseURL detects the database type from the url scheme
func applyDatabaseURL(dbURL string, c *ServerConfig) error {
	switch {
	case dbURL == "":
		return nil
	case dbURL == DatabaseMemory:
		c.DatabaseType = DatabaseMemory
		c.DatabaseURL = ""
		c.SQLitePath = ""
	case strings.HasPrefix(dbURL, "postgres://"), strings.HasPrefix(dbURL, "postgresql://"):
		c.DatabaseType = DatabasePostgres
		c.DatabaseURL = dbURL
	case strings.HasPrefix(dbURL, "sqlite://"):
		path := strings.TrimPrefix(dbURL, "sqlite://")
		if path == "" {
			return fmt.Errorf("sqlite path cannot be empty in DATABASE_URL")
		}
		c.DatabaseType = DatabaseSQLite
		c.SQLitePath = path
	default:
		return fmt.Errorf("unsupported DATABASE_URL format: %s (use 'memory', 'postgres://...' or 'sqlite://...')", dbURL)
	}
	return nil
}

func parseTypes(entries []string) ([]TypeConfig, error) {
	types := make([]TypeConfig, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, mimetype, ok := strings.Cut(entry, ":")
		if !ok || name == "" || mimetype == "" {
			return nil, fmt.Errorf("invalid type %q, expected name:mimetype", entry)
		}
		types = append(types, TypeConfig{Name: strings.TrimSpace(name), Mimetype: strings.TrimSpace(mimetype)})
	}
	return types, nil
}

func upsertTypes(types []TypeConfig, add ...TypeConfig) []TypeConfig {
	for _, t := range add {
		replaced := false
		for i := range types {
			if types[i].Name == t.Name {
				types[i] = t
				replaced = true
				break
			}
		}
		if !replaced {
			types = append(types, t)
		}
	}
	return types
}
