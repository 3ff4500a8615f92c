// Package source feeds files from a local directory or an S3 bucket into
// the import pipeline.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/tendant/textrepo/pkg/textrepo"
)

// Item is one named blob read from a source
type Item struct {
	// Name is the slash separated key relative to the source root
	Name     string
	Contents []byte
}

// Source enumerates the items to import. Walk stops at the first error
// returned by fn.
type Source interface {
	Walk(ctx context.Context, fn func(ctx context.Context, item Item) error) error
}

// Importer runs one import per item
type Importer interface {
	RunImport(ctx context.Context, req textrepo.ImportRequest) (*textrepo.ImportResult, error)
}

// Summary counts the outcome of a bulk import
type Summary struct {
	Created   int `json:"created"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
}

// Options controls a bulk import
type Options struct {
	TypeName         string
	AllowNewDocument bool
	Logger           *slog.Logger
}

// ExternalID derives the document external id from an item name: the base
// name without its extension.
func ExternalID(name string) string {
	base := path.Base(name)
	if ext := path.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

// Import imports every item of src. A failing item is logged and counted;
// only source errors and cancellation abort the run.
func Import(ctx context.Context, src Source, importer Importer, opts Options) (*Summary, error) {
	if opts.TypeName == "" {
		return nil, fmt.Errorf("%w: type name is required", textrepo.ErrBadInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	summary := &Summary{}
	err := src.Walk(ctx, func(ctx context.Context, item Item) error {
		req := textrepo.ImportRequest{
			ExternalID:       ExternalID(item.Name),
			TypeName:         opts.TypeName,
			Filename:         path.Base(item.Name),
			Contents:         item.Contents,
			AllowNewDocument: opts.AllowNewDocument,
		}
		result, err := importer.RunImport(ctx, req)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			summary.Failed++
			logger.Warn("Failed to import item", "name", item.Name, "external_id", req.ExternalID, "err", err)
			return nil
		}
		if result.VersionCreated {
			summary.Created++
		} else {
			summary.Unchanged++
		}
		logger.Debug("Imported item", "name", item.Name, "file_id", result.File.ID, "version_id", result.Version.ID)
		return nil
	})
	if err != nil {
		return summary, err
	}

	logger.Info("Import finished", "type", opts.TypeName,
		"created", summary.Created, "unchanged", summary.Unchanged, "failed", summary.Failed)
	return summary, nil
}
