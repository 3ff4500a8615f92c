package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Dir reads every regular file below a local directory. Hidden files and
// directories are skipped.
type Dir struct {
	root string
}

// NewDir creates a directory source
func NewDir(root string) (*Dir, error) {
	if root == "" {
		return nil, errors.New("directory is required")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open directory %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}
	return &Dir{root: root}, nil
}

func (d *Dir) Walk(ctx context.Context, fn func(ctx context.Context, item Item) error) error {
	return filepath.WalkDir(d.root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p != d.root && strings.HasPrefix(entry.Name(), ".") {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(d.root, p)
		if err != nil {
			return err
		}
		contents, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", p, err)
		}
		return fn(ctx, Item{Name: filepath.ToSlash(rel), Contents: contents})
	})
}

var _ Source = (*Dir)(nil)
