package textrepo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultTypeCacheSize bounds the number of cached type lookups
const DefaultTypeCacheSize = 256

// TypeResolver resolves type names and ids through an LRU cache in front of
// the repository. Types are never renamed, so cached entries never go stale;
// unknown names are not cached.
type TypeResolver struct {
	repo   Repository
	byName *lru.Cache[string, *FileType]
	byID   *lru.Cache[int16, *FileType]
}

// NewTypeResolver creates a resolver caching up to size entries per key kind
func NewTypeResolver(repo Repository, size int) (*TypeResolver, error) {
	if size <= 0 {
		size = DefaultTypeCacheSize
	}
	byName, err := lru.New[string, *FileType](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create type cache: %w", err)
	}
	byID, err := lru.New[int16, *FileType](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create type cache: %w", err)
	}
	return &TypeResolver{repo: repo, byName: byName, byID: byID}, nil
}

// ResolveName returns the type with the given name or ErrTypeNotFound
func (r *TypeResolver) ResolveName(ctx context.Context, name string) (*FileType, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: type name is required", ErrBadInput)
	}
	if t, ok := r.byName.Get(name); ok {
		return t, nil
	}
	t, err := r.repo.GetTypeByName(ctx, name)
	if err != nil {
		return nil, err
	}
	r.remember(t)
	return t, nil
}

// Resolve returns the type with the given id or ErrTypeNotFound
func (r *TypeResolver) Resolve(ctx context.Context, id int16) (*FileType, error) {
	if t, ok := r.byID.Get(id); ok {
		return t, nil
	}
	t, err := r.repo.GetType(ctx, id)
	if err != nil {
		return nil, err
	}
	r.remember(t)
	return t, nil
}

// Ensure creates the type when no type with that name exists yet
func (r *TypeResolver) Ensure(ctx context.Context, name, mimetype string) (*FileType, error) {
	t, err := r.ResolveName(ctx, name)
	if err == nil {
		return t, nil
	}
	if !isNotFound(err) {
		return nil, err
	}
	t = &FileType{Name: name, Mimetype: mimetype}
	if err := r.repo.CreateType(ctx, t); err != nil {
		if errors.Is(err, ErrConflict) {
			return r.ResolveName(ctx, name)
		}
		return nil, fmt.Errorf("failed to create type %s: %w", name, err)
	}
	r.remember(t)
	return t, nil
}

func (r *TypeResolver) remember(t *FileType) {
	r.byName.Add(t.Name, t)
	r.byID.Add(t.ID, t)
}
