package textrepo

import (
	"context"
	"fmt"
)

// ContentStore stores contents keyed by digest and deduplicates identical bytes
type ContentStore struct {
	repo Repository
}

// NewContentStore creates a contents store on top of repo
func NewContentStore(repo Repository) *ContentStore {
	return &ContentStore{repo: repo}
}

// Add stores b unless identical bytes are already stored and returns the digest
func (s *ContentStore) Add(ctx context.Context, b []byte) (*Contents, error) {
	contents := NewContents(b)
	if err := s.repo.InsertContents(ctx, contents); err != nil {
		return nil, fmt.Errorf("failed to add contents %s: %w", contents.Sha224, err)
	}
	return contents, nil
}

// Get returns the contents with the given digest or ErrContentsNotFound
func (s *ContentStore) Get(ctx context.Context, sha224 string) (*Contents, error) {
	if !ValidDigest(sha224) {
		return nil, fmt.Errorf("%w: invalid digest %q", ErrBadInput, sha224)
	}
	return s.repo.GetContents(ctx, sha224)
}

// Delete removes the contents unless a version still references the digest,
// in which case the returned error matches ErrStillReferenced
func (s *ContentStore) Delete(ctx context.Context, sha224 string) error {
	return s.repo.DeleteContents(ctx, sha224)
}
