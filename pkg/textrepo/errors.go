package textrepo

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Error categories. Every error returned by the library matches at most one
// of them with errors.Is.
var (
	// ErrNotFound indicates a referenced file, version, type, document or contents is absent
	ErrNotFound = errors.New("not found")

	// ErrStillReferenced indicates contents cannot be deleted because a version still uses them
	ErrStillReferenced = errors.New("still referenced")

	// ErrBadInput indicates a malformed identifier or an oversized payload
	ErrBadInput = errors.New("bad input")

	// ErrBackendUnavailable indicates a store or index call failed for infrastructure reasons
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrConflict indicates a uniqueness violation in the store
	ErrConflict = errors.New("conflict")
)

var (
	ErrFileNotFound     = fmt.Errorf("file %w", ErrNotFound)
	ErrVersionNotFound  = fmt.Errorf("version %w", ErrNotFound)
	ErrContentsNotFound = fmt.Errorf("contents %w", ErrNotFound)
	ErrTypeNotFound     = fmt.Errorf("type %w", ErrNotFound)
	ErrDocumentNotFound = fmt.Errorf("document %w", ErrNotFound)

	// ErrPayloadTooLarge indicates contents exceed the configured maximum size
	ErrPayloadTooLarge = fmt.Errorf("%w: payload too large", ErrBadInput)
)

// VersionError represents an error related to version operations
type VersionError struct {
	VersionID uuid.UUID
	Op        string
	Err       error
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("version operation %s failed for version %s: %v", e.Op, e.VersionID, e.Err)
}

func (e *VersionError) Unwrap() error {
	return e.Err
}

// FileError represents an error related to file operations
type FileError struct {
	FileID uuid.UUID
	Op     string
	Err    error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("file operation %s failed for file %s: %v", e.Op, e.FileID, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// IndexError represents the failure of one indexer for one file
type IndexError struct {
	Indexer string
	FileID  uuid.UUID
	Op      string
	Err     error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("index operation %s failed for file %s on indexer %s: %v", e.Op, e.FileID, e.Indexer, e.Err)
}

func (e *IndexError) Unwrap() error {
	return e.Err
}

// Unavailable wraps err as a backend failure of operation op
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrBackendUnavailable, op, err)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
