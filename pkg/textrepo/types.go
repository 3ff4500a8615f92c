package textrepo

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// DigestLength is the length of a hex encoded SHA-224 digest.
const DigestLength = 56

// FilenameKey is the metadata key holding a file's original filename.
const FilenameKey = "filename"

// Contents is an immutable blob identified by the digest of its bytes
type Contents struct {
	Sha224   string `json:"sha224"`
	Contents []byte `json:"-"`
}

// NewContents computes the digest of b and wraps both
func NewContents(b []byte) *Contents {
	return &Contents{
		Sha224:   Digest(b),
		Contents: b,
	}
}

// Digest returns the hex encoded SHA-224 of b
func Digest(b []byte) string {
	sum := sha256.Sum224(b)
	return hex.EncodeToString(sum[:])
}

// ValidDigest reports whether s looks like a hex encoded SHA-224 digest
func ValidDigest(s string) bool {
	if len(s) != DigestLength {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Text renders the contents to its indexable form. Invalid UTF-8 sequences
// are replaced with U+FFFD.
func (c *Contents) Text() string {
	if c == nil {
		return ""
	}
	if utf8.Valid(c.Contents) {
		return string(c.Contents)
	}
	return strings.ToValidUTF8(string(c.Contents), string(utf8.RuneError))
}

// FileType classifies the kind of contents a file holds
type FileType struct {
	ID       int16  `json:"id"`
	Name     string `json:"name"`
	Mimetype string `json:"mimetype"`
}

// Document groups the files of one external entity, one file per type
type Document struct {
	ID         uuid.UUID `json:"id"`
	ExternalID string    `json:"externalId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// File owns a chronological sequence of versions
type File struct {
	ID     uuid.UUID `json:"id"`
	TypeID int16     `json:"typeId"`
}

// Version binds a file to a contents digest at a point in time
type Version struct {
	ID             uuid.UUID `json:"id"`
	FileID         uuid.UUID `json:"fileId"`
	CreatedAt      time.Time `json:"createdAt"`
	ContentsSha224 string    `json:"contentsSha"`
}

// Newer reports whether v sorts after other in a file's history
func (v *Version) Newer(other *Version) bool {
	if !v.CreatedAt.Equal(other.CreatedAt) {
		return v.CreatedAt.After(other.CreatedAt)
	}
	return strings.Compare(v.ID.String(), other.ID.String()) > 0
}

// OwnerType names the kind of entity a metadata entry belongs to
type OwnerType string

const (
	OwnerTypeFile     OwnerType = "file"
	OwnerTypeDocument OwnerType = "document"
)

// MetadataEntry is a key/value pair, unique per owner and key
type MetadataEntry struct {
	OwnerType OwnerType `json:"-"`
	OwnerID   uuid.UUID `json:"-"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
}

// PageParams selects a window of a result list
type PageParams struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// DefaultPageLimit is applied when PageParams.Limit is not positive
const DefaultPageLimit = 10

// Normalize returns params with defaults applied
func (p PageParams) Normalize() PageParams {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Page is a window of items together with the total count of the full list
type Page[T any] struct {
	Items  []T        `json:"items"`
	Total  int        `json:"total"`
	Params PageParams `json:"page"`
}

// ListVersionsParams contains parameters for listing the versions of a file
type ListVersionsParams struct {
	FileID       uuid.UUID
	Page         PageParams
	CreatedAfter *time.Time
}
