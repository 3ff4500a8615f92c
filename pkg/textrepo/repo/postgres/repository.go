package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/textrepo/pkg/textrepo"
)

// fileBatchSize bounds the rows held by one ForEachFileByType query
const fileBatchSize = 500

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
}

// Repository implements textrepo.Repository using PostgreSQL
type Repository struct {
	db DBTX
}

// New creates a new PostgreSQL repository
func New(db DBTX) *Repository {
	return &Repository{db: db}
}

// NewWithPool creates a new PostgreSQL repository with connection pool
func NewWithPool(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// Error handling helper
func (r *Repository) handlePostgresError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s violates %s", textrepo.ErrConflict, operation, pgErr.ConstraintName)
		case "23503": // foreign_key_violation
			return foreignKeyError(operation, pgErr.ConstraintName)
		case "42P01": // undefined_table
			return textrepo.Unavailable(operation, fmt.Errorf("table does not exist - database migration required"))
		default:
			return textrepo.Unavailable(operation, fmt.Errorf("%s (code: %s)", pgErr.Message, pgErr.Code))
		}
	}
	return textrepo.Unavailable(operation, err)
}

func foreignKeyError(operation, constraint string) error {
	switch constraint {
	case "versions_contents_sha_fkey":
		if operation == "delete contents" {
			return textrepo.ErrStillReferenced
		}
		return textrepo.ErrContentsNotFound
	case "versions_file_id_fkey", "file_metadata_file_id_fkey":
		return textrepo.ErrFileNotFound
	case "files_type_id_fkey":
		return textrepo.ErrTypeNotFound
	case "files_document_id_fkey", "document_metadata_document_id_fkey":
		return textrepo.ErrDocumentNotFound
	default:
		return fmt.Errorf("%w: %s references a missing row (%s)", textrepo.ErrNotFound, operation, constraint)
	}
}

// Contents operations

func (r *Repository) InsertContents(ctx context.Context, contents *textrepo.Contents) error {
	query := `
		INSERT INTO contents (sha224, contents) VALUES ($1, $2)
		ON CONFLICT (sha224) DO NOTHING`

	b := contents.Contents
	if b == nil {
		b = []byte{}
	}
	if _, err := r.db.Exec(ctx, query, contents.Sha224, b); err != nil {
		return r.handlePostgresError("insert contents", err)
	}
	return nil
}

func (r *Repository) GetContents(ctx context.Context, sha224 string) (*textrepo.Contents, error) {
	query := `SELECT sha224, contents FROM contents WHERE sha224 = $1`

	var contents textrepo.Contents
	err := r.db.QueryRow(ctx, query, sha224).Scan(&contents.Sha224, &contents.Contents)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, textrepo.ErrContentsNotFound
		}
		return nil, r.handlePostgresError("get contents", err)
	}
	return &contents, nil
}

// DeleteContents locks the contents row, checks for referencing versions and
// deletes in one transaction. The versions_contents_sha_fkey constraint backs
// the check up against versions inserted by other transactions.
func (r *Repository) DeleteContents(ctx context.Context, sha224 string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return r.handlePostgresError("delete contents", err)
	}
	defer tx.Rollback(ctx)

	var locked string
	err = tx.QueryRow(ctx, `SELECT sha224 FROM contents WHERE sha224 = $1 FOR UPDATE`, sha224).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return r.handlePostgresError("delete contents", err)
	}

	var referenced bool
	err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM versions WHERE contents_sha = $1)`, sha224).Scan(&referenced)
	if err != nil {
		return r.handlePostgresError("delete contents", err)
	}
	if referenced {
		return fmt.Errorf("%w: contents %s", textrepo.ErrStillReferenced, sha224)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM contents WHERE sha224 = $1`, sha224); err != nil {
		return r.handlePostgresError("delete contents", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return r.handlePostgresError("delete contents", err)
	}
	return nil
}

// Type operations

func (r *Repository) CreateType(ctx context.Context, fileType *textrepo.FileType) error {
	query := `INSERT INTO types (name, mimetype) VALUES ($1, $2) RETURNING id`

	if err := r.db.QueryRow(ctx, query, fileType.Name, fileType.Mimetype).Scan(&fileType.ID); err != nil {
		return r.handlePostgresError("create type", err)
	}
	return nil
}

func (r *Repository) GetType(ctx context.Context, id int16) (*textrepo.FileType, error) {
	return r.getType(ctx, `SELECT id, name, mimetype FROM types WHERE id = $1`, id)
}

func (r *Repository) GetTypeByName(ctx context.Context, name string) (*textrepo.FileType, error) {
	return r.getType(ctx, `SELECT id, name, mimetype FROM types WHERE name = $1`, name)
}

func (r *Repository) getType(ctx context.Context, query string, arg interface{}) (*textrepo.FileType, error) {
	var t textrepo.FileType
	if err := r.db.QueryRow(ctx, query, arg).Scan(&t.ID, &t.Name, &t.Mimetype); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, textrepo.ErrTypeNotFound
		}
		return nil, r.handlePostgresError("get type", err)
	}
	return &t, nil
}

func (r *Repository) ListTypes(ctx context.Context) ([]*textrepo.FileType, error) {
	rows, err := r.db.Query(ctx, `SELECT id, name, mimetype FROM types ORDER BY id`)
	if err != nil {
		return nil, r.handlePostgresError("list types", err)
	}
	defer rows.Close()

	var types []*textrepo.FileType
	for rows.Next() {
		var t textrepo.FileType
		if err := rows.Scan(&t.ID, &t.Name, &t.Mimetype); err != nil {
			return nil, r.handlePostgresError("list types", err)
		}
		types = append(types, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("list types", err)
	}
	return types, nil
}

// Document operations

func (r *Repository) CreateDocument(ctx context.Context, doc *textrepo.Document) error {
	query := `INSERT INTO documents (id, external_id, created_at) VALUES ($1, $2, $3)`

	if _, err := r.db.Exec(ctx, query, doc.ID, doc.ExternalID, doc.CreatedAt); err != nil {
		return r.handlePostgresError("create document", err)
	}
	return nil
}

func (r *Repository) GetDocument(ctx context.Context, id uuid.UUID) (*textrepo.Document, error) {
	return r.getDocument(ctx, `SELECT id, external_id, created_at FROM documents WHERE id = $1`, id)
}

func (r *Repository) GetDocumentByExternalID(ctx context.Context, externalID string) (*textrepo.Document, error) {
	return r.getDocument(ctx, `SELECT id, external_id, created_at FROM documents WHERE external_id = $1`, externalID)
}

func (r *Repository) getDocument(ctx context.Context, query string, arg interface{}) (*textrepo.Document, error) {
	var doc textrepo.Document
	if err := r.db.QueryRow(ctx, query, arg).Scan(&doc.ID, &doc.ExternalID, &doc.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, textrepo.ErrDocumentNotFound
		}
		return nil, r.handlePostgresError("get document", err)
	}
	doc.CreatedAt = doc.CreatedAt.UTC()
	return &doc, nil
}

// File operations

func (r *Repository) CreateFile(ctx context.Context, file *textrepo.File, documentID *uuid.UUID) error {
	query := `INSERT INTO files (id, type_id, document_id) VALUES ($1, $2, $3)`

	if _, err := r.db.Exec(ctx, query, file.ID, file.TypeID, documentID); err != nil {
		return r.handlePostgresError("create file", err)
	}
	return nil
}

func (r *Repository) GetFile(ctx context.Context, id uuid.UUID) (*textrepo.File, error) {
	var file textrepo.File
	err := r.db.QueryRow(ctx, `SELECT id, type_id FROM files WHERE id = $1`, id).Scan(&file.ID, &file.TypeID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, textrepo.ErrFileNotFound
		}
		return nil, r.handlePostgresError("get file", err)
	}
	return &file, nil
}

func (r *Repository) UpsertFile(ctx context.Context, file *textrepo.File) error {
	query := `
		INSERT INTO files (id, type_id) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET type_id = EXCLUDED.type_id`

	if _, err := r.db.Exec(ctx, query, file.ID, file.TypeID); err != nil {
		return r.handlePostgresError("upsert file", err)
	}
	return nil
}

func (r *Repository) FindFileByDocumentAndType(ctx context.Context, documentID uuid.UUID, typeID int16) (*textrepo.File, error) {
	query := `SELECT id, type_id FROM files WHERE document_id = $1 AND type_id = $2`

	var file textrepo.File
	if err := r.db.QueryRow(ctx, query, documentID, typeID).Scan(&file.ID, &file.TypeID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, textrepo.ErrFileNotFound
		}
		return nil, r.handlePostgresError("find file", err)
	}
	return &file, nil
}

// ForEachFileByType pages through the files of a type by id so fn can use the
// repository while iterating
func (r *Repository) ForEachFileByType(ctx context.Context, typeID int16, fn func(*textrepo.File) error) error {
	query := `
		SELECT id, type_id FROM files
		WHERE type_id = $1 AND id > $2
		ORDER BY id
		LIMIT $3`

	after := uuid.Nil
	for {
		batch, err := r.fileBatch(ctx, query, typeID, after)
		if err != nil {
			return err
		}
		for _, file := range batch {
			if err := fn(file); err != nil {
				return err
			}
		}
		if len(batch) < fileBatchSize {
			return nil
		}
		after = batch[len(batch)-1].ID
	}
}

func (r *Repository) fileBatch(ctx context.Context, query string, typeID int16, after uuid.UUID) ([]*textrepo.File, error) {
	rows, err := r.db.Query(ctx, query, typeID, after, fileBatchSize)
	if err != nil {
		return nil, r.handlePostgresError("list files by type", err)
	}
	defer rows.Close()

	var files []*textrepo.File
	for rows.Next() {
		var file textrepo.File
		if err := rows.Scan(&file.ID, &file.TypeID); err != nil {
			return nil, r.handlePostgresError("list files by type", err)
		}
		files = append(files, &file)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("list files by type", err)
	}
	return files, nil
}

func (r *Repository) ListFileIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM files ORDER BY id`)
	if err != nil {
		return nil, r.handlePostgresError("list file ids", err)
	}
	defer rows.Close()

	ids := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, r.handlePostgresError("list file ids", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("list file ids", err)
	}
	return ids, nil
}

// Version operations

func (r *Repository) CreateVersion(ctx context.Context, version *textrepo.Version) error {
	query := `
		INSERT INTO versions (id, file_id, created_at, contents_sha)
		VALUES ($1, $2, $3, $4)`

	_, err := r.db.Exec(ctx, query, version.ID, version.FileID, version.CreatedAt, version.ContentsSha224)
	if err != nil {
		return r.handlePostgresError("create version", err)
	}
	return nil
}

func (r *Repository) GetVersion(ctx context.Context, id uuid.UUID) (*textrepo.Version, error) {
	query := `SELECT id, file_id, created_at, contents_sha FROM versions WHERE id = $1`
	return r.getVersion(ctx, query, id)
}

// FindLatestVersion computes the latest version on every call. Ties on
// created_at are broken by the greater id.
func (r *Repository) FindLatestVersion(ctx context.Context, fileID uuid.UUID) (*textrepo.Version, error) {
	query := `
		SELECT id, file_id, created_at, contents_sha FROM versions
		WHERE file_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`
	return r.getVersion(ctx, query, fileID)
}

func (r *Repository) getVersion(ctx context.Context, query string, arg interface{}) (*textrepo.Version, error) {
	var v textrepo.Version
	if err := r.db.QueryRow(ctx, query, arg).Scan(&v.ID, &v.FileID, &v.CreatedAt, &v.ContentsSha224); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, textrepo.ErrVersionNotFound
		}
		return nil, r.handlePostgresError("get version", err)
	}
	v.CreatedAt = v.CreatedAt.UTC()
	return &v, nil
}

func (r *Repository) ListVersions(ctx context.Context, params textrepo.ListVersionsParams) ([]*textrepo.Version, int, error) {
	where := "file_id = $1"
	args := []interface{}{params.FileID}
	if params.CreatedAfter != nil {
		where += " AND created_at > $2"
		args = append(args, *params.CreatedAfter)
	}

	var total int
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM versions WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, r.handlePostgresError("count versions", err)
	}

	query := fmt.Sprintf(`
		SELECT id, file_id, created_at, contents_sha FROM versions
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	args = append(args, params.Page.Limit, params.Page.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, r.handlePostgresError("list versions", err)
	}
	defer rows.Close()

	var versions []*textrepo.Version
	for rows.Next() {
		var v textrepo.Version
		if err := rows.Scan(&v.ID, &v.FileID, &v.CreatedAt, &v.ContentsSha224); err != nil {
			return nil, 0, r.handlePostgresError("list versions", err)
		}
		v.CreatedAt = v.CreatedAt.UTC()
		versions = append(versions, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, r.handlePostgresError("list versions", err)
	}
	return versions, total, nil
}

func (r *Repository) DeleteVersion(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM versions WHERE id = $1`, id)
	if err != nil {
		return r.handlePostgresError("delete version", err)
	}
	if tag.RowsAffected() == 0 {
		return textrepo.ErrVersionNotFound
	}
	return nil
}

// Metadata operations

func (r *Repository) UpsertMetadata(ctx context.Context, entry *textrepo.MetadataEntry) error {
	var query string
	switch entry.OwnerType {
	case textrepo.OwnerTypeFile:
		query = `
			INSERT INTO file_metadata (file_id, key, value) VALUES ($1, $2, $3)
			ON CONFLICT (file_id, key) DO UPDATE SET value = EXCLUDED.value`
	case textrepo.OwnerTypeDocument:
		query = `
			INSERT INTO document_metadata (document_id, key, value) VALUES ($1, $2, $3)
			ON CONFLICT (document_id, key) DO UPDATE SET value = EXCLUDED.value`
	default:
		return fmt.Errorf("%w: unknown owner type %q", textrepo.ErrBadInput, entry.OwnerType)
	}

	if _, err := r.db.Exec(ctx, query, entry.OwnerID, entry.Key, entry.Value); err != nil {
		return r.handlePostgresError("upsert metadata", err)
	}
	return nil
}

func (r *Repository) GetMetadata(ctx context.Context, ownerType textrepo.OwnerType, ownerID uuid.UUID) ([]*textrepo.MetadataEntry, error) {
	var query string
	switch ownerType {
	case textrepo.OwnerTypeFile:
		query = `SELECT key, value FROM file_metadata WHERE file_id = $1 ORDER BY key`
	case textrepo.OwnerTypeDocument:
		query = `SELECT key, value FROM document_metadata WHERE document_id = $1 ORDER BY key`
	default:
		return nil, fmt.Errorf("%w: unknown owner type %q", textrepo.ErrBadInput, ownerType)
	}

	rows, err := r.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, r.handlePostgresError("get metadata", err)
	}
	defer rows.Close()

	var entries []*textrepo.MetadataEntry
	for rows.Next() {
		entry := &textrepo.MetadataEntry{OwnerType: ownerType, OwnerID: ownerID}
		if err := rows.Scan(&entry.Key, &entry.Value); err != nil {
			return nil, r.handlePostgresError("get metadata", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("get metadata", err)
	}
	return entries, nil
}

// Ping verifies the database answers within timeout
func (r *Repository) Ping(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var one int
	if err := r.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return r.handlePostgresError("ping", err)
	}
	return nil
}

var _ textrepo.Repository = (*Repository)(nil)
