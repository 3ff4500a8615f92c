package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/tendant/textrepo/pkg/textrepo"
)

const fileBatchSize = 500

// Repository implements textrepo.Repository on an embedded SQLite database.
// Timestamps are stored as unix microseconds.
type Repository struct {
	db *sql.DB
}

// New wraps a connection opened with OpenConnection and migrated with MigrateUp
func New(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Open opens, migrates and wraps the database at path
func Open(path string) (*Repository, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return New(db), nil
}

// Close closes the underlying database
func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) handleSQLiteError(operation string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %s: %s", textrepo.ErrConflict, operation, sqliteErr.Error())
		case sqlite3.ErrConstraintForeignKey:
			if operation == "delete contents" {
				return textrepo.ErrStillReferenced
			}
			return fmt.Errorf("%w: %s references a missing row", textrepo.ErrNotFound, operation)
		}
	}
	return textrepo.Unavailable(operation, err)
}

// exists reports whether query returns a row
func exists(ctx context.Context, q querier, query string, args ...any) (bool, error) {
	var found bool
	err := q.QueryRowContext(ctx, "SELECT EXISTS ("+query+")", args...).Scan(&found)
	return found, err
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Contents operations

func (r *Repository) InsertContents(ctx context.Context, contents *textrepo.Contents) error {
	b := contents.Contents
	if b == nil {
		b = []byte{}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO contents (sha224, contents) VALUES (?, ?) ON CONFLICT (sha224) DO NOTHING`,
		contents.Sha224, b)
	if err != nil {
		return r.handleSQLiteError("insert contents", err)
	}
	return nil
}

func (r *Repository) GetContents(ctx context.Context, sha224 string) (*textrepo.Contents, error) {
	var contents textrepo.Contents
	err := r.db.QueryRowContext(ctx, `SELECT sha224, contents FROM contents WHERE sha224 = ?`, sha224).
		Scan(&contents.Sha224, &contents.Contents)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, textrepo.ErrContentsNotFound
		}
		return nil, r.handleSQLiteError("get contents", err)
	}
	if contents.Contents == nil {
		contents.Contents = []byte{}
	}
	return &contents, nil
}

func (r *Repository) DeleteContents(ctx context.Context, sha224 string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return r.handleSQLiteError("delete contents", err)
	}
	defer tx.Rollback()

	referenced, err := exists(ctx, tx, `SELECT 1 FROM versions WHERE contents_sha = ?`, sha224)
	if err != nil {
		return r.handleSQLiteError("delete contents", err)
	}
	if referenced {
		return fmt.Errorf("%w: contents %s", textrepo.ErrStillReferenced, sha224)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM contents WHERE sha224 = ?`, sha224); err != nil {
		return r.handleSQLiteError("delete contents", err)
	}
	if err := tx.Commit(); err != nil {
		return r.handleSQLiteError("delete contents", err)
	}
	return nil
}

// Type operations

func (r *Repository) CreateType(ctx context.Context, fileType *textrepo.FileType) error {
	res, err := r.db.ExecContext(ctx, `INSERT INTO types (name, mimetype) VALUES (?, ?)`, fileType.Name, fileType.Mimetype)
	if err != nil {
		return r.handleSQLiteError("create type", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return r.handleSQLiteError("create type", err)
	}
	fileType.ID = int16(id)
	return nil
}

func (r *Repository) GetType(ctx context.Context, id int16) (*textrepo.FileType, error) {
	return r.getType(ctx, `SELECT id, name, mimetype FROM types WHERE id = ?`, id)
}

func (r *Repository) GetTypeByName(ctx context.Context, name string) (*textrepo.FileType, error) {
	return r.getType(ctx, `SELECT id, name, mimetype FROM types WHERE name = ?`, name)
}

func (r *Repository) getType(ctx context.Context, query string, arg any) (*textrepo.FileType, error) {
	var t textrepo.FileType
	if err := r.db.QueryRowContext(ctx, query, arg).Scan(&t.ID, &t.Name, &t.Mimetype); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, textrepo.ErrTypeNotFound
		}
		return nil, r.handleSQLiteError("get type", err)
	}
	return &t, nil
}

func (r *Repository) ListTypes(ctx context.Context) ([]*textrepo.FileType, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, mimetype FROM types ORDER BY id`)
	if err != nil {
		return nil, r.handleSQLiteError("list types", err)
	}
	defer rows.Close()

	var types []*textrepo.FileType
	for rows.Next() {
		var t textrepo.FileType
		if err := rows.Scan(&t.ID, &t.Name, &t.Mimetype); err != nil {
			return nil, r.handleSQLiteError("list types", err)
		}
		types = append(types, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handleSQLiteError("list types", err)
	}
	return types, nil
}

// Document operations

func (r *Repository) CreateDocument(ctx context.Context, doc *textrepo.Document) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO documents (id, external_id, created_at) VALUES (?, ?, ?)`,
		doc.ID, doc.ExternalID, doc.CreatedAt.UnixMicro())
	if err != nil {
		return r.handleSQLiteError("create document", err)
	}
	return nil
}

func (r *Repository) GetDocument(ctx context.Context, id uuid.UUID) (*textrepo.Document, error) {
	return r.getDocument(ctx, `SELECT id, external_id, created_at FROM documents WHERE id = ?`, id)
}

func (r *Repository) GetDocumentByExternalID(ctx context.Context, externalID string) (*textrepo.Document, error) {
	return r.getDocument(ctx, `SELECT id, external_id, created_at FROM documents WHERE external_id = ?`, externalID)
}

func (r *Repository) getDocument(ctx context.Context, query string, arg any) (*textrepo.Document, error) {
	var doc textrepo.Document
	var createdAt int64
	if err := r.db.QueryRowContext(ctx, query, arg).Scan(&doc.ID, &doc.ExternalID, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, textrepo.ErrDocumentNotFound
		}
		return nil, r.handleSQLiteError("get document", err)
	}
	doc.CreatedAt = time.UnixMicro(createdAt).UTC()
	return &doc, nil
}

// File operations

func (r *Repository) CreateFile(ctx context.Context, file *textrepo.File, documentID *uuid.UUID) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return r.handleSQLiteError("create file", err)
	}
	defer tx.Rollback()

	if err := r.checkType(ctx, tx, file.TypeID); err != nil {
		return err
	}
	if documentID != nil {
		found, err := exists(ctx, tx, `SELECT 1 FROM documents WHERE id = ?`, *documentID)
		if err != nil {
			return r.handleSQLiteError("create file", err)
		}
		if !found {
			return textrepo.ErrDocumentNotFound
		}
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO files (id, type_id, document_id) VALUES (?, ?, ?)`,
		file.ID, file.TypeID, documentID)
	if err != nil {
		return r.handleSQLiteError("create file", err)
	}
	if err := tx.Commit(); err != nil {
		return r.handleSQLiteError("create file", err)
	}
	return nil
}

func (r *Repository) checkType(ctx context.Context, q querier, typeID int16) error {
	found, err := exists(ctx, q, `SELECT 1 FROM types WHERE id = ?`, typeID)
	if err != nil {
		return r.handleSQLiteError("check type", err)
	}
	if !found {
		return textrepo.ErrTypeNotFound
	}
	return nil
}

func (r *Repository) GetFile(ctx context.Context, id uuid.UUID) (*textrepo.File, error) {
	var file textrepo.File
	err := r.db.QueryRowContext(ctx, `SELECT id, type_id FROM files WHERE id = ?`, id).Scan(&file.ID, &file.TypeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, textrepo.ErrFileNotFound
		}
		return nil, r.handleSQLiteError("get file", err)
	}
	return &file, nil
}

func (r *Repository) UpsertFile(ctx context.Context, file *textrepo.File) error {
	if err := r.checkType(ctx, r.db, file.TypeID); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO files (id, type_id) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET type_id = excluded.type_id`,
		file.ID, file.TypeID)
	if err != nil {
		return r.handleSQLiteError("upsert file", err)
	}
	return nil
}

func (r *Repository) FindFileByDocumentAndType(ctx context.Context, documentID uuid.UUID, typeID int16) (*textrepo.File, error) {
	var file textrepo.File
	err := r.db.QueryRowContext(ctx, `SELECT id, type_id FROM files WHERE document_id = ? AND type_id = ?`,
		documentID, typeID).Scan(&file.ID, &file.TypeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, textrepo.ErrFileNotFound
		}
		return nil, r.handleSQLiteError("find file", err)
	}
	return &file, nil
}

// ForEachFileByType reads the files of a type in batches and calls fn with no
// statement open, since the single connection is needed by fn
func (r *Repository) ForEachFileByType(ctx context.Context, typeID int16, fn func(*textrepo.File) error) error {
	after := ""
	for {
		batch, err := r.fileBatch(ctx, typeID, after)
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
		after = batch[len(batch)-1].ID.String()
	}
}

func (r *Repository) fileBatch(ctx context.Context, typeID int16, after string) ([]*textrepo.File, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, type_id FROM files WHERE type_id = ? AND id > ? ORDER BY id LIMIT ?`,
		typeID, after, fileBatchSize)
	if err != nil {
		return nil, r.handleSQLiteError("list files by type", err)
	}
	defer rows.Close()

	var files []*textrepo.File
	for rows.Next() {
		var file textrepo.File
		if err := rows.Scan(&file.ID, &file.TypeID); err != nil {
			return nil, r.handleSQLiteError("list files by type", err)
		}
		files = append(files, &file)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handleSQLiteError("list files by type", err)
	}
	return files, nil
}

func (r *Repository) ListFileIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM files ORDER BY id`)
	if err != nil {
		return nil, r.handleSQLiteError("list file ids", err)
	}
	defer rows.Close()

	ids := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, r.handleSQLiteError("list file ids", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handleSQLiteError("list file ids", err)
	}
	return ids, nil
}

// Version operations

func (r *Repository) CreateVersion(ctx context.Context, version *textrepo.Version) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return r.handleSQLiteError("create version", err)
	}
	defer tx.Rollback()

	found, err := exists(ctx, tx, `SELECT 1 FROM files WHERE id = ?`, version.FileID)
	if err != nil {
		return r.handleSQLiteError("create version", err)
	}
	if !found {
		return textrepo.ErrFileNotFound
	}
	found, err = exists(ctx, tx, `SELECT 1 FROM contents WHERE sha224 = ?`, version.ContentsSha224)
	if err != nil {
		return r.handleSQLiteError("create version", err)
	}
	if !found {
		return textrepo.ErrContentsNotFound
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO versions (id, file_id, created_at, contents_sha) VALUES (?, ?, ?, ?)`,
		version.ID, version.FileID, version.CreatedAt.UnixMicro(), version.ContentsSha224)
	if err != nil {
		return r.handleSQLiteError("create version", err)
	}
	if err := tx.Commit(); err != nil {
		return r.handleSQLiteError("create version", err)
	}
	return nil
}

func (r *Repository) GetVersion(ctx context.Context, id uuid.UUID) (*textrepo.Version, error) {
	return r.getVersion(ctx, `SELECT id, file_id, created_at, contents_sha FROM versions WHERE id = ?`, id)
}

func (r *Repository) FindLatestVersion(ctx context.Context, fileID uuid.UUID) (*textrepo.Version, error) {
	return r.getVersion(ctx, `
		SELECT id, file_id, created_at, contents_sha FROM versions
		WHERE file_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, fileID)
}

func (r *Repository) getVersion(ctx context.Context, query string, arg any) (*textrepo.Version, error) {
	v, err := scanVersion(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, textrepo.ErrVersionNotFound
		}
		return nil, r.handleSQLiteError("get version", err)
	}
	return v, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVersion(row scanner) (*textrepo.Version, error) {
	var v textrepo.Version
	var createdAt int64
	if err := row.Scan(&v.ID, &v.FileID, &createdAt, &v.ContentsSha224); err != nil {
		return nil, err
	}
	v.CreatedAt = time.UnixMicro(createdAt).UTC()
	return &v, nil
}

func (r *Repository) ListVersions(ctx context.Context, params textrepo.ListVersionsParams) ([]*textrepo.Version, int, error) {
	where := "file_id = ?"
	args := []any{params.FileID}
	if params.CreatedAfter != nil {
		where += " AND created_at > ?"
		args = append(args, params.CreatedAfter.UnixMicro())
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM versions WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, r.handleSQLiteError("count versions", err)
	}

	limit := params.Page.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, file_id, created_at, contents_sha FROM versions
		WHERE `+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`, append(args, limit, params.Page.Offset)...)
	if err != nil {
		return nil, 0, r.handleSQLiteError("list versions", err)
	}
	defer rows.Close()

	var versions []*textrepo.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, 0, r.handleSQLiteError("list versions", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, r.handleSQLiteError("list versions", err)
	}
	return versions, total, nil
}

func (r *Repository) DeleteVersion(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM versions WHERE id = ?`, id)
	if err != nil {
		return r.handleSQLiteError("delete version", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return r.handleSQLiteError("delete version", err)
	}
	if n == 0 {
		return textrepo.ErrVersionNotFound
	}
	return nil
}

// Metadata operations

func (r *Repository) UpsertMetadata(ctx context.Context, entry *textrepo.MetadataEntry) error {
	var owner, query string
	switch entry.OwnerType {
	case textrepo.OwnerTypeFile:
		owner = `SELECT 1 FROM files WHERE id = ?`
		query = `
			INSERT INTO file_metadata (file_id, key, value) VALUES (?, ?, ?)
			ON CONFLICT (file_id, key) DO UPDATE SET value = excluded.value`
	case textrepo.OwnerTypeDocument:
		owner = `SELECT 1 FROM documents WHERE id = ?`
		query = `
			INSERT INTO document_metadata (document_id, key, value) VALUES (?, ?, ?)
			ON CONFLICT (document_id, key) DO UPDATE SET value = excluded.value`
	default:
		return fmt.Errorf("%w: unknown owner type %q", textrepo.ErrBadInput, entry.OwnerType)
	}

	found, err := exists(ctx, r.db, owner, entry.OwnerID)
	if err != nil {
		return r.handleSQLiteError("upsert metadata", err)
	}
	if !found {
		if entry.OwnerType == textrepo.OwnerTypeFile {
			return textrepo.ErrFileNotFound
		}
		return textrepo.ErrDocumentNotFound
	}
	if _, err := r.db.ExecContext(ctx, query, entry.OwnerID, entry.Key, entry.Value); err != nil {
		return r.handleSQLiteError("upsert metadata", err)
	}
	return nil
}

func (r *Repository) GetMetadata(ctx context.Context, ownerType textrepo.OwnerType, ownerID uuid.UUID) ([]*textrepo.MetadataEntry, error) {
	var query string
	switch ownerType {
	case textrepo.OwnerTypeFile:
		query = `SELECT key, value FROM file_metadata WHERE file_id = ? ORDER BY key`
	case textrepo.OwnerTypeDocument:
		query = `SELECT key, value FROM document_metadata WHERE document_id = ? ORDER BY key`
	default:
		return nil, fmt.Errorf("%w: unknown owner type %q", textrepo.ErrBadInput, ownerType)
	}

	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, r.handleSQLiteError("get metadata", err)
	}
	defer rows.Close()

	var entries []*textrepo.MetadataEntry
	for rows.Next() {
		entry := &textrepo.MetadataEntry{OwnerType: ownerType, OwnerID: ownerID}
		if err := rows.Scan(&entry.Key, &entry.Value); err != nil {
			return nil, r.handleSQLiteError("get metadata", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handleSQLiteError("get metadata", err)
	}
	return entries, nil
}

var _ textrepo.Repository = (*Repository)(nil)
