// Package repotest holds behaviour checks shared by every textrepo.Repository
// implementation.
package repotest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/textrepo/pkg/textrepo"
)

// Factory returns an empty repository for one subtest
type Factory func(t *testing.T) textrepo.Repository

// Run exercises the repository contract against fresh repositories from newRepo
func Run(t *testing.T, newRepo Factory) {
	t.Run("Contents", func(t *testing.T) { testContents(t, newRepo(t)) })
	t.Run("Types", func(t *testing.T) { testTypes(t, newRepo(t)) })
	t.Run("Documents", func(t *testing.T) { testDocuments(t, newRepo(t)) })
	t.Run("Files", func(t *testing.T) { testFiles(t, newRepo(t)) })
	t.Run("Versions", func(t *testing.T) { testVersions(t, newRepo(t)) })
	t.Run("ContentsReclamation", func(t *testing.T) { testReclamation(t, newRepo(t)) })
	t.Run("Metadata", func(t *testing.T) { testMetadata(t, newRepo(t)) })
}

// Time returns a fixed timestamp offset by the given number of seconds
func Time(offset int) time.Time {
	return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(offset) * time.Second)
}

func createType(t *testing.T, repo textrepo.Repository, name string) *textrepo.FileType {
	t.Helper()
	ft := &textrepo.FileType{Name: name, Mimetype: "text/plain"}
	require.NoError(t, repo.CreateType(context.Background(), ft))
	require.NotZero(t, ft.ID)
	return ft
}

func createFile(t *testing.T, repo textrepo.Repository, typeID int16) *textrepo.File {
	t.Helper()
	file := &textrepo.File{ID: uuid.New(), TypeID: typeID}
	require.NoError(t, repo.CreateFile(context.Background(), file, nil))
	return file
}

func createVersion(t *testing.T, repo textrepo.Repository, fileID uuid.UUID, body string, at time.Time) *textrepo.Version {
	t.Helper()
	ctx := context.Background()
	c := textrepo.NewContents([]byte(body))
	require.NoError(t, repo.InsertContents(ctx, c))
	v := &textrepo.Version{ID: uuid.New(), FileID: fileID, CreatedAt: at, ContentsSha224: c.Sha224}
	require.NoError(t, repo.CreateVersion(ctx, v))
	return v
}

func testContents(t *testing.T, repo textrepo.Repository) {
	ctx := context.Background()
	c := textrepo.NewContents([]byte("hello"))

	require.NoError(t, repo.InsertContents(ctx, c))
	// inserting the same digest again is a no-op
	require.NoError(t, repo.InsertContents(ctx, c))

	got, err := repo.GetContents(ctx, c.Sha224)
	require.NoError(t, err)
	assert.Equal(t, c.Sha224, got.Sha224)
	assert.Equal(t, []byte("hello"), got.Contents)

	_, err = repo.GetContents(ctx, textrepo.Digest([]byte("missing")))
	assert.ErrorIs(t, err, textrepo.ErrContentsNotFound)

	empty := textrepo.NewContents([]byte{})
	require.NoError(t, repo.InsertContents(ctx, empty))
	got, err = repo.GetContents(ctx, empty.Sha224)
	require.NoError(t, err)
	assert.Empty(t, got.Contents)

	require.NoError(t, repo.DeleteContents(ctx, c.Sha224))
	_, err = repo.GetContents(ctx, c.Sha224)
	assert.ErrorIs(t, err, textrepo.ErrNotFound)

	// deleting an absent digest is a no-op
	assert.NoError(t, repo.DeleteContents(ctx, c.Sha224))
}

func testTypes(t *testing.T, repo textrepo.Repository) {
	ctx := context.Background()
	text := createType(t, repo, "text")
	pdf := createType(t, repo, "pdf")
	assert.NotEqual(t, text.ID, pdf.ID)

	err := repo.CreateType(ctx, &textrepo.FileType{Name: "text", Mimetype: "text/html"})
	assert.ErrorIs(t, err, textrepo.ErrConflict)

	got, err := repo.GetType(ctx, text.ID)
	require.NoError(t, err)
	assert.Equal(t, text, got)

	got, err = repo.GetTypeByName(ctx, "pdf")
	require.NoError(t, err)
	assert.Equal(t, pdf, got)

	_, err = repo.GetTypeByName(ctx, "unknown")
	assert.ErrorIs(t, err, textrepo.ErrTypeNotFound)
	_, err = repo.GetType(ctx, 999)
	assert.ErrorIs(t, err, textrepo.ErrTypeNotFound)

	all, err := repo.ListTypes(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testDocuments(t *testing.T, repo textrepo.Repository) {
	ctx := context.Background()
	doc := &textrepo.Document{ID: uuid.New(), ExternalID: "doc-1", CreatedAt: Time(0)}
	require.NoError(t, repo.CreateDocument(ctx, doc))

	err := repo.CreateDocument(ctx, &textrepo.Document{ID: uuid.New(), ExternalID: "doc-1", CreatedAt: Time(1)})
	assert.ErrorIs(t, err, textrepo.ErrConflict)

	got, err := repo.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ExternalID, got.ExternalID)
	assert.True(t, doc.CreatedAt.Equal(got.CreatedAt))

	got, err = repo.GetDocumentByExternalID(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)

	_, err = repo.GetDocumentByExternalID(ctx, "doc-2")
	assert.ErrorIs(t, err, textrepo.ErrDocumentNotFound)
	_, err = repo.GetDocument(ctx, uuid.New())
	assert.ErrorIs(t, err, textrepo.ErrDocumentNotFound)
}

func testFiles(t *testing.T, repo textrepo.Repository) {
	ctx := context.Background()
	text := createType(t, repo, "text")
	pdf := createType(t, repo, "pdf")

	doc := &textrepo.Document{ID: uuid.New(), ExternalID: "doc-1", CreatedAt: Time(0)}
	require.NoError(t, repo.CreateDocument(ctx, doc))

	file := &textrepo.File{ID: uuid.New(), TypeID: text.ID}
	require.NoError(t, repo.CreateFile(ctx, file, &doc.ID))

	t.Run("unique per document and type", func(t *testing.T) {
		err := repo.CreateFile(ctx, &textrepo.File{ID: uuid.New(), TypeID: text.ID}, &doc.ID)
		assert.ErrorIs(t, err, textrepo.ErrConflict)
	})

	t.Run("unknown type", func(t *testing.T) {
		err := repo.CreateFile(ctx, &textrepo.File{ID: uuid.New(), TypeID: 999}, nil)
		assert.ErrorIs(t, err, textrepo.ErrTypeNotFound)
	})

	t.Run("unknown document", func(t *testing.T) {
		missing := uuid.New()
		err := repo.CreateFile(ctx, &textrepo.File{ID: uuid.New(), TypeID: pdf.ID}, &missing)
		assert.ErrorIs(t, err, textrepo.ErrDocumentNotFound)
	})

	t.Run("find by document and type", func(t *testing.T) {
		got, err := repo.FindFileByDocumentAndType(ctx, doc.ID, text.ID)
		require.NoError(t, err)
		assert.Equal(t, file.ID, got.ID)

		_, err = repo.FindFileByDocumentAndType(ctx, doc.ID, pdf.ID)
		assert.ErrorIs(t, err, textrepo.ErrFileNotFound)
	})

	t.Run("upsert changes type only", func(t *testing.T) {
		loose := createFile(t, repo, text.ID)
		require.NoError(t, repo.UpsertFile(ctx, &textrepo.File{ID: loose.ID, TypeID: pdf.ID}))
		got, err := repo.GetFile(ctx, loose.ID)
		require.NoError(t, err)
		assert.Equal(t, pdf.ID, got.TypeID)
	})

	t.Run("for each file by type", func(t *testing.T) {
		var seen []uuid.UUID
		err := repo.ForEachFileByType(ctx, text.ID, func(f *textrepo.File) error {
			assert.Equal(t, text.ID, f.TypeID)
			seen = append(seen, f.ID)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{file.ID}, seen)

		stop := fmt.Errorf("stop")
		err = repo.ForEachFileByType(ctx, text.ID, func(*textrepo.File) error { return stop })
		assert.ErrorIs(t, err, stop)
	})

	t.Run("list ids", func(t *testing.T) {
		ids, err := repo.ListFileIDs(ctx)
		require.NoError(t, err)
		assert.Len(t, ids, 2)
		assert.Contains(t, ids, file.ID)
	})

	_, err := repo.GetFile(ctx, uuid.New())
	assert.ErrorIs(t, err, textrepo.ErrFileNotFound)
}

func testVersions(t *testing.T, repo textrepo.Repository) {
	ctx := context.Background()
	ft := createType(t, repo, "text")
	file := createFile(t, repo, ft.ID)

	_, err := repo.FindLatestVersion(ctx, file.ID)
	assert.ErrorIs(t, err, textrepo.ErrVersionNotFound)

	v1 := createVersion(t, repo, file.ID, "one", Time(0))
	v3 := createVersion(t, repo, file.ID, "three", Time(20))
	v2 := createVersion(t, repo, file.ID, "two", Time(10))

	t.Run("latest has greatest created_at", func(t *testing.T) {
		latest, err := repo.FindLatestVersion(ctx, file.ID)
		require.NoError(t, err)
		assert.Equal(t, v3.ID, latest.ID)
		assert.True(t, v3.CreatedAt.Equal(latest.CreatedAt))
	})

	t.Run("list newest first", func(t *testing.T) {
		items, total, err := repo.ListVersions(ctx, textrepo.ListVersionsParams{
			FileID: file.ID,
			Page:   textrepo.PageParams{Limit: 2},
		})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, items, 2)
		assert.Equal(t, v3.ID, items[0].ID)
		assert.Equal(t, v2.ID, items[1].ID)

		items, total, err = repo.ListVersions(ctx, textrepo.ListVersionsParams{
			FileID: file.ID,
			Page:   textrepo.PageParams{Limit: 2, Offset: 2},
		})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, items, 1)
		assert.Equal(t, v1.ID, items[0].ID)
	})

	t.Run("list created after", func(t *testing.T) {
		after := Time(10)
		items, total, err := repo.ListVersions(ctx, textrepo.ListVersionsParams{
			FileID:       file.ID,
			Page:         textrepo.PageParams{Limit: 10},
			CreatedAfter: &after,
		})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, items, 1)
		assert.Equal(t, v3.ID, items[0].ID)
	})

	t.Run("ties broken by id", func(t *testing.T) {
		other := createFile(t, repo, ft.ID)
		a := createVersion(t, repo, other.ID, "a", Time(30))
		b := createVersion(t, repo, other.ID, "b", Time(30))
		want := a
		if b.Newer(a) {
			want = b
		}
		latest, err := repo.FindLatestVersion(ctx, other.ID)
		require.NoError(t, err)
		assert.Equal(t, want.ID, latest.ID)
	})

	t.Run("references are enforced", func(t *testing.T) {
		c := textrepo.NewContents([]byte("orphan"))
		err := repo.CreateVersion(ctx, &textrepo.Version{ID: uuid.New(), FileID: file.ID, CreatedAt: Time(40), ContentsSha224: c.Sha224})
		assert.ErrorIs(t, err, textrepo.ErrContentsNotFound)

		require.NoError(t, repo.InsertContents(ctx, c))
		err = repo.CreateVersion(ctx, &textrepo.Version{ID: uuid.New(), FileID: uuid.New(), CreatedAt: Time(40), ContentsSha224: c.Sha224})
		assert.ErrorIs(t, err, textrepo.ErrFileNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, repo.DeleteVersion(ctx, v3.ID))
		_, err := repo.GetVersion(ctx, v3.ID)
		assert.ErrorIs(t, err, textrepo.ErrVersionNotFound)

		latest, err := repo.FindLatestVersion(ctx, file.ID)
		require.NoError(t, err)
		assert.Equal(t, v2.ID, latest.ID)

		assert.ErrorIs(t, repo.DeleteVersion(ctx, v3.ID), textrepo.ErrVersionNotFound)
	})
}

func testReclamation(t *testing.T, repo textrepo.Repository) {
	ctx := context.Background()
	ft := createType(t, repo, "text")
	f1 := createFile(t, repo, ft.ID)
	f2 := createFile(t, repo, ft.ID)

	v1 := createVersion(t, repo, f1.ID, "shared", Time(0))
	v2 := createVersion(t, repo, f2.ID, "shared", Time(1))
	require.Equal(t, v1.ContentsSha224, v2.ContentsSha224)

	err := repo.DeleteContents(ctx, v1.ContentsSha224)
	assert.ErrorIs(t, err, textrepo.ErrStillReferenced)

	require.NoError(t, repo.DeleteVersion(ctx, v1.ID))
	err = repo.DeleteContents(ctx, v1.ContentsSha224)
	assert.ErrorIs(t, err, textrepo.ErrStillReferenced)

	_, err = repo.GetContents(ctx, v1.ContentsSha224)
	require.NoError(t, err)

	require.NoError(t, repo.DeleteVersion(ctx, v2.ID))
	require.NoError(t, repo.DeleteContents(ctx, v1.ContentsSha224))
	_, err = repo.GetContents(ctx, v1.ContentsSha224)
	assert.ErrorIs(t, err, textrepo.ErrContentsNotFound)
}

func testMetadata(t *testing.T, repo textrepo.Repository) {
	ctx := context.Background()
	ft := createType(t, repo, "text")
	file := createFile(t, repo, ft.ID)

	entry := &textrepo.MetadataEntry{OwnerType: textrepo.OwnerTypeFile, OwnerID: file.ID, Key: "filename", Value: "a.txt"}
	require.NoError(t, repo.UpsertMetadata(ctx, entry))
	entry.Value = "b.txt"
	require.NoError(t, repo.UpsertMetadata(ctx, entry))
	require.NoError(t, repo.UpsertMetadata(ctx, &textrepo.MetadataEntry{
		OwnerType: textrepo.OwnerTypeFile, OwnerID: file.ID, Key: "author", Value: "someone",
	}))

	entries, err := repo.GetMetadata(ctx, textrepo.OwnerTypeFile, file.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "author", entries[0].Key)
	assert.Equal(t, "filename", entries[1].Key)
	assert.Equal(t, "b.txt", entries[1].Value)

	err = repo.UpsertMetadata(ctx, &textrepo.MetadataEntry{
		OwnerType: textrepo.OwnerTypeFile, OwnerID: uuid.New(), Key: "k", Value: "v",
	})
	assert.ErrorIs(t, err, textrepo.ErrFileNotFound)

	entries, err = repo.GetMetadata(ctx, textrepo.OwnerTypeDocument, file.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
