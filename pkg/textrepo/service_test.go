package textrepo_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tendant/textrepo/pkg/textrepo"
	"github.com/tendant/textrepo/pkg/textrepo/repo/memory"
)

// helloSha224 is the SHA-224 of "hello"
const helloSha224 = "ea09ae9cc6768c50fcee903ed054556e5bfc8347907f12598aa24193"

type mockIndex struct {
	mock.Mock
	// unsupported lists mimetypes no indexer takes
	unsupported []string
}

func (m *mockIndex) Accepts(mimetype string) bool {
	return !slices.Contains(m.unsupported, mimetype)
}

func (m *mockIndex) Index(ctx context.Context, file *textrepo.File, fileType *textrepo.FileType, contents string) *textrepo.IndexReport {
	args := m.Called(ctx, file, fileType, contents)
	return args.Get(0).(*textrepo.IndexReport)
}

func (m *mockIndex) Delete(ctx context.Context, fileID uuid.UUID) *textrepo.IndexReport {
	args := m.Called(ctx, fileID)
	return args.Get(0).(*textrepo.IndexReport)
}

func (m *mockIndex) GetAllIDs(ctx context.Context) ([]uuid.UUID, error) {
	args := m.Called(ctx)
	ids, _ := args.Get(0).([]uuid.UUID)
	return ids, args.Error(1)
}

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

type fixture struct {
	svc   textrepo.Service
	repo  *memory.Repository
	index *mockIndex
	text  *textrepo.FileType
}

func newFixture(t *testing.T, opts ...textrepo.Option) *fixture {
	t.Helper()
	repo := memory.New()
	index := &mockIndex{}
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	options := append([]textrepo.Option{
		textrepo.WithRepository(repo),
		textrepo.WithIndexService(index),
		textrepo.WithClock(c.now),
		textrepo.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	svc, err := textrepo.New(options...)
	require.NoError(t, err)

	text, err := svc.EnsureType(context.Background(), "text", "text/plain")
	require.NoError(t, err)
	return &fixture{svc: svc, repo: repo, index: index, text: text}
}

func (f *fixture) expectIndex(contents string) {
	f.index.On("Index", mock.Anything, mock.AnythingOfType("*textrepo.File"), f.text, contents).
		Return(&textrepo.IndexReport{Results: []textrepo.IndexResult{{Indexer: "full-text"}}})
}

func TestServiceCreation(t *testing.T) {
	tests := []struct {
		name        string
		options     []textrepo.Option
		expectError bool
	}{
		{
			name:        "no options should fail",
			options:     []textrepo.Option{},
			expectError: true,
		},
		{
			name: "with repository should succeed",
			options: []textrepo.Option{
				textrepo.WithRepository(memory.New()),
			},
			expectError: false,
		},
		{
			name: "with repository and index should succeed",
			options: []textrepo.Option{
				textrepo.WithRepository(memory.New()),
				textrepo.WithIndexService(&mockIndex{}),
				textrepo.WithTypeCacheSize(4),
			},
			expectError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := textrepo.New(tt.options...)
			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, svc)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, svc)
			}
		})
	}
}

func TestDigest(t *testing.T) {
	assert.Equal(t, helloSha224, textrepo.Digest([]byte("hello")))
	assert.Len(t, textrepo.Digest(nil), textrepo.DigestLength)
	assert.True(t, textrepo.ValidDigest(helloSha224))
	assert.False(t, textrepo.ValidDigest("not-a-digest"))
	assert.False(t, textrepo.ValidDigest(helloSha224[:55]+"z"))
}

func TestContentsText(t *testing.T) {
	c := textrepo.NewContents([]byte{'o', 'k', 0xff})
	assert.Equal(t, "ok�", c.Text())
	assert.Equal(t, "hello", textrepo.NewContents([]byte("hello")).Text())
}

func TestHelloLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.expectIndex("hello")

	file, err := f.svc.CreateFile(ctx, textrepo.CreateFileRequest{TypeID: f.text.ID})
	require.NoError(t, err)

	version, err := f.svc.UploadFileContents(ctx, textrepo.UploadFileContentsRequest{
		FileID:   file.ID,
		Contents: []byte("hello"),
		Filename: "hello.txt",
	})
	require.NoError(t, err)
	assert.Equal(t, helloSha224, version.ContentsSha224)
	assert.Equal(t, file.ID, version.FileID)
	f.index.AssertNumberOfCalls(t, "Index", 1)

	// same contents again: no new version
	again, err := f.svc.UploadFileContents(ctx, textrepo.UploadFileContentsRequest{
		FileID:   file.ID,
		Contents: []byte("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, version.ID, again.ID)
	f.index.AssertNumberOfCalls(t, "Index", 1)

	latest, err := f.svc.FindLatestVersion(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, version.ID, latest.ID)

	metadata, err := f.svc.GetFileMetadata(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{textrepo.FilenameKey: "hello.txt"}, metadata)

	contents, err := f.svc.GetLatestFileContents(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(contents.Contents))

	require.NoError(t, f.svc.DeleteVersion(ctx, version.ID))
	_, err = f.svc.GetVersion(ctx, version.ID)
	assert.ErrorIs(t, err, textrepo.ErrVersionNotFound)
	_, err = f.svc.GetContents(ctx, helloSha224)
	assert.ErrorIs(t, err, textrepo.ErrContentsNotFound)
	assert.Equal(t, 0, f.repo.Count())

	// deleting twice is a no-op
	assert.NoError(t, f.svc.DeleteVersion(ctx, version.ID))
}

// racingRepository removes a version right after it was looked up, as a
// concurrent delete of the same version would
type racingRepository struct {
	*memory.Repository
}

func (r racingRepository) GetVersion(ctx context.Context, id uuid.UUID) (*textrepo.Version, error) {
	version, err := r.Repository.GetVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.Repository.DeleteVersion(ctx, id); err != nil {
		return nil, err
	}
	return version, nil
}

func TestDeleteVersion_ConcurrentDelete(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	index := &mockIndex{}
	index.On("Index", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&textrepo.IndexReport{})

	seed, err := textrepo.New(textrepo.WithRepository(repo), textrepo.WithIndexService(index))
	require.NoError(t, err)
	text, err := seed.EnsureType(ctx, "text", "text/plain")
	require.NoError(t, err)
	file, err := seed.CreateFile(ctx, textrepo.CreateFileRequest{TypeID: text.ID})
	require.NoError(t, err)
	version, err := seed.CreateVersion(ctx, textrepo.CreateVersionRequest{FileID: file.ID, Contents: []byte("hello")})
	require.NoError(t, err)

	svc, err := textrepo.New(
		textrepo.WithRepository(racingRepository{repo}),
		textrepo.WithIndexService(index),
		textrepo.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)

	require.NoError(t, svc.DeleteVersion(ctx, version.ID))
	_, err = svc.GetContents(ctx, helloSha224)
	assert.ErrorIs(t, err, textrepo.ErrContentsNotFound)
}

func TestCreateVersion(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown file", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.CreateVersion(ctx, textrepo.CreateVersionRequest{FileID: uuid.New(), Contents: []byte("x")})
		assert.ErrorIs(t, err, textrepo.ErrFileNotFound)
		assert.ErrorIs(t, err, textrepo.ErrNotFound)
		f.index.AssertNotCalled(t, "Index", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("payload too large", func(t *testing.T) {
		f := newFixture(t, textrepo.WithMaxPayloadSize(4))
		file, err := f.svc.CreateFile(ctx, textrepo.CreateFileRequest{TypeID: f.text.ID})
		require.NoError(t, err)

		_, err = f.svc.CreateVersion(ctx, textrepo.CreateVersionRequest{FileID: file.ID, Contents: []byte("hello")})
		assert.ErrorIs(t, err, textrepo.ErrPayloadTooLarge)
		assert.ErrorIs(t, err, textrepo.ErrBadInput)
		assert.Equal(t, 0, f.repo.Count())
	})

	t.Run("empty contents", func(t *testing.T) {
		f := newFixture(t)
		f.expectIndex("")
		file, err := f.svc.CreateFile(ctx, textrepo.CreateFileRequest{TypeID: f.text.ID})
		require.NoError(t, err)

		v, err := f.svc.CreateVersion(ctx, textrepo.CreateVersionRequest{FileID: file.ID, Contents: []byte{}})
		require.NoError(t, err)
		assert.Equal(t, textrepo.Digest(nil), v.ContentsSha224)
	})

	t.Run("index failure does not abort", func(t *testing.T) {
		f := newFixture(t)
		f.index.On("Index", mock.Anything, mock.Anything, mock.Anything, "text").
			Return(&textrepo.IndexReport{Results: []textrepo.IndexResult{
				{Indexer: "a", Err: errors.New("boom")},
				{Indexer: "b"},
			}})
		file, err := f.svc.CreateFile(ctx, textrepo.CreateFileRequest{TypeID: f.text.ID})
		require.NoError(t, err)

		v, err := f.svc.CreateVersion(ctx, textrepo.CreateVersionRequest{FileID: file.ID, Contents: []byte("text")})
		require.NoError(t, err)
		got, err := f.svc.GetVersion(ctx, v.ID)
		require.NoError(t, err)
		assert.Equal(t, v.ContentsSha224, got.ContentsSha224)
	})

	t.Run("created at is truncated to microseconds", func(t *testing.T) {
		f := newFixture(t)
		f.expectIndex("x")
		file, err := f.svc.CreateFile(ctx, textrepo.CreateFileRequest{TypeID: f.text.ID})
		require.NoError(t, err)

		at := time.Date(2024, 5, 1, 10, 0, 0, 123456789, time.FixedZone("X", 3600))
		v, err := f.svc.CreateVersion(ctx, textrepo.CreateVersionRequest{FileID: file.ID, Contents: []byte("x"), CreatedAt: at})
		require.NoError(t, err)
		assert.Equal(t, time.UTC, v.CreatedAt.Location())
		assert.Equal(t, 123456000, v.CreatedAt.Nanosecond())
	})
}

func TestSharedContents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.expectIndex("shared")

	f1, err := f.svc.CreateFile(ctx, textrepo.CreateFileRequest{TypeID: f.text.ID})
	require.NoError(t, err)
	f2, err := f.svc.CreateFile(ctx, textrepo.CreateFileRequest{TypeID: f.text.ID})
	require.NoError(t, err)

	v1, err := f.svc.CreateVersion(ctx, textrepo.CreateVersionRequest{FileID: f1.ID, Contents: []byte("shared")})
	require.NoError(t, err)
	v2, err := f.svc.CreateVersion(ctx, textrepo.CreateVersionRequest{FileID: f2.ID, Contents: []byte("shared")})
	require.NoError(t, err)
	assert.Equal(t, v1.ContentsSha224, v2.ContentsSha224)
	assert.Equal(t, 1, f.repo.Count())

	require.NoError(t, f.svc.DeleteVersion(ctx, v1.ID))
	_, err = f.svc.GetContents(ctx, v1.ContentsSha224)
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteVersion(ctx, v2.ID))
	_, err = f.svc.GetContents(ctx, v1.ContentsSha224)
	assert.ErrorIs(t, err, textrepo.ErrContentsNotFound)
}

func TestLatestAndListVersions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.index.On("Index", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&textrepo.IndexReport{})

	file, err := f.svc.CreateFile(ctx, textrepo.CreateFileRequest{TypeID: f.text.ID})
	require.NoError(t, err)

	base := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	offsets := []int{5, 1, 9, 3}
	created := map[int]*textrepo.Version{}
	for _, o := range offsets {
		v, err := f.svc.CreateVersion(ctx, textrepo.CreateVersionRequest{
			FileID:    file.ID,
			Contents:  []byte{byte(o)},
			CreatedAt: base.Add(time.Duration(o) * time.Minute),
		})
		require.NoError(t, err)
		created[o] = v
	}

	latest, err := f.svc.FindLatestVersion(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, created[9].ID, latest.ID)

	page, err := f.svc.ListVersions(ctx, textrepo.ListVersionsRequest{FileID: file.ID})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	assert.Equal(t, textrepo.DefaultPageLimit, page.Params.Limit)
	require.Len(t, page.Items, 4)
	assert.Equal(t, created[9].ID, page.Items[0].ID)
	assert.Equal(t, created[1].ID, page.Items[3].ID)

	after := base.Add(3 * time.Minute)
	page, err = f.svc.ListVersions(ctx, textrepo.ListVersionsRequest{
		FileID:       file.ID,
		Page:         textrepo.PageParams{Limit: 1, Offset: 1},
		CreatedAfter: &after,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, created[5].ID, page.Items[0].ID)

	_, err = f.svc.ListVersions(ctx, textrepo.ListVersionsRequest{FileID: uuid.New()})
	assert.ErrorIs(t, err, textrepo.ErrFileNotFound)

	other, err := f.svc.CreateFile(ctx, textrepo.CreateFileRequest{TypeID: f.text.ID})
	require.NoError(t, err)
	_, err = f.svc.FindLatestVersion(ctx, other.ID)
	assert.ErrorIs(t, err, textrepo.ErrVersionNotFound)
	_, err = f.svc.GetLatestFileContents(ctx, other.ID)
	assert.ErrorIs(t, err, textrepo.ErrNotFound)
}

func TestGetContentsRejectsMalformedDigest(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetContents(context.Background(), "nope")
	assert.ErrorIs(t, err, textrepo.ErrBadInput)
}

func TestFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateFile(ctx, textrepo.CreateFileRequest{TypeID: 999})
	assert.ErrorIs(t, err, textrepo.ErrTypeNotFound)

	missing := uuid.New()
	_, err = f.svc.CreateFile(ctx, textrepo.CreateFileRequest{TypeID: f.text.ID, DocumentID: &missing})
	assert.ErrorIs(t, err, textrepo.ErrDocumentNotFound)

	file, err := f.svc.CreateFile(ctx, textrepo.CreateFileRequest{TypeID: f.text.ID})
	require.NoError(t, err)

	pdf, err := f.svc.EnsureType(ctx, "pdf", "application/pdf")
	require.NoError(t, err)
	again, err := f.svc.EnsureType(ctx, "pdf", "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, pdf.ID, again.ID)

	updated, err := f.svc.UpdateFileType(ctx, file.ID, pdf.ID)
	require.NoError(t, err)
	assert.Equal(t, file.ID, updated.ID)
	assert.Equal(t, pdf.ID, updated.TypeID)

	got, err := f.svc.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, pdf.ID, got.TypeID)

	_, err = f.svc.UpdateFileType(ctx, uuid.New(), pdf.ID)
	assert.ErrorIs(t, err, textrepo.ErrFileNotFound)

	assert.ErrorIs(t, f.svc.SetFileMetadata(ctx, file.ID, " ", "v"), textrepo.ErrBadInput)
	require.NoError(t, f.svc.SetFileMetadata(ctx, file.ID, "lang", "nl"))
	metadata, err := f.svc.GetFileMetadata(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, "nl", metadata["lang"])

	types, err := f.svc.ListTypes(ctx)
	require.NoError(t, err)
	assert.Len(t, types, 2)

	_, err = f.svc.ResolveType(ctx, "")
	assert.ErrorIs(t, err, textrepo.ErrBadInput)
	_, err = f.svc.ResolveType(ctx, "video")
	assert.ErrorIs(t, err, textrepo.ErrTypeNotFound)
}

func TestIndexTasks(t *testing.T) {
	ctx := context.Background()

	t.Run("index file without versions uses empty text", func(t *testing.T) {
		f := newFixture(t)
		f.expectIndex("")
		file, err := f.svc.CreateFile(ctx, textrepo.CreateFileRequest{TypeID: f.text.ID})
		require.NoError(t, err)

		report, err := f.svc.IndexFile(ctx, file.ID)
		require.NoError(t, err)
		assert.NoError(t, report.Err())
		f.index.AssertCalled(t, "Index", mock.Anything, file, f.text, "")
	})

	t.Run("index unknown file", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.IndexFile(ctx, uuid.New())
		assert.ErrorIs(t, err, textrepo.ErrFileNotFound)
	})

	t.Run("index document", func(t *testing.T) {
		f := newFixture(t)
		f.expectIndex("body")
		res, err := f.svc.RunImport(ctx, textrepo.ImportRequest{
			ExternalID: "doc-1", TypeName: "text", Contents: []byte("body"), AllowNewDocument: true,
		})
		require.NoError(t, err)

		report, err := f.svc.IndexDocument(ctx, "doc-1", "text")
		require.NoError(t, err)
		assert.NoError(t, report.Err())
		f.index.AssertNumberOfCalls(t, "Index", 2)
		f.index.AssertCalled(t, "Index", mock.Anything, res.File, f.text, "body")

		_, err = f.svc.IndexDocument(ctx, "doc-2", "text")
		assert.ErrorIs(t, err, textrepo.ErrDocumentNotFound)
	})

	t.Run("index all of type", func(t *testing.T) {
		f := newFixture(t)
		bad := errors.New("backend down")
		f.index.On("Index", mock.Anything, mock.Anything, mock.Anything, "fails").
			Return(&textrepo.IndexReport{Results: []textrepo.IndexResult{{Indexer: "a", Err: bad}}})
		f.index.On("Index", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(&textrepo.IndexReport{Results: []textrepo.IndexResult{{Indexer: "a"}}})

		for _, body := range []string{"one", "two", "fails"} {
			file, err := f.svc.CreateFile(ctx, textrepo.CreateFileRequest{TypeID: f.text.ID})
			require.NoError(t, err)
			_, err = f.svc.CreateVersion(ctx, textrepo.CreateVersionRequest{FileID: file.ID, Contents: []byte(body)})
			require.NoError(t, err)
		}

		result, err := f.svc.IndexAllOfType(ctx, "text")
		require.NoError(t, err)
		assert.Equal(t, "text", result.Type)
		assert.Equal(t, 2, result.Indexed)
		assert.Equal(t, 0, result.Skipped)
		assert.Equal(t, 1, result.Failed)

		_, err = f.svc.IndexAllOfType(ctx, "unknown")
		assert.ErrorIs(t, err, textrepo.ErrTypeNotFound)
	})

	t.Run("index all of type counts skipped files", func(t *testing.T) {
		f := newFixture(t)
		f.index.On("Index", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(&textrepo.IndexReport{Results: []textrepo.IndexResult{{Indexer: "a", Skipped: true}}})
		_, err := f.svc.CreateFile(ctx, textrepo.CreateFileRequest{TypeID: f.text.ID})
		require.NoError(t, err)

		result, err := f.svc.IndexAllOfType(ctx, "text")
		require.NoError(t, err)
		assert.Equal(t, textrepo.IndexAllResult{Type: "text", Skipped: 1}, *result)
	})

	t.Run("delete from index", func(t *testing.T) {
		f := newFixture(t)
		id := uuid.New()
		f.index.On("Delete", mock.Anything, id).
			Return(&textrepo.IndexReport{FileID: id, Results: []textrepo.IndexResult{{Indexer: "a"}}})

		report, err := f.svc.DeleteFromIndex(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, report.FileID)
		f.index.AssertExpectations(t)
	})

	t.Run("find drift", func(t *testing.T) {
		f := newFixture(t)
		f.expectIndex("")
		indexed, err := f.svc.CreateFile(ctx, textrepo.CreateFileRequest{TypeID: f.text.ID})
		require.NoError(t, err)
		missing, err := f.svc.CreateFile(ctx, textrepo.CreateFileRequest{TypeID: f.text.ID})
		require.NoError(t, err)
		orphan := uuid.New()
		f.index.On("GetAllIDs", mock.Anything).Return([]uuid.UUID{indexed.ID, orphan}, nil)

		drift, err := f.svc.FindIndexDrift(ctx)
		require.NoError(t, err)
		assert.False(t, drift.InSync())
		assert.Equal(t, []uuid.UUID{orphan}, drift.OnlyInIndex)
		assert.Equal(t, []uuid.UUID{missing.ID}, drift.OnlyInStore)
	})

	t.Run("find drift leaves out unsupported types", func(t *testing.T) {
		f := newFixture(t)
		f.index.unsupported = []string{"image/png"}
		png, err := f.svc.EnsureType(ctx, "scan", "image/png")
		require.NoError(t, err)
		_, err = f.svc.CreateFile(ctx, textrepo.CreateFileRequest{TypeID: png.ID})
		require.NoError(t, err)
		missing, err := f.svc.CreateFile(ctx, textrepo.CreateFileRequest{TypeID: f.text.ID})
		require.NoError(t, err)
		f.index.On("GetAllIDs", mock.Anything).Return([]uuid.UUID{}, nil)

		drift, err := f.svc.FindIndexDrift(ctx)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{missing.ID}, drift.OnlyInStore)
		assert.Empty(t, drift.OnlyInIndex)
	})

	t.Run("scan failure", func(t *testing.T) {
		f := newFixture(t)
		f.index.On("GetAllIDs", mock.Anything).Return(nil, textrepo.Unavailable("scan", errors.New("refused")))
		_, err := f.svc.FindIndexDrift(ctx)
		assert.ErrorIs(t, err, textrepo.ErrBackendUnavailable)
	})

	t.Run("without indexers", func(t *testing.T) {
		svc, err := textrepo.New(textrepo.WithRepository(memory.New()))
		require.NoError(t, err)
		drift, err := svc.FindIndexDrift(ctx)
		require.NoError(t, err)
		assert.True(t, drift.InSync())
	})
}
