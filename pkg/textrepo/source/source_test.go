package source_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tendant/textrepo/pkg/textrepo"
	"github.com/tendant/textrepo/pkg/textrepo/repo/memory"
	"github.com/tendant/textrepo/pkg/textrepo/source"
)

func newService(t *testing.T) textrepo.Service {
	t.Helper()
	svc, err := textrepo.New(textrepo.WithRepository(memory.New()))
	require.NoError(t, err)
	_, err = svc.EnsureType(context.Background(), "text", "text/plain")
	require.NoError(t, err)
	return svc
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
}

func TestExternalID(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"doc-1.txt", "doc-1"},
		{"nested/dir/doc-2.xml", "doc-2"},
		{"archive.tar.gz", "archive.tar"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, source.ExternalID(tt.name))
		})
	}
}

func TestImportDir(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "alpha")
	writeFile(t, filepath.Join(root, "sub", "b.txt"), "beta")
	writeFile(t, filepath.Join(root, ".hidden"), "skipped")
	writeFile(t, filepath.Join(root, ".git", "config"), "skipped")

	svc := newService(t)
	dir, err := source.NewDir(root)
	require.NoError(t, err)

	opts := source.Options{TypeName: "text", AllowNewDocument: true}
	summary, err := source.Import(ctx, dir, svc, opts)
	require.NoError(t, err)
	assert.Equal(t, &source.Summary{Created: 2}, summary)

	// a second run finds nothing new
	summary, err = source.Import(ctx, dir, svc, opts)
	require.NoError(t, err)
	assert.Equal(t, &source.Summary{Unchanged: 2}, summary)

	writeFile(t, filepath.Join(root, "a.txt"), "alpha v2")
	summary, err = source.Import(ctx, dir, svc, opts)
	require.NoError(t, err)
	assert.Equal(t, &source.Summary{Created: 1, Unchanged: 1}, summary)

	result, err := svc.RunImport(ctx, textrepo.ImportRequest{
		ExternalID: "b", TypeName: "text", Filename: "b.txt", Contents: []byte("beta"),
	})
	require.NoError(t, err)
	assert.False(t, result.VersionCreated)

	meta, err := svc.GetFileMetadata(ctx, result.File.ID)
	require.NoError(t, err)
	assert.Equal(t, "b.txt", meta[textrepo.FilenameKey])
}

func TestImportDir_FailuresAreCounted(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "new.txt"), "new")

	dir, err := source.NewDir(root)
	require.NoError(t, err)

	summary, err := source.Import(context.Background(), dir, newService(t), source.Options{TypeName: "text"})
	require.NoError(t, err)
	assert.Equal(t, &source.Summary{Failed: 1}, summary)
}

func TestImport_RequiresType(t *testing.T) {
	dir, err := source.NewDir(t.TempDir())
	require.NoError(t, err)
	_, err = source.Import(context.Background(), dir, newService(t), source.Options{})
	assert.ErrorIs(t, err, textrepo.ErrBadInput)
}

func TestNewDir_Validation(t *testing.T) {
	_, err := source.NewDir("")
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "file.txt")
	writeFile(t, file, "x")
	_, err = source.NewDir(file)
	assert.Error(t, err)

	_, err = source.NewDir(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

// Mock S3 client for unit testing
type mockS3Client struct {
	mock.Mock
}

func (m *mockS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.ListObjectsV2Output)
	return out, args.Error(1)
}

func (m *mockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.GetObjectOutput)
	return out, args.Error(1)
}

func object(key, contents string) types.Object {
	return types.Object{Key: aws.String(key), Size: aws.Int64(int64(len(contents)))}
}

func (m *mockS3Client) expectObject(key, contents string) {
	n := int64(len(contents))
	m.On("GetObject", mock.Anything, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
		return aws.ToString(in.Key) == key
	})).Return(&s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader([]byte(contents))),
		ContentLength: aws.Int64(n),
		ContentRange:  aws.String(fmt.Sprintf("bytes 0-%d/%d", n-1, n)),
	}, nil).Once()
}

func TestImportS3(t *testing.T) {
	client := new(mockS3Client)
	client.On("ListObjectsV2", mock.Anything, mock.MatchedBy(func(in *s3.ListObjectsV2Input) bool {
		return in.ContinuationToken == nil && aws.ToString(in.Prefix) == "batch/"
	})).Return(&s3.ListObjectsV2Output{
		Contents:              []types.Object{object("batch/", ""), object("batch/one.txt", "one")},
		IsTruncated:           aws.Bool(true),
		NextContinuationToken: aws.String("page-2"),
	}, nil).Once()
	client.On("ListObjectsV2", mock.Anything, mock.MatchedBy(func(in *s3.ListObjectsV2Input) bool {
		return aws.ToString(in.ContinuationToken) == "page-2"
	})).Return(&s3.ListObjectsV2Output{
		Contents:    []types.Object{object("batch/two.txt", "two")},
		IsTruncated: aws.Bool(false),
	}, nil).Once()
	client.expectObject("batch/one.txt", "one")
	client.expectObject("batch/two.txt", "two")

	svc := newService(t)
	src := source.NewS3WithClient(client, "texts", "batch/")

	summary, err := source.Import(context.Background(), src, svc, source.Options{TypeName: "text", AllowNewDocument: true})
	require.NoError(t, err)
	assert.Equal(t, &source.Summary{Created: 2}, summary)
	client.AssertExpectations(t)

	result, err := svc.RunImport(context.Background(), textrepo.ImportRequest{
		ExternalID: "two", TypeName: "text", Filename: "two.txt", Contents: []byte("two"),
	})
	require.NoError(t, err)
	assert.False(t, result.VersionCreated)
}

func TestImportS3_MissingBucket(t *testing.T) {
	client := new(mockS3Client)
	client.On("ListObjectsV2", mock.Anything, mock.Anything).
		Return(nil, &smithy.GenericAPIError{Code: "NoSuchBucket", Message: "missing"}).Once()

	src := source.NewS3WithClient(client, "missing", "")
	_, err := source.Import(context.Background(), src, newService(t), source.Options{TypeName: "text"})
	assert.ErrorIs(t, err, textrepo.ErrNotFound)
}

func TestImportS3_ServiceError(t *testing.T) {
	client := new(mockS3Client)
	client.On("ListObjectsV2", mock.Anything, mock.Anything).
		Return(nil, &smithy.GenericAPIError{Code: "InternalError", Message: "boom"}).Once()

	src := source.NewS3WithClient(client, "texts", "")
	_, err := source.Import(context.Background(), src, newService(t), source.Options{TypeName: "text"})
	assert.ErrorIs(t, err, textrepo.ErrBackendUnavailable)
}
