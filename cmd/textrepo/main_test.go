package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/textrepo/pkg/textrepo"
	"github.com/tendant/textrepo/pkg/textrepo/source"
)

// setupEnv points the commands at a sqlite store and an on-disk bleve index
// so that state survives between command runs
func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	indexers := filepath.Join(dir, "indexers.yaml")
	require.NoError(t, os.WriteFile(indexers, []byte(`
indexers:
  - name: full-text
    mimetypes: [text/plain]
    fields: {type: text}
    backend: {type: bleve, path: full-text.bleve}
`), 0644))

	t.Setenv("DATABASE_URL", "sqlite://"+filepath.Join(dir, "textrepo.db"))
	t.Setenv("INDEXERS_FILE", indexers)
	t.Setenv("TYPES", "text:text/plain")
	t.Setenv("LOG_LEVEL", "error")

	docs := filepath.Join(dir, "docs")
	require.NoError(t, os.MkdirAll(docs, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "a.txt"), []byte("alpha"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "b.txt"), []byte("beta"), 0644))
	return docs
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestImportReindexReconcile(t *testing.T) {
	docs := setupEnv(t)

	out, err := run(t, "migrate")
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = run(t, "import", "--type", "text", "--dir", docs, "--allow-new")
	require.NoError(t, err)
	var summary source.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, source.Summary{Created: 2}, summary)

	out, err = run(t, "import", "--type", "text", "--dir", docs)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, source.Summary{Unchanged: 2}, summary)

	out, err = run(t, "reconcile")
	require.NoError(t, err)
	var drift textrepo.IndexDrift
	require.NoError(t, json.Unmarshal([]byte(out), &drift))
	assert.True(t, drift.InSync())

	out, err = run(t, "reindex", "--type", "text")
	require.NoError(t, err)
	var result textrepo.IndexAllResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, textrepo.IndexAllResult{Type: "text", Indexed: 2}, result)
}

func TestImport_NewDocumentsNotAllowed(t *testing.T) {
	docs := setupEnv(t)

	out, err := run(t, "import", "--type", "text", "--dir", docs)
	require.Error(t, err)
	var summary source.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, source.Summary{Failed: 2}, summary)
}

func TestCommandValidation(t *testing.T) {
	setupEnv(t)

	tests := []struct {
		name string
		args []string
	}{
		{"import without type", []string{"import", "--dir", "."}},
		{"import without source", []string{"import", "--type", "text"}},
		{"import with two sources", []string{"import", "--type", "text", "--dir", ".", "--s3-bucket", "b"}},
		{"reindex without type", []string{"reindex"}},
		{"reindex unknown type", []string{"reindex", "--type", "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestMigrate_Memory(t *testing.T) {
	t.Setenv("DATABASE_URL", "memory")
	_, err := run(t, "migrate")
	assert.ErrorContains(t, err, "no migrations")
}
