package index_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/textrepo/pkg/textrepo"
	"github.com/tendant/textrepo/pkg/textrepo/index"
)

func TestTextFields(t *testing.T) {
	file := &textrepo.File{ID: uuid.New(), TypeID: textType.ID}
	doc, err := index.TextFields{}.Fields(context.Background(), file, textType, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", doc[index.ContentsField])
	assert.Equal(t, "text", doc["type"])
}

func TestRemoteFields_Original(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/pdf", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"body": string(body), "pages": 2})
	}))
	defer srv.Close()

	fields, err := index.NewRemoteFields(srv.URL, index.FieldsOriginal, srv.Client())
	require.NoError(t, err)

	doc, err := fields.Fields(context.Background(), &textrepo.File{ID: uuid.New()}, pdfType, "%PDF")
	require.NoError(t, err)
	assert.Equal(t, "%PDF", doc["body"])
	assert.Equal(t, float64(2), doc["pages"])
}

func TestRemoteFields_Multipart(t *testing.T) {
	file := &textrepo.File{ID: uuid.New()}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		part, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer part.Close()
		assert.Equal(t, file.ID.String(), header.Filename)
		body, _ := io.ReadAll(part)
		json.NewEncoder(w).Encode(map[string]any{"text": string(body)})
	}))
	defer srv.Close()

	fields, err := index.NewRemoteFields(srv.URL, index.FieldsMultipart, nil)
	require.NoError(t, err)

	doc, err := fields.Fields(context.Background(), file, textType, "multi")
	require.NoError(t, err)
	assert.Equal(t, "multi", doc["text"])
}

func TestRemoteFields_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unsupported", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	fields, err := index.NewRemoteFields(srv.URL, index.FieldsOriginal, nil)
	require.NoError(t, err)

	backend := newMemBackend()
	ix := index.NewIndexer("remote", fields, backend)
	_, err = ix.Index(context.Background(), &textrepo.File{ID: uuid.New()}, textType, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
	assert.Empty(t, backend.docs)
}

func TestNewRemoteFields_Validation(t *testing.T) {
	_, err := index.NewRemoteFields("", index.FieldsOriginal, nil)
	assert.Error(t, err)
	_, err = index.NewRemoteFields("http://fields", "xml", nil)
	assert.Error(t, err)
}
