package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/textrepo/pkg/textrepo"
	"github.com/tendant/textrepo/pkg/textrepo/api"
	"github.com/tendant/textrepo/pkg/textrepo/index"
	"github.com/tendant/textrepo/pkg/textrepo/index/bleve"
	"github.com/tendant/textrepo/pkg/textrepo/repo/memory"
)

const helloSha = "ea09ae9cc6768c50fcee903ed054556e5bfc8347907f12598aa24193"

type testServer struct {
	router   http.Handler
	service  textrepo.Service
	textType *textrepo.FileType
}

func setupTest(t *testing.T, maxPayload int64, health func(context.Context) error) *testServer {
	t.Helper()
	backend, err := bleve.New("")
	require.NoError(t, err)
	registry := prometheus.NewRegistry()
	coord := index.NewCoordinator(
		[]textrepo.Indexer{index.NewIndexer("full-text", nil, backend)},
		index.WithMetrics(index.NewMetrics(registry)),
	)
	t.Cleanup(func() { coord.Close() })

	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}

	service, err := textrepo.New(
		textrepo.WithRepository(memory.New()),
		textrepo.WithClock(clock),
		textrepo.WithIndexService(coord),
		textrepo.WithMaxPayloadSize(maxPayload),
	)
	require.NoError(t, err)
	textType, err := service.EnsureType(context.Background(), "text", "text/plain")
	require.NoError(t, err)

	h := api.NewHandler(service, api.WithMaxPayloadSize(maxPayload))
	return &testServer{
		router:   api.NewRouter(h, api.RouterConfig{Health: health, Gatherer: registry}),
		service:  service,
		textType: textType,
	}
}

func (s *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func multipartRequest(t *testing.T, method, target string, fields map[string]string, filename, contents string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		part, err := mw.CreateFormFile("contents", filename)
		require.NoError(t, err)
		_, err = io.WriteString(part, contents)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(method, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func jsonRequest(t *testing.T, method, target string, v any) *http.Request {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (s *testServer) createFile(t *testing.T) *textrepo.File {
	t.Helper()
	w := s.do(t, jsonRequest(t, http.MethodPost, "/rest/files", api.CreateFileRequest{TypeID: s.textType.ID}))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	file := decode[textrepo.File](t, w)
	return &file
}

func TestVersionLifecycle(t *testing.T) {
	s := setupTest(t, textrepo.DefaultMaxPayloadSize, nil)
	file := s.createFile(t)

	w := s.do(t, multipartRequest(t, http.MethodPost, "/rest/versions",
		map[string]string{"fileId": file.ID.String()}, "hello.txt", "hello"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	version := decode[textrepo.Version](t, w)
	assert.Equal(t, helloSha, version.ContentsSha224)
	assert.Equal(t, file.ID, version.FileID)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/rest/versions/"+version.ID.String(), nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, version.ID, decode[textrepo.Version](t, w).ID)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/rest/files/"+file.ID.String()+"/contents", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())
	assert.Equal(t, `"`+helloSha+`"`, w.Header().Get("ETag"))

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/rest/contents/"+helloSha, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())

	w = s.do(t, httptest.NewRequest(http.MethodPut, "/rest/versions/"+version.ID.String(), nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = s.do(t, httptest.NewRequest(http.MethodDelete, "/rest/versions/"+version.ID.String(), nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/rest/versions/"+version.ID.String(), nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, httptest.NewRequest(http.MethodDelete, "/rest/versions/"+version.ID.String(), nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	// the contents lost their last reference
	w = s.do(t, httptest.NewRequest(http.MethodGet, "/rest/contents/"+helloSha, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateVersion_Errors(t *testing.T) {
	s := setupTest(t, 16, nil)
	file := s.createFile(t)

	tests := []struct {
		name   string
		req    *http.Request
		status int
	}{
		{
			"unknown file",
			multipartRequest(t, http.MethodPost, "/rest/versions", map[string]string{"fileId": uuid.NewString()}, "a.txt", "a"),
			http.StatusNotFound,
		},
		{
			"malformed file id",
			multipartRequest(t, http.MethodPost, "/rest/versions", map[string]string{"fileId": "nope"}, "a.txt", "a"),
			http.StatusBadRequest,
		},
		{
			"missing contents",
			multipartRequest(t, http.MethodPost, "/rest/versions", map[string]string{"fileId": file.ID.String()}, "", ""),
			http.StatusBadRequest,
		},
		{
			"payload too large",
			multipartRequest(t, http.MethodPost, "/rest/versions", map[string]string{"fileId": file.ID.String()}, "big.txt", strings.Repeat("x", 17)),
			http.StatusRequestEntityTooLarge,
		},
		{
			"not multipart",
			jsonRequest(t, http.MethodPost, "/rest/versions", map[string]string{"fileId": file.ID.String()}),
			http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, tt.req)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.NotEmpty(t, decode[api.ErrorResponse](t, w).Error)
		})
	}
}

func TestCreateVersion_ContentsAsFormValue(t *testing.T) {
	s := setupTest(t, textrepo.DefaultMaxPayloadSize, nil)
	file := s.createFile(t)

	w := s.do(t, multipartRequest(t, http.MethodPost, "/rest/versions",
		map[string]string{"fileId": file.ID.String(), "contents": "hello"}, "", ""))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, helloSha, decode[textrepo.Version](t, w).ContentsSha224)
}

func TestListVersions(t *testing.T) {
	s := setupTest(t, textrepo.DefaultMaxPayloadSize, nil)
	file := s.createFile(t)
	for _, contents := range []string{"one", "two", "three"} {
		w := s.do(t, multipartRequest(t, http.MethodPut, "/rest/files/"+file.ID.String()+"/contents", nil, "f.txt", contents))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w := s.do(t, httptest.NewRequest(http.MethodGet, "/rest/files/"+file.ID.String()+"/versions?limit=2", nil))
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[textrepo.Page[*textrepo.Version]](t, w)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, textrepo.Digest([]byte("three")), page.Items[0].ContentsSha224)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/rest/files/"+file.ID.String()+"/versions?limit=x", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/rest/files/"+file.ID.String()+"/versions?createdAfter=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/rest/files/"+uuid.NewString()+"/versions", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUploadFileContents(t *testing.T) {
	s := setupTest(t, textrepo.DefaultMaxPayloadSize, nil)
	file := s.createFile(t)
	target := "/rest/files/" + file.ID.String() + "/contents"

	w := s.do(t, multipartRequest(t, http.MethodPut, target, nil, "letter.txt", "dear"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	first := decode[textrepo.Version](t, w)

	// same contents keep the latest version
	w = s.do(t, multipartRequest(t, http.MethodPut, target, nil, "letter.txt", "dear"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, first.ID, decode[textrepo.Version](t, w).ID)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/rest/files/"+file.ID.String()+"/metadata", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]string{textrepo.FilenameKey: "letter.txt"}, decode[map[string]string](t, w))

	w = s.do(t, jsonRequest(t, http.MethodPut, "/rest/files/"+file.ID.String()+"/metadata/language", api.MetadataValueRequest{Value: "nl"}))
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/rest/files/"+file.ID.String()+"/metadata", nil))
	assert.Equal(t, "nl", decode[map[string]string](t, w)["language"])
}

func TestFilesAndTypes(t *testing.T) {
	s := setupTest(t, textrepo.DefaultMaxPayloadSize, nil)

	w := s.do(t, jsonRequest(t, http.MethodPost, "/rest/types", api.EnsureTypeRequest{Name: "tei", Mimetype: "application/tei+xml"}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	tei := decode[textrepo.FileType](t, w)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/rest/types/tei", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, tei.ID, decode[textrepo.FileType](t, w).ID)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/rest/types", nil))
	assert.Len(t, decode[[]textrepo.FileType](t, w), 2)

	file := s.createFile(t)
	w = s.do(t, jsonRequest(t, http.MethodPut, "/rest/files/"+file.ID.String(), api.UpdateFileRequest{TypeID: tei.ID}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, tei.ID, decode[textrepo.File](t, w).TypeID)

	w = s.do(t, jsonRequest(t, http.MethodPost, "/rest/files", api.CreateFileRequest{TypeID: 999}))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/rest/files/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/rest/contents/xyz", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestImportAndIndexTasks(t *testing.T) {
	s := setupTest(t, textrepo.DefaultMaxPayloadSize, nil)

	w := s.do(t, multipartRequest(t, http.MethodPost, "/task/import/documents/doc-1/text", nil, "doc-1.txt", "first"))
	assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())

	w = s.do(t, multipartRequest(t, http.MethodPost, "/task/import/documents/doc-1/text?allowNewDocument=true", nil, "doc-1.txt", "first"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	result := decode[textrepo.ImportResult](t, w)
	assert.True(t, result.VersionCreated)

	w = s.do(t, multipartRequest(t, http.MethodPost, "/task/import/documents/doc-1/text", nil, "doc-1.txt", "first"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, result.Version.ID, decode[textrepo.ImportResult](t, w).Version.ID)

	w = s.do(t, httptest.NewRequest(http.MethodPost, "/task/index/document/doc-1/text", nil))
	require.Equal(t, http.StatusOK, w.Code)
	report := decode[api.IndexReportResponse](t, w)
	assert.Equal(t, result.File.ID, report.FileID)
	require.Len(t, report.Results, 1)
	assert.Empty(t, report.Results[0].Error)

	w = s.do(t, httptest.NewRequest(http.MethodPost, "/task/index/files/text", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, textrepo.IndexAllResult{Type: "text", Indexed: 1}, decode[textrepo.IndexAllResult](t, w))

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/task/index/drift", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[textrepo.IndexDrift](t, w).InSync())

	w = s.do(t, httptest.NewRequest(http.MethodDelete, "/task/index/file/"+result.File.ID.String(), nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/task/index/drift", nil))
	drift := decode[textrepo.IndexDrift](t, w)
	assert.Equal(t, []uuid.UUID{result.File.ID}, drift.OnlyInStore)
	assert.Empty(t, drift.OnlyInIndex)

	w = s.do(t, httptest.NewRequest(http.MethodPost, "/task/index/file/"+result.File.ID.String(), nil))
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, httptest.NewRequest(http.MethodGet, "/task/index/drift", nil))
	assert.True(t, decode[textrepo.IndexDrift](t, w).InSync())

	w = s.do(t, httptest.NewRequest(http.MethodPost, "/task/index/files/unknown", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := setupTest(t, textrepo.DefaultMaxPayloadSize, nil)
	w := s.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	file := s.createFile(t)
	s.do(t, multipartRequest(t, http.MethodPut, "/rest/files/"+file.ID.String()+"/contents", nil, "f.txt", "indexed"))

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `textrepo_index_operations_total{indexer="full-text",op="index",outcome="ok"} 1`)

	down := setupTest(t, textrepo.DefaultMaxPayloadSize, func(context.Context) error {
		return errors.New("connection refused")
	})
	w = down.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
