package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/tendant/textrepo/pkg/textrepo"
)

// Fields source kinds
const (
	FieldsText      = "text"
	FieldsOriginal  = "original"
	FieldsMultipart = "multipart"
)

// ContentsField is the field holding the rendered contents in text mode
const ContentsField = "contents"

// FieldsSource turns a file and its contents into backend document fields
type FieldsSource interface {
	Fields(ctx context.Context, file *textrepo.File, fileType *textrepo.FileType, contents string) (Document, error)
}

// TextFields stores the rendered contents as a single field
type TextFields struct{}

func (TextFields) Fields(ctx context.Context, file *textrepo.File, fileType *textrepo.FileType, contents string) (Document, error) {
	return Document{
		ContentsField: contents,
		"type":        fileType.Name,
		"mimetype":    fileType.Mimetype,
	}, nil
}

// RemoteFields asks a fields service to convert the contents. In original
// mode the contents are posted as the request body with the type's mimetype;
// in multipart mode they are posted as the form part "file".
type RemoteFields struct {
	url       string
	multipart bool
	client    *http.Client
}

// NewRemoteFields creates a remote fields source. kind is FieldsOriginal or
// FieldsMultipart.
func NewRemoteFields(url, kind string, client *http.Client) (*RemoteFields, error) {
	if url == "" {
		return nil, fmt.Errorf("fields url is required for %s fields", kind)
	}
	if kind != FieldsOriginal && kind != FieldsMultipart {
		return nil, fmt.Errorf("unknown remote fields kind %q", kind)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &RemoteFields{url: url, multipart: kind == FieldsMultipart, client: client}, nil
}

func (f *RemoteFields) Fields(ctx context.Context, file *textrepo.File, fileType *textrepo.FileType, contents string) (Document, error) {
	body, contentType, err := f.encode(file, fileType, contents)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create fields request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, textrepo.Unavailable("request fields", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("fields service %s returned %d: %s", f.url, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var doc Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode fields response: %w", err)
	}
	return doc, nil
}

func (f *RemoteFields) encode(file *textrepo.File, fileType *textrepo.FileType, contents string) (io.Reader, string, error) {
	if !f.multipart {
		contentType := fileType.Mimetype
		if contentType == "" {
			contentType = "text/plain"
		}
		return strings.NewReader(contents), contentType, nil
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", file.ID.String())
	if err != nil {
		return nil, "", fmt.Errorf("failed to create multipart part: %w", err)
	}
	if _, err := io.WriteString(part, contents); err != nil {
		return nil, "", fmt.Errorf("failed to write multipart part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}
