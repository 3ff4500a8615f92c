// Package elastic stores index documents in Elasticsearch.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/tendant/textrepo/pkg/textrepo"
	"github.com/tendant/textrepo/pkg/textrepo/index"
)

// DefaultScrollKeepAlive is how long Elasticsearch keeps a scroll context
// between two scan calls
const DefaultScrollKeepAlive = time.Minute

// Config holds the connection settings of one Elasticsearch index
type Config struct {
	Hosts []string
	Index string
	// Mapping is the request body used to create the index when it is absent
	Mapping []byte
	// ScrollKeepAlive defaults to DefaultScrollKeepAlive
	ScrollKeepAlive time.Duration
	// Transport overrides the HTTP transport of the client
	Transport http.RoundTripper
}

// Backend implements index.Backend on one Elasticsearch index
type Backend struct {
	client    *elasticsearch.Client
	index     string
	keepAlive time.Duration
}

// New creates the backend and makes sure the index exists
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("at least one elasticsearch host is required")
	}
	if cfg.Index == "" {
		return nil, fmt.Errorf("elasticsearch index name is required")
	}

	addresses := make([]string, 0, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		addresses = append(addresses, strings.TrimRight(h, "/"))
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: addresses,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	b := &Backend{
		client:    client,
		index:     cfg.Index,
		keepAlive: cfg.ScrollKeepAlive,
	}
	if b.keepAlive <= 0 {
		b.keepAlive = DefaultScrollKeepAlive
	}
	if err := b.ensureIndex(ctx, cfg.Mapping); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) ensureIndex(ctx context.Context, mapping []byte) error {
	status, _, err := b.do(ctx, "indices.exists", esapi.IndicesExistsRequest{Index: []string{b.index}})
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
	default:
		return fmt.Errorf("unexpected status %d checking index %s", status, b.index)
	}

	req := esapi.IndicesCreateRequest{Index: b.index}
	if len(mapping) > 0 {
		req.Body = bytes.NewReader(mapping)
	}
	status, body, err := b.do(ctx, "indices.create", req)
	if err != nil {
		return err
	}
	// a concurrent creator may have won the race
	if status >= 300 && !strings.Contains(string(body), "resource_already_exists_exception") {
		return fmt.Errorf("failed to create index %s: status %d: %s", b.index, status, body)
	}
	return nil
}

func (b *Backend) Put(ctx context.Context, id string, doc index.Document) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", id, err)
	}
	status, body, err := b.do(ctx, "index", esapi.IndexRequest{
		Index:      b.index,
		DocumentID: id,
		Body:       bytes.NewReader(payload),
	})
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return fmt.Errorf("failed to index document %s: status %d: %s", id, status, body)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, id string) (bool, error) {
	status, body, err := b.do(ctx, "delete", esapi.DeleteRequest{Index: b.index, DocumentID: id})
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("failed to delete document %s: status %d: %s", id, status, body)
	}
}

type scrollResponse struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Hits []struct {
			ID string `json:"_id"`
		} `json:"hits"`
	} `json:"hits"`
}

// Scan opens a scroll when cursor is empty and continues it otherwise. The
// returned cursor is the scroll id and must be released.
func (b *Backend) Scan(ctx context.Context, cursor string, pageSize int) ([]string, string, error) {
	var req esapi.Request
	if cursor == "" {
		query, err := json.Marshal(map[string]any{
			"size":    pageSize,
			"_source": false,
			"sort":    []string{"_doc"},
			"query":   map[string]any{"match_all": map[string]any{}},
		})
		if err != nil {
			return nil, cursor, fmt.Errorf("failed to encode search request: %w", err)
		}
		req = esapi.SearchRequest{
			Index:  []string{b.index},
			Body:   bytes.NewReader(query),
			Scroll: b.keepAlive,
		}
	} else {
		scroll, err := json.Marshal(map[string]any{
			"scroll":    b.keepAlive.String(),
			"scroll_id": cursor,
		})
		if err != nil {
			return nil, cursor, fmt.Errorf("failed to encode scroll request: %w", err)
		}
		req = esapi.ScrollRequest{Body: bytes.NewReader(scroll)}
	}

	status, body, err := b.do(ctx, "scroll", req)
	if err != nil {
		return nil, cursor, err
	}
	if status != http.StatusOK {
		return nil, cursor, fmt.Errorf("scroll of %s failed: status %d: %s", b.index, status, body)
	}

	var resp scrollResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, cursor, fmt.Errorf("failed to decode scroll response: %w", err)
	}
	ids := make([]string, 0, len(resp.Hits.Hits))
	for _, hit := range resp.Hits.Hits {
		ids = append(ids, hit.ID)
	}
	next := resp.ScrollID
	if next == "" {
		next = cursor
	}
	return ids, next, nil
}

// Release clears the scroll context. An expired scroll is not an error.
func (b *Backend) Release(ctx context.Context, cursor string) error {
	payload, err := json.Marshal(map[string]any{"scroll_id": []string{cursor}})
	if err != nil {
		return fmt.Errorf("failed to encode clear scroll request: %w", err)
	}
	status, body, err := b.do(ctx, "clear_scroll", esapi.ClearScrollRequest{Body: bytes.NewReader(payload)})
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNotFound {
		return fmt.Errorf("failed to clear scroll: status %d: %s", status, body)
	}
	return nil
}

func (b *Backend) Close() error {
	return nil
}

// do performs the request and reads the whole response. Failing to reach
// any node is reported as an unavailable backend.
func (b *Backend) do(ctx context.Context, op string, req esapi.Request) (int, []byte, error) {
	res, err := req.Do(ctx, b.client)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, nil, ctxErr
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, nil, err
		}
		return 0, nil, textrepo.Unavailable("elasticsearch "+op, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return 0, nil, textrepo.Unavailable("elasticsearch "+op, err)
	}
	return res.StatusCode, body, nil
}

var _ index.Backend = (*Backend)(nil)
