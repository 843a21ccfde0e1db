package search

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const maxQuerySize = 100

// Query is the only shape the service is allowed to send to the index: a
// bounded size plus the engine's native query DSL. No metadata reads, no
// mutations, no paging past the first window.
type Query struct {
	Size  int            `json:"size"`
	Query map[string]any `json:"query"`
}

// Config for the search-index client; credentials and TLS verification are
// configured out-of-band via environment.
type Config struct {
	URL          string
	Username     string
	Password     string
	DefaultIndex string
	Insecure     bool
	Timeout      time.Duration
}

// Client executes bounded queries against named indices over the JSON API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	transport := http.DefaultTransport
	if cfg.Insecure {
		transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// DefaultIndex returns the configured fallback index.
func (c *Client) DefaultIndex() string { return c.cfg.DefaultIndex }

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source map[string]any `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
	Error any `json:"error,omitempty"`
}

// Search runs one query against one index and returns the source records
// only. Size is clamped to the allowed maximum before sending.
func (c *Client) Search(ctx context.Context, index string, q Query) ([]map[string]any, error) {
	if index == "" {
		index = c.cfg.DefaultIndex
	}
	if index == "" {
		return nil, fmt.Errorf("no index specified")
	}
	if q.Size <= 0 || q.Size > maxQuerySize {
		q.Size = maxQuerySize
	}
	if q.Query == nil {
		q.Query = map[string]any{"match_all": map[string]any{}}
	}

	data, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}
	url := strings.TrimSuffix(c.cfg.URL, "/") + "/" + index + "/_search"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}
	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("search index error")
	}

	records := make([]map[string]any, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		if hit.Source != nil {
			records = append(records, hit.Source)
		}
	}
	return records, nil
}

// ParseQuery validates raw model output into a bounded Query. Anything other
// than a single JSON object with exactly the keys size and query is rejected.
func ParseQuery(raw string) (Query, error) {
	raw = strings.TrimSpace(raw)
	// Models wrap JSON in fences often enough to be worth stripping.
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &top); err != nil {
		return Query{}, fmt.Errorf("query is not a JSON object: %w", err)
	}
	for key := range top {
		if key != "size" && key != "query" {
			return Query{}, fmt.Errorf("unexpected top-level key %q", key)
		}
	}
	if _, ok := top["query"]; !ok {
		return Query{}, fmt.Errorf("missing query object")
	}
	var q Query
	if err := json.Unmarshal([]byte(raw), &q); err != nil {
		return Query{}, fmt.Errorf("invalid query shape: %w", err)
	}
	if q.Size <= 0 || q.Size > maxQuerySize {
		q.Size = maxQuerySize
	}
	if len(q.Query) == 0 {
		return Query{}, fmt.Errorf("empty query object")
	}
	return q, nil
}
