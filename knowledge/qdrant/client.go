// Package qdrant searches a Qdrant collection of guideline chunks.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/medigraph/clinagent/knowledge"
	"github.com/medigraph/clinagent/types"
)

const defaultTopK = 5

type Client struct {
	baseURL    string
	collection string
	apiKey     string
	embedder   knowledge.Embedder
	httpClient *http.Client
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

func New(baseURL, collection string, embedder knowledge.Embedder, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("qdrant base url is required")
	}
	if collection == "" {
		return nil, fmt.Errorf("qdrant collection is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		embedder:   embedder,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var _ knowledge.Base = (*Client)(nil)

func (c *Client) Search(ctx context.Context, query string, topK int) ([]types.EvidenceSnippet, error) {
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if topK <= 0 {
		topK = defaultTopK
	}

	vectors, err := c.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for one query", len(vectors))
	}

	payload := searchRequest{
		Vector:      vectors[0],
		Limit:       topK,
		WithPayload: true,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/collections/%s/points/search", c.baseURL, c.collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("qdrant search failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read qdrant response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("qdrant API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var apiResp searchResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode qdrant response: %w", err)
	}

	snippets := make([]types.EvidenceSnippet, 0, len(apiResp.Result))
	for _, hit := range apiResp.Result {
		if hit.Payload.Content == "" {
			continue
		}
		snippets = append(snippets, types.EvidenceSnippet{
			Content: hit.Payload.Content,
			Source:  hit.Payload.Source,
			Score:   hit.Score,
		})
	}
	return snippets, nil
}

type searchRequest struct {
	Vector      []float32 `json:"vector"`
	Limit       int       `json:"limit"`
	WithPayload bool      `json:"with_payload"`
}

type searchResponse struct {
	Result []struct {
		Score   float64 `json:"score"`
		Payload struct {
			Content string `json:"content"`
			Source  string `json:"source"`
		} `json:"payload"`
	} `json:"result"`
}
