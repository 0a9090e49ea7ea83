// internal/rerank/rerank.go
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"memtier/internal/breaker"
	"memtier/internal/memory"
)

// Client talks to the cross-encoder rerank service (/v1/rerank contract),
// guarded by a circuit breaker. Raw model scores are unbounded logits; they
// are squashed to (0,1) so the quality enforcer can use them as a
// multiplier without zeroing candidates.
type Client struct {
	apiURL  string
	client  *http.Client
	breaker *breaker.Breaker
}

// NewClient creates a rerank client.
func NewClient(apiURL string, b *breaker.Breaker) *Client {
	return &Client{
		apiURL: apiURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker: b,
	}
}

// Available reports whether the breaker would currently attempt a call.
func (c *Client) Available() bool {
	return c.breaker.Available()
}

// Rerank scores documents against the query. Results keep the request
// indices so callers can fold scores back onto their candidates.
func (c *Client) Rerank(ctx context.Context, query string, documents []string, topN int) ([]memory.RerankResult, error) {
	var results []memory.RerankResult
	err := c.breaker.Call(func() error {
		var callErr error
		results, callErr = c.rerank(ctx, query, documents, topN)
		return callErr
	})
	return results, err
}

func (c *Client) rerank(ctx context.Context, query string, documents []string, topN int) ([]memory.RerankResult, error) {
	reqBody := map[string]interface{}{
		"query":     query,
		"documents": documents,
		"top_n":     topN,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.apiURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Results []struct {
			Index          int     `json:"index"`
			RelevanceScore float64 `json:"relevance_score"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	out := make([]memory.RerankResult, 0, len(result.Results))
	for _, r := range result.Results {
		out = append(out, memory.RerankResult{
			Index:     r.Index,
			Relevance: squash(r.RelevanceScore),
		})
	}
	return out, nil
}

// squash maps an unbounded relevance logit into (0,1).
func squash(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
