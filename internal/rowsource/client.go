// Package rowsource is the client for the external query layer that resolves
// record identifiers to full records. The sequence is finite and ordered;
// identifiers that fail to resolve are simply absent from the response.
package rowsource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/exportflow/exportflow/internal/domain"
)

type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

type Client struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
}

type fetchRequest struct {
	Kind        string   `json:"kind"`
	Identifiers []string `json:"identifiers"`
}

type fetchResponse struct {
	Records []domain.Record `json:"records"`
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("row source endpoint is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   strings.TrimRight(cfg.Endpoint, "/") + "/v1/records/fetch",
		apiKey:     cfg.APIKey,
	}, nil
}

// Fetch resolves one batch of identifiers. The response preserves request
// order for the identifiers that resolved; missing ones are dropped, never
// an error.
func (c *Client) Fetch(ctx context.Context, kind string, identifiers []string) ([]domain.Record, error) {
	body, err := json.Marshal(fetchRequest{Kind: kind, Identifiers: identifiers})
	if err != nil {
		return nil, fmt.Errorf("marshal fetch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch records: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return nil, fmt.Errorf("row source returned status=%d", resp.StatusCode)
	}

	var parsed fetchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode fetch response: %w", err)
	}
	return parsed.Records, nil
}
