// Package ledger is the client for the external credit ledger. Credits are
// deducted at admission time; a deduction failure is surfaced to the caller
// for logging but must never abort an otherwise-admitted export.
package ledger

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	HeaderSignature      = "X-Ledger-Signature"
	HeaderIdempotencyKey = "Idempotency-Key"
)

type Config struct {
	Endpoint      string
	SigningSecret string
	Timeout       time.Duration
	MaxAttempts   int
	Backoff       time.Duration
}

type Client struct {
	httpClient    *http.Client
	endpoint      string
	signingSecret string
	maxAttempts   int
	backoff       time.Duration
}

type deductRequest struct {
	OwnerID string `json:"owner_id"`
	Amount  int    `json:"amount"`
}

// NewClient returns nil when no endpoint is configured; a nil client is a
// valid no-op collaborator.
func NewClient(cfg Config) *Client {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	return &Client{
		httpClient:    &http.Client{Timeout: timeout},
		endpoint:      strings.TrimRight(cfg.Endpoint, "/") + "/v1/credits/deduct",
		signingSecret: cfg.SigningSecret,
		maxAttempts:   maxAttempts,
		backoff:       backoff,
	}
}

// Deduct charges amount credits against the owner. Retries carry the same
// idempotency key so the ledger never double-charges one admission.
func (c *Client) Deduct(ctx context.Context, ownerID string, amount int) error {
	if c == nil {
		return nil
	}

	body, err := json.Marshal(deductRequest{OwnerID: ownerID, Amount: amount})
	if err != nil {
		return fmt.Errorf("marshal deduct request: %w", err)
	}
	idempotencyKey := uuid.NewString()

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build deduct request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderIdempotencyKey, idempotencyKey)
		if c.signingSecret != "" {
			req.Header.Set(HeaderSignature, c.sign(body))
		}

		resp, err := c.httpClient.Do(req)
		if err == nil && resp != nil {
			resp.Body.Close()
		}

		if err == nil && resp != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("ledger returned status=%d", resp.StatusCode)
		}
		if attempt == c.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff):
		}
	}

	return fmt.Errorf("credit deduction failed after %d attempts: %w", c.maxAttempts, lastErr)
}

func (c *Client) sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.signingSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
