// Package analysis is a client for the content-analysis service that
// classifies inbound mail and drafts replies.
package analysis

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

	"golang.org/x/time/rate"
)

// ErrUnavailable means the service could not be reached, timed out or
// answered with a server-side error. Callers degrade instead of failing.
var ErrUnavailable = errors.New("analysis service unavailable")

// Client is a content-analysis API client
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Config for the analysis client
type Config struct {
	BaseURL string // e.g., https://analysis.example.com
	APIKey  string
	Timeout time.Duration
	Rate    float64 // requests per second
}

// Request is the message content sent for analysis
type Request struct {
	Sender  string `json:"sender"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Tone    string `json:"tone,omitempty"`
}

// Classification is the result of Classify
type Classification struct {
	Sentiment string `json:"sentiment"`
	Category  string `json:"category"`
}

type draftResponse struct {
	Reply string `json:"reply"`
}

// NewClient creates a new analysis API client
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 5
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), 1),
	}
}

// IsConfigured returns true if a service URL is set
func (c *Client) IsConfigured() bool {
	return c.baseURL != ""
}

// Classify returns the sentiment and category of a message
func (c *Client) Classify(ctx context.Context, req Request) (*Classification, error) {
	req.Tone = ""

	var out Classification
	if err := c.post(ctx, "/v1/classify", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DraftReply returns a suggested reply written in the requested tone
func (c *Client) DraftReply(ctx context.Context, req Request) (string, error) {
	var out draftResponse
	if err := c.post(ctx, "/v1/draft", req, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Reply) == "" {
		return "", fmt.Errorf("empty draft from API")
	}
	return out.Reply, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	if !c.IsConfigured() {
		return fmt.Errorf("%w: not configured", ErrUnavailable)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error: %s (status %d)", strings.TrimSpace(string(respBody)), resp.StatusCode)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w (body: %s)", err, string(respBody))
	}

	return nil
}
