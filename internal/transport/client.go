// Package transport is the JSON-over-HTTP client used by the remote
// classifier and sub-agent collaborators. Every failure it returns is a
// transport-kind fault, except deadline expiry which is a timeout.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"gampwise/internal/faults"
)

// Client posts JSON requests to one collaborator base URL.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the Client during construction.
type Option func(*clientConfig) error

type clientConfig struct {
	httpClient *http.Client
	logger     *slog.Logger
	timeout    time.Duration
	token      string
}

// New creates a Client for baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("transport: baseURL is required")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	cfg := &clientConfig{}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	httpClient := cfg.httpClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.timeout > 0 {
		httpClient.Timeout = cfg.timeout
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		baseURL:    baseURL,
		token:      cfg.token,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *clientConfig) error {
		cfg.httpClient = c
		return nil
	}
}

// WithLogger configures structured logging.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *clientConfig) error {
		cfg.logger = l
		return nil
	}
}

// WithTimeout sets a timeout on the HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(cfg *clientConfig) error {
		if d < 0 {
			return fmt.Errorf("transport: negative timeout %s", d)
		}
		cfg.timeout = d
		return nil
	}
}

// WithBearerToken sends an Authorization header on every request.
func WithBearerToken(token string) Option {
	return func(cfg *clientConfig) error {
		cfg.token = token
		return nil
	}
}

// BaseURL returns the collaborator endpoint root.
func (c *Client) BaseURL() string { return c.baseURL }

// PostJSON marshals body to path and decodes the response into dst.
func (c *Client) PostJSON(ctx context.Context, path, operation string, body, dst any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return faults.New(faults.KindInternal, operation, "encode", err)
	}
	url := c.baseURL + "/" + strings.TrimPrefix(path, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return faults.New(faults.KindInternal, operation, "create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.logger.DebugContext(ctx, "collaborator request", "operation", operation, "url", url)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return faults.New(faults.KindTimeout, operation, "do request", err)
		}
		if errors.Is(err, context.Canceled) {
			return faults.New(faults.KindCancelled, operation, "do request", err)
		}
		return faults.New(faults.KindTransport, operation, "do request", err)
	}
	defer resp.Body.Close()

	c.logger.DebugContext(ctx, "collaborator response", "operation", operation, "status", resp.StatusCode)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return faults.New(faults.KindTransport, operation, "read body", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return faults.New(faults.KindTransport, operation, "status",
			fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200))).
			WithDetail("status", resp.StatusCode)
	}
	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, dst); err != nil {
		return faults.New(faults.KindTransport, operation, "decode", err)
	}
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
