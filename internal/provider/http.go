package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config holds the per-vendor settings the gateway is constructed from.
// Timeout and MaxRetries are adapter-level knobs: the failover manager's
// own "retry" is trying the next distinct provider, never this one again.
type Config struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

const defaultTimeout = 120 * time.Second

// newHTTPClient returns the client an adapter should use when the caller
// didn't supply one.
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// postJSON sends body to url with the given headers, retrying transport
// errors and retryable status codes (429, 5xx) up to maxRetries extra
// attempts. The caller owns the response body on success.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body []byte, maxRetries int) (*http.Response, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			// Brief linear backoff between vendor-level retries.
			select {
			case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, readErrorBody(resp.Body))
			resp.Body.Close()
			continue
		}

		return resp, nil
	}

	return nil, lastErr
}

// readErrorBody drains up to 64KB of an error response for diagnostics.
func readErrorBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 64<<10))
	return string(bytes.TrimSpace(b))
}
