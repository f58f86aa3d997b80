package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

const (
	// HTTPTimeout is the per-request timeout for engine API calls.
	HTTPTimeout = 60 * time.Second
	// MaxRetries is the number of retry attempts for transient API errors.
	MaxRetries = 3
	// BaseBackoff is the initial backoff duration; doubled on each retry.
	BaseBackoff = 100 * time.Millisecond
)

// APIError carries the HTTP status code from an engine API response.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string { return e.Message }

// IsNotFound reports whether err is an engine 404: the container (or image)
// named in the request does not exist.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == http.StatusNotFound
}

// isNotModified reports an engine 304: start on a started container, stop on
// a stopped one. Both are success for our idempotent semantics.
func isNotModified(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == http.StatusNotModified
}

// newSocketHTTPClient creates an HTTP client that dials a Unix domain socket.
func newSocketHTTPClient(socketPath string) *http.Client {
	return &http.Client{
		Timeout: HTTPTimeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

// errorBody is the engine's JSON error envelope.
type errorBody struct {
	Message string `json:"message"`
}

// do sends one request to the engine API. in (when non-nil) is JSON-encoded
// as the body; out (when non-nil) receives the decoded JSON response.
// Non-2xx responses become an *APIError with the engine's message.
func (e *Engine) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := "http://localhost" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		var eb errorBody
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096)) //nolint:mnd
		if json.Unmarshal(raw, &eb) != nil || eb.Message == "" {
			eb.Message = string(bytes.TrimSpace(raw))
		}
		return &APIError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("%s %s -> %d: %s", method, path, resp.StatusCode, eb.Message),
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

// DoWithRetry retries fn up to MaxRetries times with exponential backoff
// for transient errors (connection failures, HTTP 5xx, 429).
func DoWithRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for i := 0; i <= MaxRetries; i++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if i < MaxRetries {
			backoff := BaseBackoff * time.Duration(1<<i)
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(backoff):
			}
		}
	}
	return lastErr
}

// IsRetryable returns true for transient errors worth retrying:
// connection-level failures and HTTP 5xx/429 responses.
func IsRetryable(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Code >= http.StatusInternalServerError || ae.Code == http.StatusTooManyRequests
	}
	// Non-APIError = connection-level failure, always retry.
	return true
}
