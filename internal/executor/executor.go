// Package executor sends one HTTP request under the configured retry policy.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"cmdflow/internal/config"
	"cmdflow/internal/logging"
)

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// DefaultSleep is swapped out by tests.
var DefaultSleep SleepFunc = func(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ExecuteRequest sends req and reads the whole response body. Transport
// errors and 5xx statuses not listed in ExcludeErrors are retried up to
// MaxAttempts with Backoff seconds between attempts. Any other status, and
// the last retryable one, is returned to the caller as is. The returned response's Body is already
// drained and replaced with a reader over the returned bytes.
func ExecuteRequest(client Doer, req *http.Request, retry config.RetryConfig) (*http.Response, []byte, error) {
	ctx := req.Context()
	maxAttempts := retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	backoff := time.Duration(retry.Backoff) * time.Second

	if req.Body != nil && req.GetBody == nil && maxAttempts > 1 {
		data, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read request body for potential retry: %w", err)
		}
		req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil }
		req.Body, _ = req.GetBody()
		req.ContentLength = int64(len(data))
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			logging.Logf(logging.Info, "Retrying %s %s in %v (attempt %d/%d)", req.Method, req.URL.Redacted(), backoff, attempt, maxAttempts)
			if err := DefaultSleep(ctx, backoff); err != nil {
				return nil, nil, fmt.Errorf("request cancelled while waiting to retry: %w (last error: %v)", err, lastErr)
			}
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, nil, fmt.Errorf("failed to reset request body for retry: %w", err)
				}
				req.Body = body
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			logging.Logf(logging.Info, "Attempt %d failed: %v", attempt, err)
			if ctx.Err() != nil {
				return nil, nil, lastErr
			}
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return resp, nil, fmt.Errorf("failed to read response body (status %d): %w", resp.StatusCode, err)
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))

		if !retryable(resp.StatusCode, retry.ExcludeErrors) || attempt == maxAttempts {
			logging.Logf(logging.Debug, "Attempt %d finished with status %d", attempt, resp.StatusCode)
			return resp, body, nil
		}
		lastErr = fmt.Errorf("received retryable status code %d", resp.StatusCode)
		logging.Logf(logging.Info, "Attempt %d failed: %v", attempt, lastErr)
	}
	return nil, nil, fmt.Errorf("request failed after %d attempts: %w", maxAttempts, lastErr)
}

func retryable(status int, exclude []int) bool {
	return status >= 500 && status < 600 && !slices.Contains(exclude, status)
}
