package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = time.Second
	maxErrorBody      = 4 << 10
)

// StatusError is a non-2xx HTTP response from an upstream API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable:
		return true
	}
	return false
}

// RetryPolicy controls doWithRetry. Attempt n (n >= 1) waits
// BaseDelay * 2^(n-1) before being sent.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	// Sleep waits for d or until ctx is done. Tests replace it to avoid real time.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy retries 3 times after 1s, 2s and 4s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: defaultMaxRetries, BaseDelay: defaultBaseDelay, Sleep: sleepContext}
}

// Delay returns the wait before retry number attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	return p.BaseDelay << (attempt - 1)
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// doWithRetry sends the request built by buildReq until it gets a 2xx
// response. Network failures and retryable statuses are retried according to
// policy; any other status fails at once with a *StatusError. The caller owns
// the returned response body.
func doWithRetry(ctx context.Context, client *http.Client, policy RetryPolicy, buildReq func(ctx context.Context) (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := policy.Delay(attempt)
			logger.Warn("retrying request", "attempt", attempt+1, "backoff", delay, "err", lastErr)
			if err := policy.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		req, err := buildReq(ctx)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		if !statusErr.Retryable() {
			return nil, statusErr
		}
		lastErr = statusErr
	}

	return nil, fmt.Errorf("request failed after %d retries: %w", policy.MaxRetries, lastErr)
}

// IsStatus reports whether err carries an upstream HTTP status equal to code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
