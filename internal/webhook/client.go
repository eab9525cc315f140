package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/chime-io/chime/internal/scheduler"
)

// Compile-time interface check.
var _ scheduler.Deliverer = (*Client)(nil)

const (
	// jitterFraction spreads retry delays ±20% so parallel workers retrying
	// the same flaky receiver do not synchronize.
	jitterFraction = 0.2

	// maxErrorBodyBytes caps how much of an error response is kept for the
	// failure reason.
	maxErrorBodyBytes = 512
)

type (
	// deliveryBody is the JSON document POSTed to the receiver. The payload's
	// webhook URL addresses the request and is not part of the body.
	deliveryBody struct {
		Message string `json:"message"`
	}

	// Client delivers scheduled event payloads over HTTP.
	//
	// Failure classification follows the receiver's status code: 2xx is
	// success, 4xx (except 408 and 429) is permanent, everything else is
	// transient and retried with exponential backoff until attempts run out.
	Client struct {
		httpClient *http.Client
		limiter    *rate.Limiter
		cfg        *Config
		sleep      func(context.Context, time.Duration) error
	}
)

// NewClient creates a webhook client from the given configuration.
func NewClient(cfg *Config) *Client {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), int(cfg.RateLimit))
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		cfg:        cfg,
		sleep:      sleepContext,
	}
}

// Deliver POSTs the payload to its webhook URL, retrying transient failures
// with exponential backoff. The idempotency key travels in the Idempotency-Key
// header so receivers can deduplicate redelivery.
//
// Returns nil on success, an error wrapping scheduler.ErrPermanentDelivery
// when the receiver rejected the request unrecoverably, and an error wrapping
// scheduler.ErrTransientDelivery when attempts are exhausted.
func (c *Client) Deliver(ctx context.Context, payload scheduler.Payload, idempotencyKey string) error {
	body, err := json.Marshal(deliveryBody{Message: payload.Message})
	if err != nil {
		return fmt.Errorf("%w: failed to marshal delivery body: %v", scheduler.ErrPermanentDelivery, err)
	}

	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, c.backoff(attempt-1)); err != nil {
				return fmt.Errorf("%w: %v", scheduler.ErrTransientDelivery, err)
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", scheduler.ErrTransientDelivery, err)
		}

		lastErr = c.attempt(ctx, payload.WebhookURL, body, idempotencyKey)
		if lastErr == nil {
			return nil
		}

		if isPermanent(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("%w: %d attempts exhausted: %v", scheduler.ErrTransientDelivery, c.cfg.MaxAttempts, lastErr)
}

// attempt performs one POST and classifies the response.
func (c *Client) attempt(ctx context.Context, url string, body []byte, idempotencyKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: failed to build request: %v", scheduler.ErrPermanentDelivery, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network failures are retryable.
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	if isPermanentStatus(resp.StatusCode) {
		return fmt.Errorf("%w: status %d: %s", scheduler.ErrPermanentDelivery, resp.StatusCode, snippet)
	}

	return fmt.Errorf("status %d: %s", resp.StatusCode, snippet)
}

// backoff returns the delay before the given retry (1-based), doubling each
// time with ±20% jitter.
func (c *Client) backoff(retry int) time.Duration {
	base := c.cfg.BackoffBase << (retry - 1)
	jitter := 1 - jitterFraction + 2*jitterFraction*rand.Float64() // #nosec G404 - jitter needs no crypto randomness

	return time.Duration(float64(base) * jitter)
}

// isPermanentStatus reports whether a status code means retrying cannot help.
// 408 (request timeout) and 429 (rate limited) stay retryable.
func isPermanentStatus(status int) bool {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return false
	}

	return status >= 400 && status < 500
}

func isPermanent(err error) bool {
	return errors.Is(err, scheduler.ErrPermanentDelivery)
}

// sleepContext waits for d or until the context ends.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
