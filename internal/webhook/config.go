// Package webhook implements the outbound delivery client for the chime
// scheduler: a rate-limited HTTP POST with bounded retries and permanent
// versus transient failure classification.
package webhook

import (
	"errors"
	"strings"
	"time"

	"github.com/chime-io/chime/internal/config"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxAttempts = 3
	defaultBackoffBase = 1 * time.Second
)

var (
	// ErrWebhookURLEmpty is returned when no destination URL is configured.
	ErrWebhookURLEmpty = errors.New("webhook URL cannot be empty")
)

// Config holds webhook client configuration.
type Config struct {
	// URL is the default delivery destination baked into generated payloads.
	URL string

	// Timeout bounds each individual delivery attempt.
	Timeout time.Duration

	// MaxAttempts caps delivery attempts per claim (first try plus retries).
	MaxAttempts int

	// BackoffBase is the first retry delay; subsequent delays double.
	BackoffBase time.Duration

	// RateLimit is the maximum requests per second across all workers.
	// Zero disables client-side rate limiting.
	RateLimit float64
}

// LoadConfig loads webhook configuration from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		URL:         config.GetEnvStr("CHIME_WEBHOOK_URL", ""),
		Timeout:     config.GetEnvDuration("CHIME_WEBHOOK_TIMEOUT", defaultTimeout),
		MaxAttempts: config.GetEnvInt("CHIME_WEBHOOK_MAX_ATTEMPTS", defaultMaxAttempts),
		BackoffBase: config.GetEnvDuration("CHIME_WEBHOOK_BACKOFF_BASE", defaultBackoffBase),
		RateLimit:   float64(config.GetEnvInt("CHIME_WEBHOOK_RATE_LIMIT", 0)),
	}
}

// Validate checks if the webhook configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return ErrWebhookURLEmpty
	}

	return nil
}
