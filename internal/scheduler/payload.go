package scheduler

import (
	"fmt"
	"net/url"
)

// ValidatePayload checks a delivery payload immediately before dispatch.
//
// Validation runs at delivery time rather than insert time: a payload written
// by an older release can be invalid under current rules, and the worker must
// fail such events permanently instead of crashing or retrying forever.
func ValidatePayload(p Payload) error {
	if p.Message == "" {
		return fmt.Errorf("%w: payload message is empty", ErrValidation)
	}

	if p.WebhookURL == "" {
		return fmt.Errorf("%w: payload webhook url is empty", ErrValidation)
	}

	u, err := url.Parse(p.WebhookURL)
	if err != nil {
		return fmt.Errorf("%w: payload webhook url %q is malformed", ErrValidation, p.WebhookURL)
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: payload webhook url %q must be absolute http(s)", ErrValidation, p.WebhookURL)
	}

	return nil
}
