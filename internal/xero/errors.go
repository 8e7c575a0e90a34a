package xero

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitedError marks a 429 from the API. Callers must back off and leave
// whatever they were syncing untouched.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate_limited: retry after %s", e.RetryAfter)
}

// APIError is any non-2xx, non-429 response.
type APIError struct {
	StatusCode int
	Message    string
	Validation []string
}

func (e *APIError) Error() string {
	if len(e.Validation) > 0 {
		return fmt.Sprintf("xero api %d: %s: %v", e.StatusCode, e.Message, e.Validation)
	}
	return fmt.Sprintf("xero api %d: %s", e.StatusCode, e.Message)
}

func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}
