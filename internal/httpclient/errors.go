package httpclient

import (
	"fmt"
	"time"
)

// RetryableError reports a throttling response (429/503) from a discovery
// backend or health probe. RetryAfter carries the server-provided delay when
// the response included one; zero means the caller picks its own backoff.
type RetryableError struct {
	StatusCode int
	URL        string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *RetryableError) Error() string {
	msg := fmt.Sprintf("HTTP %d", e.StatusCode)
	if e.URL != "" {
		msg += " from " + e.URL
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %v)", e.RetryAfter)
	}
	return msg
}

func (e *RetryableError) Unwrap() error { return e.Err }
