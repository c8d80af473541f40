// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package router

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kadirpekel/piplane/internal/httpclient"
)

// Stable routing error codes.
const (
	CodeCostLimitExceeded   = "COST_LIMIT_EXCEEDED"
	CodeNoInstanceAvailable = "NO_INSTANCE_AVAILABLE"
	CodeAllProvidersFailed  = "ALL_PROVIDERS_FAILED"
	CodeUnknownStrategy     = "UNKNOWN_STRATEGY"
)

// RoutingError is a typed routing failure.
type RoutingError struct {
	Code      string
	RequestID string
	Message   string
	Err       error
}

func (e *RoutingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RoutingError) Unwrap() error { return e.Err }

// ErrorCategory buckets worker failures for retry decisions.
type ErrorCategory string

const (
	ErrTransient     ErrorCategory = "transient"
	ErrRateLimit     ErrorCategory = "rate_limit"
	ErrAuth          ErrorCategory = "auth"
	ErrInvalidReq    ErrorCategory = "invalid_request"
	ErrContextLength ErrorCategory = "context_length"
	ErrFatal         ErrorCategory = "fatal"
	ErrUnknown       ErrorCategory = "unknown"
)

// ClassifyError maps a worker failure to a retry category by message and
// status-code substrings.
func ClassifyError(err error) ErrorCategory {
	if err == nil {
		return ErrUnknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "context length", "context_length", "maximum context", "token limit", "too many tokens"):
		return ErrContextLength
	case containsAny(msg, "rate limit", "rate_limit", "429", "too many requests", "quota exceeded"):
		return ErrRateLimit
	case containsAny(msg, "401", "403", "unauthorized", "forbidden", "invalid api key", "authentication"):
		return ErrAuth
	case containsAny(msg, "400", "invalid request", "invalid_request", "validation failed", "malformed"):
		return ErrInvalidReq
	case containsAny(msg, "timeout", "timed out", "connection reset", "connection refused",
		"network", "unavailable", "502", "503", "504", "temporarily"):
		return ErrTransient
	case containsAny(msg, "fatal", "panic", "not implemented", "unsupported model"):
		return ErrFatal
	default:
		return ErrUnknown
	}
}

func containsAny(msg string, substrings ...string) bool {
	for _, s := range substrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Retry delay caps.
const (
	transientBaseDelay = time.Second
	transientMaxDelay  = 30 * time.Second
	rateLimitBaseDelay = 5 * time.Second
	rateLimitMaxDelay  = 60 * time.Second
)

// NoRetry is returned by RetryDelay when the error must not be retried.
const NoRetry = time.Duration(-1)

// RetryDelay returns how long to wait before retrying after err on the given
// 1-based attempt, or NoRetry.
func RetryDelay(err error, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch ClassifyError(err) {
	case ErrTransient:
		return backoff(transientBaseDelay, transientMaxDelay, attempt)
	case ErrRateLimit:
		var retryable *httpclient.RetryableError
		if errors.As(err, &retryable) && retryable.RetryAfter > 0 {
			return retryable.RetryAfter
		}
		return backoff(rateLimitBaseDelay, rateLimitMaxDelay, attempt)
	case ErrUnknown:
		if attempt == 1 {
			return time.Second
		}
		return NoRetry
	default:
		return NoRetry
	}
}

func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
