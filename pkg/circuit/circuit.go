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

// Package circuit implements the shared circuit-breaker discipline used by
// the registry's discovery backends and the router's per-instance breakers.
//
// Semantics:
//   - closed: requests flow; a success decrements the consecutive-failure
//     count by one (floor zero); after FailureThreshold consecutive failures
//     the breaker opens.
//   - open: requests are rejected until ResetTimeout has elapsed since the
//     last failure, at which point the breaker moves to half-open.
//   - half-open: a single probe is allowed; success closes the breaker and
//     clears failures, failure re-opens it and restarts the timer.
package circuit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the breaker state.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half-open"
)

// ErrOpen is returned by Allow when the breaker is rejecting requests.
var ErrOpen = errors.New("circuit breaker is open")

const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 60 * time.Second
)

// Options configures a Breaker.
type Options struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker. Defaults to 5.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before allowing a
	// half-open probe. Defaults to 60s.
	ResetTimeout time.Duration

	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// Snapshot is a read-only view of breaker state.
type Snapshot struct {
	State           State     `json:"state"`
	Failures        int       `json:"failures"`
	LastFailureTime time.Time `json:"last_failure_time"`
	TotalRequests   int64     `json:"total_requests"`
	SuccessRequests int64     `json:"success_requests"`
}

// Breaker is a single circuit breaker. Safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	failLimit    int
	resetTimeout time.Duration
	now          func() time.Time

	state           State
	failures        int
	lastFailureTime time.Time
	totalRequests   int64
	successRequests int64
}

// New creates a Breaker with the given options.
func New(opts Options) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = DefaultResetTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Breaker{
		failLimit:    opts.FailureThreshold,
		resetTimeout: opts.ResetTimeout,
		now:          opts.Now,
		state:        Closed,
	}
}

// Allow reports whether a request may proceed. While open it returns ErrOpen
// until the reset timeout elapses, at which point the breaker transitions to
// half-open and admits exactly one probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.totalRequests++
		return nil
	case Open:
		if b.now().Sub(b.lastFailureTime) > b.resetTimeout {
			b.state = HalfOpen
			b.totalRequests++
			return nil
		}
		return fmt.Errorf("%w (retry after %s)", ErrOpen, b.resetTimeout)
	case HalfOpen:
		// Only one probe at a time; subsequent callers wait for its outcome.
		return ErrOpen
	}
	return nil
}

// RecordSuccess records a successful request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successRequests++
	switch b.state {
	case HalfOpen:
		b.state = Closed
		b.failures = 0
	case Closed:
		if b.failures > 0 {
			b.failures--
		}
	}
}

// RecordFailure records a failed request.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailureTime = b.now()
	switch b.state {
	case HalfOpen:
		b.state = Open
	case Closed:
		if b.failures >= b.failLimit {
			b.state = Open
		}
	}
}

// State returns the current state, applying the open→half-open transition if
// the reset timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.lastFailureTime) > b.resetTimeout {
		return HalfOpen
	}
	return b.state
}

// Snapshot returns a copy of the breaker's counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:           b.state,
		Failures:        b.failures,
		LastFailureTime: b.lastFailureTime,
		TotalRequests:   b.totalRequests,
		SuccessRequests: b.successRequests,
	}
}

// Group manages breakers keyed by name, creating them on first use.
type Group struct {
	mu       sync.Mutex
	opts     Options
	breakers map[string]*Breaker
}

// NewGroup creates a Group whose breakers share the given options.
func NewGroup(opts Options) *Group {
	return &Group{
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for a key, creating it if needed.
func (g *Group) Get(key string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[key]
	if !ok {
		b = New(g.opts)
		g.breakers[key] = b
	}
	return b
}

// Snapshots returns the state of every breaker in the group.
func (g *Group) Snapshots() map[string]Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]Snapshot, len(g.breakers))
	for k, b := range g.breakers {
		out[k] = b.Snapshot()
	}
	return out
}
