package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, reset time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := New(Options{FailureThreshold: threshold, ResetTimeout: reset, Now: clock.now})
	return b, clock
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		assert.Equal(t, Closed, b.State())
	}
	b.RecordFailure()
	assert.Equal(t, Open, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b, clock := newTestBreaker(3, time.Second)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.Equal(t, Open, b.State())

	// Not yet past the reset timeout.
	clock.advance(time.Second)
	assert.ErrorIs(t, b.Allow(), ErrOpen)

	// Strictly past the timeout: one probe allowed, the next is rejected.
	clock.advance(time.Millisecond)
	require.NoError(t, b.Allow())
	assert.ErrorIs(t, b.Allow(), ErrOpen)

	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 0, b.Snapshot().Failures)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(2, time.Second)

	b.RecordFailure()
	b.RecordFailure()
	clock.advance(1001 * time.Millisecond)
	require.NoError(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, Open, b.State())

	// Timer restarted: still rejecting before the new window elapses.
	clock.advance(500 * time.Millisecond)
	assert.ErrorIs(t, b.Allow(), ErrOpen)
	clock.advance(501 * time.Millisecond)
	assert.NoError(t, b.Allow())
}

func TestBreakerSuccessDecrementsFailures(t *testing.T) {
	b, _ := newTestBreaker(5, time.Second)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	assert.Equal(t, 1, b.Snapshot().Failures)
	b.RecordSuccess()
	b.RecordSuccess()
	assert.Equal(t, 0, b.Snapshot().Failures)
}

func TestGroupIsolatesKeys(t *testing.T) {
	g := NewGroup(Options{FailureThreshold: 1, ResetTimeout: time.Minute})

	g.Get("gateway").RecordFailure()
	assert.Equal(t, Open, g.Get("gateway").State())
	assert.Equal(t, Closed, g.Get("kubernetes").State())

	snaps := g.Snapshots()
	assert.Len(t, snaps, 2)
	assert.Equal(t, Open, snaps["gateway"].State)
}
