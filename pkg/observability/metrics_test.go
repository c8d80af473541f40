package observability

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/piplane/pkg/circuit"
	"github.com/kadirpekel/piplane/pkg/registry"
	"github.com/kadirpekel/piplane/pkg/session"
	"github.com/kadirpekel/piplane/pkg/statesync"
)

// Compile-time check: Metrics plugs into the synchronizer.
var _ statesync.Metrics = (*Metrics)(nil)

func TestCacheCounters(t *testing.T) {
	m := New()
	m.CacheHit("checkpoint")
	m.CacheHit("checkpoint")
	m.CacheMiss("tree")
	m.DegradedWrite("save_checkpoint")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheHits.WithLabelValues("checkpoint")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheMisses.WithLabelValues("tree")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.degradedWrites.WithLabelValues("save_checkpoint")))
}

func TestRoutingCounters(t *testing.T) {
	m := New()
	m.RecordRoutingDecision("capability_matched", "anthropic", 0.004)
	m.RecordRoutingDecision("capability_matched", "anthropic", 0.002)
	m.RecordRoutingFailure("NO_CANDIDATES")
	m.RecordFallbackAttempt("openai", "success")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.routingDecisions.WithLabelValues("capability_matched", "anthropic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.routingFailures.WithLabelValues("NO_CANDIDATES")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fallbackAttempts.WithLabelValues("openai", "success")))
}

func TestBreakerStateGauge(t *testing.T) {
	m := New()
	m.SetBreakerState("inst-1", circuit.Closed)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.breakerState.WithLabelValues("inst-1")))
	m.SetBreakerState("inst-1", circuit.HalfOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerState.WithLabelValues("inst-1")))
	m.SetBreakerState("inst-1", circuit.Open)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.breakerState.WithLabelValues("inst-1")))
}

func TestRegistryEventObserver(t *testing.T) {
	m := New()
	m.HandleRegistryEvent(registry.InstanceHealthChanged{
		InstanceID: "i1",
		Before:     registry.HealthHealthy,
		After:      registry.HealthUnhealthy,
	})
	m.HandleRegistryEvent(registry.CapacityChanged{HealthyInstances: 3})
	m.HandleRegistryEvent(registry.DiscoveryCompleted{Strategy: "static", Discovered: 2})
	m.HandleRegistryEvent(registry.DiscoveryFailed{Strategy: "gateway"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.instanceHealth.WithLabelValues("healthy", "unhealthy")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.instancesCurrent))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.discoveryRuns.WithLabelValues("static", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.discoveryRuns.WithLabelValues("gateway", "error")))
}

func TestSessionEventObserver(t *testing.T) {
	m := New()
	m.HandleSessionEvent(session.StateChanged{SessionID: "s1", Before: session.StateCreating, After: session.StateActive})
	m.HandleSessionEvent(session.Checkpointed{SessionID: "s1", CheckpointID: "ckpt_1", Trigger: "auto"})
	m.HandleSessionEvent(session.Failed{SessionID: "s1"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionStates.WithLabelValues("active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.checkpointSaves.WithLabelValues("auto")))
}

func TestMetricsEndpoint(t *testing.T) {
	m := New()
	m.CacheHit("checkpoint")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "piplane_statesync_cache_hits_total")
}
