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

// Package observability exposes piplane's prometheus metrics: routing
// decisions, fallback attempts, breaker states, storage-tier health, and
// lifecycle events from the registry and session manager.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kadirpekel/piplane/pkg/circuit"
	"github.com/kadirpekel/piplane/pkg/registry"
	"github.com/kadirpekel/piplane/pkg/session"
)

// Metrics owns a private prometheus registry so multiple instances can
// coexist in tests. It implements statesync.Metrics.
type Metrics struct {
	registry *prometheus.Registry

	routingDecisions *prometheus.CounterVec
	routingFailures  *prometheus.CounterVec
	routeDuration    prometheus.Histogram
	fallbackAttempts *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec

	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	degradedWrites *prometheus.CounterVec

	checkpointSaves *prometheus.CounterVec

	instanceHealth   *prometheus.CounterVec
	instancesCurrent prometheus.Gauge
	discoveryRuns    *prometheus.CounterVec

	sessionStates *prometheus.CounterVec
}

// New creates a Metrics with all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,

		routingDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "piplane_routing_decisions_total",
			Help: "Routing decisions by strategy and selected provider.",
		}, []string{"strategy", "provider"}),
		routingFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "piplane_routing_failures_total",
			Help: "Routing failures by error code.",
		}, []string{"code"}),
		routeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "piplane_route_duration_seconds",
			Help:    "Latency of route calls.",
			Buckets: prometheus.DefBuckets,
		}),
		fallbackAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "piplane_fallback_attempts_total",
			Help: "executeWithFallback attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "piplane_circuit_breaker_state",
			Help: "Breaker state per instance (0 closed, 1 half-open, 2 open).",
		}, []string{"name"}),

		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "piplane_statesync_cache_hits_total",
			Help: "Cache-tier hits by object kind.",
		}, []string{"kind"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "piplane_statesync_cache_misses_total",
			Help: "Cache-tier misses by object kind.",
		}, []string{"kind"}),
		degradedWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "piplane_statesync_degraded_writes_total",
			Help: "Writes where one persistence tier failed.",
		}, []string{"op"}),

		checkpointSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "piplane_checkpoints_saved_total",
			Help: "Checkpoints saved by trigger.",
		}, []string{"trigger"}),

		instanceHealth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "piplane_instance_health_transitions_total",
			Help: "Instance health transitions by before and after state.",
		}, []string{"from", "to"}),
		instancesCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "piplane_instances_healthy",
			Help: "Healthy instances currently registered.",
		}),
		discoveryRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "piplane_discovery_runs_total",
			Help: "Discovery passes by strategy and outcome.",
		}, []string{"strategy", "outcome"}),

		sessionStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "piplane_session_transitions_total",
			Help: "Session state transitions by target state.",
		}, []string{"state"}),
	}

	reg.MustRegister(
		m.routingDecisions, m.routingFailures, m.routeDuration,
		m.fallbackAttempts, m.breakerState,
		m.cacheHits, m.cacheMisses, m.degradedWrites,
		m.checkpointSaves,
		m.instanceHealth, m.instancesCurrent, m.discoveryRuns,
		m.sessionStates,
	)
	return m
}

// Handler serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// statesync.Metrics implementation.

func (m *Metrics) CacheHit(kind string)    { m.cacheHits.WithLabelValues(kind).Inc() }
func (m *Metrics) CacheMiss(kind string)   { m.cacheMisses.WithLabelValues(kind).Inc() }
func (m *Metrics) DegradedWrite(op string) { m.degradedWrites.WithLabelValues(op).Inc() }

// RecordRoutingDecision counts one successful route call.
func (m *Metrics) RecordRoutingDecision(strategy, provider string, seconds float64) {
	m.routingDecisions.WithLabelValues(strategy, provider).Inc()
	m.routeDuration.Observe(seconds)
}

// RecordRoutingFailure counts one failed route call by error code.
func (m *Metrics) RecordRoutingFailure(code string) {
	m.routingFailures.WithLabelValues(code).Inc()
}

// RecordFallbackAttempt counts one executeWithFallback provider attempt.
func (m *Metrics) RecordFallbackAttempt(provider, outcome string) {
	m.fallbackAttempts.WithLabelValues(provider, outcome).Inc()
}

// SetBreakerState records a breaker's current state as a gauge.
func (m *Metrics) SetBreakerState(name string, state circuit.State) {
	var v float64
	switch state {
	case circuit.HalfOpen:
		v = 1
	case circuit.Open:
		v = 2
	}
	m.breakerState.WithLabelValues(name).Set(v)
}

// SetHealthyInstances records the current healthy-instance count.
func (m *Metrics) SetHealthyInstances(n int) {
	m.instancesCurrent.Set(float64(n))
}

// HandleRegistryEvent is a registry.EventHandler feeding the instance and
// discovery counters.
func (m *Metrics) HandleRegistryEvent(event registry.Event) {
	switch e := event.(type) {
	case registry.InstanceHealthChanged:
		m.instanceHealth.WithLabelValues(string(e.Before), string(e.After)).Inc()
	case registry.CapacityChanged:
		m.instancesCurrent.Set(float64(e.HealthyInstances))
	case registry.DiscoveryCompleted:
		m.discoveryRuns.WithLabelValues(e.Strategy, "ok").Inc()
	case registry.DiscoveryFailed:
		m.discoveryRuns.WithLabelValues(e.Strategy, "error").Inc()
	}
}

// HandleSessionEvent is a session.EventHandler feeding the session and
// checkpoint counters.
func (m *Metrics) HandleSessionEvent(event session.Event) {
	switch e := event.(type) {
	case session.StateChanged:
		m.sessionStates.WithLabelValues(string(e.After)).Inc()
	case session.Checkpointed:
		m.checkpointSaves.WithLabelValues(e.Trigger).Inc()
	}
}
