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

// Package registry tracks known Pi worker instances, their health and their
// capacity, and selects instances for new work.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/kadirpekel/piplane/pkg/circuit"
	"github.com/kadirpekel/piplane/pkg/providers"
)

// Registry is the single source of truth for known instances. All methods
// are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Instance

	strategies []Strategy
	breakers   *circuit.Group
	checker    HealthChecker

	healthInterval time.Duration
	healthTimeout  time.Duration
	removalGrace   time.Duration

	handlers      []EventHandler
	rrCounter     uint64
	removalTimers map[string]*time.Timer

	prevAvailable int
	prevHealthy   int

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}

	logger *slog.Logger
	now    func() time.Time
	rnd    *rand.Rand
}

// Option configures a Registry.
type Option func(*Registry)

// WithStrategies sets the ordered discovery strategies.
func WithStrategies(strategies ...Strategy) Option {
	return func(r *Registry) { r.strategies = strategies }
}

// WithHealthChecker sets the health probe implementation.
func WithHealthChecker(checker HealthChecker) Option {
	return func(r *Registry) { r.checker = checker }
}

// WithHealthInterval sets the monitoring tick interval.
func WithHealthInterval(d time.Duration) Option {
	return func(r *Registry) { r.healthInterval = d }
}

// WithHealthTimeout sets the per-check timeout.
func WithHealthTimeout(d time.Duration) Option {
	return func(r *Registry) { r.healthTimeout = d }
}

// WithRemovalGrace sets how long an unhealthy instance stays registered
// before removal.
func WithRemovalGrace(d time.Duration) Option {
	return func(r *Registry) { r.removalGrace = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

func withClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func withRand(rnd *rand.Rand) Option {
	return func(r *Registry) { r.rnd = rnd }
}

// New creates a Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		instances:      make(map[string]*Instance),
		breakers:       circuit.NewGroup(circuit.Options{}),
		checker:        NewHTTPHealthChecker(nil),
		healthInterval: DefaultHealthInterval,
		healthTimeout:  DefaultHealthTimeout,
		removalGrace:   DefaultRemovalGrace,
		removalTimers:  make(map[string]*time.Timer),
		logger:         slog.Default(),
		now:            time.Now,
		rnd:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe adds an event handler. Handlers run synchronously on the
// emitting goroutine.
func (r *Registry) Subscribe(handler EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, handler)
}

// emit must be called without holding mu.
func (r *Registry) emit(event Event) {
	r.mu.RLock()
	handlers := append([]EventHandler(nil), r.handlers...)
	r.mu.RUnlock()
	for _, h := range handlers {
		h(event)
	}
}

// Register adds an instance, replacing any existing registration with the
// same id.
func (r *Registry) Register(inst *Instance) error {
	if inst == nil || inst.ID == "" {
		return fmt.Errorf("instance requires an id")
	}

	stored := inst.Clone()
	stored.Capacity.Recompute()
	if stored.Health == "" {
		stored.Health = HealthUnknown
	}
	if stored.RegisteredAt.IsZero() {
		stored.RegisteredAt = r.now()
	}

	r.mu.Lock()
	_, replaced := r.instances[stored.ID]
	r.instances[stored.ID] = stored
	r.mu.Unlock()

	if replaced {
		r.emit(InstanceUnregistered{InstanceID: stored.ID, Reason: "replaced"})
	}
	r.emit(InstanceRegistered{Instance: stored.Clone()})
	r.logger.Info("Registered instance",
		"instance_id", stored.ID, "provider", stored.Provider, "endpoint", stored.Endpoint)

	r.evaluateCapacityChange()
	return nil
}

// Unregister removes an instance.
func (r *Registry) Unregister(id, reason string) error {
	r.mu.Lock()
	_, exists := r.instances[id]
	if exists {
		delete(r.instances, id)
	}
	r.mu.Unlock()

	if !exists {
		return fmt.Errorf("instance %s not registered", id)
	}
	r.cancelRemoval(id)
	r.emit(InstanceUnregistered{InstanceID: id, Reason: reason})
	r.logger.Info("Unregistered instance", "instance_id", id, "reason", reason)
	r.evaluateCapacityChange()
	return nil
}

// GetInstance returns a copy of the instance, or nil if unknown.
func (r *Registry) GetInstance(id string) *Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if inst, ok := r.instances[id]; ok {
		return inst.Clone()
	}
	return nil
}

// GetAllInstances returns copies of every registered instance.
func (r *Registry) GetAllInstances() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst.Clone())
	}
	return out
}

// GetHealthyInstances returns instances whose health is healthy or degraded.
func (r *Registry) GetHealthyInstances() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Instance
	for _, inst := range r.instances {
		if inst.Health == HealthHealthy || inst.Health == HealthDegraded {
			out = append(out, inst.Clone())
		}
	}
	return out
}

// UpdateInstanceCapacity sets an instance's task counts and recomputes the
// derived fields. maxConcurrent <= 0 leaves the limit unchanged.
func (r *Registry) UpdateInstanceCapacity(id string, activeTasks, maxConcurrent int) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if ok {
		inst.Capacity.ActiveTasks = activeTasks
		if maxConcurrent > 0 {
			inst.Capacity.MaxConcurrent = maxConcurrent
		}
		inst.Capacity.Recompute()
		inst.LastHeartbeat = r.now()
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("instance %s not registered", id)
	}
	r.evaluateCapacityChange()
	return nil
}

// AvailableCapacity aggregates capacity across instances.
type AvailableCapacity struct {
	Total      int            `json:"total"`
	Available  int            `json:"available"`
	ByProvider map[string]int `json:"by_provider"`
	ByRegion   map[string]int `json:"by_region"`
}

// GetAvailableCapacity returns capacity totals with provider and region
// breakdowns.
func (r *Registry) GetAvailableCapacity() AvailableCapacity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := AvailableCapacity{
		ByProvider: make(map[string]int),
		ByRegion:   make(map[string]int),
	}
	for _, inst := range r.instances {
		out.Total += inst.Capacity.MaxConcurrent
		out.Available += inst.Capacity.Available
		out.ByProvider[string(inst.Provider)] += inst.Capacity.Available
		if inst.Region != "" {
			out.ByRegion[inst.Region] += inst.Capacity.Available
		}
	}
	return out
}

// Stats summarizes the registry for operators.
type Stats struct {
	TotalInstances     int                  `json:"total_instances"`
	ByHealth           map[HealthStatus]int `json:"by_health"`
	ByProvider         map[providers.ID]int `json:"by_provider"`
	TotalCapacity      int                  `json:"total_capacity"`
	AvailableCapacity  int                  `json:"available_capacity"`
	AverageUtilization float64              `json:"average_utilization"`
}

// GetStats returns aggregate registry statistics.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := Stats{
		ByHealth:   make(map[HealthStatus]int),
		ByProvider: make(map[providers.ID]int),
	}
	var utilization float64
	for _, inst := range r.instances {
		stats.TotalInstances++
		stats.ByHealth[inst.Health]++
		stats.ByProvider[inst.Provider]++
		stats.TotalCapacity += inst.Capacity.MaxConcurrent
		stats.AvailableCapacity += inst.Capacity.Available
		utilization += inst.Capacity.UtilizationPercent
	}
	if stats.TotalInstances > 0 {
		stats.AverageUtilization = utilization / float64(stats.TotalInstances)
	}
	return stats
}

// DiscoverInstances runs discovery strategies in order. strategyName narrows
// the pass to one strategy; empty means all. If every strategy fails and
// none produced an instance, a DiscoveryError carrying the first error is
// returned.
func (r *Registry) DiscoverInstances(ctx context.Context, strategyName string) ([]*Instance, error) {
	r.mu.RLock()
	strategies := append([]Strategy(nil), r.strategies...)
	r.mu.RUnlock()

	if strategyName != "" {
		var narrowed []Strategy
		for _, s := range strategies {
			if s.Name() == strategyName {
				narrowed = append(narrowed, s)
			}
		}
		if len(narrowed) == 0 {
			return nil, fmt.Errorf("unknown discovery strategy: %s", strategyName)
		}
		strategies = narrowed
	}
	if len(strategies) == 0 {
		return nil, nil
	}

	var discovered []*Instance
	var attempted []string
	var firstErr error
	failures := 0

	for _, strategy := range strategies {
		attempted = append(attempted, strategy.Name())
		result := r.runStrategy(ctx, strategy)
		if result.err != nil {
			failures++
			if firstErr == nil {
				firstErr = result.err
			}
			r.emit(DiscoveryFailed{Strategy: strategy.Name(), Err: result.err})
			r.logger.Warn("Discovery strategy failed", "strategy", strategy.Name(), "error", result.err)
			continue
		}

		if strategy.AutoRegister() {
			for _, inst := range result.instances {
				if err := r.Register(inst); err != nil {
					r.logger.Warn("Failed to register discovered instance",
						"instance_id", inst.ID, "error", err)
				}
			}
		}
		discovered = append(discovered, result.instances...)
		r.emit(DiscoveryCompleted{
			Strategy:   strategy.Name(),
			Discovered: len(result.instances),
			Duration:   result.duration,
		})
	}

	if failures == len(strategies) && len(discovered) == 0 && firstErr != nil {
		return nil, &DiscoveryError{Code: CodeDiscoveryFailed, Strategies: attempted, First: firstErr}
	}
	return discovered, nil
}

type strategyResult struct {
	instances []*Instance
	duration  time.Duration
	err       error
}

// runStrategy invokes one strategy, guarding the remote backends with their
// named circuit breaker. A failed call is never retried within this pass;
// the breaker affects the next one.
func (r *Registry) runStrategy(ctx context.Context, strategy Strategy) strategyResult {
	name := strategy.Name()
	guarded := name == StrategyGateway || name == StrategyKubernetes

	var breaker *circuit.Breaker
	if guarded {
		breaker = r.breakers.Get(name)
		if err := breaker.Allow(); err != nil {
			return strategyResult{err: fmt.Errorf("discovery backend %s: %w", name, err)}
		}
	}

	start := r.now()
	instances, err := strategy.Discover(ctx)
	elapsed := r.now().Sub(start)

	if guarded {
		if err != nil {
			breaker.RecordFailure()
		} else {
			breaker.RecordSuccess()
		}
	}
	if err != nil {
		return strategyResult{err: err}
	}
	return strategyResult{instances: instances, duration: elapsed}
}

// evaluateCapacityChange emits capacity.changed when the aggregate moved by
// more than 10% of the previous available total or the healthy count
// changed.
func (r *Registry) evaluateCapacityChange() {
	r.mu.Lock()
	available := 0
	healthy := 0
	for _, inst := range r.instances {
		available += inst.Capacity.Available
		if inst.Health == HealthHealthy || inst.Health == HealthDegraded {
			healthy++
		}
	}
	prevAvailable := r.prevAvailable
	prevHealthy := r.prevHealthy

	changed := healthy != prevHealthy
	if !changed {
		if prevAvailable > 0 {
			delta := available - prevAvailable
			if delta < 0 {
				delta = -delta
			}
			changed = float64(delta)/float64(prevAvailable) > 0.10
		} else {
			changed = available != prevAvailable
		}
	}
	if changed {
		r.prevAvailable = available
		r.prevHealthy = healthy
	}
	r.mu.Unlock()

	if changed {
		r.emit(CapacityChanged{
			PreviousAvailable: prevAvailable,
			Available:         available,
			HealthyInstances:  healthy,
		})
	}
}

// Dispose stops monitoring and clears all state.
func (r *Registry) Dispose() {
	r.StopHealthMonitoring()
	r.mu.Lock()
	for id, timer := range r.removalTimers {
		timer.Stop()
		delete(r.removalTimers, id)
	}
	r.instances = make(map[string]*Instance)
	r.handlers = nil
	r.mu.Unlock()
}
