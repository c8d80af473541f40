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

// Package router picks worker instances for requests, tracks spend, and
// retries across the provider fallback chain with per-instance circuit
// breakers.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/piplane/pkg/circuit"
	"github.com/kadirpekel/piplane/pkg/providers"
	"github.com/kadirpekel/piplane/pkg/registry"
)

// Priority orders request urgency.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Request describes one routing decision to make.
type Request struct {
	RequestID            string
	TaskType             string
	RequiredCapabilities []string
	EstimatedTokens      int
	Priority             Priority
	PreferredProvider    providers.ID
	MaxCost              float64
	MaxLatencyMs         int
	MinQualityScore      float64
	Context              map[string]any
}

// Decision is the outcome of a route call.
type Decision struct {
	Instance          *registry.Instance
	Strategy          string
	Score             float64
	Alternatives      []Ranked
	EstimatedCost     float64
	ExpectedLatencyMs int
	Timestamp         time.Time
	FallbackChain     []providers.ID
}

// InstanceSource is the registry surface the router depends on.
type InstanceSource interface {
	GetHealthyInstances() []*registry.Instance
	SelectInstance(criteria registry.SelectionCriteria) *registry.Instance
}

// ProviderHealth summarizes a provider's instances and breaker states.
type ProviderHealth struct {
	Provider         providers.ID  `json:"provider"`
	HealthyInstances int           `json:"healthy_instances"`
	OpenBreakers     int           `json:"open_breakers"`
	SuccessRate      float64       `json:"success_rate"`
	AverageCost      float64       `json:"average_cost"`
	State            circuit.State `json:"state,omitempty"`
}

// Router routes requests to instances.
type Router struct {
	mu         sync.RWMutex
	source     InstanceSource
	strategies map[string]Strategy
	defaultStr string

	breakers *circuit.Group
	costs    *CostTracker

	fallbackOrder []providers.ID
	maxAttempts   int

	// per-provider execution outcomes feeding the historical success rate
	outcomes map[providers.ID]*outcomeCounter

	logger *slog.Logger
	now    func() time.Time
	sleep  func(time.Duration)
}

type outcomeCounter struct {
	total     int
	successes int
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithBudget sets the budget bounds.
func WithBudget(budget Budget) RouterOption {
	return func(r *Router) { r.costs = NewCostTracker(budget, r.now) }
}

// WithBreakerOptions sets circuit breaker parameters for per-instance
// breakers.
func WithBreakerOptions(opts circuit.Options) RouterOption {
	return func(r *Router) { r.breakers = circuit.NewGroup(opts) }
}

// WithFallbackOrder overrides the provider fallback priority list.
func WithFallbackOrder(order []providers.ID) RouterOption {
	return func(r *Router) { r.fallbackOrder = order }
}

// WithMaxAttempts bounds executeWithFallback's provider attempts.
func WithMaxAttempts(n int) RouterOption {
	return func(r *Router) { r.maxAttempts = n }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = logger }
}

func withClock(now func() time.Time) RouterOption {
	return func(r *Router) { r.now = now }
}

func withSleep(sleep func(time.Duration)) RouterOption {
	return func(r *Router) { r.sleep = sleep }
}

// New creates a Router over an instance source.
func New(source InstanceSource, opts ...RouterOption) *Router {
	r := &Router{
		source:        source,
		strategies:    make(map[string]Strategy),
		defaultStr:    StrategyCapabilityMatch,
		breakers:      circuit.NewGroup(circuit.Options{}),
		fallbackOrder: DefaultFallbackOrder,
		maxAttempts:   3,
		outcomes:      make(map[providers.ID]*outcomeCounter),
		logger:        slog.Default(),
		now:           time.Now,
		sleep:         time.Sleep,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.costs == nil {
		r.costs = NewCostTracker(Budget{}, r.now)
	}
	for _, s := range []Strategy{costOptimized{}, capabilityMatched{}, latencyOptimized{}, fallbackChain{}} {
		r.strategies[s.Name()] = s
	}
	return r
}

// RegisterStrategy adds or replaces a named strategy.
func (r *Router) RegisterStrategy(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

// SetDefaultStrategy switches the strategy used when route is called without
// a name.
func (r *Router) SetDefaultStrategy(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.strategies[name]; !ok {
		return &RoutingError{Code: CodeUnknownStrategy, Message: name}
	}
	r.defaultStr = name
	return nil
}

// Route picks an instance for the request. strategyName empty uses the
// default strategy.
func (r *Router) Route(ctx context.Context, req *Request, strategyName string) (*Decision, error) {
	r.mu.RLock()
	if strategyName == "" {
		strategyName = r.defaultStr
	}
	strategy, ok := r.strategies[strategyName]
	r.mu.RUnlock()
	if !ok {
		return nil, &RoutingError{Code: CodeUnknownStrategy, RequestID: req.RequestID, Message: strategyName}
	}

	if cap := r.costs.MaxCostPerRequest(); cap > 0 {
		if estimated := EstimateRequestCost(req.EstimatedTokens); estimated > cap {
			return nil, &RoutingError{
				Code:      CodeCostLimitExceeded,
				RequestID: req.RequestID,
				Message:   "estimated request cost exceeds the per-request limit",
			}
		}
	}

	candidates := r.availableCandidates(req)
	if len(candidates) == 0 {
		return nil, &RoutingError{
			Code:      CodeNoInstanceAvailable,
			RequestID: req.RequestID,
			Message:   "no healthy instance matches the request",
		}
	}

	ranked, err := strategy.Rank(req, candidates, r.strategyContext())
	if err != nil {
		return nil, err
	}
	if len(ranked) == 0 {
		return nil, &RoutingError{
			Code:      CodeNoInstanceAvailable,
			RequestID: req.RequestID,
			Message:   "no candidate survived strategy filtering",
		}
	}

	selected := ranked[0]
	decision := &Decision{
		Instance:          selected.Instance,
		Strategy:          strategyName,
		Score:             selected.Score,
		Alternatives:      ranked[1:],
		EstimatedCost:     EstimateCost(selected.Instance, req.EstimatedTokens, 0),
		ExpectedLatencyMs: expectedLatencyMs(selected.Instance),
		Timestamp:         r.now(),
		FallbackChain:     r.FallbackChain(selected.Instance.Provider),
	}
	r.logger.Debug("Routed request",
		"request_id", req.RequestID, "instance_id", selected.Instance.ID,
		"strategy", strategyName, "score", selected.Score)
	return decision, nil
}

// availableCandidates filters healthy instances to those matching the
// preferred provider whose breaker admits traffic.
func (r *Router) availableCandidates(req *Request) []*registry.Instance {
	var out []*registry.Instance
	for _, inst := range r.source.GetHealthyInstances() {
		if req.PreferredProvider != "" && inst.Provider != req.PreferredProvider {
			continue
		}
		if r.breakers.Get(inst.ID).State() == circuit.Open {
			continue
		}
		if req.MaxLatencyMs > 0 && expectedLatencyMs(inst) > req.MaxLatencyMs {
			continue
		}
		out = append(out, inst)
	}
	return out
}

func (r *Router) strategyContext() *StrategyContext {
	return &StrategyContext{
		SuccessRate:   r.successRate,
		FallbackOrder: r.fallbackOrder,
	}
}

func (r *Router) successRate(provider providers.ID) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counter, ok := r.outcomes[provider]
	if !ok || counter.total == 0 {
		return 0, false
	}
	return float64(counter.successes) / float64(counter.total), true
}

func (r *Router) recordOutcome(provider providers.ID, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counter, ok := r.outcomes[provider]
	if !ok {
		counter = &outcomeCounter{}
		r.outcomes[provider] = counter
	}
	counter.total++
	if success {
		counter.successes++
	}
}

// FallbackChain returns the provider order tried after primary.
func (r *Router) FallbackChain(primary providers.ID) []providers.ID {
	out := make([]providers.ID, 0, len(r.fallbackOrder))
	for _, id := range r.fallbackOrder {
		if id != primary {
			out = append(out, id)
		}
	}
	return out
}

// Executor performs the actual worker call for one instance.
type Executor func(ctx context.Context, inst *registry.Instance) (any, error)

// ExecuteWithFallback routes the request and executes it, walking the
// fallback chain on retryable failures. Auth, invalid-request and fatal
// errors end the walk immediately.
func (r *Router) ExecuteWithFallback(ctx context.Context, req *Request, exec Executor) (any, error) {
	decision, err := r.Route(ctx, req, "")
	if err != nil {
		return nil, err
	}

	chain := append([]providers.ID{decision.Instance.Provider}, decision.FallbackChain...)
	if len(chain) > r.maxAttempts {
		chain = chain[:r.maxAttempts]
	}

	var lastErr error
	for attempt, provider := range chain {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		inst := r.pickForProvider(provider, req, decision)
		if inst == nil {
			continue
		}
		breaker := r.breakers.Get(inst.ID)
		if err := breaker.Allow(); err != nil {
			continue
		}

		result, execErr := exec(ctx, inst)
		if execErr == nil {
			breaker.RecordSuccess()
			r.recordOutcome(provider, true)
			return result, nil
		}

		r.recordOutcome(provider, false)
		lastErr = execErr
		category := ClassifyError(execErr)
		if category == ErrAuth || category == ErrInvalidReq || category == ErrFatal {
			return nil, execErr
		}

		breaker.RecordFailure()
		r.logger.Warn("Worker execution failed, trying next provider",
			"request_id", req.RequestID, "instance_id", inst.ID,
			"provider", provider, "category", category, "error", execErr)
		if delay := RetryDelay(execErr, attempt+1); delay > 0 {
			r.sleep(delay)
		}
	}

	return nil, &RoutingError{
		Code:      CodeAllProvidersFailed,
		RequestID: req.RequestID,
		Message:   "every provider in the fallback chain failed",
		Err:       lastErr,
	}
}

// pickForProvider asks the registry for a healthy instance of one provider.
// The primary decision's instance is reused when it matches.
func (r *Router) pickForProvider(provider providers.ID, req *Request, decision *Decision) *registry.Instance {
	if decision.Instance.Provider == provider {
		if r.breakers.Get(decision.Instance.ID).State() != circuit.Open {
			return decision.Instance
		}
	}
	return r.source.SelectInstance(registry.SelectionCriteria{
		PreferredProvider:    provider,
		RequiredCapabilities: req.RequiredCapabilities,
		Strategy:             registry.SelectLeastLoaded,
	})
}

// SetBudget replaces the budget bounds without resetting spend history.
// Used by config hot reload.
func (r *Router) SetBudget(budget Budget) {
	r.costs.SetBudget(budget)
}

// RecordActualCost stores a request's real spend.
func (r *Router) RecordActualCost(provider providers.ID, usage Usage, estimatedCost float64) {
	r.costs.Record(provider, usage, estimatedCost)
}

// AverageCost returns the mean spend for a provider in timeframe.
func (r *Router) AverageCost(provider providers.ID, timeframe time.Duration) float64 {
	return r.costs.AverageCost(provider, timeframe)
}

// BudgetStatus returns the current budget window state.
func (r *Router) BudgetStatus() BudgetStatus {
	return r.costs.BudgetStatus()
}

// CostSummary aggregates per-provider spend.
func (r *Router) CostSummary() map[providers.ID]ProviderCostSummary {
	return r.costs.Summary()
}

// GetProviderHealth summarizes instances, breakers, spend and success rates
// per provider.
func (r *Router) GetProviderHealth() map[providers.ID]ProviderHealth {
	out := make(map[providers.ID]ProviderHealth)
	for _, inst := range r.source.GetHealthyInstances() {
		health := out[inst.Provider]
		health.Provider = inst.Provider
		health.HealthyInstances++
		if r.breakers.Get(inst.ID).State() == circuit.Open {
			health.OpenBreakers++
		}
		out[inst.Provider] = health
	}
	for provider, health := range out {
		if rate, known := r.successRate(provider); known {
			health.SuccessRate = rate
		}
		health.AverageCost = r.costs.AverageCost(provider, 0)
		out[provider] = health
	}
	return out
}
