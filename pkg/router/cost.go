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
	"sync"
	"time"

	"github.com/kadirpekel/piplane/pkg/providers"
	"github.com/kadirpekel/piplane/pkg/registry"
)

const (
	// defaultInputRatio splits an estimated token total into input/output.
	defaultInputRatio = 0.7
	// maxReasonableCost bounds cost scoring (USD).
	maxReasonableCost = 10.0
	// costHistoryCap bounds the per-provider record history.
	costHistoryCap = 1000

	// Request-only estimates fall back to these averages (USD per 1k).
	avgInputPricePer1K  = 0.005
	avgOutputPricePer1K = 0.015

	// DefaultBudgetPeriod is the budget accounting window.
	DefaultBudgetPeriod = time.Hour
)

// EstimateCost prices totalTokens against an instance's provider/model.
// inputRatio <= 0 uses the default 0.7 split.
func EstimateCost(inst *registry.Instance, totalTokens int, inputRatio float64) float64 {
	if inputRatio <= 0 {
		inputRatio = defaultInputRatio
	}
	inputTokens := int(float64(totalTokens) * inputRatio)
	outputTokens := totalTokens - inputTokens
	price := providers.PriceFor(inst.Provider, inst.Model)
	return float64(inputTokens)/1000*price.InputPer1K + float64(outputTokens)/1000*price.OutputPer1K
}

// EstimateRequestCost prices a request before an instance is chosen, using
// cross-provider average prices.
func EstimateRequestCost(estimatedTokens int) float64 {
	inputTokens := int(float64(estimatedTokens) * defaultInputRatio)
	outputTokens := estimatedTokens - inputTokens
	return float64(inputTokens)/1000*avgInputPricePer1K + float64(outputTokens)/1000*avgOutputPricePer1K
}

// Usage reports the actual spend of one completed request.
type Usage struct {
	RequestID    string
	Model        string
	InputTokens  int
	OutputTokens int
	ActualCost   float64
	TaskType     string
}

// CostRecord is one stored spend observation.
type CostRecord struct {
	RequestID     string       `json:"request_id"`
	Provider      providers.ID `json:"provider"`
	Model         string       `json:"model"`
	ActualCost    float64      `json:"actual_cost"`
	EstimatedCost float64      `json:"estimated_cost"`
	InputTokens   int          `json:"input_tokens"`
	OutputTokens  int          `json:"output_tokens"`
	Timestamp     time.Time    `json:"timestamp"`
	TaskType      string       `json:"task_type,omitempty"`
}

// Budget bounds spend per request and per period.
type Budget struct {
	MaxCostPerRequest  float64
	MaxBudgetPerPeriod float64
	Period             time.Duration
}

// BudgetStatus is a point-in-time budget snapshot.
type BudgetStatus struct {
	CurrentPeriodCost float64   `json:"current_period_cost"`
	MaxPerPeriod      float64   `json:"max_per_period"`
	Remaining         float64   `json:"remaining"`
	PeriodStart       time.Time `json:"period_start"`
}

// ProviderCostSummary aggregates spend for one provider.
type ProviderCostSummary struct {
	Requests    int     `json:"requests"`
	TotalCost   float64 `json:"total_cost"`
	AverageCost float64 `json:"average_cost"`
}

// CostTracker keeps bounded per-provider spend history and the budget
// period accumulator.
type CostTracker struct {
	mu      sync.Mutex
	history map[providers.ID][]CostRecord
	budget  Budget

	currentPeriodCost float64
	periodStart       time.Time

	now func() time.Time
}

// NewCostTracker creates a tracker. A zero Period defaults to one hour.
func NewCostTracker(budget Budget, now func() time.Time) *CostTracker {
	if budget.Period <= 0 {
		budget.Period = DefaultBudgetPeriod
	}
	if now == nil {
		now = time.Now
	}
	return &CostTracker{
		history:     make(map[providers.ID][]CostRecord),
		budget:      budget,
		periodStart: now(),
		now:         now,
	}
}

// Record stores a spend observation and accumulates the budget period.
func (t *CostTracker) Record(provider providers.ID, usage Usage, estimatedCost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()

	record := CostRecord{
		RequestID:     usage.RequestID,
		Provider:      provider,
		Model:         usage.Model,
		ActualCost:    usage.ActualCost,
		EstimatedCost: estimatedCost,
		InputTokens:   usage.InputTokens,
		OutputTokens:  usage.OutputTokens,
		Timestamp:     t.now(),
		TaskType:      usage.TaskType,
	}
	records := append(t.history[provider], record)
	if len(records) > costHistoryCap {
		records = records[len(records)-costHistoryCap:]
	}
	t.history[provider] = records
	t.currentPeriodCost += usage.ActualCost
}

// AverageCost returns the mean actual cost for a provider within timeframe
// (0 means all history).
func (t *CostTracker) AverageCost(provider providers.ID, timeframe time.Duration) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Time{}
	if timeframe > 0 {
		cutoff = t.now().Add(-timeframe)
	}
	total := 0.0
	count := 0
	for _, record := range t.history[provider] {
		if !cutoff.IsZero() && record.Timestamp.Before(cutoff) {
			continue
		}
		total += record.ActualCost
		count++
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

// BudgetStatus returns the current period's accumulation, rolling the
// period over if it has elapsed.
func (t *CostTracker) BudgetStatus() BudgetStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()

	remaining := t.budget.MaxBudgetPerPeriod - t.currentPeriodCost
	if t.budget.MaxBudgetPerPeriod <= 0 {
		remaining = 0
	} else if remaining < 0 {
		remaining = 0
	}
	return BudgetStatus{
		CurrentPeriodCost: t.currentPeriodCost,
		MaxPerPeriod:      t.budget.MaxBudgetPerPeriod,
		Remaining:         remaining,
		PeriodStart:       t.periodStart,
	}
}

// Summary aggregates spend per provider over all stored history.
func (t *CostTracker) Summary() map[providers.ID]ProviderCostSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[providers.ID]ProviderCostSummary, len(t.history))
	for provider, records := range t.history {
		summary := ProviderCostSummary{Requests: len(records)}
		for _, record := range records {
			summary.TotalCost += record.ActualCost
		}
		if summary.Requests > 0 {
			summary.AverageCost = summary.TotalCost / float64(summary.Requests)
		}
		out[provider] = summary
	}
	return out
}

// SetBudget swaps the budget bounds in place. History and the current
// period accumulation are kept; a changed period applies from the next
// rollover.
func (t *CostTracker) SetBudget(budget Budget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if budget.Period <= 0 {
		budget.Period = DefaultBudgetPeriod
	}
	t.budget = budget
}

// MaxCostPerRequest exposes the per-request cap (0 means unlimited).
func (t *CostTracker) MaxCostPerRequest() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.budget.MaxCostPerRequest
}

// rolloverLocked resets the period accumulator when the window elapsed.
func (t *CostTracker) rolloverLocked() {
	if t.now().Sub(t.periodStart) > t.budget.Period {
		t.periodStart = t.now()
		t.currentPeriodCost = 0
	}
}
