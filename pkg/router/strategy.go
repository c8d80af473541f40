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
	"fmt"
	"sort"

	"github.com/kadirpekel/piplane/pkg/providers"
	"github.com/kadirpekel/piplane/pkg/registry"
)

// Built-in strategy names.
const (
	StrategyCostOptimized    = "cost_optimized"
	StrategyCapabilityMatch  = "capability_matched"
	StrategyLatencyOptimized = "latency_optimized"
	StrategyFallbackChain    = "fallback_chain"
)

// Ranked is one scored candidate.
type Ranked struct {
	Instance *registry.Instance
	Score    float64
	Reason   string
}

// StrategyContext supplies the historical signals a strategy may consult.
type StrategyContext struct {
	// SuccessRate returns a provider's historical success rate in [0,1]
	// and whether any history exists.
	SuccessRate func(provider providers.ID) (float64, bool)
	// FallbackOrder is the configured provider priority list for the
	// fallback_chain strategy.
	FallbackOrder []providers.ID
}

// Strategy ranks candidate instances for a request. Implementations are
// pure: no side effects, deterministic given the same inputs (ties break by
// instance id).
type Strategy interface {
	Name() string
	Rank(req *Request, candidates []*registry.Instance, sctx *StrategyContext) ([]Ranked, error)
}

// sortRanked orders by score desc, id asc.
func sortRanked(ranked []Ranked) {
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Instance.ID < ranked[j].Instance.ID
	})
}

// costOptimized scores candidates inversely by estimated request cost.
type costOptimized struct{}

func (costOptimized) Name() string { return StrategyCostOptimized }

func (costOptimized) Rank(req *Request, candidates []*registry.Instance, _ *StrategyContext) ([]Ranked, error) {
	var ranked []Ranked
	for _, inst := range candidates {
		if !inst.HasAllCapabilities(req.RequiredCapabilities) {
			continue
		}
		cost := EstimateCost(inst, req.EstimatedTokens, 0)
		score := (maxReasonableCost - cost) / maxReasonableCost * 100
		if score < 0 {
			score = 0
		}
		ranked = append(ranked, Ranked{
			Instance: inst,
			Score:    score,
			Reason:   fmt.Sprintf("estimated cost $%.4f", cost),
		})
	}
	sortRanked(ranked)
	return ranked, nil
}

// capabilityMatched is the default strategy: weighted capability coverage,
// provider quality, context-window adequacy and historical success rate.
type capabilityMatched struct{}

func (capabilityMatched) Name() string { return StrategyCapabilityMatch }

func (capabilityMatched) Rank(req *Request, candidates []*registry.Instance, sctx *StrategyContext) ([]Ranked, error) {
	var ranked []Ranked
	for _, inst := range candidates {
		desc, ok := providers.Get(inst.Provider)
		if !ok {
			continue
		}
		if req.MinQualityScore > 0 && desc.QualityScore < req.MinQualityScore {
			continue
		}

		matchRatio := 1.0
		if len(req.RequiredCapabilities) > 0 {
			matching := 0
			for _, cap := range req.RequiredCapabilities {
				if inst.HasCapability(cap) {
					matching++
				}
			}
			matchRatio = float64(matching) / float64(len(req.RequiredCapabilities))
		}

		successRate := 0.5
		if sctx != nil && sctx.SuccessRate != nil {
			if rate, known := sctx.SuccessRate(inst.Provider); known {
				successRate = rate
			}
		}

		score := 0.4*matchRatio*100 +
			0.3*desc.QualityScore +
			0.2*contextWindowScore(desc.ContextWindow, req.EstimatedTokens) +
			0.1*successRate*100
		ranked = append(ranked, Ranked{
			Instance: inst,
			Score:    score,
			Reason:   fmt.Sprintf("capability match %.0f%%, quality %.0f", matchRatio*100, desc.QualityScore),
		})
	}
	sortRanked(ranked)
	return ranked, nil
}

// contextWindowScore grades how comfortably the window fits the request.
func contextWindowScore(window, required int) float64 {
	if required <= 0 {
		return 20
	}
	ratio := float64(window) / float64(required)
	switch {
	case ratio >= 2:
		return 20
	case ratio >= 1.5:
		return 15
	case ratio >= 1:
		return 10
	case ratio >= 0.75:
		return 5
	default:
		return 0
	}
}

// latencyOptimized scores by expected provider latency.
type latencyOptimized struct{}

func (latencyOptimized) Name() string { return StrategyLatencyOptimized }

func (latencyOptimized) Rank(req *Request, candidates []*registry.Instance, _ *StrategyContext) ([]Ranked, error) {
	var ranked []Ranked
	for _, inst := range candidates {
		latency := expectedLatencyMs(inst)
		score := float64(5000-latency) / 5000 * 100
		if score < 0 {
			score = 0
		}
		ranked = append(ranked, Ranked{
			Instance: inst,
			Score:    score,
			Reason:   fmt.Sprintf("expected latency %dms", latency),
		})
	}
	sortRanked(ranked)
	return ranked, nil
}

func expectedLatencyMs(inst *registry.Instance) int {
	if desc, ok := providers.Get(inst.Provider); ok {
		return desc.DefaultLatencyMs
	}
	return 5000
}

// fallbackChain orders candidates by a configured provider priority list;
// providers outside the list go last.
type fallbackChain struct{}

func (fallbackChain) Name() string { return StrategyFallbackChain }

// DefaultFallbackOrder is the provider priority used when none is
// configured.
var DefaultFallbackOrder = []providers.ID{
	providers.Anthropic,
	providers.OpenAI,
	providers.Google,
	providers.Kimi,
	providers.Groq,
	providers.Cerebras,
	providers.MiniMax,
}

func (fallbackChain) Rank(req *Request, candidates []*registry.Instance, sctx *StrategyContext) ([]Ranked, error) {
	order := DefaultFallbackOrder
	if sctx != nil && len(sctx.FallbackOrder) > 0 {
		order = sctx.FallbackOrder
	}
	rank := make(map[providers.ID]int, len(order))
	for i, id := range order {
		rank[id] = i
	}

	var ranked []Ranked
	for _, inst := range candidates {
		priority, listed := rank[inst.Provider]
		if !listed {
			priority = len(order)
		}
		// Score descends with priority; healthy outranks degraded
		// within the same provider tier.
		score := float64((len(order)-priority)*10 + 5)
		if inst.Health == registry.HealthDegraded {
			score -= 5
		}
		ranked = append(ranked, Ranked{
			Instance: inst,
			Score:    score,
			Reason:   fmt.Sprintf("fallback priority %d", priority+1),
		})
	}
	sortRanked(ranked)
	return ranked, nil
}
