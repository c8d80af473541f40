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

package registry

import (
	"sort"
	"sync/atomic"
)

// SelectInstance picks a healthy instance matching criteria, or nil when no
// candidate remains after filtering.
func (r *Registry) SelectInstance(criteria SelectionCriteria) *Instance {
	candidates := r.filterCandidates(criteria)
	if len(candidates) == 0 {
		return nil
	}

	switch criteria.Strategy {
	case SelectRoundRobin:
		return r.pickRoundRobin(candidates)
	case SelectRandom:
		return candidates[r.rnd.Intn(len(candidates))]
	case SelectCapabilityMatch:
		return pickCapabilityMatch(candidates, criteria.RequiredCapabilities)
	default:
		return pickLeastLoaded(candidates)
	}
}

// filterCandidates applies the criteria filters in order: health, provider,
// capabilities, region, exclusions, tags, minimum capacity.
func (r *Registry) filterCandidates(criteria SelectionCriteria) []*Instance {
	var out []*Instance
	for _, inst := range r.GetHealthyInstances() {
		if criteria.PreferredProvider != "" && inst.Provider != criteria.PreferredProvider {
			continue
		}
		if len(criteria.RequiredCapabilities) > 0 && !inst.HasAllCapabilities(criteria.RequiredCapabilities) {
			continue
		}
		if criteria.Region != "" && inst.Region != criteria.Region {
			continue
		}
		if criteria.excludes(inst.ID) {
			continue
		}
		if len(criteria.Tags) > 0 && !inst.HasAnyTag(criteria.Tags) {
			continue
		}
		if inst.Capacity.Available < criteria.MinAvailableCapacity {
			continue
		}
		out = append(out, inst)
	}
	return out
}

// pickLeastLoaded sorts by available capacity desc, utilization asc, id asc.
func pickLeastLoaded(candidates []*Instance) *Instance {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Capacity.Available != b.Capacity.Available {
			return a.Capacity.Available > b.Capacity.Available
		}
		if a.Capacity.UtilizationPercent != b.Capacity.UtilizationPercent {
			return a.Capacity.UtilizationPercent < b.Capacity.UtilizationPercent
		}
		return a.ID < b.ID
	})
	return candidates[0]
}

// pickRoundRobin cycles deterministically over the candidates sorted by id.
func (r *Registry) pickRoundRobin(candidates []*Instance) *Instance {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	n := atomic.AddUint64(&r.rrCounter, 1) - 1
	return candidates[n%uint64(len(candidates))]
}

// pickCapabilityMatch scores candidates by capability coverage plus spare
// capacity; ties break by id.
func pickCapabilityMatch(candidates []*Instance, required []string) *Instance {
	best := candidates[0]
	bestScore := capabilityScore(best, required)
	for _, inst := range candidates[1:] {
		score := capabilityScore(inst, required)
		if score > bestScore || (score == bestScore && inst.ID < best.ID) {
			best = inst
			bestScore = score
		}
	}
	return best
}

func capabilityScore(inst *Instance, required []string) float64 {
	matchRatio := 1.0
	if len(required) > 0 {
		matching := 0
		for _, cap := range required {
			if inst.HasCapability(cap) {
				matching++
			}
		}
		matchRatio = float64(matching) / float64(len(required))
	}
	return matchRatio*100 + float64(inst.Capacity.Available)
}
