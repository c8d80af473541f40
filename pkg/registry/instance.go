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
	"time"

	"github.com/kadirpekel/piplane/pkg/providers"
)

// HealthStatus is an instance's observed health.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// DeploymentMode describes how a worker process runs.
type DeploymentMode string

const (
	DeployLocal      DeploymentMode = "local"
	DeployDocker     DeploymentMode = "docker"
	DeployKubernetes DeploymentMode = "kubernetes"
	DeployRemote     DeploymentMode = "remote"
)

// Capacity tracks a worker's concurrent task budget. Available and
// UtilizationPercent are derived; call Recompute after mutating the primitive
// fields.
type Capacity struct {
	MaxConcurrent      int     `json:"max_concurrent"`
	ActiveTasks        int     `json:"active_tasks"`
	Available          int     `json:"available"`
	UtilizationPercent float64 `json:"utilization_percent"`
}

// Recompute refreshes the derived fields from MaxConcurrent and ActiveTasks.
func (c *Capacity) Recompute() {
	c.Available = c.MaxConcurrent - c.ActiveTasks
	if c.Available < 0 {
		c.Available = 0
	}
	if c.MaxConcurrent == 0 {
		c.UtilizationPercent = 0
		return
	}
	c.UtilizationPercent = float64(c.ActiveTasks) / float64(c.MaxConcurrent) * 100
}

// Auth describes how to authenticate against a worker endpoint.
type Auth struct {
	Type          string `json:"type,omitempty"`
	CredentialKey string `json:"credential_key,omitempty"`
}

// Instance is a running Pi worker known to the registry.
type Instance struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Provider      providers.ID      `json:"provider"`
	Model         string            `json:"model"`
	Deployment    DeploymentMode    `json:"deployment"`
	Endpoint      string            `json:"endpoint"`
	Health        HealthStatus      `json:"health"`
	Capabilities  []string          `json:"capabilities,omitempty"`
	Region        string            `json:"region,omitempty"`
	Capacity      Capacity          `json:"capacity"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	RegisteredAt  time.Time         `json:"registered_at"`
	Auth          Auth              `json:"auth,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
}

// HasCapability reports whether the instance advertises cap.
func (i *Instance) HasCapability(cap string) bool {
	for _, c := range i.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// HasAllCapabilities reports whether every cap is advertised.
func (i *Instance) HasAllCapabilities(caps []string) bool {
	for _, c := range caps {
		if !i.HasCapability(c) {
			return false
		}
	}
	return true
}

// HasAnyTag reports whether at least one tag matches.
func (i *Instance) HasAnyTag(tags []string) bool {
	for _, want := range tags {
		for _, have := range i.Tags {
			if want == have {
				return true
			}
		}
	}
	return false
}

// Clone returns a deep copy so callers cannot mutate registry state.
func (i *Instance) Clone() *Instance {
	clone := *i
	clone.Capabilities = append([]string(nil), i.Capabilities...)
	clone.Tags = append([]string(nil), i.Tags...)
	if i.Metadata != nil {
		clone.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// SelectionStrategy picks among filtered candidates.
type SelectionStrategy string

const (
	SelectLeastLoaded     SelectionStrategy = "least-loaded"
	SelectRoundRobin      SelectionStrategy = "round-robin"
	SelectRandom          SelectionStrategy = "random"
	SelectCapabilityMatch SelectionStrategy = "capability-match"
)

// SelectionCriteria narrows and ranks instances for selection.
type SelectionCriteria struct {
	PreferredProvider    providers.ID
	RequiredCapabilities []string
	MinAvailableCapacity int
	Region               string
	Exclude              []string
	Strategy             SelectionStrategy
	Tags                 []string
}

func (c SelectionCriteria) excludes(id string) bool {
	for _, e := range c.Exclude {
		if e == id {
			return true
		}
	}
	return false
}
