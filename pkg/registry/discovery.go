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
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kadirpekel/piplane/internal/httpclient"
	"github.com/kadirpekel/piplane/pkg/providers"
)

// Discovery strategy names. Gateway and kubernetes calls go through a named
// circuit breaker under these keys.
const (
	StrategyStatic     = "static"
	StrategyGateway    = "gateway"
	StrategyKubernetes = "kubernetes"
	StrategyAutoSpawn  = "auto-spawn"
)

// CodeDiscoveryFailed is the stable code for DiscoveryError.
const CodeDiscoveryFailed = "DISCOVERY_FAILED"

// DiscoveryError is returned when every strategy failed and none produced an
// instance. First is the first strategy error observed.
type DiscoveryError struct {
	Code       string
	Strategies []string
	First      error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("%s: all strategies failed (%v): %v", e.Code, e.Strategies, e.First)
}

func (e *DiscoveryError) Unwrap() error { return e.First }

// Strategy discovers worker instances from one backend.
type Strategy interface {
	Name() string
	Discover(ctx context.Context) ([]*Instance, error)
	// AutoRegister reports whether discovered instances should be
	// registered automatically.
	AutoRegister() bool
}

// StaticInstance is one statically configured worker.
type StaticInstance struct {
	ID            string            `yaml:"id" json:"id"`
	Name          string            `yaml:"name,omitempty" json:"name,omitempty"`
	Provider      providers.ID      `yaml:"provider" json:"provider"`
	Model         string            `yaml:"model,omitempty" json:"model,omitempty"`
	Endpoint      string            `yaml:"endpoint" json:"endpoint"`
	Region        string            `yaml:"region,omitempty" json:"region,omitempty"`
	Capabilities  []string          `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Tags          []string          `yaml:"tags,omitempty" json:"tags,omitempty"`
	MaxConcurrent int               `yaml:"max_concurrent,omitempty" json:"max_concurrent,omitempty"`
	Metadata      map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// StaticStrategy yields a fixed list of configured instances.
type StaticStrategy struct {
	instances    []StaticInstance
	autoRegister bool
}

// NewStaticStrategy creates a static strategy.
func NewStaticStrategy(instances []StaticInstance, autoRegister bool) *StaticStrategy {
	return &StaticStrategy{instances: instances, autoRegister: autoRegister}
}

func (s *StaticStrategy) Name() string       { return StrategyStatic }
func (s *StaticStrategy) AutoRegister() bool { return s.autoRegister }

func (s *StaticStrategy) Discover(ctx context.Context) ([]*Instance, error) {
	out := make([]*Instance, 0, len(s.instances))
	for _, cfg := range s.instances {
		if cfg.ID == "" || cfg.Endpoint == "" {
			return nil, fmt.Errorf("static instance requires id and endpoint")
		}
		if !providers.IsValid(cfg.Provider) {
			return nil, fmt.Errorf("static instance %s: unknown provider %q", cfg.ID, cfg.Provider)
		}
		maxConcurrent := cfg.MaxConcurrent
		if maxConcurrent == 0 {
			maxConcurrent = 1
		}
		model := cfg.Model
		if model == "" {
			if desc, ok := providers.Get(cfg.Provider); ok {
				model = desc.DefaultModel
			}
		}
		inst := &Instance{
			ID:           cfg.ID,
			Name:         cfg.Name,
			Provider:     cfg.Provider,
			Model:        model,
			Deployment:   DeployRemote,
			Endpoint:     cfg.Endpoint,
			Health:       HealthUnknown,
			Capabilities: cfg.Capabilities,
			Region:       cfg.Region,
			Capacity:     Capacity{MaxConcurrent: maxConcurrent},
			Metadata:     cfg.Metadata,
			Tags:         cfg.Tags,
		}
		inst.Capacity.Recompute()
		out = append(out, inst)
	}
	return out, nil
}

// gatewayInstance is the wire shape of a gateway listing entry.
type gatewayInstance struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Provider      string            `json:"provider"`
	Model         string            `json:"model"`
	Endpoint      string            `json:"endpoint"`
	Region        string            `json:"region"`
	Capabilities  []string          `json:"capabilities"`
	Tags          []string          `json:"tags"`
	MaxConcurrent int               `json:"max_concurrent"`
	ActiveTasks   int               `json:"active_tasks"`
	Metadata      map[string]string `json:"metadata"`
}

// GatewayStrategy lists instances from a worker gateway's HTTP API.
type GatewayStrategy struct {
	url          string
	client       *httpclient.Client
	autoRegister bool
}

// NewGatewayStrategy creates a gateway strategy against baseURL.
func NewGatewayStrategy(baseURL string, client *httpclient.Client, autoRegister bool) *GatewayStrategy {
	if client == nil {
		client = httpclient.New()
	}
	return &GatewayStrategy{url: baseURL, client: client, autoRegister: autoRegister}
}

func (s *GatewayStrategy) Name() string       { return StrategyGateway }
func (s *GatewayStrategy) AutoRegister() bool { return s.autoRegister }

func (s *GatewayStrategy) Discover(ctx context.Context) ([]*Instance, error) {
	var listing struct {
		Instances []gatewayInstance `json:"instances"`
	}
	if err := s.client.GetJSON(ctx, s.url+"/v1/instances", &listing); err != nil {
		return nil, fmt.Errorf("gateway discovery failed: %w", err)
	}

	out := make([]*Instance, 0, len(listing.Instances))
	for _, entry := range listing.Instances {
		inst := &Instance{
			ID:           entry.ID,
			Name:         entry.Name,
			Provider:     providers.ID(entry.Provider),
			Model:        entry.Model,
			Deployment:   DeployRemote,
			Endpoint:     entry.Endpoint,
			Health:       HealthUnknown,
			Capabilities: entry.Capabilities,
			Region:       entry.Region,
			Capacity: Capacity{
				MaxConcurrent: entry.MaxConcurrent,
				ActiveTasks:   entry.ActiveTasks,
			},
			Metadata: entry.Metadata,
			Tags:     entry.Tags,
		}
		inst.Capacity.Recompute()
		out = append(out, inst)
	}
	return out, nil
}

// KubernetesConfig locates Pi worker endpoints through the Kubernetes API.
type KubernetesConfig struct {
	APIServer     string       `yaml:"api_server" json:"api_server"`
	Namespace     string       `yaml:"namespace" json:"namespace"`
	Service       string       `yaml:"service" json:"service"`
	BearerToken   string       `yaml:"bearer_token,omitempty" json:"-"`
	Provider      providers.ID `yaml:"provider" json:"provider"`
	Model         string       `yaml:"model,omitempty" json:"model,omitempty"`
	PortName      string       `yaml:"port_name,omitempty" json:"port_name,omitempty"`
	MaxConcurrent int          `yaml:"max_concurrent,omitempty" json:"max_concurrent,omitempty"`
}

// KubernetesStrategy resolves the endpoints object of a worker service.
type KubernetesStrategy struct {
	cfg          KubernetesConfig
	client       *httpclient.Client
	autoRegister bool
}

// NewKubernetesStrategy creates a kubernetes endpoints strategy.
func NewKubernetesStrategy(cfg KubernetesConfig, client *httpclient.Client, autoRegister bool) *KubernetesStrategy {
	if client == nil {
		opts := []httpclient.Option{}
		if cfg.BearerToken != "" {
			opts = append(opts, httpclient.WithHeader("Authorization", "Bearer "+cfg.BearerToken))
		}
		client = httpclient.New(opts...)
	}
	return &KubernetesStrategy{cfg: cfg, client: client, autoRegister: autoRegister}
}

func (s *KubernetesStrategy) Name() string       { return StrategyKubernetes }
func (s *KubernetesStrategy) AutoRegister() bool { return s.autoRegister }

func (s *KubernetesStrategy) Discover(ctx context.Context) ([]*Instance, error) {
	url := fmt.Sprintf("%s/api/v1/namespaces/%s/endpoints/%s",
		s.cfg.APIServer, s.cfg.Namespace, s.cfg.Service)

	var endpoints struct {
		Subsets []struct {
			Addresses []struct {
				IP        string `json:"ip"`
				TargetRef struct {
					Name string `json:"name"`
				} `json:"targetRef"`
			} `json:"addresses"`
			Ports []struct {
				Name string `json:"name"`
				Port int    `json:"port"`
			} `json:"ports"`
		} `json:"subsets"`
	}
	if err := s.client.GetJSON(ctx, url, &endpoints); err != nil {
		return nil, fmt.Errorf("kubernetes discovery failed: %w", err)
	}

	maxConcurrent := s.cfg.MaxConcurrent
	if maxConcurrent == 0 {
		maxConcurrent = 1
	}
	model := s.cfg.Model
	if model == "" {
		if desc, ok := providers.Get(s.cfg.Provider); ok {
			model = desc.DefaultModel
		}
	}

	var out []*Instance
	for _, subset := range endpoints.Subsets {
		port := 0
		for _, p := range subset.Ports {
			if s.cfg.PortName == "" || p.Name == s.cfg.PortName {
				port = p.Port
				break
			}
		}
		if port == 0 {
			continue
		}
		for _, addr := range subset.Addresses {
			id := addr.TargetRef.Name
			if id == "" {
				id = fmt.Sprintf("%s-%s", s.cfg.Service, addr.IP)
			}
			inst := &Instance{
				ID:         id,
				Name:       id,
				Provider:   s.cfg.Provider,
				Model:      model,
				Deployment: DeployKubernetes,
				Endpoint:   fmt.Sprintf("http://%s:%d", addr.IP, port),
				Health:     HealthUnknown,
				Capacity:   Capacity{MaxConcurrent: maxConcurrent},
			}
			inst.Capacity.Recompute()
			out = append(out, inst)
		}
	}
	return out, nil
}

// Spawner launches a new Pi worker process.
type Spawner interface {
	Spawn(ctx context.Context, provider providers.ID, model string) (*Instance, error)
}

// AutoSpawnConfig bounds how many workers auto-spawn may keep alive.
type AutoSpawnConfig struct {
	Provider          providers.ID `yaml:"provider" json:"provider"`
	Model             string       `yaml:"model,omitempty" json:"model,omitempty"`
	MinInstances      int          `yaml:"min_instances" json:"min_instances"`
	MaxInstances      int          `yaml:"max_instances" json:"max_instances"`
	CapacityThreshold int          `yaml:"capacity_threshold" json:"capacity_threshold"`
}

// AutoSpawnStrategy spawns additional workers when matching capacity runs
// low. Per-instance spawn failures are logged, not fatal for the batch.
type AutoSpawnStrategy struct {
	cfg     AutoSpawnConfig
	spawner Spawner
	current func() []*Instance
	logger  *slog.Logger
}

// NewAutoSpawnStrategy creates an auto-spawn strategy. current must return a
// snapshot of the registry's instances.
func NewAutoSpawnStrategy(cfg AutoSpawnConfig, spawner Spawner, current func() []*Instance, logger *slog.Logger) *AutoSpawnStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoSpawnStrategy{cfg: cfg, spawner: spawner, current: current, logger: logger}
}

func (s *AutoSpawnStrategy) Name() string       { return StrategyAutoSpawn }
func (s *AutoSpawnStrategy) AutoRegister() bool { return true }

func (s *AutoSpawnStrategy) Discover(ctx context.Context) ([]*Instance, error) {
	matching := 0
	available := 0
	for _, inst := range s.current() {
		if inst.Provider != s.cfg.Provider {
			continue
		}
		matching++
		available += inst.Capacity.Available
	}
	if available > s.cfg.CapacityThreshold {
		return nil, nil
	}

	want := s.cfg.MaxInstances - matching
	if want > s.cfg.MinInstances {
		want = s.cfg.MinInstances
	}
	if want <= 0 {
		return nil, nil
	}

	var out []*Instance
	for i := 0; i < want; i++ {
		inst, err := s.spawner.Spawn(ctx, s.cfg.Provider, s.cfg.Model)
		if err != nil {
			s.logger.Warn("Failed to spawn worker", "provider", s.cfg.Provider, "error", err)
			continue
		}
		if inst.ID == "" {
			inst.ID = "spawned-" + uuid.NewString()[:8]
		}
		inst.Capacity.Recompute()
		out = append(out, inst)
	}
	return out, nil
}
