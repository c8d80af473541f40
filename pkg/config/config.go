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

// Package config loads and validates the piplane configuration from yaml
// files or remote backends (consul, etcd, zookeeper) through koanf, with
// env-var expansion and optional watch-based hot reload.
package config

import (
	"fmt"
	"time"

	"github.com/kadirpekel/piplane/pkg/providers"
)

// Config is the root piplane configuration.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Registry RegistryConfig `yaml:"registry"`
	Router   RouterConfig   `yaml:"router"`
	Session  SessionConfig  `yaml:"session"`
	Storage  StorageConfig  `yaml:"storage"`
	Server   ServerConfig   `yaml:"server"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
	// File redirects log output to a file; empty means stderr.
	File string `yaml:"file,omitempty"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}

func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging level %q", c.Level)
	}
	switch c.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging format %q (valid: text, json)", c.Format)
	}
	return nil
}

// HealthMonitoringConfig tunes the registry's health loop.
type HealthMonitoringConfig struct {
	IntervalMs           int `yaml:"interval_ms"`
	TimeoutMs            int `yaml:"timeout_ms"`
	MaxRetries           int `yaml:"max_retries"`
	RemovalGracePeriodMs int `yaml:"removal_grace_period_ms"`
}

func (c *HealthMonitoringConfig) SetDefaults() {
	if c.IntervalMs == 0 {
		c.IntervalMs = 30000
	}
	if c.TimeoutMs == 0 {
		c.TimeoutMs = 5000
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RemovalGracePeriodMs == 0 {
		c.RemovalGracePeriodMs = 300000
	}
}

// CircuitBreakerConfig carries the shared breaker knobs.
type CircuitBreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	ResetTimeoutMs   int `yaml:"reset_timeout_ms"`
}

func (c *CircuitBreakerConfig) SetDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeoutMs == 0 {
		c.ResetTimeoutMs = 60000
	}
}

// InstanceDefaultsConfig seeds fields discovery leaves empty.
type InstanceDefaultsConfig struct {
	Capacity     int      `yaml:"capacity"`
	Capabilities []string `yaml:"capabilities,omitempty"`
	Region       string   `yaml:"region"`
}

func (c *InstanceDefaultsConfig) SetDefaults() {
	if c.Capacity == 0 {
		c.Capacity = 4
	}
	if c.Region == "" {
		c.Region = "default"
	}
}

// DiscoveryStrategyConfig describes one discovery backend. Type selects the
// strategy; the remaining fields apply per type.
type DiscoveryStrategyConfig struct {
	// Type is one of static, gateway, kubernetes, auto_spawn.
	Type string `yaml:"type"`

	// Static: inline instance definitions.
	Instances []StaticInstanceConfig `yaml:"instances,omitempty"`

	// Gateway / kubernetes: the HTTP endpoint to query. Kubernetes resolves
	// the named service's endpoints object in the namespace.
	Endpoint  string `yaml:"endpoint,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`
	Service   string `yaml:"service,omitempty"`
	PortName  string `yaml:"port_name,omitempty"`

	// Kubernetes / auto_spawn: what the discovered workers run.
	Provider      string `yaml:"provider,omitempty"`
	Model         string `yaml:"model,omitempty"`
	MaxConcurrent int    `yaml:"max_concurrent,omitempty"`

	// Auto-spawn bounds.
	MinInstances      int    `yaml:"min_instances,omitempty"`
	MaxInstances      int    `yaml:"max_instances,omitempty"`
	CapacityThreshold int    `yaml:"capacity_threshold,omitempty"`
	Command           string `yaml:"command,omitempty"`

	AutoRegister bool `yaml:"auto_register"`
}

// StaticInstanceConfig is one statically configured worker.
type StaticInstanceConfig struct {
	ID       string `yaml:"id"`
	Provider string `yaml:"provider"`
	Model    string `yaml:"model,omitempty"`
	Endpoint string `yaml:"endpoint"`
	Region   string `yaml:"region,omitempty"`
}

func (c *DiscoveryStrategyConfig) Validate() error {
	switch c.Type {
	case "static":
		if len(c.Instances) == 0 {
			return fmt.Errorf("static discovery requires at least one instance")
		}
		for i, inst := range c.Instances {
			if inst.ID == "" || inst.Endpoint == "" {
				return fmt.Errorf("static instance %d requires id and endpoint", i)
			}
		}
	case "gateway":
		if c.Endpoint == "" {
			return fmt.Errorf("gateway discovery requires an endpoint")
		}
	case "kubernetes":
		if c.Endpoint == "" {
			return fmt.Errorf("kubernetes discovery requires an endpoint")
		}
		if c.Namespace == "" || c.Service == "" {
			return fmt.Errorf("kubernetes discovery requires namespace and service")
		}
		if c.Provider != "" && !providers.IsValid(providers.ID(c.Provider)) {
			return fmt.Errorf("unknown provider %q", c.Provider)
		}
	case "auto_spawn":
		if c.Command == "" {
			return fmt.Errorf("auto_spawn discovery requires a command")
		}
		if c.Provider == "" || !providers.IsValid(providers.ID(c.Provider)) {
			return fmt.Errorf("auto_spawn discovery requires a known provider")
		}
		if c.MaxInstances > 0 && c.MinInstances > c.MaxInstances {
			return fmt.Errorf("auto_spawn min_instances exceeds max_instances")
		}
	default:
		return fmt.Errorf("invalid discovery type %q (valid: static, gateway, kubernetes, auto_spawn)", c.Type)
	}
	return nil
}

// RegistryConfig configures the worker registry.
type RegistryConfig struct {
	Discovery        []DiscoveryStrategyConfig `yaml:"discovery,omitempty"`
	HealthMonitoring HealthMonitoringConfig    `yaml:"health_monitoring"`
	Defaults         InstanceDefaultsConfig    `yaml:"defaults"`
	CircuitBreaker   CircuitBreakerConfig      `yaml:"circuit_breaker"`
}

func (c *RegistryConfig) SetDefaults() {
	c.HealthMonitoring.SetDefaults()
	c.Defaults.SetDefaults()
	c.CircuitBreaker.SetDefaults()
}

func (c *RegistryConfig) Validate() error {
	for i := range c.Discovery {
		if err := c.Discovery[i].Validate(); err != nil {
			return fmt.Errorf("discovery[%d]: %w", i, err)
		}
	}
	return nil
}

// HealthInterval returns the monitoring tick as a duration.
func (c *RegistryConfig) HealthInterval() time.Duration {
	return time.Duration(c.HealthMonitoring.IntervalMs) * time.Millisecond
}

// HealthTimeout returns the per-check timeout as a duration.
func (c *RegistryConfig) HealthTimeout() time.Duration {
	return time.Duration(c.HealthMonitoring.TimeoutMs) * time.Millisecond
}

// RemovalGrace returns the unhealthy-removal grace period as a duration.
func (c *RegistryConfig) RemovalGrace() time.Duration {
	return time.Duration(c.HealthMonitoring.RemovalGracePeriodMs) * time.Millisecond
}

// RouterConfig configures routing, cost tracking, and fallback.
type RouterConfig struct {
	DefaultStrategy         string   `yaml:"default_strategy"`
	MaxCostPerRequest       float64  `yaml:"max_cost_per_request"`
	CostBudgetPeriodMs      int      `yaml:"cost_budget_period_ms"`
	MaxBudgetPerPeriod      float64  `yaml:"max_budget_per_period"`
	CircuitBreakerThreshold int      `yaml:"circuit_breaker_threshold"`
	CircuitBreakerResetMs   int      `yaml:"circuit_breaker_reset_ms"`
	EnableCostTracking      *bool    `yaml:"enable_cost_tracking,omitempty"`
	FallbackChain           []string `yaml:"fallback_chain,omitempty"`
	MaxAttempts             int      `yaml:"max_attempts,omitempty"`
}

var validStrategies = map[string]bool{
	"capability_matched": true,
	"cost_optimized":     true,
	"latency_optimized":  true,
	"fallback_chain":     true,
}

func (c *RouterConfig) SetDefaults() {
	if c.DefaultStrategy == "" {
		c.DefaultStrategy = "capability_matched"
	}
	if c.MaxCostPerRequest == 0 {
		c.MaxCostPerRequest = 10.0
	}
	if c.CostBudgetPeriodMs == 0 {
		c.CostBudgetPeriodMs = 3600000
	}
	if c.MaxBudgetPerPeriod == 0 {
		c.MaxBudgetPerPeriod = 100.0
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
	if c.CircuitBreakerResetMs == 0 {
		c.CircuitBreakerResetMs = 60000
	}
	if c.EnableCostTracking == nil {
		enabled := true
		c.EnableCostTracking = &enabled
	}
	if len(c.FallbackChain) == 0 {
		c.FallbackChain = []string{"anthropic", "openai", "google", "kimi", "groq"}
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
}

func (c *RouterConfig) Validate() error {
	if !validStrategies[c.DefaultStrategy] {
		return fmt.Errorf("invalid default_strategy %q", c.DefaultStrategy)
	}
	if c.MaxCostPerRequest < 0 {
		return fmt.Errorf("max_cost_per_request must be non-negative")
	}
	if c.MaxBudgetPerPeriod < 0 {
		return fmt.Errorf("max_budget_per_period must be non-negative")
	}
	for _, p := range c.FallbackChain {
		if !providers.IsValid(providers.ID(p)) {
			return fmt.Errorf("unknown provider %q in fallback_chain", p)
		}
	}
	return nil
}

// BudgetPeriod returns the cost accounting window as a duration.
func (c *RouterConfig) BudgetPeriod() time.Duration {
	return time.Duration(c.CostBudgetPeriodMs) * time.Millisecond
}

// BreakerReset returns the breaker reset timeout as a duration.
func (c *RouterConfig) BreakerReset() time.Duration {
	return time.Duration(c.CircuitBreakerResetMs) * time.Millisecond
}

// Fallback returns the fallback chain as provider ids.
func (c *RouterConfig) Fallback() []providers.ID {
	out := make([]providers.ID, 0, len(c.FallbackChain))
	for _, p := range c.FallbackChain {
		out = append(out, providers.ID(p))
	}
	return out
}

// CostTrackingEnabled reports whether cost tracking is on (default true).
func (c *RouterConfig) CostTrackingEnabled() bool {
	return c.EnableCostTracking == nil || *c.EnableCostTracking
}

// SessionPersistenceConfig carries the per-session checkpoint defaults.
type SessionPersistenceConfig struct {
	AutoCheckpoint     *bool `yaml:"auto_checkpoint,omitempty"`
	CheckpointInterval int   `yaml:"checkpoint_interval"`
	CompactThreshold   int   `yaml:"compact_threshold"`
}

func (c *SessionPersistenceConfig) SetDefaults() {
	if c.AutoCheckpoint == nil {
		enabled := true
		c.AutoCheckpoint = &enabled
	}
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = 10
	}
	if c.CompactThreshold == 0 {
		c.CompactThreshold = 4000
	}
}

// SessionConfig configures the session manager.
type SessionConfig struct {
	Persistence SessionPersistenceConfig `yaml:"persistence"`
}

func (c *SessionConfig) SetDefaults() {
	c.Persistence.SetDefaults()
}

// CacheConfig selects the fast cache tier.
type CacheConfig struct {
	// Backend is "memory" or "redis".
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis,omitempty"`
}

func (c *CacheConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	c.Redis.SetDefaults()
}

func (c *CacheConfig) Validate() error {
	switch c.Backend {
	case "memory":
		return nil
	case "redis":
		return c.Redis.Validate()
	default:
		return fmt.Errorf("invalid cache backend %q (valid: memory, redis)", c.Backend)
	}
}

// StoreConfig selects the durable tier.
type StoreConfig struct {
	// Backend is "memory" or "sql".
	Backend  string         `yaml:"backend"`
	Database DatabaseConfig `yaml:"database,omitempty"`
}

func (c *StoreConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.Backend == "sql" {
		c.Database.SetDefaults()
	}
}

func (c *StoreConfig) Validate() error {
	switch c.Backend {
	case "memory":
		return nil
	case "sql":
		return c.Database.Validate()
	default:
		return fmt.Errorf("invalid store backend %q (valid: memory, sql)", c.Backend)
	}
}

// StorageConfig configures the two synchronizer tiers.
type StorageConfig struct {
	Cache CacheConfig `yaml:"cache"`
	Store StoreConfig `yaml:"store"`
}

func (c *StorageConfig) SetDefaults() {
	c.Cache.SetDefaults()
	c.Store.SetDefaults()
}

func (c *StorageConfig) Validate() error {
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

// ServerConfig configures the serve command's HTTP listener (metrics and
// health endpoints).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// SetDefaults applies defaults recursively.
func (c *Config) SetDefaults() {
	c.Logging.SetDefaults()
	c.Registry.SetDefaults()
	c.Router.SetDefaults()
	c.Session.SetDefaults()
	c.Storage.SetDefaults()
	c.Server.SetDefaults()
}

// Validate checks the whole configuration. SetDefaults must run first.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Registry.Validate(); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	if err := c.Router.Validate(); err != nil {
		return fmt.Errorf("router: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
