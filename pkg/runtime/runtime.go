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

// Package runtime assembles the control plane from configuration: metrics,
// the worker registry with its discovery strategies, the router, the state
// synchronizer's storage tiers, the conversation tree manager, the tool
// interceptor, and the session manager. Construction is explicit; nothing
// here is a package-level singleton.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kadirpekel/piplane/internal/httpclient"
	"github.com/kadirpekel/piplane/pkg/circuit"
	"github.com/kadirpekel/piplane/pkg/config"
	"github.com/kadirpekel/piplane/pkg/interceptor"
	"github.com/kadirpekel/piplane/pkg/observability"
	"github.com/kadirpekel/piplane/pkg/providers"
	"github.com/kadirpekel/piplane/pkg/registry"
	"github.com/kadirpekel/piplane/pkg/router"
	"github.com/kadirpekel/piplane/pkg/session"
	"github.com/kadirpekel/piplane/pkg/statesync"
	"github.com/kadirpekel/piplane/pkg/tokenizer"
	"github.com/kadirpekel/piplane/pkg/tree"
)

const defaultBashTimeout = 2 * time.Minute

// Runtime owns every long-lived component and their shutdown order.
type Runtime struct {
	mu     sync.RWMutex
	config *config.Config

	metrics  *observability.Metrics
	registry *registry.Registry
	router   *router.Router
	sync     *statesync.Synchronizer
	trees    *tree.Manager
	tools    *interceptor.Interceptor
	sessions *session.Manager

	dbPool      *config.DBPool
	redisClient *redis.Client

	logger *slog.Logger
}

type options struct {
	logger      *slog.Logger
	httpClient  *httpclient.Client
	spawner     registry.Spawner
	estimator   tokenizer.Estimator
	bashTimeout time.Duration
}

// Option configures runtime construction.
type Option func(*options)

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithHTTPClient sets the client used by gateway and kubernetes discovery
// and by health probes.
func WithHTTPClient(client *httpclient.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithSpawner provides the worker process launcher required by auto_spawn
// discovery.
func WithSpawner(spawner registry.Spawner) Option {
	return func(o *options) { o.spawner = spawner }
}

// WithBashTimeout bounds the built-in bash tool's command runtime.
func WithBashTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout > 0 {
			o.bashTimeout = timeout
		}
	}
}

// WithEstimator overrides the token estimator used by the tree manager,
// e.g. a tiktoken estimator when the model's encoding is known.
func WithEstimator(estimator tokenizer.Estimator) Option {
	return func(o *options) { o.estimator = estimator }
}

// New builds a runtime from a validated config. The connector opens worker
// RPC channels; the caller keeps ownership of the config.
func New(ctx context.Context, cfg *config.Config, connector session.Connector, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if connector == nil {
		return nil, fmt.Errorf("worker connector is required")
	}

	o := &options{
		logger:      slog.Default(),
		estimator:   tokenizer.Default(),
		bashTimeout: defaultBashTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.httpClient == nil {
		o.httpClient = httpclient.New()
	}

	rt := &Runtime{
		config:  cfg,
		metrics: observability.New(),
		logger:  o.logger,
	}
	fail := func(err error) (*Runtime, error) {
		if cerr := rt.Close(); cerr != nil {
			o.logger.Warn("Cleanup after failed startup", "error", cerr)
		}
		return nil, err
	}

	cache, store, err := rt.buildStorage(ctx, cfg.Storage)
	if err != nil {
		return fail(fmt.Errorf("storage: %w", err))
	}
	rt.sync = statesync.NewSynchronizer(cache, store,
		statesync.WithLogger(o.logger),
		statesync.WithMetrics(rt.metrics))

	rt.trees = tree.NewManager(
		tree.WithStore(rt.sync),
		tree.WithEstimator(o.estimator),
		tree.WithLogger(o.logger))

	rt.tools = interceptor.New(interceptor.WithLogger(o.logger))
	builtins := []*interceptor.Tool{
		interceptor.NewReadTool(),
		interceptor.NewWriteTool(),
		interceptor.NewEditTool(),
		interceptor.NewBashTool(o.bashTimeout),
		interceptor.NewTodoWriteTool(rt.tools),
		interceptor.NewTreeNavigateTool(rt.trees),
	}
	for _, tool := range builtins {
		if err := rt.tools.RegisterTool(tool); err != nil {
			return fail(fmt.Errorf("register tool: %w", err))
		}
	}

	strategies, err := rt.buildDiscovery(cfg.Registry.Discovery, o)
	if err != nil {
		return fail(fmt.Errorf("discovery: %w", err))
	}
	rt.registry = registry.New(
		registry.WithStrategies(strategies...),
		registry.WithHealthChecker(registry.NewHTTPHealthChecker(o.httpClient)),
		registry.WithHealthInterval(cfg.Registry.HealthInterval()),
		registry.WithHealthTimeout(cfg.Registry.HealthTimeout()),
		registry.WithRemovalGrace(cfg.Registry.RemovalGrace()),
		registry.WithLogger(o.logger))
	rt.registry.Subscribe(rt.metrics.HandleRegistryEvent)

	rt.router = router.New(rt.registry,
		router.WithBudget(router.Budget{
			MaxCostPerRequest:  cfg.Router.MaxCostPerRequest,
			MaxBudgetPerPeriod: cfg.Router.MaxBudgetPerPeriod,
			Period:             cfg.Router.BudgetPeriod(),
		}),
		router.WithBreakerOptions(circuitOptions(cfg.Router)),
		router.WithFallbackOrder(cfg.Router.Fallback()),
		router.WithMaxAttempts(cfg.Router.MaxAttempts),
		router.WithLogger(o.logger))
	if err := rt.router.SetDefaultStrategy(cfg.Router.DefaultStrategy); err != nil {
		return fail(fmt.Errorf("router: %w", err))
	}

	rt.sessions = session.NewManager(rt.registry, connector, rt.sync, rt.trees,
		session.WithInterceptor(rt.tools),
		session.WithRouteFunc(rt.routeSession),
		session.WithLogger(o.logger))
	rt.sessions.Subscribe(rt.metrics.HandleSessionEvent)

	return rt, nil
}

// Start runs one discovery pass so configured instances register before
// traffic arrives, then begins health monitoring. Discovery failure is not
// fatal when at least one strategy is configured to retry on the health
// loop; a hard failure with no instances is returned.
func (r *Runtime) Start(ctx context.Context) error {
	if _, err := r.registry.DiscoverInstances(ctx, ""); err != nil {
		if len(r.registry.GetAllInstances()) == 0 {
			return fmt.Errorf("initial discovery: %w", err)
		}
		r.logger.Warn("Partial discovery failure on startup", "error", err)
	}
	r.registry.StartHealthMonitoring(ctx)
	return nil
}

// routeSession adapts the router to the session manager's placement hook.
// Re-placements that must avoid specific instances (resume, migration
// fallback) go through registry selection, which supports exclusion.
func (r *Runtime) routeSession(ctx context.Context, cfg *session.Config, exclude []string) (*registry.Instance, error) {
	if len(exclude) > 0 {
		inst := r.registry.SelectInstance(registry.SelectionCriteria{
			PreferredProvider:    cfg.Provider,
			RequiredCapabilities: cfg.RequiredCapabilities,
			Region:               cfg.Region,
			Exclude:              exclude,
			Strategy:             registry.SelectLeastLoaded,
		})
		if inst == nil {
			return nil, &session.SessionError{Code: session.CodeNoInstance, Message: "no instance available"}
		}
		return inst, nil
	}

	started := time.Now()
	decision, err := r.router.Route(ctx, &router.Request{
		RequestID:            uuid.NewString(),
		TaskType:             "session",
		RequiredCapabilities: cfg.RequiredCapabilities,
		Priority:             router.PriorityNormal,
		PreferredProvider:    cfg.Provider,
	}, "")
	if err != nil {
		r.metrics.RecordRoutingFailure(routingCode(err))
		return nil, err
	}
	r.metrics.RecordRoutingDecision(decision.Strategy, string(decision.Instance.Provider), time.Since(started).Seconds())
	return decision.Instance, nil
}

func routingCode(err error) string {
	var rerr *router.RoutingError
	if errors.As(err, &rerr) {
		return rerr.Code
	}
	return "UNKNOWN"
}

// CreateSession fills persistence knobs from config before delegating to
// the session manager.
func (r *Runtime) CreateSession(ctx context.Context, cfg session.Config) (*session.Session, error) {
	defaults := r.Config().Session.Persistence
	if cfg.Persistence.AutoCheckpoint == nil && defaults.AutoCheckpoint != nil {
		enabled := *defaults.AutoCheckpoint
		cfg.Persistence.AutoCheckpoint = &enabled
	}
	if cfg.Persistence.CheckpointInterval == 0 {
		cfg.Persistence.CheckpointInterval = defaults.CheckpointInterval
	}
	if cfg.Persistence.CompactThreshold == 0 {
		cfg.Persistence.CompactThreshold = defaults.CompactThreshold
	}
	return r.sessions.Create(ctx, cfg)
}

// ApplyConfig applies the hot-reloadable subset of a fresh config: router
// budget bounds and the default strategy. Everything else requires a
// restart.
func (r *Runtime) ApplyConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := r.router.SetDefaultStrategy(cfg.Router.DefaultStrategy); err != nil {
		return err
	}
	r.router.SetBudget(router.Budget{
		MaxCostPerRequest:  cfg.Router.MaxCostPerRequest,
		MaxBudgetPerPeriod: cfg.Router.MaxBudgetPerPeriod,
		Period:             cfg.Router.BudgetPeriod(),
	})

	r.mu.Lock()
	r.config = cfg
	r.mu.Unlock()
	r.logger.Info("Applied configuration reload",
		"default_strategy", cfg.Router.DefaultStrategy,
		"max_cost_per_request", cfg.Router.MaxCostPerRequest)
	return nil
}

// Config returns the current configuration snapshot.
func (r *Runtime) Config() *config.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config
}

func (r *Runtime) Metrics() *observability.Metrics       { return r.metrics }
func (r *Runtime) Registry() *registry.Registry          { return r.registry }
func (r *Runtime) Router() *router.Router                { return r.router }
func (r *Runtime) Sessions() *session.Manager            { return r.sessions }
func (r *Runtime) Synchronizer() *statesync.Synchronizer { return r.sync }
func (r *Runtime) Trees() *tree.Manager                  { return r.trees }
func (r *Runtime) Tools() *interceptor.Interceptor       { return r.tools }

// Close tears components down in reverse dependency order and returns the
// first error, continuing past failures.
func (r *Runtime) Close() error {
	var errs []error

	if r.sessions != nil {
		r.sessions.Dispose()
	}
	if r.registry != nil {
		r.registry.Dispose()
	}
	if r.redisClient != nil {
		if err := r.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if r.dbPool != nil {
		if err := r.dbPool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func circuitOptions(cfg config.RouterConfig) circuit.Options {
	return circuit.Options{
		FailureThreshold: cfg.CircuitBreakerThreshold,
		ResetTimeout:     cfg.BreakerReset(),
	}
}

// buildStorage constructs the two persistence tiers from config. SQL stores
// get their schema ensured here so the serve command starts against an
// empty database.
func (r *Runtime) buildStorage(ctx context.Context, cfg config.StorageConfig) (statesync.Cache, statesync.DurableStore, error) {
	var cache statesync.Cache
	switch cfg.Cache.Backend {
	case "redis":
		r.redisClient = cfg.Cache.Redis.Client()
		cache = statesync.NewRedisCache(r.redisClient)
	default:
		cache = statesync.NewMemoryCache()
	}

	var store statesync.DurableStore
	switch cfg.Store.Backend {
	case "sql":
		r.dbPool = config.NewDBPool()
		db, err := r.dbPool.Get(ctx, &cfg.Store.Database)
		if err != nil {
			return nil, nil, err
		}
		sqlStore, err := statesync.NewSQLStore(db, cfg.Store.Database.Driver)
		if err != nil {
			return nil, nil, err
		}
		if err := sqlStore.EnsureSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		store = sqlStore
	default:
		store = statesync.NewMemoryStore()
	}
	return cache, store, nil
}

// buildDiscovery maps discovery config entries to registry strategies.
func (r *Runtime) buildDiscovery(entries []config.DiscoveryStrategyConfig, o *options) ([]registry.Strategy, error) {
	var out []registry.Strategy
	for i, entry := range entries {
		switch entry.Type {
		case "static":
			instances := make([]registry.StaticInstance, 0, len(entry.Instances))
			for _, inst := range entry.Instances {
				instances = append(instances, registry.StaticInstance{
					ID:       inst.ID,
					Provider: providers.ID(inst.Provider),
					Model:    inst.Model,
					Endpoint: inst.Endpoint,
					Region:   inst.Region,
				})
			}
			out = append(out, registry.NewStaticStrategy(instances, entry.AutoRegister))

		case "gateway":
			out = append(out, registry.NewGatewayStrategy(entry.Endpoint, o.httpClient, entry.AutoRegister))

		case "kubernetes":
			out = append(out, registry.NewKubernetesStrategy(registry.KubernetesConfig{
				APIServer:     entry.Endpoint,
				Namespace:     entry.Namespace,
				Service:       entry.Service,
				Provider:      providers.ID(entry.Provider),
				Model:         entry.Model,
				PortName:      entry.PortName,
				MaxConcurrent: entry.MaxConcurrent,
			}, o.httpClient, entry.AutoRegister))

		case "auto_spawn":
			if o.spawner == nil {
				return nil, fmt.Errorf("entry %d: auto_spawn requires a spawner", i)
			}
			out = append(out, registry.NewAutoSpawnStrategy(registry.AutoSpawnConfig{
				Provider:          providers.ID(entry.Provider),
				Model:             entry.Model,
				MinInstances:      entry.MinInstances,
				MaxInstances:      entry.MaxInstances,
				CapacityThreshold: entry.CapacityThreshold,
			}, o.spawner, func() []*registry.Instance { return r.registry.GetAllInstances() }, o.logger))

		default:
			return nil, fmt.Errorf("entry %d: unknown discovery type %q", i, entry.Type)
		}
	}
	return out, nil
}
