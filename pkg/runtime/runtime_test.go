package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/piplane/pkg/config"
	"github.com/kadirpekel/piplane/pkg/pirpc"
	"github.com/kadirpekel/piplane/pkg/providers"
	"github.com/kadirpekel/piplane/pkg/registry"
	"github.com/kadirpekel/piplane/pkg/session"
)

type stubWorker struct{}

func (w *stubWorker) Init(_ context.Context, req *pirpc.InitRequest) (*pirpc.InitResponse, error) {
	return &pirpc.InitResponse{Provider: req.Provider, Model: req.Model, CreatedAt: time.Now()}, nil
}
func (w *stubWorker) CloseSession(context.Context) error { return nil }
func (w *stubWorker) Kill(context.Context) error         { return nil }
func (w *stubWorker) Send(_ context.Context, req *pirpc.SendRequest) (*pirpc.SendResponse, error) {
	return &pirpc.SendResponse{MessageID: "m1", Content: "ack: " + req.Content}, nil
}
func (w *stubWorker) SendStream(context.Context, *pirpc.SendRequest) (<-chan pirpc.StreamChunk, error) {
	ch := make(chan pirpc.StreamChunk)
	close(ch)
	return ch, nil
}
func (w *stubWorker) SubmitToolResult(context.Context, *pirpc.SubmitToolResultRequest) error {
	return nil
}
func (w *stubWorker) Status(context.Context) (*pirpc.StatusResponse, error) {
	return &pirpc.StatusResponse{State: "active"}, nil
}
func (w *stubWorker) SwitchModel(context.Context, string) error    { return nil }
func (w *stubWorker) SwitchProvider(context.Context, string) error { return nil }
func (w *stubWorker) Restore(context.Context, *pirpc.RestoreRequest) error {
	return nil
}
func (w *stubWorker) Checkpoint(context.Context) (map[string]any, error) {
	return map[string]any{}, nil
}
func (w *stubWorker) Close() error { return nil }

type stubConnector struct{}

func (stubConnector) Connect(context.Context, *registry.Instance) (session.Worker, error) {
	return &stubWorker{}, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Registry.Discovery = []config.DiscoveryStrategyConfig{{
		Type:         "static",
		AutoRegister: true,
		Instances: []config.StaticInstanceConfig{
			{ID: "w1", Provider: "anthropic", Endpoint: "http://w1:9000"},
		},
	}}
	cfg.SetDefaults()
	return cfg
}

func TestNewBuildsComponents(t *testing.T) {
	rt, err := New(context.Background(), testConfig(), stubConnector{})
	require.NoError(t, err)
	defer rt.Close()

	assert.NotNil(t, rt.Metrics())
	assert.NotNil(t, rt.Registry())
	assert.NotNil(t, rt.Router())
	assert.NotNil(t, rt.Sessions())
	assert.NotNil(t, rt.Synchronizer())
	assert.NotNil(t, rt.Trees())
	assert.NotNil(t, rt.Tools())
}

func TestNewRequiresConfigAndConnector(t *testing.T) {
	_, err := New(context.Background(), nil, stubConnector{})
	require.Error(t, err)

	_, err = New(context.Background(), testConfig(), nil)
	require.Error(t, err)
}

func TestStartRunsDiscovery(t *testing.T) {
	rt, err := New(context.Background(), testConfig(), stubConnector{})
	require.NoError(t, err)
	defer rt.Close()

	require.NoError(t, rt.Start(context.Background()))
	instances := rt.Registry().GetAllInstances()
	require.Len(t, instances, 1)
	assert.Equal(t, "w1", instances[0].ID)
}

func TestCreateSessionRoutesThroughRouter(t *testing.T) {
	rt, err := New(context.Background(), testConfig(), stubConnector{})
	require.NoError(t, err)
	defer rt.Close()

	require.NoError(t, rt.Registry().Register(&registry.Instance{
		ID:       "healthy-1",
		Provider: providers.Anthropic,
		Model:    "claude-sonnet-4",
		Endpoint: "http://w2:9000",
		Health:   registry.HealthHealthy,
		Capacity: registry.Capacity{MaxConcurrent: 4},
	}))

	s, err := rt.CreateSession(context.Background(), session.Config{
		Provider: providers.Anthropic,
	})
	require.NoError(t, err)
	assert.Equal(t, session.StateActive, s.State)
	assert.Equal(t, "healthy-1", s.InstanceID)
}

func TestCreateSessionPersistsTreeThroughSynchronizer(t *testing.T) {
	rt, err := New(context.Background(), testConfig(), stubConnector{})
	require.NoError(t, err)
	defer rt.Close()

	require.NoError(t, rt.Registry().Register(&registry.Instance{
		ID:       "healthy-1",
		Provider: providers.Anthropic,
		Endpoint: "http://w2:9000",
		Health:   registry.HealthHealthy,
		Capacity: registry.Capacity{MaxConcurrent: 4},
	}))

	s, err := rt.CreateSession(context.Background(), session.Config{
		Provider:     providers.Anthropic,
		SystemPrompt: "be helpful",
	})
	require.NoError(t, err)

	// The tree manager writes through the synchronizer, so the tree must be
	// loadable from storage even after the in-memory copy is evicted.
	rt.Trees().Evict(s.ID)
	loaded, err := rt.Synchronizer().LoadTreeState(context.Background(), s.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "be helpful", loaded.SystemPrompt)
	assert.NotEmpty(t, loaded.RootID)
}

func TestCreateSessionAppliesPersistenceDefaults(t *testing.T) {
	cfg := testConfig()
	cfg.Session.Persistence.CheckpointInterval = 7
	cfg.Session.Persistence.CompactThreshold = 512

	rt, err := New(context.Background(), cfg, stubConnector{})
	require.NoError(t, err)
	defer rt.Close()

	require.NoError(t, rt.Registry().Register(&registry.Instance{
		ID:       "healthy-1",
		Provider: providers.Anthropic,
		Endpoint: "http://w2:9000",
		Health:   registry.HealthHealthy,
		Capacity: registry.Capacity{MaxConcurrent: 4},
	}))

	s, err := rt.CreateSession(context.Background(), session.Config{Provider: providers.Anthropic})
	require.NoError(t, err)
	assert.Equal(t, 7, s.Config.Persistence.CheckpointInterval)
	assert.Equal(t, 512, s.Config.Persistence.CompactThreshold)
}

func TestCreateSessionFailsWithoutHealthyInstance(t *testing.T) {
	rt, err := New(context.Background(), testConfig(), stubConnector{})
	require.NoError(t, err)
	defer rt.Close()

	_, err = rt.CreateSession(context.Background(), session.Config{Provider: providers.Anthropic})
	require.Error(t, err)
}

func TestApplyConfigUpdatesRouterKnobs(t *testing.T) {
	rt, err := New(context.Background(), testConfig(), stubConnector{})
	require.NoError(t, err)
	defer rt.Close()

	next := testConfig()
	next.Router.DefaultStrategy = "cost_optimized"
	next.Router.MaxBudgetPerPeriod = 42.0
	require.NoError(t, rt.ApplyConfig(next))

	assert.Equal(t, 42.0, rt.Router().BudgetStatus().MaxPerPeriod)
	assert.Equal(t, "cost_optimized", rt.Config().Router.DefaultStrategy)

	bad := testConfig()
	bad.Router.DefaultStrategy = "psychic"
	require.Error(t, rt.ApplyConfig(bad))
	// A rejected reload leaves the previous config in place.
	assert.Equal(t, "cost_optimized", rt.Config().Router.DefaultStrategy)
}

func TestAutoSpawnDiscoveryRequiresSpawner(t *testing.T) {
	cfg := testConfig()
	cfg.Registry.Discovery = append(cfg.Registry.Discovery, config.DiscoveryStrategyConfig{
		Type:         "auto_spawn",
		Provider:     "anthropic",
		Command:      "pi",
		MinInstances: 1,
		MaxInstances: 2,
	})

	_, err := New(context.Background(), cfg, stubConnector{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spawner")
}

func TestUnknownDiscoveryTypeFailsConstruction(t *testing.T) {
	cfg := testConfig()
	cfg.Registry.Discovery[0].Type = "carrier_pigeon"

	_, err := New(context.Background(), cfg, stubConnector{})
	require.Error(t, err)
}
