package registry

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/piplane/pkg/circuit"
	"github.com/kadirpekel/piplane/pkg/providers"
)

func defaultModel(provider providers.ID) string {
	desc, _ := providers.Get(provider)
	if desc == nil {
		return ""
	}
	return desc.DefaultModel
}

func newInstance(id string, provider providers.ID, maxConcurrent, activeTasks int) *Instance {
	inst := &Instance{
		ID:       id,
		Provider: provider,
		Model:    defaultModel(provider),
		Endpoint: "http://" + id + ".local:8080",
		Health:   HealthHealthy,
		Capacity: Capacity{MaxConcurrent: maxConcurrent, ActiveTasks: activeTasks},
	}
	inst.Capacity.Recompute()
	return inst
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind()
	}
	return out
}

func (r *eventRecorder) ofKind(kind string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind() == kind {
			out = append(out, e)
		}
	}
	return out
}

func TestCapacityRecompute(t *testing.T) {
	c := Capacity{MaxConcurrent: 10, ActiveTasks: 3}
	c.Recompute()
	assert.Equal(t, 7, c.Available)
	assert.InDelta(t, 30.0, c.UtilizationPercent, 0.001)

	c = Capacity{MaxConcurrent: 2, ActiveTasks: 5}
	c.Recompute()
	assert.Equal(t, 0, c.Available, "available never goes negative")

	c = Capacity{MaxConcurrent: 0, ActiveTasks: 3}
	c.Recompute()
	assert.Zero(t, c.UtilizationPercent, "zero max yields zero utilization")
}

func TestLeastLoadedSelection(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newInstance("a", providers.OpenAI, 10, 3)))
	require.NoError(t, r.Register(newInstance("b", providers.OpenAI, 10, 1)))
	require.NoError(t, r.Register(newInstance("c", providers.Anthropic, 10, 0)))

	selected := r.SelectInstance(SelectionCriteria{
		PreferredProvider: providers.OpenAI,
		Strategy:          SelectLeastLoaded,
	})
	require.NotNil(t, selected)
	assert.Equal(t, "b", selected.ID, "b has 9 available vs a's 7")
}

func TestSelectInstanceReturnsNilWhenNoCandidates(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newInstance("a", providers.OpenAI, 10, 0)))

	assert.Nil(t, r.SelectInstance(SelectionCriteria{PreferredProvider: providers.Groq}))
	assert.Nil(t, r.SelectInstance(SelectionCriteria{MinAvailableCapacity: 100}))
	assert.Nil(t, r.SelectInstance(SelectionCriteria{Exclude: []string{"a"}}))
	assert.Nil(t, r.SelectInstance(SelectionCriteria{Region: "eu-west-1"}))
	assert.Nil(t, r.SelectInstance(SelectionCriteria{RequiredCapabilities: []string{"vision"}}))
}

func TestSelectionFilters(t *testing.T) {
	r := New()
	a := newInstance("a", providers.OpenAI, 10, 0)
	a.Region = "us-east-1"
	a.Tags = []string{"gpu"}
	a.Capabilities = []string{providers.CapChat, providers.CapVision}
	b := newInstance("b", providers.OpenAI, 10, 0)
	b.Region = "eu-west-1"
	b.Capabilities = []string{providers.CapChat}
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	selected := r.SelectInstance(SelectionCriteria{Region: "eu-west-1"})
	require.NotNil(t, selected)
	assert.Equal(t, "b", selected.ID)

	selected = r.SelectInstance(SelectionCriteria{Tags: []string{"gpu", "tpu"}})
	require.NotNil(t, selected)
	assert.Equal(t, "a", selected.ID, "tag filter is a disjunction")

	selected = r.SelectInstance(SelectionCriteria{
		RequiredCapabilities: []string{providers.CapChat, providers.CapVision},
	})
	require.NotNil(t, selected)
	assert.Equal(t, "a", selected.ID, "capability filter is a conjunction")
}

func TestRoundRobinCyclesDeterministically(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newInstance("b", providers.OpenAI, 5, 0)))
	require.NoError(t, r.Register(newInstance("a", providers.OpenAI, 5, 0)))
	require.NoError(t, r.Register(newInstance("c", providers.OpenAI, 5, 0)))

	var got []string
	for i := 0; i < 6; i++ {
		got = append(got, r.SelectInstance(SelectionCriteria{Strategy: SelectRoundRobin}).ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, got)
}

func TestRandomSelectionUsesSeededSource(t *testing.T) {
	r := New(withRand(rand.New(rand.NewSource(42))))
	require.NoError(t, r.Register(newInstance("a", providers.OpenAI, 5, 0)))
	require.NoError(t, r.Register(newInstance("b", providers.OpenAI, 5, 0)))

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		seen[r.SelectInstance(SelectionCriteria{Strategy: SelectRandom}).ID] = true
	}
	assert.True(t, seen["a"] && seen["b"], "both instances should be picked eventually")
}

func TestCapabilityMatchPrefersCoverage(t *testing.T) {
	r := New()
	a := newInstance("a", providers.OpenAI, 10, 9)
	a.Capabilities = []string{providers.CapChat, providers.CapVision}
	b := newInstance("b", providers.OpenAI, 10, 0)
	b.Capabilities = []string{providers.CapChat}
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	// a covers 2/2 caps (100) + 1 available = 101; b covers 1/2 (50) + 10 = 60.
	// The capability filter is applied only via scoring here because the
	// criteria lists no required capabilities to filter by.
	selected := r.SelectInstance(SelectionCriteria{Strategy: SelectCapabilityMatch})
	require.NotNil(t, selected)

	selected = pickCapabilityMatch([]*Instance{a, b}, []string{providers.CapChat, providers.CapVision})
	assert.Equal(t, "a", selected.ID)
}

func TestRegisterReplaceEmitsUnregisteredFirst(t *testing.T) {
	r := New()
	rec := &eventRecorder{}
	r.Subscribe(rec.handle)

	require.NoError(t, r.Register(newInstance("a", providers.OpenAI, 10, 0)))
	require.NoError(t, r.Register(newInstance("a", providers.OpenAI, 20, 0)))

	kinds := rec.kinds()
	unregisteredAt, registeredAt := -1, -1
	for i, kind := range kinds {
		if kind == "instance.unregistered" && unregisteredAt == -1 {
			unregisteredAt = i
		}
		if kind == "instance.registered" {
			registeredAt = i
		}
	}
	require.NotEqual(t, -1, unregisteredAt)
	assert.Less(t, unregisteredAt, registeredAt, "unregistered(replaced) precedes the new registered")

	events := rec.ofKind("instance.unregistered")
	require.Len(t, events, 1)
	assert.Equal(t, "replaced", events[0].(InstanceUnregistered).Reason)
}

func TestCapacityChangedEmission(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newInstance("a", providers.OpenAI, 100, 0)))

	rec := &eventRecorder{}
	r.Subscribe(rec.handle)

	// 5% move: no event.
	require.NoError(t, r.UpdateInstanceCapacity("a", 5, 0))
	assert.Empty(t, rec.ofKind("capacity.changed"))

	// A further move beyond 10% of the previous total (95): event.
	require.NoError(t, r.UpdateInstanceCapacity("a", 30, 0))
	events := rec.ofKind("capacity.changed")
	require.Len(t, events, 1)
	change := events[0].(CapacityChanged)
	assert.Equal(t, 100, change.PreviousAvailable)
	assert.Equal(t, 70, change.Available)
}

type fakeChecker struct {
	mu      sync.Mutex
	latency map[string]time.Duration
	errs    map[string]error
	clock   *fakeClock
}

func (c *fakeChecker) Check(ctx context.Context, inst *Instance) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock.advance(c.latency[inst.ID])
	return c.errs[inst.ID]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestHealthClassification(t *testing.T) {
	timeout := 5 * time.Second
	assert.Equal(t, HealthHealthy, classifyHealth(time.Second, timeout, nil))
	assert.Equal(t, HealthDegraded, classifyHealth(4500*time.Millisecond, timeout, nil))
	assert.Equal(t, HealthUnhealthy, classifyHealth(timeout, timeout, nil))
	assert.Equal(t, HealthUnhealthy, classifyHealth(time.Second, timeout, errors.New("refused")))
}

func TestHealthCheckTransitionsAndEvents(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	checker := &fakeChecker{
		latency: map[string]time.Duration{"a": time.Second},
		errs:    map[string]error{},
		clock:   clock,
	}
	r := New(
		WithHealthChecker(checker),
		WithHealthTimeout(5*time.Second),
		WithRemovalGrace(time.Hour),
		withClock(clock.Now),
	)
	defer r.Dispose()

	inst := newInstance("a", providers.OpenAI, 10, 0)
	inst.Health = HealthUnknown
	require.NoError(t, r.Register(inst))

	rec := &eventRecorder{}
	r.Subscribe(rec.handle)

	r.CheckAllInstances(context.Background())
	assert.Equal(t, HealthHealthy, r.GetInstance("a").Health)
	changes := rec.ofKind("instance.health_changed")
	require.Len(t, changes, 1)
	assert.Equal(t, HealthUnknown, changes[0].(InstanceHealthChanged).Before)
	assert.Equal(t, HealthHealthy, changes[0].(InstanceHealthChanged).After)

	// Slow but successful: degraded.
	checker.mu.Lock()
	checker.latency["a"] = 4500 * time.Millisecond
	checker.mu.Unlock()
	r.CheckAllInstances(context.Background())
	assert.Equal(t, HealthDegraded, r.GetInstance("a").Health)

	// Probe failure: unhealthy, plus instance.failed.
	checker.mu.Lock()
	checker.errs["a"] = errors.New("connection refused")
	checker.mu.Unlock()
	r.CheckAllInstances(context.Background())
	assert.Equal(t, HealthUnhealthy, r.GetInstance("a").Health)
	require.Len(t, rec.ofKind("instance.failed"), 1)
}

func TestUnhealthyInstanceRemovedAfterGrace(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	checker := &fakeChecker{
		latency: map[string]time.Duration{},
		errs:    map[string]error{"a": errors.New("down")},
		clock:   clock,
	}
	r := New(
		WithHealthChecker(checker),
		WithRemovalGrace(20*time.Millisecond),
		withClock(clock.Now),
	)
	defer r.Dispose()
	require.NoError(t, r.Register(newInstance("a", providers.OpenAI, 10, 0)))

	r.CheckAllInstances(context.Background())
	require.Equal(t, HealthUnhealthy, r.GetInstance("a").Health)

	assert.Eventually(t, func() bool {
		return r.GetInstance("a") == nil
	}, time.Second, 5*time.Millisecond, "unhealthy instance should be removed after the grace period")
}

func TestRecoveryCancelsRemoval(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	checker := &fakeChecker{
		latency: map[string]time.Duration{},
		errs:    map[string]error{"a": errors.New("down")},
		clock:   clock,
	}
	r := New(
		WithHealthChecker(checker),
		WithRemovalGrace(50*time.Millisecond),
		withClock(clock.Now),
	)
	defer r.Dispose()
	require.NoError(t, r.Register(newInstance("a", providers.OpenAI, 10, 0)))

	r.CheckAllInstances(context.Background())
	require.Equal(t, HealthUnhealthy, r.GetInstance("a").Health)

	// Recover before the grace period elapses.
	checker.mu.Lock()
	delete(checker.errs, "a")
	checker.mu.Unlock()
	r.CheckAllInstances(context.Background())
	require.Equal(t, HealthHealthy, r.GetInstance("a").Health)

	time.Sleep(100 * time.Millisecond)
	assert.NotNil(t, r.GetInstance("a"), "recovered instance must not be removed")
}

type stubStrategy struct {
	name         string
	instances    []*Instance
	err          error
	autoRegister bool
	calls        int
}

func (s *stubStrategy) Name() string       { return s.name }
func (s *stubStrategy) AutoRegister() bool { return s.autoRegister }

func (s *stubStrategy) Discover(ctx context.Context) ([]*Instance, error) {
	s.calls++
	return s.instances, s.err
}

func TestDiscoveryAggregatesAndAutoRegisters(t *testing.T) {
	good := &stubStrategy{
		name:         StrategyStatic,
		instances:    []*Instance{newInstance("a", providers.OpenAI, 5, 0)},
		autoRegister: true,
	}
	bad := &stubStrategy{name: StrategyGateway, err: errors.New("gateway unreachable")}

	r := New(WithStrategies(good, bad))
	rec := &eventRecorder{}
	r.Subscribe(rec.handle)

	discovered, err := r.DiscoverInstances(context.Background(), "")
	require.NoError(t, err, "partial failure does not fail the pass")
	require.Len(t, discovered, 1)
	assert.NotNil(t, r.GetInstance("a"), "auto-register strategies register their results")
	assert.Len(t, rec.ofKind("discovery.completed"), 1)
	assert.Len(t, rec.ofKind("discovery.failed"), 1)
}

func TestDiscoveryFailsWhenAllStrategiesFail(t *testing.T) {
	first := errors.New("gateway unreachable")
	r := New(WithStrategies(
		&stubStrategy{name: StrategyGateway, err: first},
		&stubStrategy{name: StrategyKubernetes, err: errors.New("api server down")},
	))

	_, err := r.DiscoverInstances(context.Background(), "")
	require.Error(t, err)

	var discoveryErr *DiscoveryError
	require.ErrorAs(t, err, &discoveryErr)
	assert.Equal(t, CodeDiscoveryFailed, discoveryErr.Code)
	assert.ErrorIs(t, err, first, "DiscoveryError carries the first error")
}

func TestDiscoveryBreakerSkipsBackendWhileOpen(t *testing.T) {
	failing := &stubStrategy{name: StrategyGateway, err: errors.New("gateway unreachable")}
	r := New(WithStrategies(failing))

	for i := 0; i < circuit.DefaultFailureThreshold; i++ {
		_, err := r.DiscoverInstances(context.Background(), "")
		require.Error(t, err)
	}
	require.Equal(t, circuit.DefaultFailureThreshold, failing.calls)

	// The breaker is now open; the backend is not invoked again.
	_, err := r.DiscoverInstances(context.Background(), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, circuit.ErrOpen)
	assert.Equal(t, circuit.DefaultFailureThreshold, failing.calls)
}

type stubSpawner struct {
	mu      sync.Mutex
	spawned int
	fail    map[int]error
}

func (s *stubSpawner) Spawn(ctx context.Context, provider providers.ID, model string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawned++
	if err := s.fail[s.spawned]; err != nil {
		return nil, err
	}
	inst := newInstance("", provider, 2, 0)
	inst.Model = model
	return inst, nil
}

func TestAutoSpawnRespectsBounds(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newInstance("a", providers.Ollama, 2, 2)))

	spawner := &stubSpawner{}
	strategy := NewAutoSpawnStrategy(AutoSpawnConfig{
		Provider:          providers.Ollama,
		Model:             "llama3.3",
		MinInstances:      2,
		MaxInstances:      5,
		CapacityThreshold: 1,
	}, spawner, r.GetAllInstances, nil)

	// Matching available capacity is 0 <= threshold 1: spawn
	// min(max - current, min) = min(4, 2) = 2.
	instances, err := strategy.Discover(context.Background())
	require.NoError(t, err)
	assert.Len(t, instances, 2)
}

func TestAutoSpawnSkipsWhenCapacityIsSufficient(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newInstance("a", providers.Ollama, 4, 0)))

	spawner := &stubSpawner{}
	strategy := NewAutoSpawnStrategy(AutoSpawnConfig{
		Provider:          providers.Ollama,
		MinInstances:      2,
		MaxInstances:      5,
		CapacityThreshold: 1,
	}, spawner, r.GetAllInstances, nil)

	instances, err := strategy.Discover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, instances)
	assert.Zero(t, spawner.spawned)
}

func TestAutoSpawnToleratesPerInstanceFailures(t *testing.T) {
	r := New()
	spawner := &stubSpawner{fail: map[int]error{1: errors.New("spawn failed")}}
	strategy := NewAutoSpawnStrategy(AutoSpawnConfig{
		Provider:          providers.Ollama,
		MinInstances:      2,
		MaxInstances:      5,
		CapacityThreshold: 1,
	}, spawner, r.GetAllInstances, nil)

	instances, err := strategy.Discover(context.Background())
	require.NoError(t, err, "per-instance failures do not abort the batch")
	assert.Len(t, instances, 1)
}

func TestStatsAndAvailableCapacity(t *testing.T) {
	r := New()
	a := newInstance("a", providers.OpenAI, 10, 4)
	a.Region = "us-east-1"
	b := newInstance("b", providers.Anthropic, 5, 0)
	b.Region = "eu-west-1"
	c := newInstance("c", providers.Anthropic, 5, 5)
	c.Health = HealthUnhealthy
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))
	require.NoError(t, r.Register(c))

	stats := r.GetStats()
	assert.Equal(t, 3, stats.TotalInstances)
	assert.Equal(t, 2, stats.ByHealth[HealthHealthy])
	assert.Equal(t, 1, stats.ByHealth[HealthUnhealthy])
	assert.Equal(t, 2, stats.ByProvider[providers.Anthropic])
	assert.Equal(t, 20, stats.TotalCapacity)
	assert.Equal(t, 11, stats.AvailableCapacity)

	capacity := r.GetAvailableCapacity()
	assert.Equal(t, 11, capacity.Available)
	assert.Equal(t, 6, capacity.ByProvider[string(providers.OpenAI)])
	assert.Equal(t, 5, capacity.ByRegion["eu-west-1"])
}

func TestStaticStrategyValidatesAndDefaults(t *testing.T) {
	strategy := NewStaticStrategy([]StaticInstance{
		{ID: "w1", Provider: providers.Anthropic, Endpoint: "http://w1:8080"},
	}, true)

	instances, err := strategy.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, defaultModel(providers.Anthropic), instances[0].Model)
	assert.Equal(t, 1, instances[0].Capacity.MaxConcurrent)
	assert.Equal(t, HealthUnknown, instances[0].Health)

	_, err = NewStaticStrategy([]StaticInstance{{ID: "w2", Provider: "nope", Endpoint: "x"}}, true).
		Discover(context.Background())
	require.Error(t, err)
}

func TestTerminalUnregisterUnknownInstance(t *testing.T) {
	r := New()
	assert.Error(t, r.Unregister("ghost", "manual"))
}
