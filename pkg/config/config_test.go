package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/piplane/pkg/providers"
)

func TestDefaultsMatchDocumentedKnobs(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)

	assert.Equal(t, 30000, cfg.Registry.HealthMonitoring.IntervalMs)
	assert.Equal(t, 5000, cfg.Registry.HealthMonitoring.TimeoutMs)
	assert.Equal(t, 3, cfg.Registry.HealthMonitoring.MaxRetries)
	assert.Equal(t, 300000, cfg.Registry.HealthMonitoring.RemovalGracePeriodMs)
	assert.Equal(t, "default", cfg.Registry.Defaults.Region)
	assert.Equal(t, 5, cfg.Registry.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 60000, cfg.Registry.CircuitBreaker.ResetTimeoutMs)

	assert.Equal(t, "capability_matched", cfg.Router.DefaultStrategy)
	assert.Equal(t, 10.0, cfg.Router.MaxCostPerRequest)
	assert.Equal(t, 3600000, cfg.Router.CostBudgetPeriodMs)
	assert.Equal(t, 100.0, cfg.Router.MaxBudgetPerPeriod)
	assert.Equal(t, 5, cfg.Router.CircuitBreakerThreshold)
	assert.Equal(t, 60000, cfg.Router.CircuitBreakerResetMs)
	assert.True(t, cfg.Router.CostTrackingEnabled())
	assert.Equal(t, []string{"anthropic", "openai", "google", "kimi", "groq"}, cfg.Router.FallbackChain)

	assert.True(t, *cfg.Session.Persistence.AutoCheckpoint)
	assert.Equal(t, 10, cfg.Session.Persistence.CheckpointInterval)
	assert.Equal(t, 4000, cfg.Session.Persistence.CompactThreshold)

	assert.Equal(t, "memory", cfg.Storage.Cache.Backend)
	assert.Equal(t, "memory", cfg.Storage.Store.Backend)
}

func TestDurationHelpers(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()
	assert.Equal(t, 30*time.Second, cfg.Registry.HealthInterval())
	assert.Equal(t, 5*time.Second, cfg.Registry.HealthTimeout())
	assert.Equal(t, 5*time.Minute, cfg.Registry.RemovalGrace())
	assert.Equal(t, time.Hour, cfg.Router.BudgetPeriod())
	assert.Equal(t, time.Minute, cfg.Router.BreakerReset())
}

func TestFallbackChainConversion(t *testing.T) {
	cfg := &RouterConfig{}
	cfg.SetDefaults()
	chain := cfg.Fallback()
	assert.Equal(t, []providers.ID{
		providers.Anthropic, providers.OpenAI, providers.Google,
		providers.Kimi, providers.Groq,
	}, chain)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging"},
		{"bad strategy", func(c *Config) { c.Router.DefaultStrategy = "psychic" }, "router"},
		{"negative cost", func(c *Config) { c.Router.MaxCostPerRequest = -1 }, "router"},
		{"unknown provider", func(c *Config) { c.Router.FallbackChain = []string{"clippy"} }, "router"},
		{"bad cache backend", func(c *Config) { c.Storage.Cache.Backend = "tape" }, "storage"},
		{"bad store backend", func(c *Config) { c.Storage.Store.Backend = "tape" }, "storage"},
		{"bad port", func(c *Config) { c.Server.Port = 99999 }, "server"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.SetDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDiscoveryStrategyValidation(t *testing.T) {
	valid := DiscoveryStrategyConfig{
		Type: "static",
		Instances: []StaticInstanceConfig{
			{ID: "w1", Provider: "anthropic", Endpoint: "http://w1:9000"},
		},
	}
	require.NoError(t, valid.Validate())

	invalid := []DiscoveryStrategyConfig{
		{Type: "static"},
		{Type: "gateway"},
		{Type: "kubernetes"},
		{Type: "auto_spawn"},
		{Type: "auto_spawn", Command: "pi", MinInstances: 5, MaxInstances: 2},
		{Type: "carrier_pigeon"},
	}
	for i, cfg := range invalid {
		assert.Error(t, cfg.Validate(), "case %d", i)
	}
}

func TestDatabaseConfigDSN(t *testing.T) {
	pg := DatabaseConfig{Driver: "postgres", Host: "db", Database: "piplane", Username: "pi", Password: "secret"}
	pg.SetDefaults()
	require.NoError(t, pg.Validate())
	assert.Equal(t, "host=db port=5432 dbname=piplane user=pi password=secret sslmode=disable", pg.DSN())
	assert.Equal(t, "postgres", pg.DriverName())

	my := DatabaseConfig{Driver: "mysql", Host: "db", Database: "piplane", Username: "pi", Password: "secret"}
	my.SetDefaults()
	require.NoError(t, my.Validate())
	assert.Equal(t, "pi:secret@tcp(db:3306)/piplane", my.DSN())

	lite := DatabaseConfig{Driver: "sqlite", Database: "/tmp/piplane.db"}
	lite.SetDefaults()
	require.NoError(t, lite.Validate())
	assert.Equal(t, "/tmp/piplane.db", lite.DSN())
	assert.Equal(t, "sqlite3", lite.DriverName())
	assert.Equal(t, "sqlite", lite.Dialect())
}

func TestDatabaseConfigValidateErrors(t *testing.T) {
	missing := DatabaseConfig{Driver: "postgres", Database: "piplane"}
	missing.SetDefaults()
	assert.ErrorContains(t, missing.Validate(), "host is required")

	unknown := DatabaseConfig{Driver: "oracle", Database: "x"}
	assert.ErrorContains(t, unknown.Validate(), "invalid driver")
}

func TestExpandEnvVarsInData(t *testing.T) {
	t.Setenv("PIPLANE_TEST_HOST", "cfg-host")
	t.Setenv("PIPLANE_TEST_PORT", "9090")

	in := map[string]interface{}{
		"host":    "${PIPLANE_TEST_HOST}",
		"port":    "${PIPLANE_TEST_PORT}",
		"region":  "${PIPLANE_TEST_MISSING:-eu-west}",
		"plain":   "unchanged",
		"enabled": "${PIPLANE_TEST_ENABLED:-true}",
		"nested": map[string]interface{}{
			"addr": "$PIPLANE_TEST_HOST",
		},
		"list": []interface{}{"${PIPLANE_TEST_HOST}"},
	}

	out, ok := ExpandEnvVarsInData(in).(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "cfg-host", out["host"])
	assert.Equal(t, 9090, out["port"])
	assert.Equal(t, "eu-west", out["region"])
	assert.Equal(t, "unchanged", out["plain"])
	assert.Equal(t, true, out["enabled"])
	nested := out["nested"].(map[string]interface{})
	assert.Equal(t, "cfg-host", nested["addr"])
	list := out["list"].([]interface{})
	assert.Equal(t, "cfg-host", list[0])
}

const sampleYAML = `
logging:
  level: debug
  format: json
registry:
  health_monitoring:
    interval_ms: 1000
  circuit_breaker:
    failure_threshold: 3
router:
  default_strategy: cost_optimized
  max_cost_per_request: 2.5
  fallback_chain: [anthropic, openai]
session:
  persistence:
    checkpoint_interval: 5
storage:
  cache:
    backend: memory
  store:
    backend: memory
server:
  port: ${PIPLANE_TEST_SERVER_PORT:-9100}
`

func TestLoaderFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "piplane.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	cfg, err := Load(LoaderOptions{Type: SourceFile, Path: path})
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 1000, cfg.Registry.HealthMonitoring.IntervalMs)
	// Untouched knobs still get defaults.
	assert.Equal(t, 5000, cfg.Registry.HealthMonitoring.TimeoutMs)
	assert.Equal(t, 3, cfg.Registry.CircuitBreaker.FailureThreshold)
	assert.Equal(t, "cost_optimized", cfg.Router.DefaultStrategy)
	assert.Equal(t, 2.5, cfg.Router.MaxCostPerRequest)
	assert.Equal(t, []string{"anthropic", "openai"}, cfg.Router.FallbackChain)
	assert.Equal(t, 5, cfg.Session.Persistence.CheckpointInterval)
	assert.Equal(t, 9100, cfg.Server.Port)
}

func TestLoaderRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "piplane.yaml")
	require.NoError(t, os.WriteFile(path, []byte("router:\n  default_strategy: psychic\n"), 0o644))

	_, err := Load(LoaderOptions{Type: SourceFile, Path: path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_strategy")
}

func TestLoaderRequiresPath(t *testing.T) {
	_, err := NewLoader(LoaderOptions{})
	require.Error(t, err)
}

func TestParseSourceType(t *testing.T) {
	for in, want := range map[string]SourceType{
		"file":      SourceFile,
		"consul":    SourceConsul,
		"etcd":      SourceEtcd,
		"zookeeper": SourceZookeeper,
		"zk":        SourceZookeeper,
		" FILE ":    SourceFile,
	} {
		got, err := ParseSourceType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseSourceType("smoke-signal")
	assert.Error(t, err)
}

func TestLoaderWatchReloadsOnFileChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "piplane.yaml")
	require.NoError(t, os.WriteFile(path, []byte("router:\n  max_cost_per_request: 1.0\n"), 0o644))

	reloaded := make(chan *Config, 1)
	cfg, loader, err := LoadWithLoader(LoaderOptions{
		Type:  SourceFile,
		Path:  path,
		Watch: true,
		OnChange: func(c *Config) error {
			select {
			case reloaded <- c:
			default:
			}
			return nil
		},
	})
	require.NoError(t, err)
	defer loader.Stop()
	assert.Equal(t, 1.0, cfg.Router.MaxCostPerRequest)

	// Give the fsnotify watcher a beat to install before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("router:\n  max_cost_per_request: 7.5\n"), 0o644))

	select {
	case next := <-reloaded:
		assert.Equal(t, 7.5, next.Router.MaxCostPerRequest)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload callback never fired")
	}
}
