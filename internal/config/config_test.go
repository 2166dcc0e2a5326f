package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 12, cfg.Funnel.BatchSize)
	assert.Equal(t, 5, cfg.Funnel.Concurrency)
	assert.Equal(t, 3, cfg.Funnel.TopK)
	assert.Equal(t, 5, cfg.Funnel.TopN)
	assert.Equal(t, 30, cfg.Monitor.IntervalSecs)
	assert.Equal(t, 600, cfg.Monitor.StaleTimeoutSecs)
	assert.Equal(t, 3, cfg.Monitor.MaxReprocess)
	assert.Equal(t, "postgres", cfg.Queue.Driver)
	assert.Equal(t, "audits", cfg.Queue.Temporal.TaskQueue)
	assert.Equal(t, 30*time.Minute, cfg.Queue.Temporal.ActivityTimeout)
	assert.EqualValues(t, 3, cfg.Queue.Temporal.MaxAttempts)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.Model)
	assert.EqualValues(t, 4096, cfg.Anthropic.MaxTokens)
	assert.False(t, cfg.Tracing.Enabled)
	assert.Equal(t, "audit-engine", cfg.Tracing.ServiceName)

	assert.InDelta(t, 5, cfg.Quality.MinVisibility, 0.001)
	assert.InDelta(t, 50, cfg.Quality.DetectionPenalty, 0.001)
	assert.Equal(t, 50, cfg.Quality.CompetitorSample)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
  format: console
funnel:
  batch_size: 16
quality:
  min_visibility: 8
queue:
  driver: temporal
  temporal:
    activity_timeout: 45m
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 16, cfg.Funnel.BatchSize)
	assert.InDelta(t, 8, cfg.Quality.MinVisibility, 0.001)
	assert.Equal(t, "temporal", cfg.Queue.Driver)
	assert.Equal(t, 45*time.Minute, cfg.Queue.Temporal.ActivityTimeout)
	// Defaults still apply for unset values
	assert.Equal(t, 5, cfg.Funnel.Concurrency)
	assert.InDelta(t, 15, cfg.Quality.WarnVisibility, 0.001)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("AUDIT_STORE_DRIVER", "postgres")
	t.Setenv("AUDIT_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("AUDIT_SERVER_PORT", "3000")
	t.Setenv("AUDIT_MONITOR_MAX_REPROCESS", "5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Monitor.MaxReprocess)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unterminated"), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func TestRetryPolicy(t *testing.T) {
	p := RetryConfig{MaxAttempts: 4, ConflictRetries: 1, BaseDelayMs: 250, MaxDelayMs: 2000, Multiplier: 2, Jitter: 0.1}.Policy()
	assert.Equal(t, 4, p.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, p.BaseDelay)
	assert.Equal(t, 2*time.Second, p.MaxDelay)

	b := CircuitConfig{FailureThreshold: 5, CooldownSecs: 60}.Breaker()
	assert.Equal(t, 5, b.FailureThreshold)
	assert.Equal(t, time.Minute, b.Cooldown)
}

func TestWorkerQueueOptions(t *testing.T) {
	o := WorkerConfig{PollIntervalMs: 250, LeaseSecs: 600}.QueueOptions()
	assert.Equal(t, 250*time.Millisecond, o.PollInterval)
	assert.Equal(t, 10*time.Minute, o.Lease)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config that passes validation in every mode but
// temporal-worker.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = "postgres://localhost/audits"
	cfg.Queue.Driver = "postgres"
	cfg.Anthropic.Key = "sk-ant-key"
	cfg.Funnel = FunnelConfig{BatchSize: 12, Concurrency: 5, TopK: 3, TopN: 5}
	cfg.Worker.Count = 4
	cfg.Server.Port = 8080
	return cfg
}

func TestValidate_AllModes(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{ModeServe, ModeWorker, ModeAdmin} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidate_MissingStore(t *testing.T) {
	cfg := validDefaults()
	cfg.Store = StoreConfig{}

	err := cfg.Validate(ModeAdmin)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be postgres or sqlite")
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidate_Worker(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing key", func(c *Config) { c.Anthropic.Key = "" }, "anthropic.key is required"},
		{"batch too small", func(c *Config) { c.Funnel.BatchSize = 4 }, "funnel.batch_size must be between 8 and 16"},
		{"batch too large", func(c *Config) { c.Funnel.BatchSize = 17 }, "funnel.batch_size"},
		{"concurrency", func(c *Config) { c.Funnel.Concurrency = 11 }, "funnel.concurrency must be between 1 and 10"},
		{"top n", func(c *Config) { c.Funnel.TopN = 2 }, "funnel.top_n must be between 3 and 5"},
		{"no workers", func(c *Config) { c.Worker.Count = 0 }, "worker.count must be at least 1"},
		{"queue driver mismatch", func(c *Config) { c.Queue.Driver = "sqlite" }, "queue.driver sqlite requires store.driver sqlite"},
		{"unknown queue", func(c *Config) { c.Queue.Driver = "kafka" }, "queue.driver must be postgres, sqlite or temporal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults()
			tt.mutate(cfg)
			err := cfg.Validate(ModeWorker)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_AdminIgnoresWorkerSettings(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = ""
	cfg.Queue.Driver = ""
	cfg.Funnel = FunnelConfig{}

	assert.NoError(t, cfg.Validate(ModeAdmin))
}

func TestValidate_Serve(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = ""
	assert.NoError(t, cfg.Validate(ModeServe))

	cfg.Server.Port = 0
	err := cfg.Validate(ModeServe)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidate_Temporal(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate(ModeTemporalWorker)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temporal-worker requires queue.driver temporal")

	cfg.Queue.Driver = "temporal"
	cfg.Queue.Temporal.HostPort = "localhost:7233"
	cfg.Queue.Temporal.TaskQueue = "audits"
	assert.NoError(t, cfg.Validate(ModeTemporalWorker))

	cfg.Queue.Temporal.TaskQueue = ""
	err = cfg.Validate(ModeTemporalWorker)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue.temporal.host_port and queue.temporal.task_queue are required")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
