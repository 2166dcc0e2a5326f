package config

import (
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/finalize"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/queue"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig         `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig     `yaml:"anthropic" mapstructure:"anthropic"`
	Funnel     FunnelConfig        `yaml:"funnel" mapstructure:"funnel"`
	Quality    finalize.Thresholds `yaml:"quality" mapstructure:"quality"`
	Monitor    MonitorConfig       `yaml:"monitor" mapstructure:"monitor"`
	Worker     WorkerConfig        `yaml:"worker" mapstructure:"worker"`
	Queue      QueueConfig         `yaml:"queue" mapstructure:"queue"`
	Server     ServerConfig        `yaml:"server" mapstructure:"server"`
	Projection ProjectionConfig    `yaml:"projection" mapstructure:"projection"`
	Tracing    TracingConfig       `yaml:"tracing" mapstructure:"tracing"`
	Retry      RetryConfig         `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig       `yaml:"circuit" mapstructure:"circuit"`
	Log        LogConfig           `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int    `yaml:"max_conns" mapstructure:"max_conns"`
}

// AnthropicConfig holds Anthropic API settings for the funnel gateway.
type AnthropicConfig struct {
	Key               string  `yaml:"key" mapstructure:"key"`
	Model             string  `yaml:"model" mapstructure:"model"`
	MaxTokens         int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// FunnelConfig sizes the aggregation funnel.
type FunnelConfig struct {
	BatchSize   int `yaml:"batch_size" mapstructure:"batch_size"`
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
	TopK        int `yaml:"top_k" mapstructure:"top_k"`
	TopN        int `yaml:"top_n" mapstructure:"top_n"`
}

// MonitorConfig configures the stuck-audit recovery monitor.
type MonitorConfig struct {
	IntervalSecs         int     `yaml:"interval_secs" mapstructure:"interval_secs"`
	StaleTimeoutSecs     int     `yaml:"stale_timeout_secs" mapstructure:"stale_timeout_secs"`
	MaxReprocess         int     `yaml:"max_reprocess" mapstructure:"max_reprocess"`
	BatchLimit           int     `yaml:"batch_limit" mapstructure:"batch_limit"`
	LookbackHours        int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// WorkerConfig configures the job-consuming worker pool.
type WorkerConfig struct {
	Count          int  `yaml:"count" mapstructure:"count"`
	PollIntervalMs int  `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	LeaseSecs      int  `yaml:"lease_secs" mapstructure:"lease_secs"`
	Monitor        bool `yaml:"monitor" mapstructure:"monitor"`
}

// QueueOptions converts the worker settings into lease-queue options.
func (w WorkerConfig) QueueOptions() queue.Options {
	return queue.Options{
		Lease:        time.Duration(w.LeaseSecs) * time.Second,
		PollInterval: time.Duration(w.PollIntervalMs) * time.Millisecond,
	}
}

// QueueConfig selects the job queue implementation.
type QueueConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	Temporal queue.TemporalConfig `yaml:"temporal" mapstructure:"temporal"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// ProjectionConfig configures the hand-off of finished audits.
type ProjectionConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
	Endpoint    string  `yaml:"endpoint" mapstructure:"endpoint"`
	Insecure    bool    `yaml:"insecure" mapstructure:"insecure"`
	ServiceName string  `yaml:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio" mapstructure:"sample_ratio"`
}

// RetryConfig configures the shared retry policy.
type RetryConfig struct {
	MaxAttempts     int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	ConflictRetries int     `yaml:"conflict_retries" mapstructure:"conflict_retries"`
	BaseDelayMs     int     `yaml:"base_delay_ms" mapstructure:"base_delay_ms"`
	MaxDelayMs      int     `yaml:"max_delay_ms" mapstructure:"max_delay_ms"`
	Multiplier      float64 `yaml:"multiplier" mapstructure:"multiplier"`
	Jitter          float64 `yaml:"jitter" mapstructure:"jitter"`
}

// Policy converts the settings into a resilience.Policy.
func (r RetryConfig) Policy() resilience.Policy {
	return resilience.Policy{
		MaxAttempts:     r.MaxAttempts,
		ConflictRetries: r.ConflictRetries,
		BaseDelay:       time.Duration(r.BaseDelayMs) * time.Millisecond,
		MaxDelay:        time.Duration(r.MaxDelayMs) * time.Millisecond,
		Multiplier:      r.Multiplier,
		Jitter:          r.Jitter,
	}
}

// CircuitConfig configures the per-provider circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	CooldownSecs     int `yaml:"cooldown_secs" mapstructure:"cooldown_secs"`
}

// Breaker converts the settings into a resilience.BreakerConfig.
func (c CircuitConfig) Breaker() resilience.BreakerConfig {
	return resilience.BreakerConfig{
		FailureThreshold: c.FailureThreshold,
		Cooldown:         time.Duration(c.CooldownSecs) * time.Second,
	}
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("AUDIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.timeout_secs", 90)
	v.SetDefault("anthropic.requests_per_second", 5)
	v.SetDefault("funnel.batch_size", 12)
	v.SetDefault("funnel.concurrency", 5)
	v.SetDefault("funnel.top_k", 3)
	v.SetDefault("funnel.top_n", 5)
	v.SetDefault("monitor.interval_secs", 30)
	v.SetDefault("monitor.stale_timeout_secs", 600)
	v.SetDefault("monitor.max_reprocess", 3)
	v.SetDefault("monitor.batch_limit", 50)
	v.SetDefault("monitor.lookback_hours", 24)
	v.SetDefault("monitor.failure_rate_threshold", 0.25)
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.poll_interval_ms", 1000)
	v.SetDefault("worker.lease_secs", 900)
	v.SetDefault("worker.monitor", true)
	v.SetDefault("queue.driver", "postgres")
	v.SetDefault("queue.temporal.host_port", "localhost:7233")
	v.SetDefault("queue.temporal.namespace", "default")
	v.SetDefault("queue.temporal.task_queue", "audits")
	v.SetDefault("queue.temporal.activity_timeout", "30m")
	v.SetDefault("queue.temporal.max_attempts", 3)
	v.SetDefault("tracing.service_name", "audit-engine")
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.conflict_retries", 1)
	v.SetDefault("retry.base_delay_ms", 500)
	v.SetDefault("retry.max_delay_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.cooldown_secs", 60)

	q := finalize.DefaultThresholds()
	v.SetDefault("quality.min_visibility", q.MinVisibility)
	v.SetDefault("quality.warn_visibility", q.WarnVisibility)
	v.SetDefault("quality.visibility_sample", q.VisibilitySample)
	v.SetDefault("quality.min_sample", q.MinSample)
	v.SetDefault("quality.min_providers", q.MinProviders)
	v.SetDefault("quality.competitor_sample", q.CompetitorSample)
	v.SetDefault("quality.max_defect_rate", q.MaxDefectRate)
	v.SetDefault("quality.zero_overall_penalty", q.ZeroOverallPenalty)
	v.SetDefault("quality.detection_penalty", q.DetectionPenalty)
	v.SetDefault("quality.low_visibility_penalty", q.LowVisibilityPenalty)
	v.SetDefault("quality.inconsistent_penalty", q.InconsistentPenalty)
	v.SetDefault("quality.small_sample_penalty", q.SmallSamplePenalty)
	v.SetDefault("quality.diversity_penalty", q.DiversityPenalty)
	v.SetDefault("quality.competitor_penalty", q.CompetitorPenalty)
	v.SetDefault("quality.defect_rate_penalty", q.DefectRatePenalty)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Modes accepted by Validate.
const (
	ModeServe          = "serve"
	ModeWorker         = "worker"
	ModeTemporalWorker = "temporal-worker"
	ModeAdmin          = "admin"
)

// Validate rejects configurations that cannot run in mode.
func (c *Config) Validate(mode string) error {
	switch mode {
	case ModeServe, ModeWorker, ModeTemporalWorker, ModeAdmin:
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	var problems []string

	if !slices.Contains([]string{"postgres", "sqlite"}, c.Store.Driver) {
		problems = append(problems, "store.driver must be postgres or sqlite")
	}
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}

	if mode != ModeAdmin {
		switch c.Queue.Driver {
		case "postgres", "sqlite":
			if c.Queue.Driver != c.Store.Driver {
				problems = append(problems, "queue.driver "+c.Queue.Driver+" requires store.driver "+c.Queue.Driver)
			}
		case "temporal":
			if c.Queue.Temporal.HostPort == "" || c.Queue.Temporal.TaskQueue == "" {
				problems = append(problems, "queue.temporal.host_port and queue.temporal.task_queue are required")
			}
		default:
			problems = append(problems, "queue.driver must be postgres, sqlite or temporal")
		}
	}
	if mode == ModeServe && c.Server.Port <= 0 {
		problems = append(problems, "server.port must be > 0")
	}
	if mode == ModeTemporalWorker && c.Queue.Driver != "temporal" {
		problems = append(problems, "temporal-worker requires queue.driver temporal")
	}

	if mode == ModeWorker || mode == ModeTemporalWorker {
		if c.Anthropic.Key == "" {
			problems = append(problems, "anthropic.key is required")
		}
		if c.Funnel.BatchSize < 8 || c.Funnel.BatchSize > 16 {
			problems = append(problems, "funnel.batch_size must be between 8 and 16")
		}
		if c.Funnel.Concurrency < 1 || c.Funnel.Concurrency > 10 {
			problems = append(problems, "funnel.concurrency must be between 1 and 10")
		}
		if c.Funnel.TopN < 3 || c.Funnel.TopN > 5 {
			problems = append(problems, "funnel.top_n must be between 3 and 5")
		}
		if c.Worker.Count < 1 {
			problems = append(problems, "worker.count must be at least 1")
		}
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
