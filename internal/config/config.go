package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Breaker    BreakerConfig    `yaml:"breaker" mapstructure:"breaker"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Dispatch   DispatchConfig   `yaml:"dispatch" mapstructure:"dispatch"`
	Ensemble   EnsembleConfig   `yaml:"ensemble" mapstructure:"ensemble"`
	Retrain    RetrainConfig    `yaml:"retrain" mapstructure:"retrain"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RedisConfig configures the shared-state and queue backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// PipelineConfig configures the stage graph and completeness thresholds.
// The stage graph itself (names, dependencies, per-stage thresholds, hash
// field allow-lists) lives in its own YAML file so adding a stage is a
// config change, not a code change.
type PipelineConfig struct {
	StagesFile string `yaml:"stages_file" mapstructure:"stages_file"`
	// SnapshotStage names the stage whose output is the feature snapshot
	// workers predict from.
	SnapshotStage string `yaml:"snapshot_stage" mapstructure:"snapshot_stage"`
	// PredictionStage is the logical stage name circuit-breaking prediction
	// work is keyed under.
	PredictionStage string `yaml:"prediction_stage" mapstructure:"prediction_stage"`
	Concurrency     int    `yaml:"concurrency" mapstructure:"concurrency"`
}

// BreakerConfig configures the per-(entity, stage) circuit breaker.
type BreakerConfig struct {
	FailureThreshold int    `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	CooldownHours    int    `yaml:"cooldown_hours" mapstructure:"cooldown_hours"`
	ProbeTTLSecs     int    `yaml:"probe_ttl_secs" mapstructure:"probe_ttl_secs"`
	KeyPrefix        string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// Cooldown returns the configured cooldown as a duration.
func (c BreakerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownHours) * time.Hour
}

// ProbeTTL returns the half-open probe deadline as a duration.
func (c BreakerConfig) ProbeTTL() time.Duration {
	return time.Duration(c.ProbeTTLSecs) * time.Second
}

// QueueConfig configures the prediction work queue.
type QueueConfig struct {
	Stream           string `yaml:"stream" mapstructure:"stream"`
	Group            string `yaml:"group" mapstructure:"group"`
	DLQStream        string `yaml:"dlq_stream" mapstructure:"dlq_stream"`
	MaxDeliveries    int    `yaml:"max_deliveries" mapstructure:"max_deliveries"`
	ClaimMinIdleSecs int    `yaml:"claim_min_idle_secs" mapstructure:"claim_min_idle_secs"`
	BlockSecs        int    `yaml:"block_secs" mapstructure:"block_secs"`
	TaskTimeoutSecs  int    `yaml:"task_timeout_secs" mapstructure:"task_timeout_secs"`
}

// DispatchConfig configures coordinator fan-out.
type DispatchConfig struct {
	RatePerSec float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst      int     `yaml:"burst" mapstructure:"burst"`
}

// EnsembleConfig configures the ensemble combiner and fallback behavior.
type EnsembleConfig struct {
	// PassMargin is how far the weighted mean must sit from the line
	// before the recommendation leaves PASS.
	PassMargin         float64 `yaml:"pass_margin" mapstructure:"pass_margin"`
	FallbackConfidence float64 `yaml:"fallback_confidence" mapstructure:"fallback_confidence"`
	LearnedFamily      string  `yaml:"learned_family" mapstructure:"learned_family"`
}

// RetrainConfig configures the retraining trigger monitor.
type RetrainConfig struct {
	MAEDegradationPct float64 `yaml:"mae_degradation_pct" mapstructure:"mae_degradation_pct"`
	HitRateDropPct    float64 `yaml:"hit_rate_drop_pct" mapstructure:"hit_rate_drop_pct"`
	DriftStddevs      float64 `yaml:"drift_stddevs" mapstructure:"drift_stddevs"`
	WindowDays        int     `yaml:"window_days" mapstructure:"window_days"`
	MinSamples        int     `yaml:"min_samples" mapstructure:"min_samples"`
}

// MonitoringConfig configures metric collection and alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	DLQDepthThreshold    int64   `yaml:"dlq_depth_threshold" mapstructure:"dlq_depth_threshold"`
	OpenBreakerThreshold int     `yaml:"open_breaker_threshold" mapstructure:"open_breaker_threshold"`
	StaleStageHours      int     `yaml:"stale_stage_hours" mapstructure:"stale_stage_hours"`
	WebhookRetryAttempts int     `yaml:"webhook_retry_attempts" mapstructure:"webhook_retry_attempts"`
	WebhookBackoffMs     int     `yaml:"webhook_backoff_ms" mapstructure:"webhook_backoff_ms"`
}

// ServerConfig configures the operational HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Validate checks that the configuration required for a given run mode is
// present and within bounds. Modes: "serve", "stage", "dispatch", "worker",
// "retrain".
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "serve", "stage", "dispatch", "worker", "retrain":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required for the postgres driver")
	}
	if c.Redis.Addr == "" {
		problems = append(problems, "redis.addr is required")
	}
	if mode == "serve" && c.Server.Port <= 0 {
		problems = append(problems, "server.port must be > 0")
	}
	if c.Breaker.FailureThreshold < 1 {
		problems = append(problems, "breaker.failure_threshold must be >= 1")
	}
	if c.Breaker.CooldownHours < 1 {
		problems = append(problems, "breaker.cooldown_hours must be >= 1")
	}
	if c.Queue.MaxDeliveries < 1 {
		problems = append(problems, "queue.max_deliveries must be >= 1")
	}
	if c.Pipeline.Concurrency < 1 || c.Pipeline.Concurrency > 64 {
		problems = append(problems, "pipeline.concurrency must be between 1 and 64")
	}
	if c.Ensemble.FallbackConfidence < 0 || c.Ensemble.FallbackConfidence > 100 {
		problems = append(problems, "ensemble.fallback_confidence must be between 0 and 100")
	}
	if c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1 {
		problems = append(problems, "monitoring.failure_rate_threshold must be between 0 and 1")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid for mode %q: %s", mode, strings.Join(problems, "; "))
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PROPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("pipeline.stages_file", "stages.yaml")
	v.SetDefault("pipeline.snapshot_stage", "precompute")
	v.SetDefault("pipeline.prediction_stage", "predictions")
	v.SetDefault("pipeline.concurrency", 8)
	v.SetDefault("breaker.failure_threshold", 3)
	v.SetDefault("breaker.cooldown_hours", 168)
	v.SetDefault("breaker.probe_ttl_secs", 300)
	v.SetDefault("breaker.key_prefix", "props")
	v.SetDefault("queue.stream", "props:tasks")
	v.SetDefault("queue.group", "prediction-workers")
	v.SetDefault("queue.dlq_stream", "props:tasks:dead")
	v.SetDefault("queue.max_deliveries", 3)
	v.SetDefault("queue.claim_min_idle_secs", 120)
	v.SetDefault("queue.block_secs", 5)
	v.SetDefault("queue.task_timeout_secs", 60)
	v.SetDefault("dispatch.rate_per_sec", 50)
	v.SetDefault("dispatch.burst", 10)
	v.SetDefault("ensemble.pass_margin", 0.5)
	v.SetDefault("ensemble.fallback_confidence", 50)
	v.SetDefault("ensemble.learned_family", "points")
	v.SetDefault("retrain.mae_degradation_pct", 15)
	v.SetDefault("retrain.hit_rate_drop_pct", 5)
	v.SetDefault("retrain.drift_stddevs", 2)
	v.SetDefault("retrain.window_days", 14)
	v.SetDefault("retrain.min_samples", 50)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.dlq_depth_threshold", 10)
	v.SetDefault("monitoring.open_breaker_threshold", 20)
	v.SetDefault("monitoring.stale_stage_hours", 36)
	v.SetDefault("monitoring.webhook_retry_attempts", 3)
	v.SetDefault("monitoring.webhook_backoff_ms", 500)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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
