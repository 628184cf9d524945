// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Postgres struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// EventPolicy is the declarative, config-driven half of the event
// configuration registry (§3.2 EventConfig). Entries here are turned into
// outbox.EventConfig values at startup; RetryStrategy stays code-defined
// since viper cannot unmarshal a func.
type EventPolicy struct {
	Name                   string `mapstructure:"name"`
	ExpiresAtTTL           time.Duration `mapstructure:"expires_at_ttl"`
	ReadyToRetryAfterTTL   time.Duration `mapstructure:"ready_to_retry_after_ttl"`
	MaxExecutionTimeTTL    time.Duration `mapstructure:"max_execution_time_ttl"`
	MaxRetries             int           `mapstructure:"max_retries"`
}

type Poller struct {
	PollInterval             time.Duration `mapstructure:"poll_interval"`
	MaxEventsPerTick         int           `mapstructure:"max_events_per_tick"`
	PushNotificationThrottle time.Duration `mapstructure:"push_notification_throttle"`
}

type Push struct {
	Backend      string        `mapstructure:"backend"` // "none", "postgres", "redis"
	Channel      string        `mapstructure:"channel"`
	RedisAddr    string        `mapstructure:"redis_addr"`
	ReconnectMin time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax time.Duration `mapstructure:"reconnect_max"`
}

type Admin struct {
	RetentionPeriod time.Duration `mapstructure:"retention_period"`
	CleanupCron     string        `mapstructure:"cleanup_cron"`
}

// Breaker configures the per-listener circuit breaker middleware (§4.4
// ExecutionWrapper, adapted from the teacher's internal/breaker).
type Breaker struct {
	Window           time.Duration `mapstructure:"window"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type TracingConfig struct {
	Enabled               bool              `mapstructure:"enabled"`
	Endpoint              string            `mapstructure:"endpoint"`
	Environment           string            `mapstructure:"environment"`
	SamplingStrategy      string            `mapstructure:"sampling_strategy"`
	SamplingRate          float64           `mapstructure:"sampling_rate"`
	BatchTimeout          time.Duration     `mapstructure:"batch_timeout"`
	MaxExportBatchSize    int               `mapstructure:"max_export_batch_size"`
	Headers               map[string]string `mapstructure:"headers"`
	Insecure              bool              `mapstructure:"insecure"`
	PropagationFormat     string            `mapstructure:"propagation_format"`
	AttributeAllowlist    []string          `mapstructure:"attribute_allowlist"`
	RedactSensitive       bool              `mapstructure:"redact_sensitive"`
	EnableMetricExemplars bool              `mapstructure:"enable_metric_exemplars"`
}

// Tracing is a backwards-compatible alias
type Tracing = TracingConfig

type ObservabilityConfig struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// Observability is a backwards-compatible alias
type Observability = ObservabilityConfig

type Config struct {
	Postgres      Postgres      `mapstructure:"postgres"`
	Events        []EventPolicy `mapstructure:"events"`
	Poller        Poller        `mapstructure:"poller"`
	Push          Push          `mapstructure:"push"`
	Admin         Admin         `mapstructure:"admin"`
	Breaker       Breaker       `mapstructure:"breaker"`
	Observability Observability `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Postgres: Postgres{
			DSN:             "postgres://localhost:5432/outbox?sslmode=disable",
			MaxConns:        10,
			MinConns:        2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  5 * time.Second,
		},
		Events: []EventPolicy{
			{
				Name:                 "default",
				ExpiresAtTTL:         24 * time.Hour,
				ReadyToRetryAfterTTL: 30 * time.Second,
				MaxExecutionTimeTTL:  10 * time.Second,
				MaxRetries:           5,
			},
		},
		Poller: Poller{
			PollInterval:             5 * time.Second,
			MaxEventsPerTick:         100,
			PushNotificationThrottle: 100 * time.Millisecond,
		},
		Push: Push{
			Backend:      "none",
			Channel:      "inbox_outbox_event",
			ReconnectMin: 1 * time.Second,
			ReconnectMax: 30 * time.Second,
		},
		Admin: Admin{
			RetentionPeriod: 7 * 24 * time.Hour,
			CleanupCron:     "0 0 * * *",
		},
		Breaker: Breaker{
			Window:           1 * time.Minute,
			Cooldown:         30 * time.Second,
			FailureThreshold: 0.5,
			MinSamples:       5,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing:     Tracing{Enabled: false},
		},
	}
}

// Load reads configuration from YAML file and env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("postgres.dsn", def.Postgres.DSN)
	v.SetDefault("postgres.max_conns", def.Postgres.MaxConns)
	v.SetDefault("postgres.min_conns", def.Postgres.MinConns)
	v.SetDefault("postgres.conn_max_lifetime", def.Postgres.ConnMaxLifetime)
	v.SetDefault("postgres.connect_timeout", def.Postgres.ConnectTimeout)

	v.SetDefault("events", []map[string]interface{}{
		{
			"name":                     def.Events[0].Name,
			"expires_at_ttl":           def.Events[0].ExpiresAtTTL,
			"ready_to_retry_after_ttl": def.Events[0].ReadyToRetryAfterTTL,
			"max_execution_time_ttl":   def.Events[0].MaxExecutionTimeTTL,
			"max_retries":              def.Events[0].MaxRetries,
		},
	})

	v.SetDefault("poller.poll_interval", def.Poller.PollInterval)
	v.SetDefault("poller.max_events_per_tick", def.Poller.MaxEventsPerTick)
	v.SetDefault("poller.push_notification_throttle", def.Poller.PushNotificationThrottle)

	v.SetDefault("push.backend", def.Push.Backend)
	v.SetDefault("push.channel", def.Push.Channel)
	v.SetDefault("push.reconnect_min", def.Push.ReconnectMin)
	v.SetDefault("push.reconnect_max", def.Push.ReconnectMax)

	v.SetDefault("admin.retention_period", def.Admin.RetentionPeriod)
	v.SetDefault("admin.cleanup_cron", def.Admin.CleanupCron)

	v.SetDefault("breaker.window", def.Breaker.Window)
	v.SetDefault("breaker.cooldown", def.Breaker.Cooldown)
	v.SetDefault("breaker.failure_threshold", def.Breaker.FailureThreshold)
	v.SetDefault("breaker.min_samples", def.Breaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)

	// Optional file read
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn must be set")
	}
	if cfg.Postgres.MaxConns < 1 {
		return fmt.Errorf("postgres.max_conns must be >= 1")
	}
	if cfg.Postgres.MinConns < 0 || cfg.Postgres.MinConns > cfg.Postgres.MaxConns {
		return fmt.Errorf("postgres.min_conns must be between 0 and max_conns")
	}
	if len(cfg.Events) == 0 {
		return fmt.Errorf("events must declare at least one event policy")
	}
	seen := make(map[string]struct{}, len(cfg.Events))
	for _, e := range cfg.Events {
		if e.Name == "" {
			return fmt.Errorf("events entries must have a name")
		}
		if _, dup := seen[e.Name]; dup {
			return fmt.Errorf("events entry %q declared more than once", e.Name)
		}
		seen[e.Name] = struct{}{}
		if e.MaxRetries < 0 {
			return fmt.Errorf("events[%s].max_retries must be >= 0", e.Name)
		}
		if e.ReadyToRetryAfterTTL <= 0 {
			return fmt.Errorf("events[%s].ready_to_retry_after_ttl must be > 0", e.Name)
		}
		if e.ExpiresAtTTL <= e.ReadyToRetryAfterTTL {
			return fmt.Errorf("events[%s].expires_at_ttl must exceed ready_to_retry_after_ttl", e.Name)
		}
	}
	if cfg.Poller.PollInterval <= 0 {
		return fmt.Errorf("poller.poll_interval must be > 0")
	}
	if cfg.Poller.MaxEventsPerTick < 1 {
		return fmt.Errorf("poller.max_events_per_tick must be >= 1")
	}
	switch cfg.Push.Backend {
	case "none", "postgres", "redis":
	default:
		return fmt.Errorf("push.backend must be one of none|postgres|redis")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.Breaker.Window <= 0 {
		return fmt.Errorf("breaker.window must be > 0")
	}
	if cfg.Breaker.Cooldown <= 0 {
		return fmt.Errorf("breaker.cooldown must be > 0")
	}
	if cfg.Breaker.FailureThreshold <= 0 || cfg.Breaker.FailureThreshold > 1 {
		return fmt.Errorf("breaker.failure_threshold must be in (0, 1]")
	}
	if cfg.Breaker.MinSamples < 1 {
		return fmt.Errorf("breaker.min_samples must be >= 1")
	}
	return nil
}
