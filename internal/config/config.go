package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete configuration for the guarddog service
type Config struct {
	Environment   string              `mapstructure:"environment"`
	Debug         bool                `mapstructure:"debug"`
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Catalog       CatalogConfig       `mapstructure:"catalog"`
	Escalation    EscalationConfig    `mapstructure:"escalation"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Tracker       TrackerConfig       `mapstructure:"tracker"`
	Scoring       ScoringConfig       `mapstructure:"scoring"`
	LLMGate       LLMGateConfig       `mapstructure:"llm_gate"`
	Dashboard     DashboardConfig     `mapstructure:"dashboard"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	AuthEnabled  bool          `mapstructure:"auth_enabled"`
	JWTSecret    string        `mapstructure:"jwt_secret"`
	JWTIssuer    string        `mapstructure:"jwt_issuer"`
}

// Addr is the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig contains database configuration
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogQueries      bool          `mapstructure:"log_queries"`
}

// DSN returns the postgres connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// RedisConfig contains redis configuration
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// KafkaConfig contains kafka configuration
type KafkaConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Brokers       []string `mapstructure:"brokers"`
	GroupID       string   `mapstructure:"group_id"`
	EventsTopic   string   `mapstructure:"events_topic"`
	APICallsTopic string   `mapstructure:"api_calls_topic"`
}

// CatalogConfig points at the rule file
type CatalogConfig struct {
	RulesFile string `mapstructure:"rules_file"`
	Watch     bool   `mapstructure:"watch"`
}

// EscalationConfig controls deduplication
type EscalationConfig struct {
	DedupWindow  time.Duration `mapstructure:"dedup_window"`
	DedupBackend string        `mapstructure:"dedup_backend"`
}

// NotificationsConfig contains notifier configuration
type NotificationsConfig struct {
	Enabled         bool              `mapstructure:"enabled"`
	QueueSize       int               `mapstructure:"queue_size"`
	Workers         int               `mapstructure:"workers"`
	Timeout         time.Duration     `mapstructure:"timeout"`
	MaxRetries      int               `mapstructure:"max_retries"`
	RetryDelay      time.Duration     `mapstructure:"retry_delay"`
	RateLimitPerMin int               `mapstructure:"rate_limit_per_min"`
	WebhookURL      string            `mapstructure:"webhook_url"`
	WebhookHeaders  map[string]string `mapstructure:"webhook_headers"`
	SlackWebhookURL string            `mapstructure:"slack_webhook_url"`
	SlackChannel    string            `mapstructure:"slack_channel"`
}

// TrackerConfig contains call tracking thresholds
type TrackerConfig struct {
	HighFrequencyCalls   int           `mapstructure:"high_frequency_calls"`
	SlowResponseMs       int64         `mapstructure:"slow_response_ms"`
	DegradedLatencyMs    float64       `mapstructure:"degraded_latency_ms"`
	VolumeSpikeFactor    float64       `mapstructure:"volume_spike_factor"`
	VolumeCriticalFactor float64       `mapstructure:"volume_critical_factor"`
	ErrorRateThreshold   float64       `mapstructure:"error_rate_threshold"`
	StaleAfter           time.Duration `mapstructure:"stale_after"`
	OffHoursRatio        float64       `mapstructure:"off_hours_ratio"`
	IPConcentration      float64       `mapstructure:"ip_concentration"`
	MinCallsForRatios    int64         `mapstructure:"min_calls_for_ratios"`
	SweepSchedule        string        `mapstructure:"sweep_schedule"`
}

// ScoringConfig contains compliance score settings
type ScoringConfig struct {
	Lookback time.Duration `mapstructure:"lookback"`
}

// LLMGateConfig contains the disclaimers appended to rewritten responses
type LLMGateConfig struct {
	Disclaimers []string `mapstructure:"disclaimers"`
}

// DashboardConfig controls the websocket snapshot push
type DashboardConfig struct {
	SnapshotSchedule string        `mapstructure:"snapshot_schedule"`
	SnapshotTTL      time.Duration `mapstructure:"snapshot_ttl"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from path (a file or directory). An empty path
// searches the working directory, ./config and /etc/guarddog. A missing file
// is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GUARDDOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if ext := filepath.Ext(path); ext == ".yaml" || ext == ".yml" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if path != "" {
			v.AddConfigPath(path)
		}
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/guarddog")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the service cannot start with
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.AuthEnabled && c.Server.JWTSecret == "" {
		return fmt.Errorf("server.jwt_secret is required when auth is enabled")
	}
	switch c.Database.Driver {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown database driver: %q", c.Database.Driver)
	}
	if c.Escalation.DedupWindow < 0 {
		return fmt.Errorf("escalation.dedup_window must not be negative")
	}
	switch c.Escalation.DedupBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown dedup backend: %q", c.Escalation.DedupBackend)
	}
	if c.Escalation.DedupBackend == "redis" && c.Escalation.DedupWindow > 0 && !c.Redis.Enabled {
		return fmt.Errorf("redis dedup backend requires redis.enabled")
	}
	if len(c.LLMGate.Disclaimers) == 0 {
		return fmt.Errorf("llm_gate.disclaimers must not be empty")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	return nil
}

// DefaultDisclaimers are appended to responses that cite unverified sources
var DefaultDisclaimers = []string{
	"This information has not been independently verified.",
	"Please confirm this information with official sources before acting on it.",
	"Note: the claims above come from unverified sources and should not be relied upon.",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("debug", false)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.auth_enabled", false)
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.jwt_issuer", "guarddog")

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "guarddog")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "guarddog")
	v.SetDefault("kafka.events_topic", "compliance-events")
	v.SetDefault("kafka.api_calls_topic", "external-api-calls")

	v.SetDefault("catalog.rules_file", "")
	v.SetDefault("catalog.watch", true)

	v.SetDefault("escalation.dedup_window", "0s")
	v.SetDefault("escalation.dedup_backend", "memory")

	v.SetDefault("notifications.enabled", true)
	v.SetDefault("notifications.queue_size", 1000)
	v.SetDefault("notifications.workers", 4)
	v.SetDefault("notifications.timeout", "10s")
	v.SetDefault("notifications.max_retries", 3)
	v.SetDefault("notifications.retry_delay", "2s")
	v.SetDefault("notifications.rate_limit_per_min", 60)

	v.SetDefault("tracker.high_frequency_calls", 100)
	v.SetDefault("tracker.slow_response_ms", 10000)
	v.SetDefault("tracker.degraded_latency_ms", 5000)
	v.SetDefault("tracker.volume_spike_factor", 3.0)
	v.SetDefault("tracker.volume_critical_factor", 5.0)
	v.SetDefault("tracker.error_rate_threshold", 0.05)
	v.SetDefault("tracker.stale_after", "2h")
	v.SetDefault("tracker.off_hours_ratio", 0.1)
	v.SetDefault("tracker.ip_concentration", 0.3)
	v.SetDefault("tracker.min_calls_for_ratios", 10)
	v.SetDefault("tracker.sweep_schedule", "0 */5 * * * *")

	v.SetDefault("scoring.lookback", "24h")

	v.SetDefault("llm_gate.disclaimers", DefaultDisclaimers)

	v.SetDefault("dashboard.snapshot_schedule", "*/30 * * * * *")
	v.SetDefault("dashboard.snapshot_ttl", "10m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
