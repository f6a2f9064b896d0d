package config

import (
	"bytes"
	_ "embed"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log        LogConfig      `mapstructure:"log"`
	HTTP       HTTPConfig     `mapstructure:"http"`
	MySQL      DatabaseConfig `mapstructure:"mysql"`
	ClickHouse DatabaseConfig `mapstructure:"clickhouse"`
	Redis      RedisConfig    `mapstructure:"redis"`
	RabbitMQ   RabbitMQConfig `mapstructure:"rabbitmq"`
	Consumer   ConsumerConfig `mapstructure:"consumer"`
	Outbox     OutboxConfig   `mapstructure:"outbox"`
	Archive    ArchiveConfig  `mapstructure:"archive"`
	Kafka      KafkaConfig    `mapstructure:"kafka"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	Addr     string `mapstructure:"addr"`
	WriteRPS int    `mapstructure:"write_rps"` // per-client limit on operator write routes
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr           string        `mapstructure:"addr"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

func (b BreakerConfig) OpenFor() time.Duration {
	return time.Duration(b.OpenForMs) * time.Millisecond
}

type RabbitMQConfig struct {
	URL            string        `mapstructure:"url"`
	BoundedContext string        `mapstructure:"bounded_context"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	Breaker        BreakerConfig `mapstructure:"breaker"`
}

// ExchangeName returns "<bounded-context>.incidents".
func (r RabbitMQConfig) ExchangeName() string {
	return r.BoundedContext + ".incidents"
}

type ConsumerConfig struct {
	Name          string   `mapstructure:"name"`
	RoutingKeys   []string `mapstructure:"routing_keys"` // empty = every registered kind
	QueueType     string   `mapstructure:"queue_type"`   // quorum | classic
	MaxDeliveries int      `mapstructure:"max_deliveries"`
	DeadLetter    bool     `mapstructure:"dead_letter"`

	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

// QueueName returns "<consumer-name>.incidents.queue".
func (c ConsumerConfig) QueueName() string {
	return c.Name + ".incidents.queue"
}

type OutboxConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	RetryBudget  int           `mapstructure:"retry_budget"` // extra attempts granted by a manual retry
	Bypass       bool          `mapstructure:"bypass"`
}

type ArchiveConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
	MinAge    time.Duration `mapstructure:"min_age"`
}

type KafkaConfig struct {
	MirrorEnabled bool          `mapstructure:"mirror_enabled"`
	Brokers       []string      `mapstructure:"brokers"`
	Topic         string        `mapstructure:"topic"`
	BatchTimeout  time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (INCBUS_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (INCBUS_RABBITMQ_URL, INCBUS_CONSUMER_NAME, ...)
	v.SetEnvPrefix("INCBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
