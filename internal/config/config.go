// Package config provides configuration management for the queue harness.
// Values come from defaults, an optional .env file and the environment.
package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DriverType represents the queue backend type
type DriverType string

const (
	DriverSQS      DriverType = "sqs"
	DriverRabbitMQ DriverType = "rabbitmq"
	DriverMemory   DriverType = "memory"
)

// ParseDriver maps operator input to a driver. "rabbit" and "amqp" are
// accepted as broker aliases.
func ParseDriver(s string) (DriverType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sqs":
		return DriverSQS, nil
	case "rabbitmq", "rabbit", "amqp":
		return DriverRabbitMQ, nil
	case "memory":
		return DriverMemory, nil
	}
	return "", fmt.Errorf("unknown queue type %q (expected sqs or rabbitmq)", s)
}

// Config holds all configuration for the harness
type Config struct {
	Messaging MessagingConfig
	Consumer  ConsumerConfig
	SQS       SQSConfig
	RabbitMQ  RabbitMQConfig
	AWS       AWSConfig
	Redis     RedisConfig
	Metrics   MetricsConfig
	Retry     RetryConfig
}

// MessagingConfig controls backend selection
type MessagingConfig struct {
	// Driver is the active queue backend
	Driver DriverType `json:"driver" yaml:"driver"`
}

// ConsumerConfig holds the polling scheduler settings
type ConsumerConfig struct {
	// Queues is the list of queue names (or URLs) to consume
	Queues []string `json:"queues" yaml:"queues"`
	// MaxMessages is the number of messages requested per fetch
	MaxMessages int `json:"max_messages" yaml:"max_messages"`
	// WaitSeconds is the long-poll wait per fetch
	WaitSeconds int `json:"wait_seconds" yaml:"wait_seconds"`
	// DeleteBad drops messages that fail processing instead of leaving them for redelivery
	DeleteBad bool `json:"delete_bad" yaml:"delete_bad"`
	// DedupeEnabled skips messages whose id was already processed (requires Redis)
	DedupeEnabled bool `json:"dedupe_enabled" yaml:"dedupe_enabled"`
}

// SQSConfig holds AWS SQS-specific settings
type SQSConfig struct {
	// Prefix for queue names (usually environment like dev, staging, prod)
	Prefix string `json:"prefix" yaml:"prefix"`
	// VisibilityTimeout overrides the queue visibility timeout on receive (0 keeps the queue default)
	VisibilityTimeout int `json:"visibility_timeout" yaml:"visibility_timeout"`
	// CacheTTL is how long resolved queue URLs stay in Redis, in seconds
	CacheTTL int `json:"cache_ttl" yaml:"cache_ttl"`
}

// RabbitMQConfig holds broker connection settings
type RabbitMQConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	VHost    string `json:"vhost" yaml:"vhost"`
	// Prefetch is the QoS prefetch count
	Prefetch int `json:"prefetch" yaml:"prefetch"`
	// Heartbeat is the AMQP heartbeat interval in seconds
	Heartbeat int `json:"heartbeat" yaml:"heartbeat"`
}

// AWSConfig holds AWS credentials and region
type AWSConfig struct {
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`
	Region          string `json:"region" yaml:"region"`
	// Endpoint is a custom endpoint (LocalStack)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// MetricsConfig holds metrics provider settings
type MetricsConfig struct {
	Prometheus PrometheusConfig `json:"prometheus" yaml:"prometheus"`
	CloudWatch CloudWatchConfig `json:"cloudwatch" yaml:"cloudwatch"`
}

// PrometheusConfig holds Prometheus settings
type PrometheusConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
	Subsystem string `json:"subsystem" yaml:"subsystem"`
	// Addr is the listen address for the /metrics endpoint in the CLI
	Addr string `json:"addr" yaml:"addr"`
}

// CloudWatchConfig holds CloudWatch metrics settings
type CloudWatchConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// RetryConfig controls how broken broker pipelines are re-established
type RetryConfig struct {
	// MaxRetries is the number of reconnect attempts per failure; 0 retries forever
	MaxRetries     int           `json:"max_retries" yaml:"max_retries"`
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff" yaml:"max_backoff"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Messaging: MessagingConfig{
			Driver: DriverSQS,
		},
		Consumer: ConsumerConfig{
			Queues:      []string{},
			MaxMessages: 10,
			WaitSeconds: 3,
		},
		SQS: SQSConfig{
			Prefix:   "",
			CacheTTL: 24 * 60 * 60,
		},
		RabbitMQ: RabbitMQConfig{
			Host:      "localhost",
			Port:      5672,
			User:      "guest",
			Password:  "guest",
			VHost:     "/",
			Prefetch:  3,
			Heartbeat: 10,
		},
		AWS: AWSConfig{
			Region: "us-east-1",
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		Metrics: MetricsConfig{
			Prometheus: PrometheusConfig{
				Namespace: "queueharness",
			},
			CloudWatch: CloudWatchConfig{
				Namespace: "QueueHarness",
			},
		},
		Retry: RetryConfig{
			MaxRetries:     0,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
		},
	}
}

// GetPrefixedQueueName returns the queue name with environment prefix.
// Addresses are never prefixed.
func (c *Config) GetPrefixedQueueName(queueName string) string {
	if c.SQS.Prefix == "" || strings.HasPrefix(queueName, "http://") || strings.HasPrefix(queueName, "https://") {
		return queueName
	}
	return c.SQS.Prefix + "-" + queueName
}

// AMQPURL builds the broker URL from the connection settings
func (c *Config) AMQPURL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.RabbitMQ.User, c.RabbitMQ.Password),
		Host:   c.RabbitMQ.Host + ":" + strconv.Itoa(c.RabbitMQ.Port),
	}
	vhost := c.RabbitMQ.VHost
	if vhost == "" {
		vhost = "/"
	}
	// "/" is the default vhost and must be escaped as %2F in the path
	u.RawPath = "/" + url.PathEscape(vhost)
	u.Path = "/" + vhost
	return u.String()
}

// RedisAddr returns host:port for the Redis client
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// GetWait returns the long-poll wait as a duration
func (c *Config) GetWait() time.Duration {
	return time.Duration(c.Consumer.WaitSeconds) * time.Second
}

// Validate checks the consumer settings
func (c *Config) Validate() error {
	if _, err := ParseDriver(string(c.Messaging.Driver)); err != nil {
		return err
	}
	if c.Consumer.MaxMessages < 1 {
		return fmt.Errorf("max messages must be at least 1, got %d", c.Consumer.MaxMessages)
	}
	if c.Consumer.WaitSeconds < 0 || c.Consumer.WaitSeconds > 20 {
		return fmt.Errorf("wait seconds must be between 0 and 20, got %d", c.Consumer.WaitSeconds)
	}
	if c.RabbitMQ.Prefetch < 0 {
		return fmt.Errorf("prefetch must not be negative, got %d", c.RabbitMQ.Prefetch)
	}
	if c.Consumer.DedupeEnabled && !c.Redis.Enabled {
		return fmt.Errorf("dedupe requires redis to be enabled")
	}
	return nil
}

// SplitQueues splits a comma-separated queue list, dropping blanks
func SplitQueues(s string) []string {
	parts := strings.Split(s, ",")
	queues := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			queues = append(queues, p)
		}
	}
	return queues
}

// Helper functions using Viper

func getViperString(key, defaultValue string) string {
	if viper.IsSet(key) {
		return viper.GetString(key)
	}
	return defaultValue
}

func getViperBool(key string, defaultValue bool) bool {
	if viper.IsSet(key) {
		return viper.GetBool(key)
	}
	return defaultValue
}

func getViperInt(key string, defaultValue int) int {
	if viper.IsSet(key) {
		return viper.GetInt(key)
	}
	return defaultValue
}

func getViperDuration(key string, defaultValue time.Duration) time.Duration {
	if viper.IsSet(key) {
		return viper.GetDuration(key)
	}
	return defaultValue
}

// LoadDotEnv loads environment variables from .env file using Viper
func LoadDotEnv() error {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AddConfigPath("../")
	viper.AddConfigPath("../../")

	// Automatically read environment variables
	viper.AutomaticEnv()

	// Read .env file - it's okay if it doesn't exist
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}
	return nil
}

// Load loads configuration from .env file and environment variables
func Load() *Config {
	_ = LoadDotEnv()
	return LoadFromViper()
}

// LoadFromViper loads configuration from Viper (after .env is loaded)
func LoadFromViper() *Config {
	cfg := DefaultConfig()

	if driver := getViperString("MESSAGING_DRIVER", ""); driver != "" {
		cfg.Messaging.Driver = DriverType(strings.ToLower(driver))
		if d, err := ParseDriver(driver); err == nil {
			cfg.Messaging.Driver = d
		}
	}

	// Consumer
	if queues := getViperString("QUEUE_NAMES", ""); queues != "" {
		cfg.Consumer.Queues = SplitQueues(queues)
	}
	cfg.Consumer.MaxMessages = getViperInt("QUEUE_MAX_MESSAGES", cfg.Consumer.MaxMessages)
	cfg.Consumer.WaitSeconds = getViperInt("QUEUE_WAIT_SECONDS", cfg.Consumer.WaitSeconds)
	cfg.Consumer.DeleteBad = getViperBool("QUEUE_DELETE_BAD", cfg.Consumer.DeleteBad)
	cfg.Consumer.DedupeEnabled = getViperBool("QUEUE_DEDUPE_ENABLED", cfg.Consumer.DedupeEnabled)

	// AWS
	cfg.AWS.AccessKeyID = getViperString("AWS_SQS_ACCESS_KEY_ID", cfg.AWS.AccessKeyID)
	cfg.AWS.SecretAccessKey = getViperString("AWS_SQS_SECRET_ACCESS_KEY", cfg.AWS.SecretAccessKey)
	cfg.AWS.Region = getViperString("AWS_DEFAULT_REGION", cfg.AWS.Region)
	cfg.AWS.Endpoint = getViperString("AWS_ENDPOINT", cfg.AWS.Endpoint)

	// SQS
	cfg.SQS.Prefix = getViperString("SQS_QUEUE_PREFIX", cfg.SQS.Prefix)
	cfg.SQS.VisibilityTimeout = getViperInt("SQS_VISIBILITY_TIMEOUT", cfg.SQS.VisibilityTimeout)
	cfg.SQS.CacheTTL = getViperInt("SQS_CACHE_TTL", cfg.SQS.CacheTTL)

	// RabbitMQ
	cfg.RabbitMQ.Host = getViperString("RABBITMQ_HOST", cfg.RabbitMQ.Host)
	cfg.RabbitMQ.Port = getViperInt("RABBITMQ_PORT", cfg.RabbitMQ.Port)
	cfg.RabbitMQ.User = getViperString("RABBITMQ_USER", cfg.RabbitMQ.User)
	cfg.RabbitMQ.Password = getViperString("RABBITMQ_PASSWORD", cfg.RabbitMQ.Password)
	cfg.RabbitMQ.VHost = getViperString("RABBITMQ_VHOST", cfg.RabbitMQ.VHost)
	cfg.RabbitMQ.Prefetch = getViperInt("RABBITMQ_PREFETCH", cfg.RabbitMQ.Prefetch)
	cfg.RabbitMQ.Heartbeat = getViperInt("RABBITMQ_HEARTBEAT", cfg.RabbitMQ.Heartbeat)

	// Redis
	cfg.Redis.Enabled = getViperBool("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Host = getViperString("REDIS_HOST", cfg.Redis.Host)
	cfg.Redis.Port = getViperInt("REDIS_PORT", cfg.Redis.Port)
	cfg.Redis.Password = getViperString("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getViperInt("REDIS_DB", cfg.Redis.DB)

	// Metrics
	cfg.Metrics.Prometheus.Enabled = getViperBool("METRICS_PROMETHEUS_ENABLED", cfg.Metrics.Prometheus.Enabled)
	cfg.Metrics.Prometheus.Namespace = getViperString("METRICS_PROMETHEUS_NAMESPACE", cfg.Metrics.Prometheus.Namespace)
	cfg.Metrics.Prometheus.Subsystem = getViperString("METRICS_PROMETHEUS_SUBSYSTEM", cfg.Metrics.Prometheus.Subsystem)
	cfg.Metrics.Prometheus.Addr = getViperString("METRICS_PROMETHEUS_ADDR", cfg.Metrics.Prometheus.Addr)
	cfg.Metrics.CloudWatch.Enabled = getViperBool("METRICS_CLOUDWATCH_ENABLED", cfg.Metrics.CloudWatch.Enabled)
	cfg.Metrics.CloudWatch.Namespace = getViperString("METRICS_CLOUDWATCH_NAMESPACE", cfg.Metrics.CloudWatch.Namespace)

	// Broker reconnect
	cfg.Retry.MaxRetries = getViperInt("BROKER_RETRY_MAX", cfg.Retry.MaxRetries)
	cfg.Retry.InitialBackoff = getViperDuration("BROKER_RETRY_INITIAL_BACKOFF", cfg.Retry.InitialBackoff)
	cfg.Retry.MaxBackoff = getViperDuration("BROKER_RETRY_MAX_BACKOFF", cfg.Retry.MaxBackoff)

	return cfg
}
