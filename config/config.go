// Package config provides configuration loading and management for Docflow.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	ssconfig "github.com/c360studio/semstreams/config"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/docflow/processor/orchestrator"
	"github.com/c360studio/docflow/processor/worker"
	"github.com/c360studio/docflow/queue"
)

// Store backends.
const (
	BackendKV    = "kv"
	BackendRedis = "redis"
)

// Config represents the complete Docflow configuration
type Config struct {
	NATS         NATSConfig          `yaml:"nats"`
	Store        StoreConfig         `yaml:"store"`
	Queue        queue.Config        `yaml:"queue"`
	Orchestrator orchestrator.Config `yaml:"orchestrator"`
	Worker       worker.Config       `yaml:"worker"`
	Metrics      MetricsConfig       `yaml:"metrics"`
	Log          LogConfig           `yaml:"log"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS. The server command
	// hosts it; every other command connects to it on EmbeddedPort.
	Embedded bool `yaml:"embedded"`
	// EmbeddedPort is the client port of the embedded server, -1 for a
	// random one
	EmbeddedPort int `yaml:"embedded_port"`
	// StoreDir persists embedded JetStream data (empty = temp dir)
	StoreDir string `yaml:"store_dir"`
	// ConnectAttempts bounds the initial connection attempts
	ConnectAttempts uint64 `yaml:"connect_attempts"`
	// ConnectBackoff is the first retry delay, doubled on every attempt
	ConnectBackoff time.Duration `yaml:"connect_backoff"`
}

// StoreConfig selects and configures the persistence backend
type StoreConfig struct {
	// Backend is "kv" (JetStream key-value buckets) or "redis"
	Backend string      `yaml:"backend"`
	KV      KVConfig    `yaml:"kv"`
	Redis   RedisConfig `yaml:"redis"`
}

// KVConfig configures the JetStream key-value store
type KVConfig struct {
	BucketPrefix string `yaml:"bucket_prefix"`
}

// RedisConfig configures the Redis store
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// Listen is the address serving /metrics (empty = disabled)
	Listen string `yaml:"listen"`
}

// LogConfig configures logging
type LogConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:             "",
			Embedded:        true,
			EmbeddedPort:    4222,
			ConnectAttempts: 8,
			ConnectBackoff:  time.Second,
		},
		Store: StoreConfig{
			Backend: BackendKV,
			KV:      KVConfig{BucketPrefix: "DOCFLOW"},
			Redis:   RedisConfig{Addr: "localhost:6379", Prefix: "docflow"},
		},
		Queue:        queue.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Worker:       worker.DefaultConfig(),
		Log:          LogConfig{Level: "info"},
	}
}

// ClientURL returns the NATS URL clients connect to.
func (c *NATSConfig) ClientURL() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("nats://127.0.0.1:%d", c.EmbeddedPort)
}

// Validate checks that the configuration is valid. The worker section is
// only checked by commands that run a worker.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendKV:
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required")
		}
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", BackendKV, BackendRedis, c.Store.Backend)
	}
	if !c.NATS.Embedded && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats.embedded is false")
	}
	if c.NATS.Embedded && c.NATS.EmbeddedPort != -1 && (c.NATS.EmbeddedPort <= 0 || c.NATS.EmbeddedPort > 65535) {
		return fmt.Errorf("nats.embedded_port must be a valid port, or -1 for a random one")
	}
	if c.NATS.ConnectBackoff <= 0 {
		return fmt.Errorf("nats.connect_backoff must be positive")
	}
	if c.NATS.ConnectAttempts == 0 {
		return fmt.Errorf("nats.connect_attempts must be at least 1")
	}
	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if err := c.Orchestrator.Validate(); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file. ${VAR} and
// ${VAR:-default} references are expanded before parsing.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	expanded := ssconfig.ExpandEnvWithDefaults(string(data))
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}
	if other.NATS.EmbeddedPort != 0 {
		c.NATS.EmbeddedPort = other.NATS.EmbeddedPort
	}
	if other.NATS.StoreDir != "" {
		c.NATS.StoreDir = other.NATS.StoreDir
	}
	if other.NATS.ConnectAttempts != 0 {
		c.NATS.ConnectAttempts = other.NATS.ConnectAttempts
	}
	if other.NATS.ConnectBackoff != 0 {
		c.NATS.ConnectBackoff = other.NATS.ConnectBackoff
	}

	// Store
	if other.Store.Backend != "" {
		c.Store.Backend = other.Store.Backend
	}
	if other.Store.KV.BucketPrefix != "" {
		c.Store.KV.BucketPrefix = other.Store.KV.BucketPrefix
	}
	if other.Store.Redis.Addr != "" {
		c.Store.Redis.Addr = other.Store.Redis.Addr
	}
	if other.Store.Redis.Password != "" {
		c.Store.Redis.Password = other.Store.Redis.Password
	}
	if other.Store.Redis.DB != 0 {
		c.Store.Redis.DB = other.Store.Redis.DB
	}
	if other.Store.Redis.Prefix != "" {
		c.Store.Redis.Prefix = other.Store.Redis.Prefix
	}

	c.mergeQueue(&other.Queue)
	c.mergeOrchestrator(&other.Orchestrator)
	c.mergeWorker(&other.Worker)

	if other.Metrics.Listen != "" {
		c.Metrics.Listen = other.Metrics.Listen
	}
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
}

func (c *Config) mergeQueue(o *queue.Config) {
	if o.TaskStream != "" {
		c.Queue.TaskStream = o.TaskStream
	}
	if o.TaskPrefix != "" {
		c.Queue.TaskPrefix = o.TaskPrefix
	}
	if o.ResponseStream != "" {
		c.Queue.ResponseStream = o.ResponseStream
	}
	if o.ResponseSubject != "" {
		c.Queue.ResponseSubject = o.ResponseSubject
	}
	if o.AckWait != 0 {
		c.Queue.AckWait = o.AckWait
	}
	if o.RouteCacheTTL != 0 {
		c.Queue.RouteCacheTTL = o.RouteCacheTTL
	}
	if o.AllowUnrouted {
		c.Queue.AllowUnrouted = true
	}
}

func (c *Config) mergeOrchestrator(o *orchestrator.Config) {
	if o.ConsumerName != "" {
		c.Orchestrator.ConsumerName = o.ConsumerName
	}
	if o.FetchTimeout != "" {
		c.Orchestrator.FetchTimeout = o.FetchTimeout
	}
	if o.CacheSize != 0 {
		c.Orchestrator.CacheSize = o.CacheSize
	}
	if o.BulkLimit != 0 {
		c.Orchestrator.BulkLimit = o.BulkLimit
	}
}

func (c *Config) mergeWorker(o *worker.Config) {
	if o.Queue != "" {
		c.Worker.Queue = o.Queue
	}
	if len(o.BindingKeys) > 0 {
		c.Worker.BindingKeys = o.BindingKeys
	}
	if len(o.DependsOn) > 0 {
		c.Worker.DependsOn = o.DependsOn
	}
	if o.FetchTimeout != "" {
		c.Worker.FetchTimeout = o.FetchTimeout
	}
	if o.Prefetch != 0 {
		c.Worker.Prefetch = o.Prefetch
	}
	if o.ReplyTimeout != "" {
		c.Worker.ReplyTimeout = o.ReplyTimeout
	}
	if o.TempDir != "" {
		c.Worker.TempDir = o.TempDir
	}
	if o.OutDir != "" {
		c.Worker.OutDir = o.OutDir
	}
}
