package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	NodeID          string        `mapstructure:"node_id"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig selects and configures the log backend
type LogConfig struct {
	// Backend is "local" or "kafka"
	Backend     string     `mapstructure:"backend"`
	Dir         string     `mapstructure:"dir"`
	Codec       string     `mapstructure:"codec"`
	OffsetStore string     `mapstructure:"offset_store"`
	SyncWrites  bool       `mapstructure:"sync_writes"`
	Disk        DiskConfig `mapstructure:"disk"`
}

// DiskConfig holds the disk guard thresholds of the local log, in percent
type DiskConfig struct {
	CheckInterval           time.Duration `mapstructure:"check_interval"`
	WarningThreshold        float64       `mapstructure:"warning_threshold"`
	ThrottleThreshold       float64       `mapstructure:"throttle_threshold"`
	CircuitBreakerThreshold float64       `mapstructure:"circuit_breaker_threshold"`
}

// KafkaConfig holds the kafka backend configuration
type KafkaConfig struct {
	Brokers           []string      `mapstructure:"brokers"`
	TopicPrefix       string        `mapstructure:"topic_prefix"`
	ReplicationFactor int16         `mapstructure:"replication_factor"`
	ClientID          string        `mapstructure:"client_id"`
	FetchMaxWait      time.Duration `mapstructure:"fetch_max_wait"`
}

// ProcessorConfig holds the computation runtime configuration
type ProcessorConfig struct {
	Name               string        `mapstructure:"name"`
	DefaultConcurrency int           `mapstructure:"default_concurrency"`
	DefaultPartitions  int           `mapstructure:"default_partitions"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	DrainTimeout       time.Duration `mapstructure:"drain_timeout"`
	Subscribe          bool          `mapstructure:"subscribe"`
	Policy             PolicyConfig  `mapstructure:"policy"`
}

// PolicyConfig is the default failure and batch policy of computations
type PolicyConfig struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	Delay             time.Duration `mapstructure:"delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	ContinueOnFailure bool          `mapstructure:"continue_on_failure"`
	DeadLetterStream  string        `mapstructure:"dead_letter_stream"`
	BatchCapacity     int           `mapstructure:"batch_capacity"`
	BatchThreshold    time.Duration `mapstructure:"batch_threshold"`
}

// TopologyConfig defines the computations run by the node
type TopologyConfig struct {
	Computations []ComputationConfig `mapstructure:"computations"`
	// Partitions overrides the partition count of streams
	Partitions map[string]int `mapstructure:"partitions"`
}

// ComputationConfig defines one computation of the topology
type ComputationConfig struct {
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"`
	// Streams maps ports to streams, like "i1:input"
	Streams     []string       `mapstructure:"streams"`
	Concurrency int            `mapstructure:"concurrency"`
	Policy      *PolicyConfig  `mapstructure:"policy"`
	Params      map[string]any `mapstructure:"params"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config represents the complete configuration of a stream node
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Processor ProcessorConfig `mapstructure:"processor"`
	Topology  TopologyConfig  `mapstructure:"topology"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

const envPrefix = "stream_node"

// LoadConfig loads configuration from a YAML file, environment variables prefixed
// with STREAM_NODE_ take precedence. An empty path uses defaults and environment only.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	// AutomaticEnv does not split lists
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers the default of every key, which also lets env variables override them
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.node_id", "")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 50060)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("log.backend", "local")
	v.SetDefault("log.dir", "/var/lib/stream-node")
	v.SetDefault("log.codec", "proto")
	v.SetDefault("log.offset_store", "pebble")
	v.SetDefault("log.sync_writes", false)
	v.SetDefault("log.disk.check_interval", 10*time.Second)
	v.SetDefault("log.disk.warning_threshold", 80.0)
	v.SetDefault("log.disk.throttle_threshold", 90.0)
	v.SetDefault("log.disk.circuit_breaker_threshold", 95.0)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic_prefix", "stream-")
	v.SetDefault("kafka.replication_factor", 1)
	v.SetDefault("kafka.client_id", "stream-node")
	v.SetDefault("kafka.fetch_max_wait", 500*time.Millisecond)

	v.SetDefault("processor.name", "stream-node")
	v.SetDefault("processor.default_concurrency", 1)
	v.SetDefault("processor.default_partitions", 1)
	v.SetDefault("processor.read_timeout", 100*time.Millisecond)
	v.SetDefault("processor.drain_timeout", time.Minute)
	v.SetDefault("processor.subscribe", false)
	v.SetDefault("processor.policy.max_retries", 0)
	v.SetDefault("processor.policy.continue_on_failure", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.GRPCPort < 1 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("server.grpc_port must be between 1 and 65535")
	}
	switch c.Log.Backend {
	case "local":
		if c.Log.Dir == "" {
			return fmt.Errorf("log.dir is required by the local backend")
		}
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required by the kafka backend")
		}
	default:
		return fmt.Errorf("log.backend must be local or kafka, got %q", c.Log.Backend)
	}
	if c.Processor.DefaultConcurrency < 0 {
		return fmt.Errorf("processor.default_concurrency must not be negative")
	}
	if c.Processor.DefaultPartitions < 1 {
		return fmt.Errorf("processor.default_partitions must be at least 1")
	}
	if c.Processor.Subscribe && c.Log.Backend != "kafka" {
		return fmt.Errorf("processor.subscribe requires the kafka backend")
	}
	names := make(map[string]bool)
	for i, comp := range c.Topology.Computations {
		if comp.Name == "" || comp.Type == "" {
			return fmt.Errorf("topology.computations[%d] requires a name and a type", i)
		}
		if names[comp.Name] {
			return fmt.Errorf("topology.computations[%d]: duplicate name %s", i, comp.Name)
		}
		names[comp.Name] = true
		if comp.Concurrency < 0 {
			return fmt.Errorf("topology.computations[%d]: concurrency must not be negative", i)
		}
	}
	for stream, partitions := range c.Topology.Partitions {
		if partitions < 1 {
			return fmt.Errorf("topology.partitions.%s must be at least 1", stream)
		}
	}
	return nil
}
