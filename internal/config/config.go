package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

type Config struct {
	Service  ServiceConfig  `koanf:"service"`
	Kafka    KafkaConfig    `koanf:"kafka"`
	Engine   EngineConfig   `koanf:"engine"`
	Publish  PublishConfig  `koanf:"publish"`
	Archive  ArchiveConfig  `koanf:"archive"`
	Postgres PostgresConfig `koanf:"postgres"`
	Broker   BrokerConfig   `koanf:"broker"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type KafkaConfig struct {
	Brokers       []string       `koanf:"brokers"`
	ClientID      string         `koanf:"client_id"`
	TLS           TLSConfig      `koanf:"tls"`
	SASL          SASLConfig     `koanf:"sasl"`
	Records       ConsumerConfig `koanf:"records"`
	FetchMaxBytes int32          `koanf:"fetch_max_bytes"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

type ConsumerConfig struct {
	GroupID string   `koanf:"group_id"`
	Topics  []string `koanf:"topics"`
	// Filter is an optional filter expression applied to decoded
	// records before they reach the engine, e.g.
	// "collector rrc00 rrc01 and ipversion 4".
	Filter string `koanf:"filter"`
	// ChannelBufferSize bounds the record channel between the
	// consumer and the engine goroutine.
	ChannelBufferSize int `koanf:"channel_buffer_size"`
}

type EngineConfig struct {
	MetricPrefix    string `koanf:"metric_prefix"`
	IPv4FullFeedTh  uint32 `koanf:"ipv4_fullfeed_th"`
	IPv6FullFeedTh  uint32 `koanf:"ipv6_fullfeed_th"`
	IntervalSeconds int    `koanf:"interval_seconds"`
	// CarbonAddr enables the carbon/graphite sink for interval
	// metrics; empty logs them at debug level instead.
	CarbonAddr string `koanf:"carbon_addr"`
}

type PublishConfig struct {
	Enabled bool   `koanf:"enabled"`
	Topic   string `koanf:"topic"`
	// Compress zstd-compresses serialized views before producing.
	Compress bool `koanf:"compress"`
}

type ArchiveConfig struct {
	Enabled       bool   `koanf:"enabled"`
	RetentionDays int    `koanf:"retention_days"`
	Timezone      string `koanf:"timezone"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

type BrokerConfig struct {
	// URL of the dump broker's data endpoint; empty disables the
	// broker poller.
	URL            string   `koanf:"url"`
	Collectors     []string `koanf:"collectors"`
	PollSeconds    int      `koanf:"poll_seconds"`
	MaxRetries     int      `koanf:"max_retries"`
	BackoffSeconds int      `koanf:"backoff_seconds"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: RIB_REBUILDER_KAFKA__BROKERS → kafka.brokers
	if err := k.Load(env.Provider("RIB_REBUILDER_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "RIB_REBUILDER_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "rib-rebuilder-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Kafka: KafkaConfig{
			ClientID:      "rib-rebuilder",
			FetchMaxBytes: 52428800,
			Records: ConsumerConfig{
				GroupID:           "rib-rebuilder-records",
				ChannelBufferSize: 16,
			},
		},
		Engine: EngineConfig{
			MetricPrefix:    "bgp.routingtables",
			IPv4FullFeedTh:  400000,
			IPv6FullFeedTh:  10000,
			IntervalSeconds: 60,
		},
		Publish: PublishConfig{
			Topic:    "rib-rebuilder.views",
			Compress: true,
		},
		Archive: ArchiveConfig{
			RetentionDays: 30,
			Timezone:      "UTC",
		},
		Postgres: PostgresConfig{
			MaxConns: 20,
			MinConns: 2,
		},
		Broker: BrokerConfig{
			PollSeconds:    300,
			MaxRetries:     5,
			BackoffSeconds: 10,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}
	if len(cfg.Kafka.Records.Topics) == 1 && strings.Contains(cfg.Kafka.Records.Topics[0], ",") {
		cfg.Kafka.Records.Topics = strings.Split(cfg.Kafka.Records.Topics[0], ",")
	}
	if len(cfg.Broker.Collectors) == 1 && strings.Contains(cfg.Broker.Collectors[0], ",") {
		cfg.Broker.Collectors = strings.Split(cfg.Broker.Collectors[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers is required")
	}
	if c.Kafka.Records.GroupID == "" {
		return fmt.Errorf("config: kafka.records.group_id is required")
	}
	if len(c.Kafka.Records.Topics) == 0 {
		return fmt.Errorf("config: kafka.records.topics is required")
	}
	if c.Kafka.Records.ChannelBufferSize <= 0 {
		return fmt.Errorf("config: kafka.records.channel_buffer_size must be > 0 (got %d)",
			c.Kafka.Records.ChannelBufferSize)
	}
	if c.Kafka.FetchMaxBytes <= 0 {
		return fmt.Errorf("config: kafka.fetch_max_bytes must be > 0 (got %d)", c.Kafka.FetchMaxBytes)
	}
	if len(c.Engine.MetricPrefix) > 256 {
		return fmt.Errorf("config: engine.metric_prefix exceeds 256 characters")
	}
	if c.Engine.IntervalSeconds <= 0 {
		return fmt.Errorf("config: engine.interval_seconds must be > 0 (got %d)", c.Engine.IntervalSeconds)
	}
	if c.Publish.Enabled && c.Publish.Topic == "" {
		return fmt.Errorf("config: publish.topic is required when publish.enabled")
	}
	if c.Archive.Enabled {
		if c.Postgres.DSN == "" {
			return fmt.Errorf("config: postgres.dsn is required when archive.enabled")
		}
		if c.Archive.RetentionDays <= 0 {
			return fmt.Errorf("config: archive.retention_days must be > 0 (got %d)", c.Archive.RetentionDays)
		}
		if _, err := time.LoadLocation(c.Archive.Timezone); err != nil {
			return fmt.Errorf("config: archive.timezone is invalid: %w", err)
		}
	}
	if c.Postgres.MaxConns <= 0 {
		return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
	}
	if c.Postgres.MinConns < 0 {
		return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if c.Broker.URL != "" {
		if c.Broker.PollSeconds <= 0 {
			return fmt.Errorf("config: broker.poll_seconds must be > 0 (got %d)", c.Broker.PollSeconds)
		}
		if c.Broker.MaxRetries < 0 {
			return fmt.Errorf("config: broker.max_retries must be >= 0 (got %d)", c.Broker.MaxRetries)
		}
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
