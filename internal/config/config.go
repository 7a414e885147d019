// Package config loads the ingester configuration: YAML file first, then
// environment overrides. Validate must pass before any block is processed.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marko911/pulse-ledger/internal/adapter"
	"github.com/marko911/pulse-ledger/internal/fanout"
	"github.com/marko911/pulse-ledger/internal/ingest"
	"github.com/marko911/pulse-ledger/internal/ledger"
	"github.com/marko911/pulse-ledger/internal/platform/archive"
	"github.com/marko911/pulse-ledger/internal/platform/cache"
	"github.com/marko911/pulse-ledger/internal/platform/kafka"
	pnats "github.com/marko911/pulse-ledger/internal/platform/nats"
	"github.com/marko911/pulse-ledger/internal/platform/storage"
)

type Config struct {
	LogLevel    string        `yaml:"log_level"`
	MetricsAddr string        `yaml:"metrics_addr"`
	Chains      []ChainConfig `yaml:"chains"`

	Storage StorageConfig `yaml:"storage"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	NATS    NATSConfig    `yaml:"nats"`
	Archive ArchiveConfig `yaml:"archive"`
	Cache   CacheConfig   `yaml:"cache"`
}

// ChainConfig configures one chain: its adapter, nodes and pipeline behavior.
type ChainConfig struct {
	Name       string `yaml:"name"`
	Adapter    string `yaml:"adapter"`
	Complement string `yaml:"complement"`

	Nodes fanout.NodeSet `yaml:"nodes"`
	// ComplementNodes defaults to Nodes.
	ComplementNodes fanout.NodeSet `yaml:"complement_nodes"`

	Concurrency       int           `yaml:"concurrency"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	MinResponses      int           `yaml:"min_responses"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`

	StartBlock       int64         `yaml:"start_block"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	MaxRetries       int           `yaml:"max_retries"`
	// ConsensusRetries defaults to the pipeline default when unset; zero halts
	// on the first disagreement.
	ConsensusRetries *int  `yaml:"consensus_retries"`
	CheckBalance     *bool `yaml:"check_balance"`
	ReorgWindow      int           `yaml:"reorg_window"`

	Constants adapter.Constants `yaml:"constants"`
}

type StorageConfig struct {
	Enabled        bool `yaml:"enabled"`
	Migrate        bool `yaml:"migrate"`
	storage.Config `yaml:",inline"`
}

type KafkaConfig struct {
	Enabled      bool `yaml:"enabled"`
	kafka.Config `yaml:",inline"`
}

type NATSConfig struct {
	Enabled bool `yaml:"enabled"`
	// ReprocessConsumer names a durable consumer on the reorg stream to
	// provision for the chain, so a reprocessing job started later sees every
	// signal published since.
	ReprocessConsumer string `yaml:"reprocess_consumer"`
	pnats.Config      `yaml:",inline"`
}

type ArchiveConfig struct {
	Enabled        bool `yaml:"enabled"`
	archive.Config `yaml:",inline"`
}

type CacheConfig struct {
	Enabled      bool `yaml:"enabled"`
	cache.Config `yaml:",inline"`
}

// Default returns a configuration with no chains and only the Postgres sink
// enabled.
func Default() *Config {
	return &Config{
		LogLevel:    "info",
		MetricsAddr: ":9090",
		Storage:     StorageConfig{Enabled: true, Migrate: true, Config: storage.DefaultConfig()},
		Kafka:       KafkaConfig{Config: kafka.DefaultConfig()},
		NATS:        NATSConfig{Config: pnats.DefaultConfig()},
		Archive:     ArchiveConfig{Config: archive.DefaultConfig()},
		Cache:       CacheConfig{Config: cache.DefaultConfig()},
	}
}

// Load reads the file at path, when given, over the defaults and then applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	for i := range cfg.Chains {
		cfg.Chains[i].applyDefaults()
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getEnv("LEDGER_LOG_LEVEL", c.LogLevel)
	c.MetricsAddr = getEnv("LEDGER_METRICS_ADDR", c.MetricsAddr)

	c.Storage.DSN = getEnv("LEDGER_DATABASE_URL", c.Storage.DSN)
	c.Storage.Enabled = getEnvBool("LEDGER_STORAGE_ENABLED", c.Storage.Enabled)

	c.Kafka.Brokers = getEnv("LEDGER_KAFKA_BROKERS", c.Kafka.Brokers)
	c.Kafka.Enabled = getEnvBool("LEDGER_KAFKA_ENABLED", c.Kafka.Enabled)

	c.NATS.URL = getEnv("LEDGER_NATS_URL", c.NATS.URL)
	c.NATS.Enabled = getEnvBool("LEDGER_NATS_ENABLED", c.NATS.Enabled)

	c.Archive.Endpoint = getEnv("LEDGER_ARCHIVE_ENDPOINT", c.Archive.Endpoint)
	c.Archive.AccessKey = getEnv("LEDGER_ARCHIVE_ACCESS_KEY", c.Archive.AccessKey)
	c.Archive.SecretKey = getEnv("LEDGER_ARCHIVE_SECRET_KEY", c.Archive.SecretKey)
	c.Archive.Enabled = getEnvBool("LEDGER_ARCHIVE_ENABLED", c.Archive.Enabled)

	c.Cache.Addr = getEnv("LEDGER_REDIS_ADDR", c.Cache.Addr)
	c.Cache.Enabled = getEnvBool("LEDGER_CACHE_ENABLED", c.Cache.Enabled)
}

func (cc *ChainConfig) applyDefaults() {
	d := ingest.DefaultConfig()
	if cc.PollInterval == 0 {
		cc.PollInterval = d.PollInterval
	}
	if cc.RequestTimeout == 0 {
		cc.RequestTimeout = 10 * time.Second
	}
	if cc.Complement != "" && len(cc.ComplementNodes) == 0 {
		cc.ComplementNodes = cc.Nodes
	}
}

// Validate reports every invalid setting at once. Each failure is a
// *ledger.ConfigurationError.
func (c *Config) Validate() error {
	var errs []error
	add := func(chain, setting, reason string) {
		errs = append(errs, &ledger.ConfigurationError{Chain: chain, Setting: setting, Reason: reason})
	}

	if _, err := ParseLevel(c.LogLevel); err != nil {
		add("ingester", "log_level", err.Error())
	}
	if len(c.Chains) == 0 {
		add("ingester", "chains", "must list at least one chain")
	}
	if !c.Storage.Enabled && !c.Kafka.Enabled && !c.Archive.Enabled {
		add("ingester", "sinks", "must enable storage, kafka or archive")
	}

	seen := make(map[string]bool, len(c.Chains))
	for i, cc := range c.Chains {
		name := cc.Name
		if name == "" {
			add(fmt.Sprintf("chains[%d]", i), "name", "")
			continue
		}
		if seen[name] {
			add(name, "name", "is duplicated")
		}
		seen[name] = true

		if cc.Adapter == "" {
			add(name, "adapter", "")
		}
		if err := cc.Nodes.Validate(name); err != nil {
			errs = append(errs, err)
		}
		if cc.Complement != "" {
			if cc.Complement == cc.Adapter {
				add(name, "complement", "must differ from adapter")
			}
			if err := cc.ComplementNodes.Validate(name); err != nil {
				errs = append(errs, err)
			}
		}
		if cc.MinResponses < 0 || cc.MinResponses > len(cc.Nodes) {
			add(name, "min_responses", fmt.Sprintf("must be between 0 and %d", len(cc.Nodes)))
		}
		if cc.Concurrency < 0 {
			add(name, "concurrency", "must not be negative")
		}
		if cc.StartBlock < 0 {
			add(name, "start_block", "must not be negative")
		}
		if cc.PollInterval <= 0 {
			add(name, "poll_interval", "must be positive")
		}
		if cc.ConsensusRetries != nil && *cc.ConsensusRetries < 0 {
			add(name, "consensus_retries", "must not be negative")
		}
	}
	return errors.Join(errs...)
}

// Chain returns the configuration of the named chain. An empty name selects
// the only configured chain.
func (c *Config) Chain(name string) (ChainConfig, error) {
	if name == "" {
		if len(c.Chains) == 1 {
			return c.Chains[0], nil
		}
		return ChainConfig{}, &ledger.ConfigurationError{Chain: "ingester", Setting: "chain", Reason: "must be selected when several chains are configured"}
	}
	for _, cc := range c.Chains {
		if cc.Name == name {
			return cc, nil
		}
	}
	return ChainConfig{}, &ledger.ConfigurationError{Chain: name, Setting: "chain", Reason: "is not configured"}
}

// Settings returns the main adapter settings.
func (cc ChainConfig) Settings() adapter.Settings {
	return cc.settings(cc.Adapter, cc.Nodes)
}

// ComplementSettings returns the complement adapter settings, if any.
func (cc ChainConfig) ComplementSettings() (adapter.Settings, bool) {
	if cc.Complement == "" {
		return adapter.Settings{}, false
	}
	return cc.settings(cc.Complement, cc.ComplementNodes), true
}

func (cc ChainConfig) settings(kind string, nodes fanout.NodeSet) adapter.Settings {
	return adapter.Settings{
		Chain:             cc.Name,
		Kind:              kind,
		Nodes:             nodes,
		Concurrency:       cc.Concurrency,
		Timeout:           cc.RequestTimeout,
		MinResponses:      cc.MinResponses,
		RequestsPerSecond: cc.RequestsPerSecond,
		Constants:         cc.Constants,
	}
}

// Ingest returns the pipeline configuration of the chain.
func (cc ChainConfig) Ingest() ingest.Config {
	cfg := ingest.DefaultConfig()
	cfg.Chain = cc.Name
	cfg.StartBlock = cc.StartBlock
	cfg.PollInterval = cc.PollInterval
	cfg.MaxRetries = cc.MaxRetries
	if cc.ConsensusRetries != nil {
		cfg.ConsensusRetries = *cc.ConsensusRetries
	}
	if cc.CheckBalance != nil {
		cfg.CheckBalance = *cc.CheckBalance
	}
	return cfg
}

// ParseLevel maps a level name onto slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("unknown level %q", s)
	}
	return level, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return defaultVal
		}
		return b
	}
	return defaultVal
}
