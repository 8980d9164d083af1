package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultSecret is the tenant grouping secret used when none is configured.
const DefaultSecret = "fission-default-secret"

type Config struct {
	Fission     FissionConfig     `mapstructure:"fission" yaml:"fission"`
	Transport   TransportConfig   `mapstructure:"transport" yaml:"transport"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency" yaml:"idempotency"`
	Secrets     SecretsConfig     `mapstructure:"secrets" yaml:"secrets"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	OTLP        OTLPConfig        `mapstructure:"otlp" yaml:"otlp"`

	// Raw is the full configuration tree, used for per-service lookups.
	Raw Tree `mapstructure:"-" yaml:"-"`
}

type FissionConfig struct {
	Workers          map[string]int      `mapstructure:"workers" yaml:"workers"`
	Formatters       FormattersConfig    `mapstructure:"formatters" yaml:"formatters"`
	Handlers         map[string][]string `mapstructure:"handlers" yaml:"handlers"`
	Grouping         string              `mapstructure:"grouping" yaml:"grouping"`
	Branding         map[string]string   `mapstructure:"branding" yaml:"branding"`
	WorkingDirectory string              `mapstructure:"working_directory" yaml:"working_directory"`
	Passthrough      []string            `mapstructure:"passthrough" yaml:"passthrough"`
	Host             string              `mapstructure:"host" yaml:"host"`
	// RatePerSecond caps deliveries per worker; zero disables limiting.
	RatePerSecond float64 `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	// SweepSchedule is a cron spec for scratch and claim-store maintenance.
	SweepSchedule string `mapstructure:"sweep_schedule" yaml:"sweep_schedule"`
}

// FormattersConfig filters the registered formatter set. A nil Enabled list means
// every registered formatter not listed in Disabled is kept.
type FormattersConfig struct {
	Enabled  []string `mapstructure:"enabled" yaml:"enabled"`
	Disabled []string `mapstructure:"disabled" yaml:"disabled"`
}

type TransportConfig struct {
	Type        string            `mapstructure:"type" yaml:"type"` // memory, nats, rabbitmq, redis, kafka, http
	URL         string            `mapstructure:"url" yaml:"url"`
	Prefix      string            `mapstructure:"prefix" yaml:"prefix"`
	Group       string            `mapstructure:"group" yaml:"group"`
	Brokers     []string          `mapstructure:"brokers" yaml:"brokers"`
	Username    string            `mapstructure:"username" yaml:"username"`
	Password    string            `mapstructure:"password" yaml:"password"`
	Token       string            `mapstructure:"token" yaml:"token"`
	Compression string            `mapstructure:"compression" yaml:"compression"`
	Endpoints   map[string]string `mapstructure:"endpoints" yaml:"endpoints"`
	Headers     map[string]string `mapstructure:"headers" yaml:"headers"`
	// Listen is the address the http transport accepts deliveries on.
	Listen string `mapstructure:"listen" yaml:"listen"`
	// MaxBodyBytes caps inbound http deliveries; zero uses the transport default.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
}

type IdempotencyConfig struct {
	Type      string        `mapstructure:"type" yaml:"type"` // "", sqlite, postgres, redis, etcd
	DSN       string        `mapstructure:"dsn" yaml:"dsn"`
	Address   string        `mapstructure:"address" yaml:"address"`
	Password  string        `mapstructure:"password" yaml:"password"`
	Endpoints []string      `mapstructure:"endpoints" yaml:"endpoints"`
	Namespace string        `mapstructure:"namespace" yaml:"namespace"`
	TTL       time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

type SecretsConfig struct {
	Type      string `mapstructure:"type" yaml:"type"` // env, vault, openbao, aws, azure
	EnvPrefix string `mapstructure:"env_prefix" yaml:"env_prefix"`
	Address   string `mapstructure:"address" yaml:"address"`
	Token     string `mapstructure:"token" yaml:"token"`
	Mount     string `mapstructure:"mount" yaml:"mount"`
	Region    string `mapstructure:"region" yaml:"region"`
	VaultURL  string `mapstructure:"vault_url" yaml:"vault_url"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type OTLPConfig struct {
	Endpoint    string            `mapstructure:"endpoint" yaml:"endpoint"`
	Protocol    string            `mapstructure:"protocol" yaml:"protocol"`
	Insecure    bool              `mapstructure:"insecure" yaml:"insecure"`
	Headers     map[string]string `mapstructure:"headers" yaml:"headers"`
	ServiceName string            `mapstructure:"service_name" yaml:"service_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("fission.grouping", DefaultSecret)
	v.SetDefault("fission.sweep_schedule", "@every 1h")
	v.SetDefault("transport.type", "memory")
	v.SetDefault("transport.prefix", "fission")
	v.SetDefault("idempotency.namespace", "fission:finalize")
	v.SetDefault("idempotency.ttl", 24*time.Hour)
	v.SetDefault("secrets.type", "env")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("otlp.service_name", "fission")
}

// Load reads configuration from path (YAML or JSON) with FISSION_* environment
// overrides. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("fission")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper decodes an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Raw = Tree(v.AllSettings())
	return &cfg, nil
}

// Service returns the static configuration tree of a service (services.<name>).
func (c *Config) Service(name string) Tree {
	if c == nil {
		return Tree{}
	}
	if sub, ok := c.Raw.Get("services", strings.ToLower(name)).(map[string]interface{}); ok {
		return Tree(sub)
	}
	return Tree{}
}

// Workers returns the configured worker count for a stage (default 1).
func (c *Config) Workers(stage string) int {
	if c == nil {
		return 1
	}
	if n, ok := c.Fission.Workers[strings.ToLower(stage)]; ok {
		return n
	}
	return 1
}

// Handlers returns the finalizer endpoints configured for each state.
func (c *Config) Handlers() map[string][]string {
	if c == nil {
		return nil
	}
	return c.Fission.Handlers
}
