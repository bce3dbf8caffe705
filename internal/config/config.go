package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"
)

// StoreType selects the persistence backend for deployment records,
// credentials and instance leases.
type StoreType string

const (
	StoreEtcd     StoreType = "etcd"
	StorePostgres StoreType = "postgres"
	// StoreMemory keeps everything in process; for local runs only.
	StoreMemory StoreType = "memory"
)

// Config contains application configuration
type Config struct {
	Server       ServerConfig   `yaml:"server"`
	Store        StoreConfig    `yaml:"store"`
	Secrets      SecretsConfig  `yaml:"secrets"`
	Provider     ProviderConfig `yaml:"provider"`
	Remote       RemoteConfig   `yaml:"remote"`
	InstanceWait WaitConfig     `yaml:"instance_wait"`
	Deploy       DeployConfig   `yaml:"deploy"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Port        int `yaml:"port" env:"LAUNCHPAD_PORT"`
	MetricsPort int `yaml:"metrics_port" env:"LAUNCHPAD_METRICS_PORT"`
}

// StoreConfig is a discriminated union over the supported backends.
type StoreConfig struct {
	Type     StoreType      `yaml:"type" env:"LAUNCHPAD_STORE"`
	Etcd     EtcdConfig     `yaml:"etcd"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints" env:"ETCD_ENDPOINTS" envSeparator:","`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Prefix      string        `yaml:"prefix"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn" env:"DATABASE_URL"`
}

// SecretsConfig holds the key used to seal provider secrets at rest.
type SecretsConfig struct {
	// Key is base64 encoded and must decode to 32 bytes.
	Key string `yaml:"key" env:"LAUNCHPAD_SECRET_KEY"`
}

// ProviderConfig holds deployment defaults used when a tenant's settings
// leave a field empty.
type ProviderConfig struct {
	DefaultRegion   string `yaml:"default_region" env:"AWS_REGION"`
	InstanceType    string `yaml:"instance_type"`
	InstanceProfile string `yaml:"instance_profile" env:"LAUNCHPAD_INSTANCE_PROFILE"`
	SecurityGroupID string `yaml:"security_group_id"`
	SubnetID        string `yaml:"subnet_id"`
	KeyName         string `yaml:"key_name"`
}

// RemoteConfig controls how the remote command runner polls for results.
type RemoteConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxInterval  time.Duration `yaml:"max_interval"`
	Jitter       float64       `yaml:"jitter"`
}

// WaitConfig bounds the wait for a freshly created instance to reach running.
type WaitConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// DeployConfig holds pipeline defaults.
type DeployConfig struct {
	AppRoot          string        `yaml:"app_root"`
	WebRoot          string        `yaml:"web_root"`
	DefaultOutputDir string        `yaml:"default_output_dir"`
	DefaultBranch    string        `yaml:"default_branch"`
	DefaultBuild     string        `yaml:"default_build_command"`
	LeaseTTL         time.Duration `yaml:"lease_ttl"`
	HealthCheck      bool          `yaml:"health_check" env:"LAUNCHPAD_HEALTH_CHECK"`
	HealthAttempts   int           `yaml:"health_attempts"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        50051,
			MetricsPort: 9090,
		},
		Store: StoreConfig{
			Type: StoreEtcd,
			Etcd: EtcdConfig{
				Endpoints:   []string{"localhost:2379"},
				DialTimeout: 5 * time.Second,
				Prefix:      "/launchpad",
			},
		},
		Provider: ProviderConfig{
			DefaultRegion: "us-east-1",
			InstanceType:  "t3.micro",
		},
		Remote: RemoteConfig{
			PollInterval: time.Second,
			MaxAttempts:  30,
			Multiplier:   1,
			MaxInterval:  5 * time.Second,
		},
		InstanceWait: WaitConfig{
			Interval:    5 * time.Second,
			MaxAttempts: 60,
		},
		Deploy: DeployConfig{
			AppRoot:          "/opt/launchpad/apps",
			WebRoot:          "/var/www",
			DefaultOutputDir: "dist",
			DefaultBranch:    "main",
			DefaultBuild:     "npm run build",
			LeaseTTL:         15 * time.Minute,
			HealthCheck:      true,
			HealthAttempts:   5,
		},
	}
}

// Load loads configuration from the YAML file named by CONFIG_PATH
// (launchpad.yaml by default) and overlays environment variables.
func Load() (*Config, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "launchpad.yaml"
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path. A missing file yields defaults.
func LoadFile(path string) (*Config, error) {
	config := Default()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	config.expandEnv()

	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) expandEnv() {
	c.Store.Postgres.DSN = os.ExpandEnv(c.Store.Postgres.DSN)
	c.Store.Etcd.Prefix = os.ExpandEnv(c.Store.Etcd.Prefix)
	for i, ep := range c.Store.Etcd.Endpoints {
		c.Store.Etcd.Endpoints[i] = os.ExpandEnv(ep)
	}
	c.Secrets.Key = os.ExpandEnv(c.Secrets.Key)
	c.Provider.DefaultRegion = os.ExpandEnv(c.Provider.DefaultRegion)
	c.Provider.InstanceProfile = os.ExpandEnv(c.Provider.InstanceProfile)
	c.Provider.SecurityGroupID = os.ExpandEnv(c.Provider.SecurityGroupID)
	c.Provider.SubnetID = os.ExpandEnv(c.Provider.SubnetID)
}

// Validate checks the configuration for values the server cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Type {
	case StoreEtcd:
		if len(c.Store.Etcd.Endpoints) == 0 {
			return fmt.Errorf("store.etcd.endpoints is required (set in config file or ETCD_ENDPOINTS environment variable)")
		}
	case StorePostgres:
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn is required (set in config file or DATABASE_URL environment variable)")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unsupported store type: %q", c.Store.Type)
	}

	if c.Remote.MaxAttempts <= 0 {
		return fmt.Errorf("remote.max_attempts must be positive, got %d", c.Remote.MaxAttempts)
	}
	if c.Remote.PollInterval <= 0 {
		return fmt.Errorf("remote.poll_interval must be positive")
	}
	if c.Remote.Multiplier < 1 {
		return fmt.Errorf("remote.multiplier must be >= 1, got %v", c.Remote.Multiplier)
	}
	if c.Remote.Jitter < 0 || c.Remote.Jitter > 1 {
		return fmt.Errorf("remote.jitter must be within [0, 1], got %v", c.Remote.Jitter)
	}
	if c.InstanceWait.MaxAttempts <= 0 {
		return fmt.Errorf("instance_wait.max_attempts must be positive")
	}

	if c.Secrets.Key == "" {
		return fmt.Errorf("secrets.key is required (set in config file or LAUNCHPAD_SECRET_KEY environment variable)")
	}
	if _, err := c.SecretKey(); err != nil {
		return err
	}
	return nil
}

// SecretKey decodes the sealing key.
func (c *Config) SecretKey() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(c.Secrets.Key)
	if err != nil {
		return nil, fmt.Errorf("secrets.key is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("secrets.key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}
