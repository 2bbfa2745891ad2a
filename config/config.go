// Package config loads streamverse settings from defaults, an optional
// config file, STREAMVERSE_* environment variables and command-line flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

const EnvPrefix = "STREAMVERSE"

// Storage backends.
const (
	BackendLocal = "local"
	BackendS3    = "s3"
	BackendAzure = "azure"
)

// Registry backends.
const (
	RegistryMemory = "memory"
	RegistryBolt   = "bolt"
)

// minS3BlockSize is the smallest multipart part S3 accepts for all but the
// final part.
const minS3BlockSize = 5 * 1024 * 1024

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Transfer TransferConfig `mapstructure:"transfer"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Registry RegistryConfig `mapstructure:"registry"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	SharedSecret   string   `mapstructure:"sharedSecret"`
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}

// StorageConfig selects and configures the destination block store.
//
// Fields:
//   - Backend: one of local, s3, azure.
//   - EnsureContainer: create the bucket/container at startup.
//   - PublicRead: make the container anonymously readable when creating it.
type StorageConfig struct {
	Backend         string      `mapstructure:"backend"`
	EnsureContainer bool        `mapstructure:"ensureContainer"`
	PublicRead      bool        `mapstructure:"publicRead"`
	Local           LocalConfig `mapstructure:"local"`
	S3              S3Config    `mapstructure:"s3"`
	Azure           AzureConfig `mapstructure:"azure"`
}

type LocalConfig struct {
	Root string `mapstructure:"root"`
}

type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"accessKey"`
	SecretKey string `mapstructure:"secretKey"`
	PathStyle bool   `mapstructure:"pathStyle"`
}

type AzureConfig struct {
	ConnectionString string `mapstructure:"connectionString"`
	Container        string `mapstructure:"container"`
}

type TransferConfig struct {
	BlockSize        int           `mapstructure:"blockSize"`
	Concurrency      int           `mapstructure:"concurrency"`
	MaxJobs          int           `mapstructure:"maxJobs"`
	QueueSize        int           `mapstructure:"queueSize"`
	SourceTimeout    time.Duration `mapstructure:"sourceTimeout"`
	PreflightTimeout time.Duration `mapstructure:"preflightTimeout"`
	StallWindow      time.Duration `mapstructure:"stallWindow"`
	CopyStartTimeout time.Duration `mapstructure:"copyStartTimeout"`
	PollInterval     time.Duration `mapstructure:"pollInterval"`
	ProgressInterval time.Duration `mapstructure:"progressInterval"`
}

// AgentConfig points at a credential-holding remote agent, itself a
// streamverse server. An empty URL disables the agent strategy.
type AgentConfig struct {
	URL    string `mapstructure:"url"`
	Secret string `mapstructure:"secret"`
}

type RegistryConfig struct {
	Backend       string        `mapstructure:"backend"`
	Path          string        `mapstructure:"path"`
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers every key with its development default. Keys must be
// known to viper for environment overrides to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.sharedSecret", "")
	v.SetDefault("server.allowedOrigins", []string{"*"})

	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.ensureContainer", true)
	v.SetDefault("storage.publicRead", false)
	v.SetDefault("storage.local.root", "./videos")
	v.SetDefault("storage.s3.bucket", "videos")
	v.SetDefault("storage.s3.prefix", "")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.accessKey", "")
	v.SetDefault("storage.s3.secretKey", "")
	v.SetDefault("storage.s3.pathStyle", false)
	v.SetDefault("storage.azure.connectionString", "")
	v.SetDefault("storage.azure.container", "videos")

	v.SetDefault("transfer.blockSize", 8*1024*1024)
	v.SetDefault("transfer.concurrency", 4)
	v.SetDefault("transfer.maxJobs", 4)
	v.SetDefault("transfer.queueSize", 64)
	v.SetDefault("transfer.sourceTimeout", 60*time.Minute)
	v.SetDefault("transfer.preflightTimeout", 15*time.Second)
	v.SetDefault("transfer.stallWindow", 60*time.Second)
	v.SetDefault("transfer.copyStartTimeout", 30*time.Second)
	v.SetDefault("transfer.pollInterval", time.Second)
	v.SetDefault("transfer.progressInterval", time.Second)

	v.SetDefault("agent.url", "")
	v.SetDefault("agent.secret", "")

	v.SetDefault("registry.backend", RegistryMemory)
	v.SetDefault("registry.path", "./streamverse-jobs.db")
	v.SetDefault("registry.retention", 5*time.Minute)
	v.SetDefault("registry.sweepInterval", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration into a Config. Flags must already be bound to v.
// file may be empty.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	return cfg, nil
}

// Validate reports settings that would make every transfer fail.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendLocal:
		if c.Storage.Local.Root == "" {
			return fmt.Errorf("%w: storage.local.root is required", ErrInvalid)
		}
	case BackendS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("%w: storage.s3.bucket is required", ErrInvalid)
		}
		if c.Transfer.BlockSize < minS3BlockSize {
			return fmt.Errorf("%w: transfer.blockSize must be at least %d for s3", ErrInvalid, minS3BlockSize)
		}
	case BackendAzure:
		if c.Storage.Azure.ConnectionString == "" {
			return fmt.Errorf("%w: storage.azure.connectionString is required", ErrInvalid)
		}
		if c.Storage.Azure.Container == "" {
			return fmt.Errorf("%w: storage.azure.container is required", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown storage backend %q", ErrInvalid, c.Storage.Backend)
	}

	if c.Transfer.BlockSize <= 0 {
		return fmt.Errorf("%w: transfer.blockSize must be positive", ErrInvalid)
	}
	if c.Transfer.Concurrency <= 0 {
		return fmt.Errorf("%w: transfer.concurrency must be positive", ErrInvalid)
	}
	if c.Transfer.MaxJobs <= 0 {
		return fmt.Errorf("%w: transfer.maxJobs must be positive", ErrInvalid)
	}
	if c.Transfer.StallWindow <= 0 {
		return fmt.Errorf("%w: transfer.stallWindow must be positive", ErrInvalid)
	}

	switch c.Registry.Backend {
	case RegistryMemory:
	case RegistryBolt:
		if c.Registry.Path == "" {
			return fmt.Errorf("%w: registry.path is required for bolt", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown registry backend %q", ErrInvalid, c.Registry.Backend)
	}

	return nil
}
