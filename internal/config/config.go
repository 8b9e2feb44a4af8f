package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all engine configuration
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Terraform   TerraformConfig   `mapstructure:"terraform"`
	Artifacts   ArtifactsConfig   `mapstructure:"artifacts"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Log         LogConfig         `mapstructure:"log"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"`            // "sqlite" or "postgres"
	DSN             string `mapstructure:"dsn"`               // Connection string
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`    // Maximum idle connections (Postgres)
	MaxOpenConns    int    `mapstructure:"max_open_conns"`    // Maximum open connections (Postgres)
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // Connection max lifetime in minutes (Postgres)
}

// QueueConfig holds operation queue configuration
type QueueConfig struct {
	Type       string `mapstructure:"type"`        // "memory" or "valkey"
	ValkeyAddr string `mapstructure:"valkey_addr"` // Valkey address (if type=valkey), e.g., "localhost:6379"
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	MaxWorkers         int    `mapstructure:"max_workers"`          // Concurrent terraform runs
	LogFlushInterval   int    `mapstructure:"log_flush_interval"`   // Seconds between persisted log flushes
	GroupFailurePolicy string `mapstructure:"group_failure_policy"` // "fail_on_any" or "degrade"
}

// SchedulerConfig holds TTL expiry sweep configuration
type SchedulerConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	Interval      int  `mapstructure:"interval"`       // Seconds between sweeps
	SweepFailed   bool `mapstructure:"sweep_failed"`   // Also expire failed workshops that hold an expiry
	MaxConcurrent int  `mapstructure:"max_concurrent"` // Parallel destroy enqueues per sweep
}

// TerraformConfig holds terraform binary and state backend configuration
type TerraformConfig struct {
	BinPath        string `mapstructure:"bin_path"`        // terraform binary, resolved via PATH when bare
	WorkDir        string `mapstructure:"work_dir"`        // Base dir for per-deployment workspaces ("" = os temp)
	InitTimeout    int    `mapstructure:"init_timeout"`    // Seconds
	ApplyTimeout   int    `mapstructure:"apply_timeout"`   // Seconds
	DestroyTimeout int    `mapstructure:"destroy_timeout"` // Seconds
	OutputTimeout  int    `mapstructure:"output_timeout"`  // Seconds
	CancelGrace    int    `mapstructure:"cancel_grace"`    // Seconds between SIGTERM and SIGKILL
	StateBucket    string `mapstructure:"state_bucket"`    // S3 bucket for remote state
	StateRegion    string `mapstructure:"state_region"`    // Region of the state bucket
}

// ArtifactsConfig holds template artifact store configuration
type ArtifactsConfig struct {
	Backend          string `mapstructure:"backend"` // "fs" or "oci"
	Dir              string `mapstructure:"dir"`     // Root for the fs backend
	RegistryUsername string `mapstructure:"registry_username"`
	RegistryPassword string `mapstructure:"registry_password"`
}

// CredentialsConfig selects the cloud credential source.
// The master key itself is only ever read from the named environment variable,
// never from the config file.
type CredentialsConfig struct {
	Source       string `mapstructure:"source"`         // "env" or "store"
	MasterKeyEnv string `mapstructure:"master_key_env"` // Env var holding the field-encryption secret
}

// LogConfig holds logging configuration
type LogConfig struct {
	Format string `mapstructure:"format"` // "json" or "text"
	Level  string `mapstructure:"level"`  // "debug", "info", "warn", "error"
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./forge.db")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("database.conn_max_lifetime", 60) // 60 minutes
	v.SetDefault("queue.type", "memory")
	v.SetDefault("queue.valkey_addr", "localhost:6379")
	v.SetDefault("worker.max_workers", 4)
	v.SetDefault("worker.log_flush_interval", 2)
	v.SetDefault("worker.group_failure_policy", "fail_on_any")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", 300)
	v.SetDefault("scheduler.sweep_failed", true)
	v.SetDefault("scheduler.max_concurrent", 4)
	v.SetDefault("terraform.bin_path", "terraform")
	v.SetDefault("terraform.work_dir", "")
	v.SetDefault("terraform.init_timeout", 300)
	v.SetDefault("terraform.apply_timeout", 3600)
	v.SetDefault("terraform.destroy_timeout", 1800)
	v.SetDefault("terraform.output_timeout", 60)
	v.SetDefault("terraform.cancel_grace", 3)
	v.SetDefault("terraform.state_bucket", "")
	v.SetDefault("terraform.state_region", "us-east-1")
	v.SetDefault("artifacts.backend", "fs")
	v.SetDefault("artifacts.dir", "./data/templates")
	v.SetDefault("credentials.source", "env")
	v.SetDefault("credentials.master_key_env", "FORGE_MASTER_KEY")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.level", "info")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/forge/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found, using defaults
	}

	v.SetEnvPrefix("FORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}
