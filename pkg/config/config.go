package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for ekaya-datastore.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords) must only come from environment variables.
type Config struct {
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Redis carries column cache invalidations between processes (optional)
	Redis RedisConfig `yaml:"redis"`

	// ContentStore holds record payloads moved out of the database
	ContentStore ContentStoreConfig `yaml:"content_store"`

	Datastore DatastoreConfig `yaml:"datastore"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host            string        `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port            int           `yaml:"port" env:"PGPORT" env-default:"5432"`
	User            string        `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password        string        `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database        string        `yaml:"database" env:"PGDATABASE" env-default:"ekaya_datastore"`
	MaxConnections  int32         `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" env:"PGMAX_CONN_LIFETIME" env-default:"1h"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" env:"PGMAX_CONN_IDLE_TIME" env-default:"30m"`
	SSLMode         string        `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig holds Redis configuration. An empty host disables Redis.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	// Channel is the pub/sub channel column cache invalidations are published on.
	Channel string `yaml:"channel" env:"REDIS_CHANNEL" env-default:"ekaya-datastore:columns"`
}

// ContentStoreConfig selects and configures the content store.
type ContentStoreConfig struct {
	// Type is "local" or "s3".
	Type     string `yaml:"type" env:"CONTENT_STORE_TYPE" env-default:"local"`
	BasePath string `yaml:"base_path" env:"CONTENT_STORE_PATH" env-default:"./data/content"`
	Bucket   string `yaml:"bucket" env:"CONTENT_STORE_BUCKET" env-default:""`
	Prefix   string `yaml:"prefix" env:"CONTENT_STORE_PREFIX" env-default:""`
	Region   string `yaml:"region" env:"AWS_REGION" env-default:"us-east-1"`
	// Endpoint overrides the S3 endpoint (MinIO, LocalStack).
	Endpoint     string `yaml:"endpoint" env:"CONTENT_STORE_ENDPOINT" env-default:""`
	UsePathStyle bool   `yaml:"use_path_style" env:"CONTENT_STORE_PATH_STYLE" env-default:"false"`
	Compress     bool   `yaml:"compress" env:"CONTENT_STORE_COMPRESS" env-default:"true"`
}

// DatastoreConfig tunes the storage engine.
type DatastoreConfig struct {
	// Schema is the database schema used when a command names none.
	Schema string `yaml:"schema" env:"DATASTORE_SCHEMA" env-default:"public"`
	// MigrationChunkSize bounds the rows a data migration rewrites per transaction.
	MigrationChunkSize int `yaml:"migration_chunk_size" env:"DATASTORE_MIGRATION_CHUNK_SIZE" env-default:"500"`
	// WriteRetries is how often a write failing on a stale column cache is retried.
	WriteRetries int `yaml:"write_retries" env:"DATASTORE_WRITE_RETRIES" env-default:"3"`
	// Color enables colored DDL previews.
	Color bool `yaml:"color" env:"DATASTORE_COLOR" env-default:"true"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
// A missing config.yaml is not an error; environment variables and defaults apply.
func Load(version string) (*Config, error) {
	return LoadFile("config.yaml", version)
}

// LoadFile is Load with an explicit config file path.
func LoadFile(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	} else if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.ContentStore.Type {
	case "local":
		if c.ContentStore.BasePath == "" {
			return fmt.Errorf("content_store.base_path is required for the local content store")
		}
	case "s3":
		if c.ContentStore.Bucket == "" {
			return fmt.Errorf("content_store.bucket is required for the s3 content store")
		}
	default:
		return fmt.Errorf("unknown content_store.type %q", c.ContentStore.Type)
	}
	if c.Datastore.MigrationChunkSize <= 0 {
		return fmt.Errorf("datastore.migration_chunk_size must be positive")
	}
	if c.Datastore.WriteRetries < 0 {
		return fmt.Errorf("datastore.write_retries must not be negative")
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection URL.
func (c *DatabaseConfig) ConnectionString() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   resolveHost(c.Host) + ":" + strconv.Itoa(c.Port),
		Path:   "/" + c.Database,
	}
	q := url.Values{}
	q.Set("sslmode", c.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// Addr returns the host:port address of the Redis server.
func (c *RedisConfig) Addr() string {
	return resolveHost(c.Host) + ":" + strconv.Itoa(c.Port)
}

// Enabled reports whether Redis is configured.
func (c *RedisConfig) Enabled() bool {
	return c.Host != ""
}
