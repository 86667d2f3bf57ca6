// Package config holds all codeplane configuration. Configuration is loaded
// from an optional YAML file and then overridden by environment variables,
// so container deployments can run file-less.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all codeplane configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Sessions SessionConfig  `yaml:"sessions"`
	Locks    LockConfig     `yaml:"locks"`
	Agents   AgentConfig    `yaml:"agents"`
	Logging  LoggingConfig  `yaml:"logging"`
	Auth     AuthConfig     `yaml:"auth"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig controls the persistence store connection.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
}

// DSN renders the pgx connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// RedisConfig controls the coordination store connection.
type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	DB   int    `yaml:"db"`
}

// Addr renders the host:port pair for the redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// SessionConfig controls session lifecycle defaults.
type SessionConfig struct {
	MaxConcurrent       int           `yaml:"max_concurrent"`
	Timeout             time.Duration `yaml:"timeout"`
	CheckpointInterval  time.Duration `yaml:"checkpoint_interval"`
	CheckpointRetention int           `yaml:"checkpoint_retention"`
	MaxRetryAttempts    int           `yaml:"max_retry_attempts"`
}

// LockConfig controls the distributed lock manager.
type LockConfig struct {
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	TTL            time.Duration `yaml:"ttl"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
}

// AgentConfig controls registry heartbeats and external dispatch.
type AgentConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	InactiveAfter    time.Duration `yaml:"inactive_after"`
	DispatchTimeout  time.Duration `yaml:"dispatch_timeout"`
}

// LoggingConfig controls the logging facade.
type LoggingConfig struct {
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// AuthConfig carries transport auth material.
type AuthConfig struct {
	JWTSecretKey string `yaml:"jwt_secret_key"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "codeplane",
		Version: "1.0.0",

		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Name:     "codeplane",
			User:     "codeplane",
			Password: "codeplane",
			MaxConns: 20,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		Sessions: SessionConfig{
			MaxConcurrent:       100,
			Timeout:             3600 * time.Second,
			CheckpointInterval:  60 * time.Second,
			CheckpointRetention: 100,
			MaxRetryAttempts:    3,
		},
		Locks: LockConfig{
			AcquireTimeout: 10 * time.Second,
			TTL:            30 * time.Second,
			RetryInterval:  100 * time.Millisecond,
		},
		Agents: AgentConfig{
			HeartbeatTimeout: 30 * time.Second,
			InactiveAfter:    120 * time.Second,
			DispatchTimeout:  60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			JSONFormat: true,
		},
	}
}

// Load reads configuration from path (optional) and applies environment
// overrides. A missing file is not an error; env vars win over the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides config fields from the process environment.
func (c *Config) ApplyEnv() {
	setString(&c.Database.Host, "DB_HOST")
	setInt(&c.Database.Port, "DB_PORT")
	setString(&c.Database.Name, "DB_NAME")
	setString(&c.Database.User, "DB_USER")
	setString(&c.Database.Password, "DB_PASSWORD")
	setString(&c.Redis.Host, "REDIS_HOST")
	setInt(&c.Redis.Port, "REDIS_PORT")
	setInt(&c.Sessions.MaxConcurrent, "MAX_CONCURRENT_SESSIONS")
	setSeconds(&c.Sessions.Timeout, "SESSION_TIMEOUT_SECONDS")
	setSeconds(&c.Sessions.CheckpointInterval, "CHECKPOINT_INTERVAL_SECONDS")
	setInt(&c.Sessions.MaxRetryAttempts, "MAX_RETRY_ATTEMPTS")
	setString(&c.Auth.JWTSecretKey, "JWT_SECRET_KEY")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}
