// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package config loads service configuration from config.yaml and the
// environment. Environment variables use the PODCAST_ prefix with dots
// replaced by underscores, e.g. PODCAST_DB_HOST or
// PODCAST_IDEMPOTENCY_LOCK_TIMEOUT.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides
const EnvPrefix = "PODCAST"

// Config holds the configuration shared by the orchestrator and agent binaries.
type Config struct {
	DB          DBConfig           `mapstructure:"db"`
	Redis       RedisConfig        `mapstructure:"redis"`
	HTTP        HTTPConfig         `mapstructure:"http"`
	Log         LogConfig          `mapstructure:"log"`
	Idempotency IdempotencyConfig  `mapstructure:"idempotency"`
	Orch        OrchestratorConfig `mapstructure:"orchestrator"`
	Agent       AgentConfig        `mapstructure:"agent"`
	Artifacts   ArtifactsConfig    `mapstructure:"artifacts"`
	AWS         AWSConfig          `mapstructure:"aws"`
	Auth        AuthConfig         `mapstructure:"auth"`
}

// DBConfig describes the PostgreSQL coordination store
type DBConfig struct {
	URL              string        `mapstructure:"url"`
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	User             string        `mapstructure:"user"`
	Password         string        `mapstructure:"password"`
	PasswordSecretID string        `mapstructure:"password_secret_id"`
	Name             string        `mapstructure:"name"`
	SSLMode          string        `mapstructure:"sslmode"`
	MaxOpenConns     int           `mapstructure:"max_open_conns"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig describes the notification channel backend
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// HTTPConfig describes the listening server
type HTTPConfig struct {
	Addr           string        `mapstructure:"addr"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// LogConfig controls log verbosity
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// IdempotencyConfig controls the guard used by agents
type IdempotencyConfig struct {
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

// OrchestratorConfig controls workflow execution
type OrchestratorConfig struct {
	PlansFile     string `mapstructure:"plans_file"`
	AgentsFile    string `mapstructure:"agents_file"`
	MaxParallel   int    `mapstructure:"max_parallel"`
	NotifyChannel string `mapstructure:"notify_channel"`
}

// AgentConfig controls an agent service instance
type AgentConfig struct {
	Name          string  `mapstructure:"name"`
	Kind          string  `mapstructure:"kind"`
	Executor      string  `mapstructure:"executor"`
	MaxConcurrent int     `mapstructure:"max_concurrent"`
	ModelID       string  `mapstructure:"model_id"`
	MaxTokens     int     `mapstructure:"max_tokens"`
	Temperature   float64 `mapstructure:"temperature"`
	// PromptTemplate overrides the built-in prompt for the agent's kind
	PromptTemplate string        `mapstructure:"prompt_template"`
	TaskTimeout    time.Duration `mapstructure:"task_timeout"`
}

// ArtifactsConfig selects where agents write generated content
type ArtifactsConfig struct {
	Backend         string `mapstructure:"backend"` // memory, s3, gcs, azure
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	CredentialsFile string `mapstructure:"credentials_file"`
	AzureAccountURL string `mapstructure:"azure_account_url"`
	AzureConnString string `mapstructure:"azure_connection_string"`
}

// AWSConfig holds the shared AWS SDK settings
type AWSConfig struct {
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
}

// AuthConfig holds the service-to-service token secret
type AuthConfig struct {
	ServiceTokenSecret string        `mapstructure:"service_token_secret"`
	TokenTTL           time.Duration `mapstructure:"token_ttl"`
}

// envOnlyKeys have no useful default but must still be bound so that
// AutomaticEnv overrides reach Unmarshal.
var envOnlyKeys = []string{
	"db.url", "db.password", "db.password_secret_id",
	"redis.url",
	"agent.name", "agent.kind", "agent.model_id", "agent.prompt_template",
	"artifacts.bucket", "artifacts.prefix", "artifacts.endpoint",
	"artifacts.credentials_file", "artifacts.azure_account_url", "artifacts.azure_connection_string",
	"aws.access_key_id", "aws.secret_access_key", "aws.session_token",
	"auth.service_token_secret",
}

func setDefaults(v *viper.Viper) {
	for _, key := range envOnlyKeys {
		v.SetDefault(key, "")
	}

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "podcast")
	v.SetDefault("db.name", "podcast")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")

	v.SetDefault("http.addr", ":8081")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.allowed_origins", []string{"*"})

	v.SetDefault("log.level", "info")

	v.SetDefault("idempotency.lock_timeout", "15m")

	v.SetDefault("orchestrator.plans_file", "config/plans.yaml")
	v.SetDefault("orchestrator.agents_file", "config/agents.yaml")
	v.SetDefault("orchestrator.max_parallel", 4)
	v.SetDefault("orchestrator.notify_channel", "podcast:artifact-ready")

	v.SetDefault("agent.executor", "bedrock")
	v.SetDefault("agent.max_concurrent", 8)
	v.SetDefault("agent.max_tokens", 4096)
	v.SetDefault("agent.temperature", 0.7)
	v.SetDefault("agent.task_timeout", "10m")

	v.SetDefault("artifacts.backend", "memory")

	v.SetDefault("aws.region", "us-east-1")

	v.SetDefault("auth.token_ttl", "5m")
}

// Load reads configuration from the given file (optional) and the environment.
// When path is empty, config.yaml is searched in . and ./config; a missing
// file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late at runtime
func (c *Config) Validate() error {
	if c.Idempotency.LockTimeout <= 0 {
		return fmt.Errorf("idempotency.lock_timeout must be positive")
	}
	if c.Orch.MaxParallel <= 0 {
		return fmt.Errorf("orchestrator.max_parallel must be positive")
	}
	if c.Agent.MaxConcurrent <= 0 {
		return fmt.Errorf("agent.max_concurrent must be positive")
	}
	if c.Agent.TaskTimeout <= 0 {
		return fmt.Errorf("agent.task_timeout must be positive")
	}
	// A processing record younger than lock_timeout is never reclaimed, so
	// it must outlive the longest execution.
	if c.Idempotency.LockTimeout <= c.Agent.TaskTimeout {
		return fmt.Errorf("idempotency.lock_timeout (%s) must exceed agent.task_timeout (%s)", c.Idempotency.LockTimeout, c.Agent.TaskTimeout)
	}
	switch c.Artifacts.Backend {
	case "memory", "s3", "gcs", "azure":
	default:
		return fmt.Errorf("artifacts.backend %q is not one of memory, s3, gcs, azure", c.Artifacts.Backend)
	}
	return nil
}

// DSN returns the lib/pq connection string. An explicit db.url wins.
func (d DBConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   "/" + d.Name,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
