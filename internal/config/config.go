// Package config loads the orchestrator's configuration once at startup:
// environment variables (with an optional .env file) bound through a
// single typed struct, validated before anything else starts.
package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config captures every externally supplied setting the orchestrator reads
// at startup.
type Config struct {
	GitHubAppID           string  `mapstructure:"github_app_id"`
	GitHubAppPrivateKey   string  `mapstructure:"github_app_private_key"`
	GitHubWebhookSecret   string  `mapstructure:"github_webhook_secret"`
	AnthropicAPIKey       string  `mapstructure:"anthropic_api_key"`
	RedisURL              string  `mapstructure:"redis_url"`
	LogLevel              string  `mapstructure:"log_level"`
	FileLockTTLSeconds    int     `mapstructure:"file_lock_ttl_seconds"`
	MaxConcurrentAgents   int     `mapstructure:"max_concurrent_agents"`
	CostAlertThresholdUSD float64 `mapstructure:"cost_alert_threshold_usd"`
	ModelHaiku            string  `mapstructure:"model_haiku"`
	ModelSonnet           string  `mapstructure:"model_sonnet"`
	ModelOpus             string  `mapstructure:"model_opus"`

	// HTTPAddr is the admin/webhook listen address.
	HTTPAddr string `mapstructure:"http_addr"`
}

// Load reads configuration from environment variables (optionally
// overlaid by a .env file at envFile, if non-empty and present), applies
// defaults, and validates the result. envFile may be "" to skip file
// loading entirely; a missing file is not an error.
func Load(envFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if envFile != "" {
		if _, statErr := os.Stat(envFile); statErr == nil {
			v.SetConfigFile(envFile)
			v.SetConfigType("env")
			if err := v.ReadInConfig(); err != nil {
				return nil, errors.Wrap(err, "failed to read env file")
			}
		}
	}

	setDefaults(v)

	cfg := &Config{}
	for _, key := range []string{
		"github_app_id", "github_app_private_key", "github_webhook_secret",
		"anthropic_api_key", "redis_url", "log_level", "file_lock_ttl_seconds",
		"max_concurrent_agents", "cost_alert_threshold_usd", "model_haiku",
		"model_sonnet", "model_opus", "http_addr",
	} {
		bindKey(v, key)
	}

	cfg.GitHubAppID = v.GetString("github_app_id")
	cfg.GitHubAppPrivateKey = v.GetString("github_app_private_key")
	cfg.GitHubWebhookSecret = v.GetString("github_webhook_secret")
	cfg.AnthropicAPIKey = v.GetString("anthropic_api_key")
	cfg.RedisURL = v.GetString("redis_url")
	cfg.LogLevel = v.GetString("log_level")
	cfg.FileLockTTLSeconds = v.GetInt("file_lock_ttl_seconds")
	cfg.MaxConcurrentAgents = v.GetInt("max_concurrent_agents")
	cfg.CostAlertThresholdUSD = v.GetFloat64("cost_alert_threshold_usd")
	cfg.ModelHaiku = v.GetString("model_haiku")
	cfg.ModelSonnet = v.GetString("model_sonnet")
	cfg.ModelOpus = v.GetString("model_opus")
	cfg.HTTPAddr = v.GetString("http_addr")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func bindKey(v *viper.Viper, key string) {
	// AutomaticEnv alone only resolves keys that already have a default or
	// have been explicitly bound; BindEnv makes the lookup unconditional.
	_ = v.BindEnv(key, strings.ToUpper(key))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis_url", "redis://localhost:6379")
	v.SetDefault("log_level", "INFO")
	v.SetDefault("file_lock_ttl_seconds", 1800)
	v.SetDefault("max_concurrent_agents", 3)
	v.SetDefault("cost_alert_threshold_usd", 10.0)
	v.SetDefault("http_addr", ":8000")
}

// Validate checks that required settings are present, returning the first
// missing field as the error.
func (c *Config) Validate() error {
	if c.GitHubAppID == "" {
		return errors.New("github_app_id is required")
	}
	if c.GitHubAppPrivateKey == "" {
		return errors.New("github_app_private_key is required")
	}
	if c.GitHubWebhookSecret == "" {
		return errors.New("github_webhook_secret is required")
	}
	if c.AnthropicAPIKey == "" {
		return errors.New("anthropic_api_key is required")
	}
	if c.FileLockTTLSeconds < 1 {
		return errors.New("file_lock_ttl_seconds must be positive")
	}
	if c.MaxConcurrentAgents < 1 {
		return errors.New("max_concurrent_agents must be positive")
	}
	return nil
}

// Clone shallow-copies the configuration for code that hands out config
// snapshots across goroutines.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
