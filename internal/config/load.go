package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from environment variables and an optional
// config.yaml in the working directory. Environment variables take precedence
// over values from the config file and use the RELAY_ prefix with underscores
// for nesting (e.g. RELAY_BROKER_CONSUMER_GROUP).
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; env vars and defaults cover it.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about, so bind
	// every key we expect explicitly.
	for _, key := range configKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind environment variable for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// configKeys lists every configuration key so BindEnv can register the
// corresponding environment variables.
var configKeys = []string{
	"server.port",
	"server.log_level",
	"broker.seeds",
	"broker.topic",
	"broker.dead_letter_topic",
	"broker.consumer_group",
	"store.url",
	"worker.min_workers",
	"worker.max_workers",
	"worker.visibility_timeout",
	"worker.scale_up_backlog",
	"worker.scale_down_idle",
	"worker.sample_interval",
	"worker.sample_window",
	"worker.cooldown",
	"retry.max_retries",
	"retry.backoff_base",
	"retry.backoff_cap",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("broker.topic", "relay.tasks")
	v.SetDefault("broker.dead_letter_topic", "relay.tasks.dead")
	v.SetDefault("broker.consumer_group", "relay-workers")
	v.SetDefault("worker.min_workers", 2)
	v.SetDefault("worker.max_workers", 16)
	v.SetDefault("worker.visibility_timeout", "5m")
	v.SetDefault("worker.scale_up_backlog", 100)
	v.SetDefault("worker.scale_down_idle", 2)
	v.SetDefault("worker.sample_interval", "15s")
	v.SetDefault("worker.sample_window", 4)
	v.SetDefault("worker.cooldown", "2m")
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.backoff_base", "5s")
	v.SetDefault("retry.backoff_cap", "10m")
}
