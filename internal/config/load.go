package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load loads configuration from multiple sources with the following
// precedence, highest first:
//  1. Environment variables (TSQLFETCH_ prefix)
//  2. Config file (tsqlfetch.yaml)
//  3. Default values
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("tsqlfetch")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/tsqlfetch/")
	v.AddConfigPath("$HOME/.tsqlfetch")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Canonical keys: dot + snake_case. Env vars: TSQLFETCH_COMPILER_DEFAULT_FETCH_SIZE.
	v.SetEnvPrefix("TSQLFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if result := cfg.Validate(); result.HasErrors() {
		return nil, fmt.Errorf("invalid configuration: %s", result.Error())
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("compiler.quoted_identifiers", true)
	v.SetDefault("compiler.tsql_endpoint_available", false)
	v.SetDefault("compiler.default_fetch_size", 5000)
	v.SetDefault("compiler.aggregate_row_limit", 50000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("observability.service_name", "sql4dataverse")
	v.SetDefault("observability.service_version", "0.1.0")
	v.SetDefault("observability.environment", "development")
	v.SetDefault("observability.metrics_enabled", true)
	v.SetDefault("observability.tracing_enabled", false)
	v.SetDefault("observability.trace_sample_ratio", 0.0)
}
