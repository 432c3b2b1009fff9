// Package config loads service configuration from flags, environment
// variables (TICKMIRROR_*), and an optional config file, plus the YAML
// file listing tracked repositories.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved service configuration.
type Config struct {
	ListenAddr    string        `mapstructure:"listen_addr"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	ForgeToken    string        `mapstructure:"forge_token"`
	DBPath        string        `mapstructure:"db_path"`
	IndexPath     string        `mapstructure:"index_path"`
	ReposFile     string        `mapstructure:"repos_file"`
	DrainInterval time.Duration `mapstructure:"drain_interval"`
	DrainLimit    int           `mapstructure:"drain_limit"`

	QuotaWindow    time.Duration `mapstructure:"quota_window"`
	RequesterQuota int           `mapstructure:"requester_quota"`
	RepoQuota      int           `mapstructure:"repo_quota"`
}

// Load reads configuration. cfgFile may be empty; env vars always
// apply.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TICKMIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a default registered, even an empty one: Unmarshal
	// only sees keys viper already knows, so an env-only value for an
	// unregistered key would be dropped.
	v.SetDefault("listen_addr", ":8484")
	v.SetDefault("webhook_secret", "")
	v.SetDefault("forge_token", "")
	v.SetDefault("db_path", "tickmirror.db")
	v.SetDefault("index_path", ".tickets/index.json")
	v.SetDefault("repos_file", "repos.yaml")
	v.SetDefault("drain_interval", "30s")
	v.SetDefault("drain_limit", 5)
	v.SetDefault("quota_window", "15m")
	v.SetDefault("requester_quota", 10)
	v.SetDefault("repo_quota", 5)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", cfgFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}
