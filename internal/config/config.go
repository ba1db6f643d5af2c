package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/viper"
)

type Config struct {
	IBKR    IBKRConfig    `mapstructure:"ibkr"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Export  ExportConfig  `mapstructure:"export"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type IBKRConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Account string `mapstructure:"account"`
}

type FetchConfig struct {
	WaitSeconds      int     `mapstructure:"wait_seconds"`
	RetryWaitSeconds int     `mapstructure:"retry_wait_seconds"`
	SubscribeRate    float64 `mapstructure:"subscribe_rate"`
	SubscribeBurst   int     `mapstructure:"subscribe_burst"`
}

type CacheConfig struct {
	Path        string `mapstructure:"path"`
	MaxAgeHours int    `mapstructure:"max_age_hours"`
}

type ExportConfig struct {
	Dir    string `mapstructure:"dir"`
	Format string `mapstructure:"format"`
}

type ServerConfig struct {
	Port           int `mapstructure:"port"`
	RefreshSeconds int `mapstructure:"refresh_seconds"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/portfolio-greeks")
	}

	v.SetEnvPrefix("GREEKS")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// Gateway defaults
	v.SetDefault("ibkr.host", "127.0.0.1")
	v.SetDefault("ibkr.port", 5000)
	v.SetDefault("ibkr.account", "")

	// Fetch defaults: 15s primary wait, one 20s retry pass
	v.SetDefault("fetch.wait_seconds", 15)
	v.SetDefault("fetch.retry_wait_seconds", 20)
	v.SetDefault("fetch.subscribe_rate", 10.0)
	v.SetDefault("fetch.subscribe_burst", 5)

	// Cache defaults: 48h staleness horizon
	v.SetDefault("cache.path", "data/greeks_cache.json")
	v.SetDefault("cache.max_age_hours", 48)

	// Export defaults
	v.SetDefault("export.dir", "data")
	v.SetDefault("export.format", "csv")

	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.refresh_seconds", 300)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// overrideFromEnv honors the well-known IBKR_* variables used by the
// surrounding tooling, on top of viper's GREEKS_* prefix.
func overrideFromEnv(config *Config) {
	if host := os.Getenv("IBKR_HOST"); host != "" {
		config.IBKR.Host = host
	}
	if port := os.Getenv("IBKR_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.IBKR.Port = p
		}
	}
	if account := os.Getenv("IBKR_ACCOUNT"); account != "" {
		config.IBKR.Account = account
	}
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		config.Export.Dir = dir
	}
	if path := os.Getenv("GREEKS_CACHE_PATH"); path != "" {
		config.Cache.Path = path
	}
}
