// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all static application configuration. Dynamic risk limits
// live in the settings table and are loaded per cycle; see internal/store.
type Config struct {
	Trading TradingConfig `mapstructure:"trading"`
	Broker  BrokerConfig  `mapstructure:"broker"`
	Store   StoreConfig   `mapstructure:"store"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// TradingConfig holds trading-related configuration.
type TradingConfig struct {
	Mode              string        `mapstructure:"mode"` // "live", "paper"
	Underlying        string        `mapstructure:"underlying"`
	SpreadWidth       float64       `mapstructure:"spread_width"`
	TradeInterval     time.Duration `mapstructure:"trade_interval"`
	MonitorInterval   time.Duration `mapstructure:"monitor_interval"`
	OrderPollInterval time.Duration `mapstructure:"order_poll_interval"`
	OrderFillTimeout  time.Duration `mapstructure:"order_fill_timeout"`
	Timezone          string        `mapstructure:"timezone"`
	SessionOpen       string        `mapstructure:"session_open"`  // "09:30"
	SessionClose      string        `mapstructure:"session_close"` // "16:00"
}

// BrokerConfig holds broker credentials and endpoints.
type BrokerConfig struct {
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`
	AccessToken string `mapstructure:"access_token"`
	Exchange    string `mapstructure:"exchange"`
}

// StoreConfig holds persistence configuration.
type StoreConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// MetricsConfig holds the Prometheus exposition configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/spreadtrader"
	}
	return filepath.Join(home, ".config", "spreadtrader")
}

// Load loads configuration from the specified directory, applying defaults
// and environment overrides.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)

	setDefaults(v)

	v.SetEnvPrefix("SPREADTRADER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Missing file is fine, defaults and env apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Store.DBPath == "" {
		cfg.Store.DBPath = filepath.Join(configDir, "spreadtrader.db")
	}
	if cfg.Logging.FilePath == "" {
		cfg.Logging.FilePath = filepath.Join(configDir, "logs", "engine.log")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("trading.mode", "paper")
	v.SetDefault("trading.underlying", "NIFTY")
	v.SetDefault("trading.spread_width", 5.0)
	v.SetDefault("trading.trade_interval", "5m")
	v.SetDefault("trading.monitor_interval", "1m")
	v.SetDefault("trading.order_poll_interval", "2s")
	v.SetDefault("trading.order_fill_timeout", "90s")
	v.SetDefault("trading.timezone", "America/New_York")
	v.SetDefault("trading.session_open", "09:30")
	v.SetDefault("trading.session_close", "16:00")
	v.SetDefault("broker.exchange", "NFO")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age", 30)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9185")
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Trading.Mode != "live" && c.Trading.Mode != "paper" {
		return fmt.Errorf("trading.mode must be 'live' or 'paper', got %q", c.Trading.Mode)
	}
	if c.Trading.SpreadWidth <= 0 {
		return fmt.Errorf("trading.spread_width must be positive, got %v", c.Trading.SpreadWidth)
	}
	if c.Trading.OrderPollInterval <= 0 {
		return fmt.Errorf("trading.order_poll_interval must be positive")
	}
	if c.Trading.OrderFillTimeout < c.Trading.OrderPollInterval {
		return fmt.Errorf("trading.order_fill_timeout must be >= order_poll_interval")
	}
	if c.Trading.Mode == "live" && c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required in live mode")
	}
	return nil
}

// IsPaperMode returns true when trading in paper mode.
func (c *Config) IsPaperMode() bool {
	return c.Trading.Mode == "paper"
}
