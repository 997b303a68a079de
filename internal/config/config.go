// Package config loads application configuration and initializes logging.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Browser BrowserConfig `yaml:"browser" mapstructure:"browser"`
	Scraper ScraperConfig `yaml:"scraper" mapstructure:"scraper"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// BrowserConfig configures the automation browser.
type BrowserConfig struct {
	Headless           bool   `yaml:"headless" mapstructure:"headless"`
	BinPath            string `yaml:"bin_path" mapstructure:"bin_path"`
	NavTimeoutSecs     int    `yaml:"nav_timeout_secs" mapstructure:"nav_timeout_secs"`
	ElementTimeoutSecs int    `yaml:"element_timeout_secs" mapstructure:"element_timeout_secs"`
}

// ScraperConfig configures run behavior.
type ScraperConfig struct {
	StateDir       string `yaml:"state_dir" mapstructure:"state_dir"`
	LoginAttempts  int    `yaml:"login_attempts" mapstructure:"login_attempts"`
	LinkDelayMs    int    `yaml:"link_delay_ms" mapstructure:"link_delay_ms"`
	EtaPerLinkSecs int    `yaml:"eta_per_link_secs" mapstructure:"eta_per_link_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PRICEHAWK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "pricehawk.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.nav_timeout_secs", 30)
	v.SetDefault("browser.element_timeout_secs", 15)
	v.SetDefault("scraper.state_dir", ".state")
	v.SetDefault("scraper.login_attempts", 2)
	v.SetDefault("scraper.link_delay_ms", 400)
	v.SetDefault("scraper.eta_per_link_secs", 8)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger. All log output goes to
// stderr so stdout stays free for the scrape event stream.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.OutputPaths = []string{"stderr"}
	zapCfg.ErrorOutputPaths = []string{"stderr"}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
