// Package config handles configuration loading and validation for the pool portal.
package config

import (
	"fmt"
	"net"
	"runtime"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config holds the portal-wide configuration
type Config struct {
	Log                LogConfig              `mapstructure:"log" json:"log"`
	Redis              RedisConfig            `mapstructure:"redis" json:"redis"`
	Clustering         ClusteringConfig       `mapstructure:"clustering" json:"clustering"`
	CLI                CLIConfig              `mapstructure:"cli" json:"cli"`
	Server             ServerConfig           `mapstructure:"server" json:"server"`
	Stats              StatsConfig            `mapstructure:"stats" json:"stats"`
	PoolConfigsDir     string                 `mapstructure:"pool_configs_dir" json:"poolConfigsDir"`
	DefaultPoolConfigs map[string]interface{} `mapstructure:"default_pool_configs" json:"defaultPoolConfigs"`
	Notify             NotifyConfig           `mapstructure:"notify" json:"notify"`
	NewRelic           NewRelicConfig         `mapstructure:"newrelic" json:"newrelic"`
	Profiling          ProfilingConfig        `mapstructure:"profiling" json:"profiling"`
	Influx             InfluxConfig           `mapstructure:"influx" json:"influx"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
	File   string `mapstructure:"file" json:"file"`
}

// RedisConfig defines a shared store endpoint
type RedisConfig struct {
	Host     string `mapstructure:"host" json:"host"`
	Port     int    `mapstructure:"port" json:"port"`
	Password string `mapstructure:"password" json:"password"`
	DB       int    `mapstructure:"db" json:"db"`
	Cluster  bool   `mapstructure:"cluster" json:"cluster"`
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// ClusteringConfig controls how many worker forks are started
type ClusteringConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Forks is "auto" or a positive integer.
	Forks        string        `mapstructure:"forks" json:"forks"`
	Stagger      time.Duration `mapstructure:"stagger" json:"stagger"`
	RestartDelay time.Duration `mapstructure:"restart_delay" json:"restartDelay"`
}

// CLIConfig defines the control channel listener
type CLIConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Bind    string `mapstructure:"bind" json:"bind"`
}

// ServerConfig defines the API server process
type ServerConfig struct {
	Enabled     bool     `mapstructure:"enabled" json:"enabled"`
	Bind        string   `mapstructure:"bind" json:"bind"`
	CORSOrigins []string `mapstructure:"cors_origins" json:"corsOrigins"`
	WebSocket   bool     `mapstructure:"websocket" json:"websocket"`
}

// StatsConfig defines statistics windows
type StatsConfig struct {
	HashrateWindow      time.Duration `mapstructure:"hashrate_window" json:"hashrateWindow"`
	HistoricalRetention time.Duration `mapstructure:"historical_retention" json:"historicalRetention"`
	UpdateInterval      time.Duration `mapstructure:"update_interval" json:"updateInterval"`
}

// NotifyConfig defines webhook notification settings
type NotifyConfig struct {
	Enabled          bool   `mapstructure:"enabled" json:"enabled"`
	DiscordURL       string `mapstructure:"discord_url" json:"discordUrl"`
	TelegramBotToken string `mapstructure:"telegram_bot_token" json:"telegramBotToken"`
	TelegramChatID   string `mapstructure:"telegram_chat_id" json:"telegramChatId"`
	PoolURL          string `mapstructure:"pool_url" json:"poolUrl"`
	NotifyOnBlock    bool   `mapstructure:"notify_on_block" json:"notifyOnBlock"`
	NotifyOnOrphan   bool   `mapstructure:"notify_on_orphan" json:"notifyOnOrphan"`
}

// NewRelicConfig defines APM settings
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled" json:"enabled"`
	AppName    string `mapstructure:"app_name" json:"appName"`
	LicenseKey string `mapstructure:"license_key" json:"licenseKey"`
}

// ProfilingConfig defines the pprof listener
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Bind    string `mapstructure:"bind" json:"bind"`
}

// InfluxConfig defines the stats snapshot exporter
type InfluxConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	URL     string `mapstructure:"url" json:"url"`
	Token   string `mapstructure:"token" json:"token"`
	Org     string `mapstructure:"org" json:"org"`
	Bucket  string `mapstructure:"bucket" json:"bucket"`
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/pool-portal")
	}

	v.SetEnvPrefix("POOL_PORTAL")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cluster", false)

	v.SetDefault("clustering.enabled", true)
	v.SetDefault("clustering.forks", "auto")
	v.SetDefault("clustering.stagger", "250ms")
	v.SetDefault("clustering.restart_delay", "2s")

	v.SetDefault("cli.enabled", true)
	v.SetDefault("cli.bind", "127.0.0.1:17117")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.bind", "0.0.0.0:8080")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.websocket", true)

	v.SetDefault("stats.hashrate_window", "300s")
	v.SetDefault("stats.historical_retention", "12h")
	v.SetDefault("stats.update_interval", "60s")

	v.SetDefault("pool_configs_dir", "pool_configs")

	v.SetDefault("notify.notify_on_block", true)
	v.SetDefault("notify.notify_on_orphan", true)

	v.SetDefault("newrelic.app_name", "Pool Portal")
	v.SetDefault("profiling.bind", "127.0.0.1:6060")
	v.SetDefault("influx.bucket", "pool")
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Redis.Host == "" {
		return fmt.Errorf("redis.host is required")
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		return fmt.Errorf("redis.port must be between 1 and 65535")
	}
	if c.Stats.HashrateWindow <= 0 {
		return fmt.Errorf("stats.hashrate_window must be positive")
	}
	if c.Stats.HistoricalRetention <= 0 {
		return fmt.Errorf("stats.historical_retention must be positive")
	}
	if c.Stats.UpdateInterval <= 0 {
		return fmt.Errorf("stats.update_interval must be positive")
	}
	if c.CLI.Enabled && c.CLI.Bind == "" {
		return fmt.Errorf("cli.bind is required when cli is enabled")
	}
	if c.Server.Enabled && c.Server.Bind == "" {
		return fmt.Errorf("server.bind is required when server is enabled")
	}
	if c.PoolConfigsDir == "" {
		return fmt.Errorf("pool_configs_dir is required")
	}
	if c.NewRelic.Enabled && c.NewRelic.LicenseKey == "" {
		return fmt.Errorf("newrelic.license_key is required when newrelic is enabled")
	}
	if c.Influx.Enabled && (c.Influx.URL == "" || c.Influx.Org == "") {
		return fmt.Errorf("influx.url and influx.org are required when influx is enabled")
	}
	return nil
}

// ForkCount returns the number of worker forks to start.
func (c *Config) ForkCount() int {
	if !c.Clustering.Enabled {
		return 1
	}
	if c.Clustering.Forks == "auto" {
		return runtime.NumCPU()
	}
	if n, err := strconv.Atoi(c.Clustering.Forks); err == nil && n > 0 {
		return n
	}
	return 1
}
