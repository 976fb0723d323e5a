package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"healthwatch/internal/logging"
)

// Metric modes accepted by monitor.metric.
const (
	MetricHealth = "health"
	MetricCredit = "credit"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Ethereum EthereumConfig `mapstructure:"ethereum"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// EthereumConfig covers on-chain data access.
type EthereumConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	WSURL           string        `mapstructure:"ws_url"`
	PoolAddress     string        `mapstructure:"pool_address"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	DialBaseDelay   time.Duration `mapstructure:"dial_base_delay"`
	DialMaxAttempts uint64        `mapstructure:"dial_max_attempts"`
}

// TelegramConfig holds bot credentials and polling behaviour.
type TelegramConfig struct {
	BotToken    string        `mapstructure:"bot_token"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

// MonitorConfig governs the polling loop and hysteresis behaviour.
type MonitorConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	StartupDelay      time.Duration `mapstructure:"startup_delay"`
	Metric            string        `mapstructure:"metric"`
	RearmMargin       float64       `mapstructure:"rearm_margin"`
	HeartbeatSchedule string        `mapstructure:"heartbeat_schedule"`
}

// RetryConfig tunes the shared backoff policy for outbound calls.
type RetryConfig struct {
	MaxAttempts uint64        `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// NotifyConfig bounds outbound message throughput.
type NotifyConfig struct {
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HEALTHWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "healthwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.service", "healthwatch")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("ethereum.request_timeout", "10s")
	v.SetDefault("ethereum.dial_base_delay", "2s")
	v.SetDefault("ethereum.dial_max_attempts", 8)

	v.SetDefault("telegram.poll_timeout", "10s")

	v.SetDefault("monitor.interval", "60s")
	v.SetDefault("monitor.startup_delay", "0s")
	v.SetDefault("monitor.metric", MetricHealth)
	v.SetDefault("monitor.rearm_margin", 5.0)
	v.SetDefault("monitor.heartbeat_schedule", "@daily")

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.base_delay", "500ms")
	v.SetDefault("retry.max_delay", "30s")

	v.SetDefault("notify.rate_per_second", 20.0)
	v.SetDefault("notify.burst", 5)

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be greater than zero")
	}
	if c.Monitor.Metric != MetricHealth && c.Monitor.Metric != MetricCredit {
		return fmt.Errorf("monitor.metric must be %q or %q", MetricHealth, MetricCredit)
	}
	if c.Monitor.RearmMargin < 0 {
		return fmt.Errorf("monitor.rearm_margin cannot be negative")
	}
	if c.Retry.MaxAttempts == 0 {
		return fmt.Errorf("retry.max_attempts must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
