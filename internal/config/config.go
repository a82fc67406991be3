package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Modbus      ModbusConfig      `mapstructure:"modbus"`
	Polling     PollingConfig     `mapstructure:"polling"`
	Dispatcher  DispatcherConfig  `mapstructure:"dispatcher"`
	Executor    ExecutorConfig    `mapstructure:"executor"`
	Tags        TagsConfig        `mapstructure:"tags"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Temperature TemperatureConfig `mapstructure:"temperature"`
}

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	SSLMode        string `mapstructure:"sslmode"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type ModbusConfig struct {
	Host    string        `mapstructure:"host"`
	Port    int           `mapstructure:"port"`
	SlaveID uint8         `mapstructure:"slave_id"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type PollingConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type DispatcherConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	BatchSize   int           `mapstructure:"batch_size"`
	RecoverSent bool          `mapstructure:"recover_sent"`
	// DeviceCode is the device that scanner-triggered START commands go to.
	DeviceCode string `mapstructure:"device_code"`
}

type ExecutorConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	CommandPath  string        `mapstructure:"command_path"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	Breaker      BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
	HalfOpenRequests uint32        `mapstructure:"half_open_requests"`
}

const (
	TagSourcePostgres = "postgres"
	TagSourceFile     = "file"
)

type TagsConfig struct {
	Source   string        `mapstructure:"source"`
	File     string        `mapstructure:"file"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// TemperatureConfig points at the HTTP temperature sensor gateway.
type TemperatureConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BaseURL  string        `mapstructure:"base_url"`
	Path     string        `mapstructure:"path"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "wcs")
	v.SetDefault("database.user", "wcs")
	v.SetDefault("database.password", "")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_connections", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("modbus.host", "127.0.0.1")
	v.SetDefault("modbus.port", 502)
	v.SetDefault("modbus.slave_id", 1)
	v.SetDefault("modbus.timeout", "1s")

	v.SetDefault("polling.enabled", true)
	v.SetDefault("polling.interval", "5s")

	v.SetDefault("dispatcher.enabled", true)
	v.SetDefault("dispatcher.interval", "300ms")
	v.SetDefault("dispatcher.batch_size", 10)
	v.SetDefault("dispatcher.recover_sent", true)
	v.SetDefault("dispatcher.device_code", "CONV1")

	v.SetDefault("executor.base_url", "http://localhost:5088/")
	v.SetDefault("executor.command_path", "plc/conveyor/command")
	v.SetDefault("executor.timeout", "5s")
	v.SetDefault("executor.max_retries", 3)
	v.SetDefault("executor.retry_backoff", "200ms")
	v.SetDefault("executor.breaker.enabled", true)
	v.SetDefault("executor.breaker.failure_threshold", 5)
	v.SetDefault("executor.breaker.open_timeout", "30s")
	v.SetDefault("executor.breaker.half_open_requests", 1)

	v.SetDefault("tags.source", TagSourcePostgres)
	v.SetDefault("tags.file", "")
	v.SetDefault("tags.cache_ttl", "1s")

	v.SetDefault("temperature.enabled", true)
	v.SetDefault("temperature.base_url", "http://localhost:5101/")
	v.SetDefault("temperature.path", "temperatures")
	v.SetDefault("temperature.interval", "5s")
	v.SetDefault("temperature.timeout", "2s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Load reads the YAML file at path. An empty path uses defaults and the
// environment only. Environment variables use the WCS_ prefix with dots
// replaced by underscores, e.g. WCS_MODBUS_HOST.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Environment Variables automatisch binden
	v.SetEnvPrefix("WCS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Polling.Enabled && c.Polling.Interval <= 0 {
		errs = append(errs, errors.New("polling.interval must be positive"))
	}
	if c.Dispatcher.Enabled && c.Dispatcher.Interval <= 0 {
		errs = append(errs, errors.New("dispatcher.interval must be positive"))
	}
	if c.Dispatcher.BatchSize <= 0 {
		errs = append(errs, errors.New("dispatcher.batch_size must be positive"))
	}
	if c.Executor.MaxRetries < 0 {
		errs = append(errs, errors.New("executor.max_retries must not be negative"))
	}
	if c.Modbus.Timeout <= 0 {
		errs = append(errs, errors.New("modbus.timeout must be positive"))
	}
	if c.Temperature.Enabled && c.Temperature.Interval <= 0 {
		errs = append(errs, errors.New("temperature.interval must be positive"))
	}
	switch c.Tags.Source {
	case TagSourcePostgres:
	case TagSourceFile:
		if c.Tags.File == "" {
			errs = append(errs, errors.New("tags.file is required when tags.source is file"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown tags.source %q", c.Tags.Source))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

func (m *ModbusConfig) Address() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}
