// Package config loads the agent configuration from a YAML file and DAVI_PAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dotside-studios/davi-pay-agent/buildinfo"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DAVI_PAY_SERVER_PORT.
const EnvPrefix = "DAVI_PAY"

// Kernel drivers
const (
	DriverMock   = "mock"
	DriverLibNFC = "libnfc"
	DriverRemote = "remote"
)

type AppConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
}

// ServerConfig configures the WebSocket/HTTP endpoint.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	APISecret      string        `mapstructure:"apiSecret"`
	CertFile       string        `mapstructure:"certFile"`
	KeyFile        string        `mapstructure:"keyFile"`
	MDNS           bool          `mapstructure:"mdns"`
	RateLimit      float64       `mapstructure:"rateLimit"` // requests per second per connection, 0 disables
	RateBurst      int           `mapstructure:"rateBurst"`
	SessionTimeout time.Duration `mapstructure:"sessionTimeout"`
}

// TLSEnabled reports whether both certificate and key are configured.
func (c ServerConfig) TLSEnabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// KernelConfig selects and configures the payment kernel.
type KernelConfig struct {
	Driver       string        `mapstructure:"driver"`
	Service      string        `mapstructure:"service"`
	Vendor       string        `mapstructure:"vendor"`
	Manufacturer string        `mapstructure:"manufacturer"`
	Device       string        `mapstructure:"device"`
	CardTypes    int           `mapstructure:"cardTypes"`
	CheckTimeout time.Duration `mapstructure:"checkTimeout"`
	SettleDelay  time.Duration `mapstructure:"settleDelay"`
	PollInterval time.Duration `mapstructure:"pollInterval"`
	Remote       RemoteConfig  `mapstructure:"remote"`
}

// RemoteConfig points the remote driver and the exec command at another agent.
type RemoteConfig struct {
	URL       string `mapstructure:"url"`
	APISecret string `mapstructure:"apiSecret"`
	DialTries uint   `mapstructure:"dialTries"`
}

type PrinterConfig struct {
	Device string `mapstructure:"device"` // empty disables printing
}

// LumberjackConfig configures the rolling log file.
type LumberjackConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"maxSize"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAge"`
	Compress   bool   `mapstructure:"compress"`
}

type LoggingConfig struct {
	Level  string           `mapstructure:"level"`
	Format string           `mapstructure:"format"`
	File   LumberjackConfig `mapstructure:"file"`
}

type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

// Config is the top level configuration.
type Config struct {
	App     AppConfig     `mapstructure:"app"`
	Server  ServerConfig  `mapstructure:"server"`
	Kernel  KernelConfig  `mapstructure:"kernel"`
	Printer PrinterConfig `mapstructure:"printer"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// Load reads the configuration from path, or from config.yaml in the working
// directory or the user config directory when path is empty. A missing file
// is not an error: defaults and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, buildinfo.DirName))
		}
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", buildinfo.Name)
	v.SetDefault("app.env", "prod")

	v.SetDefault("server.port", 18080)
	v.SetDefault("server.apiSecret", "")
	v.SetDefault("server.certFile", "")
	v.SetDefault("server.keyFile", "")
	v.SetDefault("server.mdns", true)
	v.SetDefault("server.rateLimit", 20)
	v.SetDefault("server.rateBurst", 40)
	v.SetDefault("server.sessionTimeout", "5m")

	v.SetDefault("kernel.driver", DriverMock)
	v.SetDefault("kernel.service", "SunmiPay")
	v.SetDefault("kernel.vendor", "SUNMI")
	v.SetDefault("kernel.manufacturer", "SUNMI")
	v.SetDefault("kernel.device", "")
	v.SetDefault("kernel.cardTypes", 0x0C)
	v.SetDefault("kernel.checkTimeout", "60s")
	v.SetDefault("kernel.settleDelay", "50ms")
	v.SetDefault("kernel.pollInterval", "250ms")
	v.SetDefault("kernel.remote.url", "ws://127.0.0.1:18080/ws")
	v.SetDefault("kernel.remote.apiSecret", "")
	v.SetDefault("kernel.remote.dialTries", 5)

	v.SetDefault("printer.device", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file.filename", "")
	v.SetDefault("logging.file.maxSize", 20)
	v.SetDefault("logging.file.maxBackups", 5)
	v.SetDefault("logging.file.maxAge", 14)
	v.SetDefault("logging.file.compress", true)

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Validate checks the values Load cannot default.
func (c *Config) Validate() error {
	switch c.Kernel.Driver {
	case DriverMock, DriverLibNFC:
	case DriverRemote:
		if c.Kernel.Remote.URL == "" {
			return fmt.Errorf("kernel.remote.url is required for the %s driver", DriverRemote)
		}
	default:
		return fmt.Errorf("unknown kernel driver %q", c.Kernel.Driver)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		return errors.New("server.certFile and server.keyFile must be set together")
	}
	if c.Server.RateLimit < 0 {
		return errors.New("server.rateLimit cannot be negative")
	}
	if c.Metrics.Enable && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/': %q", c.Metrics.Path)
	}
	return nil
}
