package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/peerlink/internal/device"
	"gopkg.in/yaml.v3"
)

const (
	BackendBlueZ = "bluez"
	BackendBLE   = "ble"
)

// Config holds application configuration
type Config struct {
	LogLevel         string        `yaml:"log_level" default:"info"`
	Backend          string        `yaml:"backend" default:""` // empty selects the platform default
	ServiceID        string        `yaml:"service_id" default:"00001101-0000-1000-8000-00805f9b34fb"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" default:"30s"`
	ScanDuration     time.Duration `yaml:"scan_duration" default:"10s"`
	ReadBufferSize   int           `yaml:"read_buffer_size" default:"1024"`
	EventHistory     uint32        `yaml:"event_history" default:"256"`
	StorePath        string        `yaml:"store_path" default:""`
	PTYBufferSize    int           `yaml:"pty_buffer_size" default:"4096"`
	OutputFormat     string        `yaml:"output_format" default:"table"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. Keys missing from the file keep
// their default values. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field ranges and normalizes the service ID.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.Backend {
	case "", BackendBlueZ, BackendBLE:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q (must be %s or %s)", c.Backend, BackendBlueZ, BackendBLE))
	}
	if ids, err := device.ValidateUUID(c.ServiceID); err != nil {
		errs = append(errs, fmt.Errorf("service_id: %w", err))
	} else {
		c.ServiceID = ids[0]
	}
	if c.HandshakeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("handshake_timeout must be positive, got %s", c.HandshakeTimeout))
	}
	if c.ScanDuration <= 0 {
		errs = append(errs, fmt.Errorf("scan_duration must be positive, got %s", c.ScanDuration))
	}
	if c.ReadBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("read_buffer_size must be positive, got %d", c.ReadBufferSize))
	}
	if c.PTYBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("pty_buffer_size must be positive, got %d", c.PTYBufferSize))
	}
	switch c.OutputFormat {
	case "table", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown output_format %q (must be table or json)", c.OutputFormat))
	}

	return errors.Join(errs...)
}

// ParseLogLevel accepts debug, info, warn and error.
func ParseLogLevel(s string) (logrus.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return logrus.PanicLevel, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", s)
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	level, err := ParseLogLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}

	logger := logrus.New()
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
