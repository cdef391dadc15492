// Package config loads the controller's environment-variable configuration
// via viper. Grounded on ArthurCRodrigues-transcode-worker's
// internal/config/config.go: defaults set first, then AutomaticEnv
// override, then a validate() pass.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds every environment variable the controller reads at startup.
type Config struct {
	HTTPSPort           int           `mapstructure:"CONTROLLER_HTTPS_PORT"`
	CertPath            string        `mapstructure:"CONTROLLER_CERT_PATH"`
	KeyPath             string        `mapstructure:"CONTROLLER_KEY_PATH"`
	CACertPath          string        `mapstructure:"CA_CERT_PATH"`
	StateDir            string        `mapstructure:"CONTROLLER_STATE_DIR"`
	StaleTimeoutSeconds int           `mapstructure:"STALE_TIMEOUT_SECONDS"`
	ReapIntervalSeconds int           `mapstructure:"REAP_INTERVAL_SECONDS"`
	OTLPEndpoint        string        `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	MetricsPort         int           `mapstructure:"CONTROLLER_METRICS_PORT"`
	RequestDeadline     time.Duration `mapstructure:"-"`
}

// Load reads configuration from the environment, applying the defaults
// below, and validates required fields.
func Load() (Config, error) {
	v := viper.New()
	v.SetDefault("CONTROLLER_HTTPS_PORT", 9000)
	v.SetDefault("CONTROLLER_STATE_DIR", "./state/controller")
	v.SetDefault("STALE_TIMEOUT_SECONDS", 120)
	v.SetDefault("REAP_INTERVAL_SECONDS", 30)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("CONTROLLER_METRICS_PORT", 9090)
	v.AutomaticEnv()

	var cfg Config
	cfg.HTTPSPort = v.GetInt("CONTROLLER_HTTPS_PORT")
	cfg.CertPath = v.GetString("CONTROLLER_CERT_PATH")
	cfg.KeyPath = v.GetString("CONTROLLER_KEY_PATH")
	cfg.CACertPath = v.GetString("CA_CERT_PATH")
	cfg.StateDir = v.GetString("CONTROLLER_STATE_DIR")
	cfg.StaleTimeoutSeconds = v.GetInt("STALE_TIMEOUT_SECONDS")
	cfg.ReapIntervalSeconds = v.GetInt("REAP_INTERVAL_SECONDS")
	cfg.OTLPEndpoint = v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg.MetricsPort = v.GetInt("CONTROLLER_METRICS_PORT")
	cfg.RequestDeadline = 5 * time.Second

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validate enforces the required fields: cert, key, and CA bundle paths
// have no default and must be set, since there is no plaintext escape
// hatch.
func (c Config) validate() error {
	if c.CertPath == "" {
		return fmt.Errorf("config: CONTROLLER_CERT_PATH is required")
	}
	if c.KeyPath == "" {
		return fmt.Errorf("config: CONTROLLER_KEY_PATH is required")
	}
	if c.CACertPath == "" {
		return fmt.Errorf("config: CA_CERT_PATH is required")
	}
	if c.HTTPSPort <= 0 {
		return fmt.Errorf("config: CONTROLLER_HTTPS_PORT must be positive")
	}
	if c.StaleTimeoutSeconds <= 0 {
		return fmt.Errorf("config: STALE_TIMEOUT_SECONDS must be positive")
	}
	if c.ReapIntervalSeconds <= 0 {
		return fmt.Errorf("config: REAP_INTERVAL_SECONDS must be positive")
	}
	if c.MetricsPort <= 0 {
		return fmt.Errorf("config: CONTROLLER_METRICS_PORT must be positive")
	}
	return nil
}

// MetricsAddr returns the listen address for the metrics scrape endpoint.
func (c Config) MetricsAddr() string {
	return fmt.Sprintf(":%d", c.MetricsPort)
}

// StaleTimeout returns StaleTimeoutSeconds as a time.Duration.
func (c Config) StaleTimeout() time.Duration {
	return time.Duration(c.StaleTimeoutSeconds) * time.Second
}

// ReapInterval returns ReapIntervalSeconds as a time.Duration.
func (c Config) ReapInterval() time.Duration {
	return time.Duration(c.ReapIntervalSeconds) * time.Second
}

// Addr returns the listen address for the configured HTTPS port.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPSPort)
}
