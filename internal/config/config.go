package config

import (
	"encoding/json"
	"fmt"
	"os"

	semver "github.com/Masterminds/semver/v3"
)

type ServerConfig struct {
	BindHost  string `json:"bind_host"`
	BindPort  int    `json:"bind_port"`
	HTTPPort  int    `json:"http_port"`
	AuthToken string `json:"auth_token"`
}

type TLSConfig struct {
	Enabled  bool   `json:"tls_enabled"`
	CertPath string `json:"tls_cert"`
	KeyPath  string `json:"tls_key"`
}

type SecurityConfig struct {
	HMACSecret       string    `json:"hmac_secret"`
	RequireSignature bool      `json:"require_signature"`
	SensorPassword   string    `json:"sensor_password"`
	TLS              TLSConfig `json:"tls"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

type DiscordConfig struct {
	BotToken     string `json:"bot_token"`
	AlertChannel string `json:"alert_channel"`
}

type Config struct {
	Server   ServerConfig   `json:"server"`
	Security SecurityConfig `json:"security"`
	Database DatabaseConfig `json:"database"`

	// DataRoot anchors the text logs and defaults to the working directory.
	DataRoot string `json:"data_root"`

	// Thresholds carries per-kind band overrides, keys like "co2_level1_max".
	Thresholds map[string]float64 `json:"thresholds"`

	// WaterSensorEnabled gates water alert handling; nil means enabled.
	WaterSensorEnabled *bool `json:"water_sensor_enabled"`

	// MinFirmware is the lowest firmware version accepted without a warning.
	MinFirmware string `json:"min_firmware"`

	Channels struct {
		Discord DiscordConfig `json:"discord"`
	} `json:"channels"`
}

const (
	defaultBindHost     = "0.0.0.0"
	defaultBindPort     = 9000
	defaultDatabasePath = "logs/sensor_data.db"
)

// WaterEnabled resolves the tri-state flag; absent means enabled.
func (cfg *Config) WaterEnabled() bool {
	return cfg.WaterSensorEnabled == nil || *cfg.WaterSensorEnabled
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a runnable configuration without a config file.
func Default() *Config {
	cfg := &Config{}
	if err := validate(cfg); err != nil {
		panic(err)
	}
	return cfg
}

func validate(cfg *Config) error {
	if cfg.Server.BindHost == "" {
		cfg.Server.BindHost = defaultBindHost
	}
	if cfg.Server.BindPort == 0 {
		cfg.Server.BindPort = defaultBindPort
	}
	if cfg.Server.BindPort < 0 || cfg.Server.BindPort > 65535 {
		return fmt.Errorf("validation error: server.bind_port must be between 1 and 65535, got %d", cfg.Server.BindPort)
	}
	if cfg.Server.HTTPPort < 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("validation error: server.http_port must be between 0 and 65535, got %d", cfg.Server.HTTPPort)
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = defaultDatabasePath
	}
	if cfg.DataRoot == "" {
		cfg.DataRoot = "."
	}

	if cfg.Security.RequireSignature && cfg.Security.HMACSecret == "" {
		return fmt.Errorf("validation error: security.hmac_secret is required when require_signature is set")
	}

	if cfg.MinFirmware != "" {
		if _, err := semver.NewVersion(cfg.MinFirmware); err != nil {
			return fmt.Errorf("validation error: min_firmware %q is not a valid version: %w", cfg.MinFirmware, err)
		}
	}

	for key, value := range cfg.Thresholds {
		if key == "" {
			return fmt.Errorf("validation error: thresholds keys must not be empty")
		}
		if value != value { // NaN
			return fmt.Errorf("validation error: thresholds.%s is not a number", key)
		}
	}

	return nil
}
