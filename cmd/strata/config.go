package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the strata configuration file
// (~/.config/strata/config.yaml). Pointer fields distinguish "not set"
// from zero values.
type Config struct {
	ModelPath  string `yaml:"model_path"`
	ConfigPath string `yaml:"config_path"`

	Steps   *int64 `yaml:"steps"`
	Workers *int64 `yaml:"workers"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ServerAddress string   `yaml:"server_address"`
	RatePerSec    *float64 `yaml:"rate_per_sec"`
	RateBurst     *int64   `yaml:"rate_burst"`
}

func userConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "strata", "config.yaml")
}

// LoadConfig reads the config file. Returns a zero Config if the file
// doesn't exist or fails to parse.
func LoadConfig() Config {
	path := userConfigPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

// applyCommonConfig applies config file defaults to the shared flag
// variables when the corresponding CLI flag was not explicitly set.
func applyCommonConfig(c *cli.Command, cfg Config) {
	if cfg.ModelPath != "" && !c.IsSet("model") {
		modelPath = cfg.ModelPath
	}
	if cfg.ConfigPath != "" && !c.IsSet("config") {
		configPath = cfg.ConfigPath
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		workers = *cfg.Workers
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyRunConfig applies run command defaults.
func applyRunConfig(c *cli.Command, cfg Config, steps *int64) {
	applyCommonConfig(c, cfg)
	if cfg.Steps != nil && !c.IsSet("steps") {
		*steps = *cfg.Steps
	}
}

// applyServeConfig applies serve command defaults.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, ratePerSec *float64, rateBurst *int64) {
	applyCommonConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.RatePerSec != nil && !c.IsSet("rate-per-sec") {
		*ratePerSec = *cfg.RatePerSec
	}
	if cfg.RateBurst != nil && !c.IsSet("rate-burst") {
		*rateBurst = *cfg.RateBurst
	}
}
