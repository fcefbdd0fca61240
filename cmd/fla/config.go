package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config is the optional configuration file (~/.config/fla/config.yaml).
// Numeric fields are pointers so "not set" is distinguishable from zero.
type Config struct {
	BlockT  *int64 `yaml:"block_t"`
	BlockS  *int64 `yaml:"block_s"`
	Workers *int64 `yaml:"workers"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "fla", "config.yaml")
}

// LoadConfig reads the config file. A missing or unreadable file yields the
// zero Config.
func LoadConfig() Config {
	path := configPath()
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

// applyCommonConfig fills launch and logging settings from the config file
// wherever the corresponding flag was not set explicitly. Flags win.
func applyCommonConfig(c *cli.Command, cfg Config) {
	if cfg.BlockT != nil && !c.IsSet("block-t") {
		blockT = *cfg.BlockT
	}
	if cfg.BlockS != nil && !c.IsSet("block-s") {
		blockS = *cfg.BlockS
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

func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}
