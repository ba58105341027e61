package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var defaultConfigPaths = []string{
	"./agent.yaml",
	"/etc/clusterd/agent.yaml",
}

// RoleConfig tells the agent how to act on one role. Unit is the systemd
// unit driven by START, STOP and RESTART. Scripts maps INSTALL,
// SERVICE_CHECK and custom command names to shell scripts.
type RoleConfig struct {
	Unit    string            `yaml:"unit"`
	Scripts map[string]string `yaml:"scripts"`
}

type Config struct {
	ServerURL         string                `yaml:"server_url"`
	HostName          string                `yaml:"host_name"`
	AgentToken        string                `yaml:"agent_token"`
	LogPath           string                `yaml:"log_path"`
	HeartbeatInterval time.Duration         `yaml:"heartbeat_interval"`
	CommandTimeout    time.Duration         `yaml:"command_timeout"`
	MaxParallel       int                   `yaml:"max_parallel"`
	KeytabDir         string                `yaml:"keytab_dir"`
	UseSudo           bool                  `yaml:"use_sudo"`
	Roles             map[string]RoleConfig `yaml:"roles"`
}

func Load(path string) (*Config, error) {
	var configPath string

	if path != "" {
		configPath = path
	} else {
		for _, p := range defaultConfigPaths {
			if _, err := os.Stat(p); err == nil {
				configPath = p
				break
			}
		}
	}

	if configPath == "" {
		return nil, fmt.Errorf("config file not found in default paths")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 10 * time.Minute
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if cfg.KeytabDir == "" {
		cfg.KeytabDir = "/etc/security/keytabs"
	}
	if cfg.HostName == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.HostName = h
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if c.HostName == "" {
		return fmt.Errorf("host_name is required")
	}
	return nil
}
