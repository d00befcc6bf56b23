package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	kdl "github.com/sblinch/kdl-go"
)

// GlobalConfigFile is the KDL file read from the user's config directory.
const GlobalConfigFile = "config.kdl"

// KDLConfig is the on-disk layout. Durations are in milliseconds.
type KDLConfig struct {
	AttachTimeout      int    `kdl:"attach-timeout"`
	ReadyTimeout       int    `kdl:"ready-timeout"`
	AppResponseTimeout int    `kdl:"app-response-timeout"`
	LockGrace          int    `kdl:"lock-grace"`
	MaxFrameSize       int    `kdl:"max-frame-size"`
	ListenHost         string `kdl:"listen-host"`
	TCPListen          string `kdl:"tcp-listen"`
	InspectorPort      int    `kdl:"inspector-port"`
	StayAlive          bool   `kdl:"stay-alive"`
}

// GlobalConfigPath returns $XDG_CONFIG_HOME/nsdebug/config.kdl, falling back
// to ~/.config.
func GlobalConfigPath() (string, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "nsdebug", GlobalConfigFile), nil
}

// LoadGlobalConfig loads the global configuration, or the defaults when
// there is no config file.
func LoadGlobalConfig() (*Config, error) {
	path, err := GlobalConfigPath()
	if err != nil {
		return Default(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return LoadConfigFile(path)
}

// LoadConfigFile loads configuration from a specific file path.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg, err := ParseKDLConfig(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// ParseKDLConfig parses KDL configuration data on top of the defaults.
func ParseKDLConfig(data string) (*Config, error) {
	var kdlCfg KDLConfig
	if err := kdl.Unmarshal([]byte(data), &kdlCfg); err != nil {
		return nil, err
	}

	cfg := kdlConfigToConfig(&kdlCfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func kdlConfigToConfig(kdlCfg *KDLConfig) *Config {
	cfg := Default()

	setMillis(&cfg.AttachTimeout, kdlCfg.AttachTimeout)
	setMillis(&cfg.ReadyTimeout, kdlCfg.ReadyTimeout)
	setMillis(&cfg.AppResponseTimeout, kdlCfg.AppResponseTimeout)
	setMillis(&cfg.LockGrace, kdlCfg.LockGrace)

	if kdlCfg.MaxFrameSize > 0 {
		cfg.MaxFrameSize = kdlCfg.MaxFrameSize
	}
	if kdlCfg.ListenHost != "" {
		cfg.ListenHost = kdlCfg.ListenHost
	}
	if kdlCfg.TCPListen != "" {
		cfg.TCPListen = kdlCfg.TCPListen
	}
	if kdlCfg.InspectorPort > 0 {
		cfg.InspectorPort = kdlCfg.InspectorPort
	}
	cfg.StayAlive = kdlCfg.StayAlive

	return cfg
}

func setMillis(dst *time.Duration, ms int) {
	if ms > 0 {
		*dst = time.Duration(ms) * time.Millisecond
	}
}
