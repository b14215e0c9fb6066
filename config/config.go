// Package config handles lcmware-bridge configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order. An explicit
// path (from a -config flag) is checked first by FindConfig. Then:
// ./config.yaml, ~/.config/lcmware/config.yaml, /config/config.yaml,
// /etc/lcmware/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "lcmware", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/lcmware/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise, searches DefaultSearchPaths and returns the first
// that exists. Returns the path found, or an error if nothing was
// found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds lcmware-bridge configuration.
type Config struct {
	Bus      BusConfig `yaml:"bus"`
	LogLevel string    `yaml:"log_level"`
}

// BusConfig describes the transport the runtime connects to.
type BusConfig struct {
	// Broker is a URL understood by bus/mqttbus: scheme one of
	// tcp, ssl, mqtt, mqtts, ws, wss (e.g. "mqtts://broker:8883").
	Broker string `yaml:"broker"`
	// ClientName is the MQTT client ID lcmware-bridge connects with
	// (at most 16 characters); if empty, it is auto-generated.
	ClientName string `yaml:"client_name"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	// QoS is the MQTT quality-of-service level used for every
	// publish/subscribe (0, 1, or 2). Defaults to 1.
	QoS int `yaml:"qos"`
	// ConnectTimeoutSec bounds the initial connection attempt.
	// Defaults to 10.
	ConnectTimeoutSec int `yaml:"connect_timeout_sec"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates the
// result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g. ${LCMWARE_BROKER_PASSWORD}).
	// This is a convenience for container deployments; the recommended
	// approach is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load.
func (c *Config) applyDefaults() {
	if c.Bus.QoS == 0 {
		c.Bus.QoS = 1
	}
	if c.Bus.ConnectTimeoutSec == 0 {
		c.Bus.ConnectTimeoutSec = 10
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
func (c *Config) Validate() error {
	if c.Bus.Broker == "" {
		return fmt.Errorf("bus.broker must be set")
	}
	if c.Bus.QoS < 0 || c.Bus.QoS > 2 {
		return fmt.Errorf("bus.qos %d out of range (0-2)", c.Bus.QoS)
	}
	if len(c.Bus.ClientName) > 16 {
		return fmt.Errorf("bus.client_name %q exceeds 16 characters", c.Bus.ClientName)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration pointing at a local broker,
// suitable for development. All defaults are already applied.
func Default() *Config {
	cfg := &Config{
		Bus: BusConfig{Broker: "tcp://localhost:1883"},
	}
	cfg.applyDefaults()
	return cfg
}
