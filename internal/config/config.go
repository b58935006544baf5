// Package config provides centralized configuration management for firebox.
// All configuration is loaded from a JSON file at /etc/firebox/config.json
// (overridable via FIREBOX_CONFIG environment variable), with individual
// values overridable through FIREBOX_* environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aledbf/firebox/paths"
)

const (
	// DefaultConfigPath is the default location for the config file
	DefaultConfigPath = "/etc/firebox/config.json"

	// ConfigEnvVar is the environment variable to override config file location
	ConfigEnvVar = "FIREBOX_CONFIG"
)

// Config is the root configuration structure
type Config struct {
	Paths    PathsConfig    `json:"paths"`
	Network  NetworkConfig  `json:"network"`
	Timeouts TimeoutsConfig `json:"timeouts"`
}

// PathsConfig defines filesystem paths for firebox components
type PathsConfig struct {
	DataDir    string `json:"data_dir"`    // Per-VM state directory root
	BinaryPath string `json:"binary_path"` // Firecracker binary location
}

// NetworkConfig defines host networking defaults
type NetworkConfig struct {
	// DefaultIP is the guest address assigned when the caller does not
	// supply one. The gateway is derived by replacing its last octet with 1.
	DefaultIP string `json:"default_ip"`

	// PrefixLen is the subnet prefix length used for conflict detection.
	PrefixLen int `json:"prefix_len"`

	// UplinkInterface is the host interface masqueraded for guest egress.
	// When empty the masquerade rule matches on guest source address
	// only, without an output-interface constraint.
	UplinkInterface string `json:"uplink_interface"`
}

// TimeoutsConfig defines timeout durations for lifecycle operations.
// All values are duration strings (e.g., "5s", "500ms").
type TimeoutsConfig struct {
	// StartupGrace is the pause between the two process liveness probes
	// performed after spawning the hypervisor.
	StartupGrace string `json:"startup_grace"`

	// ShutdownGrace is how long to wait for the hypervisor to exit after
	// SIGTERM before escalating to SIGKILL.
	ShutdownGrace string `json:"shutdown_grace"`

	// APIRequest bounds every control-plane HTTP request.
	APIRequest string `json:"api_request"`
}

var (
	loadOnce sync.Once
	loaded   *Config
	loadErr  error
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir:    paths.GetDataDir(),
			BinaryPath: paths.GetBinaryPath(),
		},
		Network: NetworkConfig{
			DefaultIP: "172.16.0.2",
			PrefixLen: 24,
		},
		Timeouts: TimeoutsConfig{
			StartupGrace:  "500ms",
			ShutdownGrace: "5s",
			APIRequest:    "30s",
		},
	}
}

// Load reads the configuration file, falling back to defaults when the
// file does not exist. The result is cached for the process lifetime.
func Load() (*Config, error) {
	loadOnce.Do(func() {
		loaded, loadErr = load()
	})
	return loaded, loadErr
}

func load() (*Config, error) {
	cfg := Default()

	path := DefaultConfigPath
	if p := os.Getenv(ConfigEnvVar); p != "" {
		path = p
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// StartupGrace returns the parsed startup grace duration.
func (c *Config) StartupGrace() time.Duration { return c.duration(c.Timeouts.StartupGrace, 500*time.Millisecond) }

// ShutdownGrace returns the parsed shutdown grace duration.
func (c *Config) ShutdownGrace() time.Duration { return c.duration(c.Timeouts.ShutdownGrace, 5*time.Second) }

// APIRequest returns the parsed API request timeout.
func (c *Config) APIRequest() time.Duration { return c.duration(c.Timeouts.APIRequest, 30*time.Second) }

func (c *Config) duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
