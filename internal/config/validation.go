package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Validate validates the entire configuration.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return fmt.Errorf("paths: %w", err)
	}
	if err := c.validateNetwork(); err != nil {
		return fmt.Errorf("network: %w", err)
	}
	if err := c.validateTimeouts(); err != nil {
		return fmt.Errorf("timeouts: %w", err)
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	if err := ensureDirWritable(c.Paths.DataDir, "data_dir"); err != nil {
		return err
	}

	if c.Paths.BinaryPath == "" {
		return fmt.Errorf("binary_path cannot be empty")
	}
	return validateExecutable(c.Paths.BinaryPath, "binary_path")
}

func (c *Config) validateNetwork() error {
	if c.Network.DefaultIP != "" {
		if ip := net.ParseIP(c.Network.DefaultIP); ip == nil || ip.To4() == nil {
			return fmt.Errorf("default_ip %q is not a valid IPv4 address", c.Network.DefaultIP)
		}
	}
	if c.Network.PrefixLen < 8 || c.Network.PrefixLen > 30 {
		return fmt.Errorf("prefix_len must be in [8, 30], got %d", c.Network.PrefixLen)
	}
	return nil
}

func (c *Config) validateTimeouts() error {
	fields := map[string]string{
		"startup_grace":  c.Timeouts.StartupGrace,
		"shutdown_grace": c.Timeouts.ShutdownGrace,
		"api_request":    c.Timeouts.APIRequest,
	}
	for name, value := range fields {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q: %w", name, value, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s: duration must be positive, got %s", name, d)
		}
	}
	return nil
}

func ensureDirWritable(dir, name string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("%s: cannot create %s: %w", name, dir, err)
			}
			return nil
		}
		return fmt.Errorf("%s: cannot access %s: %w", name, dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: %s is not a directory", name, dir)
	}
	if err := unix.Access(dir, unix.W_OK); err != nil {
		return fmt.Errorf("%s: %s is not writable: %w", name, dir, err)
	}
	return nil
}

func validateExecutable(path, name string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: binary not found at %s", name, path)
		}
		return fmt.Errorf("%s: cannot access %s: %w", name, path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s: %s is a directory", name, path)
	}
	if info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s: %s is not executable", name, path)
	}
	return nil
}
