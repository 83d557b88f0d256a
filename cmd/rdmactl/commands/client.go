package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/piwi3910/rdmactl/pkg/client"
)

// File permission constants.
const (
	dirPermissions  = 0700
	filePermissions = 0600
)

const defaultCallTimeout = 5 * time.Second

// addrOverride holds the value of the root --addr flag; it beats both the
// config file and RDMACTL_ADDR.
var addrOverride string

// RegisterGlobalFlags attaches flags shared by every sub-command.
func RegisterGlobalFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&addrOverride, "addr", "", "Daemon handshake endpoint (overrides config and RDMACTL_ADDR)")
}

// ClientConfig holds the CLI configuration.
type ClientConfig struct {
	// Addr is the daemon's handshake endpoint
	Addr string `yaml:"addr"`

	// AdminAddr is the daemon's admin HTTP endpoint
	AdminAddr string `yaml:"admin_addr"`

	// TimeoutSeconds bounds a single handshake call
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		Addr:      "localhost:9100",
		AdminAddr: "localhost:9101",
	}
}

// configPath returns the path to the config file.
func configPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".rdmactl", "config.yaml")
}

// LoadConfig loads the configuration from file or environment.
func LoadConfig() (*ClientConfig, error) {
	cfg := DefaultConfig()

	// Try to load from file
	data, err := os.ReadFile(configPath())
	if err == nil {
		err := yaml.Unmarshal(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("invalid config file: %w", err)
		}
	}

	// Override with environment variables
	if addr := os.Getenv("RDMACTL_ADDR"); addr != "" {
		cfg.Addr = addr
	}

	if addr := os.Getenv("RDMACTL_ADMIN_ADDR"); addr != "" {
		cfg.AdminAddr = addr
	}

	if addrOverride != "" {
		cfg.Addr = addrOverride
	}

	return cfg, nil
}

// SaveConfig saves the configuration to file.
func SaveConfig(cfg *ClientConfig) error {
	path := configPath()

	// Create directory if needed
	err := os.MkdirAll(filepath.Dir(path), dirPermissions)
	if err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	err = os.WriteFile(path, data, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// callTimeout returns the configured per-call timeout.
func (c *ClientConfig) callTimeout() time.Duration {
	if c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}

	return defaultCallTimeout
}

// newClient dials the daemon's handshake endpoint from the configuration.
func newClient() (*client.Client, *ClientConfig, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, nil, err
	}

	c, err := client.Dial(cfg.Addr, client.WithCallTimeout(cfg.callTimeout()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", cfg.Addr, err)
	}

	return c, cfg, nil
}
