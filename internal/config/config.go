// Package config provides configuration management for rdmactl.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (RDMACTL_* prefix)
//  3. Configuration file (config.yaml)
//  4. Default values (lowest priority)
//
// The package uses Viper for configuration binding, supporting:
//   - YAML configuration files
//   - Environment variable overrides
//   - Type-safe configuration structs
//   - Validation and defaults
//
// Example usage:
//
//	cfg, err := config.Load("/etc/rdmactl/config.yaml", config.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/piwi3910/rdmactl/internal/verbs"
)

// Config holds all configuration for the control daemon.
type Config struct {
	// Node identification
	NodeID   string `mapstructure:"node_id"`
	NodeName string `mapstructure:"node_name"`

	// DataDir holds the node id file and other small state
	DataDir string `mapstructure:"data_dir"`

	// Log configuration
	Log LogConfig `mapstructure:"log"`

	// RPC endpoint configuration
	RPC RPCConfig `mapstructure:"rpc"`

	// Admin HTTP server configuration
	Admin AdminConfig `mapstructure:"admin"`

	// RDMA hardware configuration
	RDMA RDMAConfig `mapstructure:"rdma"`

	// Memory regions to register at startup
	Memory MemoryConfig `mapstructure:"memory"`

	// Cluster configuration for peer discovery
	Cluster ClusterConfig `mapstructure:"cluster"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	// Level is the zerolog level: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Format is "console" for human-readable output or "json"
	Format string `mapstructure:"format"`
}

// RPCConfig holds the handshake endpoint configuration.
type RPCConfig struct {
	// Listen is the TCP address the endpoint binds
	Listen string `mapstructure:"listen"`

	// QueueDepth bounds the number of decoded requests waiting for the
	// daemon worker
	QueueDepth int `mapstructure:"queue_depth"`

	// MaxFrameBytes caps a single protocol frame
	MaxFrameBytes uint32 `mapstructure:"max_frame_bytes"`
}

// AdminConfig holds the admin HTTP server configuration.
type AdminConfig struct {
	// Enabled starts the admin server (metrics, health, read-only API)
	Enabled bool `mapstructure:"enabled"`

	// Listen is the TCP address the admin server binds
	Listen string `mapstructure:"listen"`

	// CORSOrigins is the list of allowed CORS origins
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// RDMAConfig holds RDMA hardware configuration.
type RDMAConfig struct {
	// Backend selects the verbs implementation; "simulated" is the only
	// backend today
	Backend string `mapstructure:"backend"`

	// PortNum is the device port opened on every NIC
	PortNum uint8 `mapstructure:"port_num"`

	// GIDIndex is the GID table index for RoCE addressing
	GIDIndex int `mapstructure:"gid_index"`

	// Devices are opened in order at startup and registered under NIC ids
	// 1..len(devices)
	Devices []string `mapstructure:"devices"`

	// QP holds queue pair capability defaults
	QP QPCapConfig `mapstructure:"qp"`
}

// QPCapConfig holds default queue pair capabilities.
type QPCapConfig struct {
	// MaxSendWR is max send work requests per QP
	MaxSendWR uint32 `mapstructure:"max_send_wr"`

	// MaxRecvWR is max receive work requests per QP
	MaxRecvWR uint32 `mapstructure:"max_recv_wr"`

	// MaxSendSGE is max scatter/gather elements per send
	MaxSendSGE uint32 `mapstructure:"max_send_sge"`

	// MaxRecvSGE is max scatter/gather elements per receive
	MaxRecvSGE uint32 `mapstructure:"max_recv_sge"`

	// MaxInline is max inline data size
	MaxInline uint32 `mapstructure:"max_inline"`
}

// MemoryConfig holds memory region configuration.
type MemoryConfig struct {
	// Regions are registered into the MR registry at startup, before the
	// endpoint starts serving fetches
	Regions []RegionConfig `mapstructure:"regions"`
}

// RegionConfig describes one pre-registered memory region.
type RegionConfig struct {
	// ID is the registry key peers use to fetch this region
	ID uint64 `mapstructure:"id"`

	// Size is the buffer size in bytes
	Size int `mapstructure:"size"`

	// Access is a comma-separated list of access flags:
	// local_write, remote_read, remote_write, remote_atomic
	Access string `mapstructure:"access"`

	// Nic is the NIC id whose protection domain hosts the region
	Nic uint64 `mapstructure:"nic"`
}

// ClusterConfig holds gossip-based peer discovery configuration.
type ClusterConfig struct {
	// Enabled turns on memberlist gossip
	Enabled bool `mapstructure:"enabled"`

	// BindAddr is the gossip bind address
	BindAddr string `mapstructure:"bind_addr"`

	// BindPort is the gossip bind port
	BindPort int `mapstructure:"bind_port"`

	// Join is the list of existing peers to join
	Join []string `mapstructure:"join"`
}

// Options are command line overrides.
type Options struct {
	LogLevel    string
	RPCListen   string
	AdminListen string
}

// Load loads configuration from file and applies command line options.
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		// Try to find config in standard locations
		v.SetConfigName("rdmactl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/rdmactl")
		v.AddConfigPath("$HOME/.rdmactl")

		// Ignore error if config file not found
		_ = v.ReadInConfig()
	}

	// Environment variables override
	v.SetEnvPrefix("RDMACTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Apply command line options
	if opts.LogLevel != "" {
		v.Set("log.level", opts.LogLevel)
	}

	if opts.RPCListen != "" {
		v.Set("rpc.listen", opts.RPCListen)
	}

	if opts.AdminListen != "" {
		v.Set("admin.listen", opts.AdminListen)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	hostname, _ := os.Hostname()
	v.SetDefault("node_name", hostname)

	v.SetDefault("data_dir", "./data")

	// Logging
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	// RPC endpoint
	v.SetDefault("rpc.listen", ":9100")
	v.SetDefault("rpc.queue_depth", 1024)
	v.SetDefault("rpc.max_frame_bytes", 1<<20)

	// Admin server
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.listen", ":9101")
	v.SetDefault("admin.cors_origins", []string{"*"})

	// RDMA defaults
	v.SetDefault("rdma.backend", "simulated")
	v.SetDefault("rdma.port_num", 1)
	v.SetDefault("rdma.gid_index", 0)
	v.SetDefault("rdma.devices", []string{"mlx5_0"})
	v.SetDefault("rdma.qp.max_send_wr", 128)
	v.SetDefault("rdma.qp.max_recv_wr", 128)
	v.SetDefault("rdma.qp.max_send_sge", 1)
	v.SetDefault("rdma.qp.max_recv_sge", 1)
	v.SetDefault("rdma.qp.max_inline", 64)

	// Cluster defaults
	v.SetDefault("cluster.enabled", false)
	v.SetDefault("cluster.bind_addr", "0.0.0.0")
	v.SetDefault("cluster.bind_port", 7946)
}

func (c *Config) validate() error {
	// Ensure data directory exists with secure permissions
	if err := os.MkdirAll(c.DataDir, 0750); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	// Generate node ID if not set
	if c.NodeID == "" {
		nodeIDPath := filepath.Join(c.DataDir, "node-id")
		// Validate path to prevent path traversal
		if err := validatePath(c.DataDir, nodeIDPath); err != nil {
			return fmt.Errorf("invalid node ID path: %w", err)
		}
		if data, err := os.ReadFile(nodeIDPath); err == nil { // #nosec G304 - path validated above
			c.NodeID = string(data)
		} else {
			c.NodeID = generateNodeID()
			if err := os.WriteFile(nodeIDPath, []byte(c.NodeID), 0644); err != nil {
				return fmt.Errorf("failed to write node ID: %w", err)
			}
		}
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}

	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log format %q: must be console or json", c.Log.Format)
	}

	if c.RPC.Listen == "" {
		return fmt.Errorf("rpc.listen must be set")
	}

	if c.RPC.QueueDepth <= 0 {
		return fmt.Errorf("rpc.queue_depth must be positive")
	}

	if c.RPC.MaxFrameBytes < 64 {
		return fmt.Errorf("rpc.max_frame_bytes too small: %d", c.RPC.MaxFrameBytes)
	}

	if c.RDMA.Backend != "simulated" {
		return fmt.Errorf("unsupported rdma backend %q", c.RDMA.Backend)
	}

	if c.RDMA.PortNum == 0 {
		return fmt.Errorf("rdma.port_num must be at least 1")
	}

	if err := c.validateRegions(); err != nil {
		return err
	}

	if c.Cluster.Enabled {
		if c.Cluster.BindPort <= 0 || c.Cluster.BindPort > 65535 {
			return fmt.Errorf("cluster.bind_port out of range: %d", c.Cluster.BindPort)
		}
	}

	return nil
}

// validateRegions checks memory region entries against the configured NICs.
func (c *Config) validateRegions() error {
	seen := make(map[uint64]bool)

	for i, region := range c.Memory.Regions {
		if region.ID == 0 {
			return fmt.Errorf("memory.regions[%d]: id must be nonzero", i)
		}

		if seen[region.ID] {
			return fmt.Errorf("memory.regions[%d]: duplicate id %d", i, region.ID)
		}

		seen[region.ID] = true

		if region.Size <= 0 {
			return fmt.Errorf("memory.regions[%d]: size must be positive", i)
		}

		if int(region.NicID()) > len(c.RDMA.Devices) {
			return fmt.Errorf("memory.regions[%d]: nic %d not configured", i, region.NicID())
		}

		if _, err := region.AccessFlags(); err != nil {
			return fmt.Errorf("memory.regions[%d]: %w", i, err)
		}
	}

	return nil
}

// AccessFlags parses the region's access string into verbs access flags.
// An empty string grants local write plus remote read.
func (r RegionConfig) AccessFlags() (uint32, error) {
	if r.Access == "" {
		return verbs.MRAccessLocalWrite | verbs.MRAccessRemoteRead, nil
	}

	var flags uint32

	for _, name := range strings.Split(r.Access, ",") {
		switch strings.TrimSpace(name) {
		case "local_write":
			flags |= verbs.MRAccessLocalWrite
		case "remote_read":
			flags |= verbs.MRAccessRemoteRead
		case "remote_write":
			flags |= verbs.MRAccessRemoteWrite
		case "remote_atomic":
			flags |= verbs.MRAccessRemoteAtomic
		default:
			return 0, fmt.Errorf("unknown access flag %q", strings.TrimSpace(name))
		}
	}

	return flags, nil
}

// NicID returns the region's NIC id with the default applied.
func (r RegionConfig) NicID() uint64 {
	if r.Nic == 0 {
		return 1
	}

	return r.Nic
}

// validatePath ensures a file path is within a base directory to prevent path traversal attacks.
func validatePath(basePath, filePath string) error {
	// Clean and resolve both paths
	cleanBase, err := filepath.Abs(filepath.Clean(basePath))
	if err != nil {
		return fmt.Errorf("failed to resolve base path: %w", err)
	}

	cleanFile, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to resolve file path: %w", err)
	}

	// Check if file path is within base directory
	if !strings.HasPrefix(cleanFile, cleanBase) {
		return fmt.Errorf("path traversal detected: %s is outside %s", filePath, basePath) // nolint:err113 // dynamic error with context
	}

	return nil
}

func generateNodeID() string {
	return fmt.Sprintf("node-%s", uuid.NewString()[:8])
}
