package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewConfigCmd creates the config command
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage CLI configuration",
		Long:  `Configure the rdmactl CLI with the daemon's endpoints.`,
	}

	cmd.AddCommand(newConfigSetCmd())
	cmd.AddCommand(newConfigGetCmd())
	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long: `Set a configuration value. Available keys:
  addr        - The daemon's handshake endpoint (host:port)
  admin-addr  - The daemon's admin HTTP endpoint (host:port)
  timeout     - Per-call timeout in seconds`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := strings.ToLower(args[0])
			value := args[1]

			cfg, err := LoadConfig()
			if err != nil {
				cfg = DefaultConfig()
			}

			switch key {
			case "addr":
				cfg.Addr = value
			case "admin-addr", "adminaddr":
				cfg.AdminAddr = value
			case "timeout":
				seconds, err := strconv.Atoi(value)
				if err != nil || seconds <= 0 {
					return fmt.Errorf("timeout must be a positive number of seconds: %s", value)
				}
				cfg.TimeoutSeconds = seconds
			default:
				return fmt.Errorf("unknown configuration key: %s", key)
			}

			if err := SaveConfig(cfg); err != nil {
				return err
			}

			fmt.Printf("Set %s = %s\n", key, value)
			return nil
		},
	}
}

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := strings.ToLower(args[0])

			cfg, err := LoadConfig()
			if err != nil {
				return err
			}

			var value string
			switch key {
			case "addr":
				value = cfg.Addr
			case "admin-addr", "adminaddr":
				value = cfg.AdminAddr
			case "timeout":
				value = fmt.Sprintf("%d", cfg.TimeoutSeconds)
			default:
				return fmt.Errorf("unknown configuration key: %s", key)
			}

			fmt.Println(value)
			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "view",
		Aliases: []string{"show"},
		Short:   "Show the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig()
			if err != nil {
				return err
			}

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}

			fmt.Print(string(data))
			return nil
		},
	}
}
