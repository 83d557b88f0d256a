package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmactl/cmd/rdmactl/commands"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rdmactl",
		Short: "rdmactl - RDMA control daemon client",
		Long: `rdmactl is a command-line client for rdmactld, the RDMA control daemon.

It fetches memory region attributes, creates and connects queue pairs over
the daemon's handshake endpoint, and inspects daemon state over the admin
API.

Configure the daemon endpoints:
  rdmactl config set addr localhost:9100
  rdmactl config set admin-addr localhost:9101

Or use environment variables:
  RDMACTL_ADDR
  RDMACTL_ADMIN_ADDR`,
		Version: fmt.Sprintf("%s (commit: %s)", Version, Commit),
	}

	commands.RegisterGlobalFlags(rootCmd)

	// Add sub-commands
	rootCmd.AddCommand(commands.NewConfigCmd())
	rootCmd.AddCommand(commands.NewMRCmd())
	rootCmd.AddCommand(commands.NewQPCmd())
	rootCmd.AddCommand(commands.NewStatusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
