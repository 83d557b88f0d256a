package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmactl/pkg/client"
)

// NewMRCmd creates the mr command group
func NewMRCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mr",
		Short: "Memory region operations",
		Long:  `Fetch attributes of memory regions registered with the daemon.`,
	}

	cmd.AddCommand(newMRFetchCmd())

	return cmd
}

func newMRFetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <id>",
		Short: "Fetch a memory region's RDMA attributes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			c, cfg, err := newClient()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(context.Background(), cfg.callTimeout())
			defer cancel()

			attr, err := c.FetchMR(ctx, id)
			if errors.Is(err, client.ErrNotFound) {
				return fmt.Errorf("memory region %d is not registered", id)
			}
			if err != nil {
				return fmt.Errorf("fetch failed: %w", err)
			}

			fmt.Printf("id:     %d\n", id)
			fmt.Printf("addr:   0x%x\n", attr.Addr)
			fmt.Printf("length: %d\n", attr.Length)
			fmt.Printf("rkey:   0x%x\n", attr.RKey)
			return nil
		},
	}
}

// parseID parses a registry id argument.
func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: must be a number", s)
	}

	return id, nil
}
