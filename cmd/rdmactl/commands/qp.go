package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmactl/pkg/client"
	"github.com/piwi3910/rdmactl/pkg/proto"
)

// NewQPCmd creates the qp command group
func NewQPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qp",
		Short: "Queue pair operations",
		Long: `Create, connect and fetch reliable-connection queue pairs on the
daemon. Creating a queue pair requires the remote side's attributes; fetch
only requires the id.`,
	}

	cmd.AddCommand(newQPCreateCmd())
	cmd.AddCommand(newQPFetchCmd())

	return cmd
}

func newQPCreateCmd() *cobra.Command {
	var (
		nicID      uint64
		remoteQPN  uint32
		remotePSN  uint32
		remoteLID  uint16
		remoteGID  string
		remotePort uint8

		maxSendWR  uint32
		maxRecvWR  uint32
		maxSendSGE uint32
		maxRecvSGE uint32
		maxInline  uint32
	)

	cmd := &cobra.Command{
		Use:   "create <id>",
		Short: "Create a queue pair and connect it to a remote peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			remote := proto.QPAttr{
				QPN:     remoteQPN,
				PSN:     remotePSN,
				LID:     remoteLID,
				PortNum: remotePort,
			}

			if remoteGID != "" {
				gid, err := proto.ParseGID(remoteGID)
				if err != nil {
					return fmt.Errorf("invalid remote gid: %w", err)
				}
				remote.GID = gid
			}

			qpCfg := proto.QPConfig{
				MaxSendWR:  maxSendWR,
				MaxRecvWR:  maxRecvWR,
				MaxSendSGE: maxSendSGE,
				MaxRecvSGE: maxRecvSGE,
				MaxInline:  maxInline,
			}

			c, cfg, err := newClient()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(context.Background(), cfg.callTimeout())
			defer cancel()

			attr, err := c.CreateRC(ctx, id, nicID, qpCfg, remote)
			if errors.Is(err, client.ErrWrongArg) {
				return fmt.Errorf("daemon rejected the request; check the nic id and remote attributes")
			}
			if err != nil {
				return fmt.Errorf("create failed: %w", err)
			}

			printQPAttr(id, attr)
			return nil
		},
	}

	cmd.Flags().Uint64Var(&nicID, "nic", 1, "NIC id to create the queue pair on")
	cmd.Flags().Uint32Var(&remoteQPN, "remote-qpn", 0, "Remote queue pair number")
	cmd.Flags().Uint32Var(&remotePSN, "remote-psn", 0, "Remote starting packet sequence number")
	cmd.Flags().Uint16Var(&remoteLID, "remote-lid", 0, "Remote port LID")
	cmd.Flags().StringVar(&remoteGID, "remote-gid", "", "Remote GID in IPv6 notation")
	cmd.Flags().Uint8Var(&remotePort, "remote-port", 1, "Remote device port number")

	cmd.Flags().Uint32Var(&maxSendWR, "max-send-wr", 0, "Max send work requests (0 for daemon default)")
	cmd.Flags().Uint32Var(&maxRecvWR, "max-recv-wr", 0, "Max receive work requests (0 for daemon default)")
	cmd.Flags().Uint32Var(&maxSendSGE, "max-send-sge", 0, "Max send scatter/gather entries (0 for daemon default)")
	cmd.Flags().Uint32Var(&maxRecvSGE, "max-recv-sge", 0, "Max receive scatter/gather entries (0 for daemon default)")
	cmd.Flags().Uint32Var(&maxInline, "max-inline", 0, "Max inline data bytes (0 for daemon default)")

	_ = cmd.MarkFlagRequired("remote-qpn")

	return cmd
}

func newQPFetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <id>",
		Short: "Fetch an existing queue pair's attributes",
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

			attr, err := c.FetchRC(ctx, id)
			if errors.Is(err, client.ErrNotFound) {
				return fmt.Errorf("queue pair %d is not registered", id)
			}
			if err != nil {
				return fmt.Errorf("fetch failed: %w", err)
			}

			printQPAttr(id, attr)
			return nil
		},
	}
}

func printQPAttr(id uint64, attr proto.QPAttr) {
	fmt.Printf("id:   %d\n", id)
	fmt.Printf("qpn:  %d\n", attr.QPN)
	fmt.Printf("psn:  %d\n", attr.PSN)
	fmt.Printf("lid:  %d\n", attr.LID)
	fmt.Printf("port: %d\n", attr.PortNum)
	fmt.Printf("gid:  %s\n", attr.GIDString())
}
