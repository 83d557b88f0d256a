package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// NewStatusCmd creates the status command
func NewStatusCmd() *cobra.Command {
	var listResources bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status over the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig()
			if err != nil {
				return err
			}

			var status struct {
				NodeID        string `json:"node_id"`
				Version       string `json:"version"`
				DaemonRunning bool   `json:"daemon_running"`
				Processed     uint64 `json:"processed"`
				RPCAddr       string `json:"rpc_addr"`
				ActiveConns   int    `json:"active_conns"`
				MRs           int    `json:"mrs"`
				QPs           int    `json:"qps"`
				Nics          int    `json:"nics"`
				Peers         int    `json:"peers"`
			}

			if err := adminGet(cfg, "/api/v1/status", &status); err != nil {
				return err
			}

			fmt.Printf("node:       %s (%s)\n", status.NodeID, status.Version)
			fmt.Printf("daemon:     %s\n", runningString(status.DaemonRunning))
			fmt.Printf("rpc:        %s (%d connections)\n", status.RPCAddr, status.ActiveConns)
			fmt.Printf("processed:  %d\n", status.Processed)
			fmt.Printf("resources:  %d mrs, %d qps, %d nics\n", status.MRs, status.QPs, status.Nics)
			fmt.Printf("peers:      %d\n", status.Peers)

			if !listResources {
				return nil
			}

			return printResources(cfg)
		},
	}

	cmd.Flags().BoolVarP(&listResources, "list", "l", false, "Also list registered resources")

	return cmd
}

// adminGet fetches a JSON document from the daemon's admin API.
func adminGet(cfg *ClientConfig, path string, out interface{}) error {
	addr := cfg.AdminAddr
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}

	resp, err := httpClient.Get(addr + path)
	if err != nil {
		return fmt.Errorf("failed to reach admin API at %s: %w", cfg.AdminAddr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin API returned %s for %s", resp.Status, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("invalid admin API response: %w", err)
	}

	return nil
}

func printResources(cfg *ClientConfig) error {
	var mrs []struct {
		ID     uint64 `json:"id"`
		Addr   uint64 `json:"addr"`
		Length uint64 `json:"length"`
		RKey   uint32 `json:"rkey"`
	}

	if err := adminGet(cfg, "/api/v1/mrs", &mrs); err != nil {
		return err
	}

	var qps []struct {
		ID        uint64 `json:"id"`
		QPN       uint32 `json:"qpn"`
		Nic       string `json:"nic"`
		Connected bool   `json:"connected"`
	}

	if err := adminGet(cfg, "/api/v1/qps", &qps); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)

	fmt.Fprintln(w, "\nMR ID\tADDR\tLENGTH\tRKEY")
	for _, mr := range mrs {
		fmt.Fprintf(w, "%d\t0x%x\t%d\t0x%x\n", mr.ID, mr.Addr, mr.Length, mr.RKey)
	}

	fmt.Fprintln(w, "\nQP ID\tQPN\tNIC\tCONNECTED")
	for _, qp := range qps {
		fmt.Fprintf(w, "%d\t%d\t%s\t%t\n", qp.ID, qp.QPN, qp.Nic, qp.Connected)
	}

	return w.Flush()
}

func runningString(running bool) string {
	if running {
		return "running"
	}

	return "stopped"
}
