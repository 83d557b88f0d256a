package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmactl/internal/cluster"
	"github.com/piwi3910/rdmactl/internal/config"
	"github.com/piwi3910/rdmactl/internal/ctrl"
	"github.com/piwi3910/rdmactl/internal/health"
	"github.com/piwi3910/rdmactl/internal/metrics"
	"github.com/piwi3910/rdmactl/internal/nic"
	"github.com/piwi3910/rdmactl/internal/rpc"
	"github.com/piwi3910/rdmactl/internal/server"
	"github.com/piwi3910/rdmactl/internal/shutdown"
	"github.com/piwi3910/rdmactl/internal/verbs"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file")
	logLevel := flag.String("log-level", "", "Log level (trace, debug, info, warn, error)")
	rpcListen := flag.String("rpc-listen", "", "Handshake endpoint listen address")
	adminListen := flag.String("admin-listen", "", "Admin HTTP listen address")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rdmactld %s\n", version)
		fmt.Printf("  Commit: %s\n", commit)
		fmt.Printf("  Built:  %s\n", buildDate)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath, config.Options{
		LogLevel:    *logLevel,
		RPCListen:   *rpcListen,
		AdminListen: *adminListen,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Configure logging
	level, _ := zerolog.ParseLevel(cfg.Log.Level)
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if cfg.Log.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("node_id", cfg.NodeID).
		Msg("Starting rdmactld")

	metrics.Version = version
	metrics.Init(cfg.NodeID)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Daemon error")
	}

	log.Info().Msg("rdmactld shutdown complete")
}

func run(cfg *config.Config) error {
	// Open the RDMA backend and bind the handshake endpoint before
	// registering anything, so a bad listen address fails fast.
	backend := verbs.NewSimulated()
	if err := backend.Init(); err != nil {
		return fmt.Errorf("init rdma backend: %w", err)
	}

	c, err := ctrl.New(&rpc.Config{
		ListenAddr: cfg.RPC.Listen,
		MaxFrame:   cfg.RPC.MaxFrameBytes,
		QueueDepth: cfg.RPC.QueueDepth,
	})
	if err != nil {
		return err
	}

	if err := openNics(cfg, backend, c); err != nil {
		return err
	}

	if err := registerRegions(cfg, backend, c); err != nil {
		return err
	}

	c.StartDaemon()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var membership *cluster.Membership

	if cfg.Cluster.Enabled {
		membership, err = joinCluster(cfg)
		if err != nil {
			return err
		}
	}

	var admin *server.Server

	adminErr := make(chan error, 1)

	if cfg.Admin.Enabled {
		admin = server.New(server.Config{
			Listen:      cfg.Admin.Listen,
			CORSOrigins: cfg.Admin.CORSOrigins,
			NodeID:      cfg.NodeID,
			Version:     version,
		}, c, health.NewChecker(c), membership)

		go func() { adminErr <- admin.Start(ctx) }()
	}

	// Wait for a shutdown signal or an admin server failure
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-adminErr:
		if err != nil {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}

	cancel()

	components := shutdown.Components{
		Daemon:    c,
		Endpoint:  c,
		Resources: c,
	}

	if membership != nil {
		components.Cluster = membership
	}

	if admin != nil {
		components.HTTPServers = []shutdown.HTTPServerShutdown{admin}
	}

	coordinator := shutdown.NewCoordinator(shutdown.DefaultConfig())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()

	if err := coordinator.Shutdown(shutdownCtx, components); err != nil {
		log.Error().Err(err).Msg("Shutdown finished with errors")
	}

	return nil
}

// openNics opens every configured device and registers it under NIC ids
// 1..len(devices), the ids peers pass in connection requests.
func openNics(cfg *config.Config, backend verbs.Backend, c *ctrl.Ctrl) error {
	for i, device := range cfg.RDMA.Devices {
		id := uint64(i + 1)

		n, err := nic.Open(backend, device, cfg.RDMA.PortNum, cfg.RDMA.GIDIndex)
		if err != nil {
			return fmt.Errorf("open device %q: %w", device, err)
		}

		if err := c.Nics.Register(id, n); err != nil {
			return fmt.Errorf("register nic %d: %w", id, err)
		}

		log.Info().
			Uint64("nic", id).
			Str("device", device).
			Uint8("port", cfg.RDMA.PortNum).
			Msg("Opened RDMA device")
	}

	return nil
}

// registerRegions allocates and registers the configured memory regions so
// they are fetchable as soon as the endpoint starts serving.
func registerRegions(cfg *config.Config, backend verbs.Backend, c *ctrl.Ctrl) error {
	for _, region := range cfg.Memory.Regions {
		access, err := region.AccessFlags()
		if err != nil {
			return fmt.Errorf("region %d: %w", region.ID, err)
		}

		n, ok := c.Nics.Find(region.NicID())
		if !ok {
			return fmt.Errorf("region %d: nic %d not opened", region.ID, region.NicID())
		}

		if _, err := c.MRs.RegisterBuffer(region.ID, backend, n.PD(), region.Size, access); err != nil {
			return fmt.Errorf("register region %d: %w", region.ID, err)
		}

		log.Info().
			Uint64("mr", region.ID).
			Int("size", region.Size).
			Msg("Registered memory region")
	}

	return nil
}

// joinCluster starts gossip membership advertising the node's endpoints.
func joinCluster(cfg *config.Config) (*cluster.Membership, error) {
	membership, err := cluster.NewMembership(cluster.MembershipConfig{
		NodeID:   cfg.NodeID,
		BindAddr: cfg.Cluster.BindAddr,
		BindPort: cfg.Cluster.BindPort,
		Meta: cluster.NodeMeta{
			RPCAddr:   cfg.RPC.Listen,
			AdminAddr: cfg.Admin.Listen,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("start cluster membership: %w", err)
	}

	if len(cfg.Cluster.Join) > 0 {
		if err := membership.Join(cfg.Cluster.Join); err != nil {
			log.Warn().Err(err).Msg("Failed to join cluster peers, continuing standalone")
		}
	}

	return membership, nil
}
