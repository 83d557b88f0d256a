// Package server exposes the daemon's admin HTTP surface: Prometheus
// metrics, health probes and a read-only JSON view of the registries. The
// handshake itself never flows through HTTP; peers use the RPC endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/rdmactl/internal/cluster"
	"github.com/piwi3910/rdmactl/internal/ctrl"
	"github.com/piwi3910/rdmactl/internal/health"
)

// Config holds the admin server configuration.
type Config struct {
	Listen      string
	CORSOrigins []string
	NodeID      string
	Version     string
}

// Server is the admin HTTP server.
type Server struct {
	cfg  Config
	ctrl *ctrl.Ctrl

	healthChecker *health.Checker
	membership    *cluster.Membership

	httpServer *http.Server
}

// New creates the admin server. membership may be nil when clustering is
// disabled; /api/v1/peers then serves an empty list.
func New(cfg Config, c *ctrl.Ctrl, checker *health.Checker, membership *cluster.Membership) *Server {
	s := &Server{
		cfg:           cfg,
		ctrl:          c,
		healthChecker: checker,
		membership:    membership,
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

func (s *Server) router() chi.Router {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check handlers
	healthHandler := health.NewHandler(s.healthChecker)
	r.Get("/health", healthHandler.HealthHandler)
	r.Get("/health/live", healthHandler.LivenessHandler)
	r.Get("/health/ready", healthHandler.ReadinessHandler)
	r.Get("/health/startup", healthHandler.StartupHandler)

	// Prometheus metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Read-only registry API
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/mrs", s.handleListMRs)
		r.Get("/qps", s.handleListQPs)
		r.Get("/nics", s.handleListNics)
		r.Get("/peers", s.handleListPeers)
		r.Get("/health/detailed", healthHandler.DetailedHandler)
	})

	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", s.cfg.Listen).Msg("Starting admin server")

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Name identifies the server to the shutdown coordinator.
func (s *Server) Name() string { return "admin" }

// Shutdown stops the server, waiting for in-flight requests up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// statusView is the JSON shape of /api/v1/status.
type statusView struct {
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

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	peers := 0
	if s.membership != nil {
		peers = len(s.membership.Peers())
	}

	writeJSON(w, statusView{
		NodeID:        s.cfg.NodeID,
		Version:       s.cfg.Version,
		DaemonRunning: s.ctrl.Running(),
		Processed:     s.ctrl.Processed(),
		RPCAddr:       s.ctrl.Addr(),
		ActiveConns:   s.ctrl.ActiveConns(),
		MRs:           s.ctrl.MRs.Len(),
		QPs:           s.ctrl.QPs.Len(),
		Nics:          s.ctrl.Nics.Len(),
		Peers:         peers,
	})
}

// mrView is the JSON shape of one registered memory region.
type mrView struct {
	ID     uint64 `json:"id"`
	Addr   uint64 `json:"addr"`
	Length uint64 `json:"length"`
	RKey   uint32 `json:"rkey"`
}

func (s *Server) handleListMRs(w http.ResponseWriter, r *http.Request) {
	ids := s.ctrl.MRs.IDs()
	views := make([]mrView, 0, len(ids))

	for _, id := range ids {
		attr, ok := s.ctrl.MRs.Attr(id)
		if !ok {
			continue
		}

		views = append(views, mrView{
			ID:     id,
			Addr:   attr.Addr,
			Length: attr.Length,
			RKey:   attr.RKey,
		})
	}

	writeJSON(w, views)
}

// qpView is the JSON shape of one registered queue pair.
type qpView struct {
	ID        uint64 `json:"id"`
	QPN       uint32 `json:"qpn"`
	PSN       uint32 `json:"psn"`
	LID       uint16 `json:"lid"`
	PortNum   uint8  `json:"port_num"`
	GID       string `json:"gid"`
	Nic       string `json:"nic"`
	Connected bool   `json:"connected"`
}

func (s *Server) handleListQPs(w http.ResponseWriter, r *http.Request) {
	ids := s.ctrl.QPs.IDs()
	views := make([]qpView, 0, len(ids))

	for _, id := range ids {
		rc, ok := s.ctrl.QPs.QueryRC(id)
		if !ok {
			continue
		}

		attr := rc.Attr()
		views = append(views, qpView{
			ID:        id,
			QPN:       attr.QPN,
			PSN:       attr.PSN,
			LID:       attr.LID,
			PortNum:   attr.PortNum,
			GID:       attr.GIDString(),
			Nic:       rc.NicName(),
			Connected: rc.Connected(),
		})
	}

	writeJSON(w, views)
}

// nicView is the JSON shape of one opened NIC.
type nicView struct {
	ID        uint64 `json:"id"`
	Name      string `json:"name"`
	PortNum   uint8  `json:"port_num"`
	LID       uint16 `json:"lid"`
	GID       string `json:"gid"`
	LinkLayer string `json:"link_layer"`
}

func (s *Server) handleListNics(w http.ResponseWriter, r *http.Request) {
	ids := s.ctrl.Nics.IDs()
	views := make([]nicView, 0, len(ids))

	for _, id := range ids {
		n, ok := s.ctrl.Nics.Find(id)
		if !ok {
			continue
		}

		port := n.Port()
		views = append(views, nicView{
			ID:        id,
			Name:      n.Name(),
			PortNum:   port.Number,
			LID:       port.LID,
			GID:       gidString(port.GID),
			LinkLayer: port.LinkLayer,
		})
	}

	writeJSON(w, views)
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	if s.membership == nil {
		writeJSON(w, []cluster.Peer{})

		return
	}

	writeJSON(w, s.membership.Peers())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("admin response write failed")
	}
}

func gidString(gid [16]byte) string {
	return net.IP(gid[:]).String()
}
