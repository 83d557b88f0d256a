// Package metrics provides Prometheus metrics collection for rdmactl.
//
// The daemon exposes metrics on the admin listener at /metrics:
//
// Request Metrics:
//   - rdmactl_requests_total: Control requests by opcode and reply status
//   - rdmactl_request_duration_seconds: Handler latency histogram
//
// Daemon Metrics:
//   - rdmactl_daemon_running: Whether the event-loop worker is running
//   - rdmactl_daemon_events_processed_total: Requests pumped through the loop
//
// Registry Metrics:
//   - rdmactl_registered_mrs / rdmactl_registered_qps / rdmactl_opened_nics
//
// Endpoint Metrics:
//   - rdmactl_rpc_connections_active, rdmactl_rpc_bytes_{received,sent}_total
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts control-plane requests by opcode and status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmactl_requests_total",
			Help: "Total number of control requests",
		},
		[]string{"opcode", "status"},
	)

	// RequestDuration tracks handler duration in seconds.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rdmactl_request_duration_seconds",
			Help:    "Handler duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000005, 4, 12),
		},
		[]string{"opcode"},
	)

	// DaemonRunning reports whether the event-loop worker is running.
	DaemonRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdmactl_daemon_running",
			Help: "Whether the control daemon worker is running (1) or stopped (0)",
		},
	)

	// EventsProcessed counts requests pumped through the event loop.
	EventsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmactl_daemon_events_processed_total",
			Help: "Total number of requests processed by the daemon worker",
		},
	)

	// RegisteredMRs tracks the number of registered memory regions.
	RegisteredMRs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdmactl_registered_mrs",
			Help: "Number of memory regions currently registered",
		},
	)

	// RegisteredQPs tracks the number of registered queue pairs.
	RegisteredQPs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdmactl_registered_qps",
			Help: "Number of queue pairs currently registered",
		},
	)

	// OpenedNics tracks the number of opened NIC contexts.
	OpenedNics = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdmactl_opened_nics",
			Help: "Number of NIC contexts currently opened",
		},
	)

	// RPCConnectionsActive tracks live connections on the RPC endpoint.
	RPCConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdmactl_rpc_connections_active",
			Help: "Number of active RPC connections",
		},
	)

	// RPCBytesReceived counts bytes read from peers.
	RPCBytesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmactl_rpc_bytes_received_total",
			Help: "Total bytes received on the RPC endpoint",
		},
	)

	// RPCBytesSent counts bytes written to peers.
	RPCBytesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmactl_rpc_bytes_sent_total",
			Help: "Total bytes sent on the RPC endpoint",
		},
	)

	// ClusterPeers tracks the number of discovered peer daemons.
	ClusterPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdmactl_cluster_peers",
			Help: "Number of peer control daemons discovered via gossip",
		},
	)

	// NodeInfo carries static node labels.
	NodeInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rdmactl_node_info",
			Help: "Static node information",
		},
		[]string{"node_id", "version"},
	)
)

// Version is set at build time.
var Version = "dev"

// Init sets up static metrics labels.
func Init(nodeID string) {
	NodeInfo.WithLabelValues(nodeID, Version).Set(1)
}

// RecordRequest records a handled control request.
func RecordRequest(opcode, status string, duration time.Duration) {
	RequestsTotal.WithLabelValues(opcode, status).Inc()
	RequestDuration.WithLabelValues(opcode).Observe(duration.Seconds())
}

// SetDaemonRunning flips the daemon running gauge.
func SetDaemonRunning(running bool) {
	if running {
		DaemonRunning.Set(1)
	} else {
		DaemonRunning.Set(0)
	}
}

// AddEventsProcessed adds to the event-loop throughput counter.
func AddEventsProcessed(n int) {
	EventsProcessed.Add(float64(n))
}

// IncrementRPCConnections increments the active connection gauge.
func IncrementRPCConnections() {
	RPCConnectionsActive.Inc()
}

// DecrementRPCConnections decrements the active connection gauge.
func DecrementRPCConnections() {
	RPCConnectionsActive.Dec()
}

// AddBytesReceived adds to the received byte counter.
func AddBytesReceived(n int64) {
	RPCBytesReceived.Add(float64(n))
}

// AddBytesSent adds to the sent byte counter.
func AddBytesSent(n int64) {
	RPCBytesSent.Add(float64(n))
}

// SetRegisteredMRs sets the registered memory region gauge.
func SetRegisteredMRs(n int) {
	RegisteredMRs.Set(float64(n))
}

// SetRegisteredQPs sets the registered queue pair gauge.
func SetRegisteredQPs(n int) {
	RegisteredQPs.Set(float64(n))
}

// SetOpenedNics sets the opened NIC gauge.
func SetOpenedNics(n int) {
	OpenedNics.Set(float64(n))
}

// SetClusterPeers sets the discovered peer gauge.
func SetClusterPeers(n int) {
	ClusterPeers.Set(float64(n))
}
