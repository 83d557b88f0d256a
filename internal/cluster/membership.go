// Package cluster provides optional gossip-based discovery of peer control
// daemons. Each node advertises the addresses of its handshake endpoint and
// admin server; nothing else flows through gossip. Peers still exchange
// resource attributes over the RPC endpoint itself.
package cluster

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmactl/internal/metrics"
)

// NodeMeta is the metadata each daemon gossips about itself.
type NodeMeta struct {
	RPCAddr   string `json:"rpc_addr"`
	AdminAddr string `json:"admin_addr,omitempty"`
}

// Encode serializes the metadata for the memberlist delegate.
func (m NodeMeta) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode node meta: %w", err)
	}

	return b, nil
}

// DecodeNodeMeta parses gossiped node metadata.
func DecodeNodeMeta(b []byte) (NodeMeta, error) {
	var m NodeMeta
	if err := json.Unmarshal(b, &m); err != nil {
		return NodeMeta{}, fmt.Errorf("decode node meta: %w", err)
	}

	return m, nil
}

// Peer is one discovered control daemon.
type Peer struct {
	NodeID   string    `json:"node_id"`
	Addr     string    `json:"addr"`
	Meta     NodeMeta  `json:"meta"`
	LastSeen time.Time `json:"last_seen"`
}

// MembershipConfig holds configuration for the membership service
type MembershipConfig struct {
	NodeID        string
	BindAddr      string
	BindPort      int
	AdvertiseAddr string
	AdvertisePort int
	Meta          NodeMeta
}

// Membership manages cluster membership using hashicorp/memberlist
type Membership struct {
	config   MembershipConfig
	list     *memberlist.Memberlist
	delegate *memberDelegate

	mu    sync.RWMutex
	peers map[string]Peer
}

// memberDelegate implements memberlist.Delegate
type memberDelegate struct {
	meta []byte
	mu   sync.RWMutex
}

// NodeMeta returns the local node's metadata
func (d *memberDelegate) NodeMeta(limit int) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.meta
}

// NotifyMsg is called when a user-data message is received
func (d *memberDelegate) NotifyMsg(b []byte) {
	// Endpoint advertisement only; no direct messages
}

// GetBroadcasts returns a slice of messages to broadcast
func (d *memberDelegate) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState returns the local state for state exchange
func (d *memberDelegate) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState merges remote state during state exchange
func (d *memberDelegate) MergeRemoteState(buf []byte, join bool) {
}

// UpdateMeta updates the node metadata
func (d *memberDelegate) UpdateMeta(meta []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.meta = meta
}

// eventDelegate implements memberlist.EventDelegate
type eventDelegate struct {
	membership *Membership
}

// NotifyJoin is called when a node joins
func (e *eventDelegate) NotifyJoin(node *memberlist.Node) {
	if node.Name == e.membership.config.NodeID {
		return
	}

	log.Debug().
		Str("node", node.Name).
		Str("addr", node.Address()).
		Msg("Memberlist: node joined")

	e.membership.upsertPeer(node)
}

// NotifyLeave is called when a node leaves
func (e *eventDelegate) NotifyLeave(node *memberlist.Node) {
	if node.Name == e.membership.config.NodeID {
		return
	}

	log.Debug().
		Str("node", node.Name).
		Msg("Memberlist: node left")

	e.membership.removePeer(node.Name)
}

// NotifyUpdate is called when a node's metadata is updated
func (e *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	if node.Name == e.membership.config.NodeID {
		return
	}

	log.Debug().
		Str("node", node.Name).
		Msg("Memberlist: node updated")

	e.membership.upsertPeer(node)
}

// NewMembership creates a new Membership instance and starts gossiping.
func NewMembership(config MembershipConfig) (*Membership, error) {
	m := &Membership{
		config: config,
		peers:  make(map[string]Peer),
	}

	meta, err := config.Meta.Encode()
	if err != nil {
		return nil, err
	}

	m.delegate = &memberDelegate{meta: meta}

	// Configure memberlist
	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = config.NodeID
	mlConfig.BindAddr = config.BindAddr
	mlConfig.BindPort = config.BindPort
	mlConfig.AdvertiseAddr = config.AdvertiseAddr
	mlConfig.AdvertisePort = config.AdvertisePort
	mlConfig.Delegate = m.delegate
	mlConfig.Events = &eventDelegate{membership: m}

	// Reduce logging
	mlConfig.LogOutput = &memberlistLogAdapter{}

	// Tune for faster failure detection in development
	mlConfig.GossipInterval = 200 * time.Millisecond
	mlConfig.ProbeInterval = 1 * time.Second
	mlConfig.ProbeTimeout = 500 * time.Millisecond
	mlConfig.SuspicionMult = 4
	mlConfig.PushPullInterval = 15 * time.Second
	mlConfig.GossipNodes = 3

	// Create memberlist
	list, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	m.list = list

	log.Info().
		Str("node_id", config.NodeID).
		Str("bind_addr", fmt.Sprintf("%s:%d", config.BindAddr, config.BindPort)).
		Str("rpc_addr", config.Meta.RPCAddr).
		Msg("Memberlist initialized")

	return m, nil
}

// Join joins an existing cluster
func (m *Membership) Join(existing []string) error {
	if len(existing) == 0 {
		return nil
	}

	log.Info().Strs("addresses", existing).Msg("Joining cluster")

	n, err := m.list.Join(existing)
	if err != nil {
		return fmt.Errorf("failed to join cluster: %w", err)
	}

	log.Info().Int("contacted_nodes", n).Msg("Joined cluster")

	return nil
}

// Leave gracefully leaves the cluster
func (m *Membership) Leave(timeout time.Duration) error {
	log.Info().Msg("Leaving cluster")

	if err := m.list.Leave(timeout); err != nil {
		return fmt.Errorf("failed to leave cluster: %w", err)
	}

	if err := m.list.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown memberlist: %w", err)
	}

	return nil
}

// Peers returns the discovered peer daemons, sorted by node id.
func (m *Membership) Peers() []Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	peers := make([]Peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}

	sort.Slice(peers, func(i, j int) bool { return peers[i].NodeID < peers[j].NodeID })

	return peers
}

// NumMembers returns the number of cluster members
func (m *Membership) NumMembers() int {
	return m.list.NumMembers()
}

// LocalNode returns the local node
func (m *Membership) LocalNode() *memberlist.Node {
	return m.list.LocalNode()
}

// UpdateMeta updates the local node's advertised metadata.
func (m *Membership) UpdateMeta(meta NodeMeta) error {
	b, err := meta.Encode()
	if err != nil {
		return err
	}

	m.delegate.UpdateMeta(b)

	return m.list.UpdateNode(10 * time.Second)
}

// HealthScore returns the health score of the local node
// Lower is better (0 = healthy)
func (m *Membership) HealthScore() int {
	return m.list.GetHealthScore()
}

func (m *Membership) upsertPeer(node *memberlist.Node) {
	meta, err := DecodeNodeMeta(node.Meta)
	if err != nil {
		log.Warn().Err(err).Str("node", node.Name).Msg("peer advertised bad metadata")
	}

	m.mu.Lock()
	m.peers[node.Name] = Peer{
		NodeID:   node.Name,
		Addr:     node.Address(),
		Meta:     meta,
		LastSeen: time.Now(),
	}
	metrics.SetClusterPeers(len(m.peers))
	m.mu.Unlock()
}

func (m *Membership) removePeer(nodeID string) {
	m.mu.Lock()
	delete(m.peers, nodeID)
	metrics.SetClusterPeers(len(m.peers))
	m.mu.Unlock()
}

// memberlistLogAdapter adapts memberlist logging to zerolog
type memberlistLogAdapter struct{}

func (l *memberlistLogAdapter) Write(p []byte) (n int, err error) {
	// Filter out verbose memberlist logs
	log.Trace().Str("source", "memberlist").Msg(string(p))

	return len(p), nil
}
