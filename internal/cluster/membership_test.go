package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeMetaRoundTrip(t *testing.T) {
	meta := NodeMeta{RPCAddr: "10.0.0.5:9100", AdminAddr: "10.0.0.5:9101"}

	b, err := meta.Encode()
	require.NoError(t, err)

	decoded, err := DecodeNodeMeta(b)
	require.NoError(t, err)
	assert.Equal(t, meta, decoded)
}

func TestDecodeNodeMetaRejectsGarbage(t *testing.T) {
	_, err := DecodeNodeMeta([]byte("not json"))
	assert.Error(t, err)
}

func TestNodeMetaOmitsEmptyAdminAddr(t *testing.T) {
	b, err := NodeMeta{RPCAddr: ":9100"}.Encode()
	require.NoError(t, err)
	assert.NotContains(t, string(b), "admin_addr")
}

func TestPeerTable(t *testing.T) {
	m := &Membership{
		config: MembershipConfig{NodeID: "node-a"},
		peers:  make(map[string]Peer),
	}

	m.mu.Lock()
	m.peers["node-c"] = Peer{NodeID: "node-c", Meta: NodeMeta{RPCAddr: ":9100"}, LastSeen: time.Now()}
	m.peers["node-b"] = Peer{NodeID: "node-b", Meta: NodeMeta{RPCAddr: ":9200"}, LastSeen: time.Now()}
	m.mu.Unlock()

	peers := m.Peers()
	require.Len(t, peers, 2)
	assert.Equal(t, "node-b", peers[0].NodeID)
	assert.Equal(t, "node-c", peers[1].NodeID)

	m.removePeer("node-b")
	assert.Len(t, m.Peers(), 1)
}

func TestMembershipLocalGossip(t *testing.T) {
	if testing.Short() {
		t.Skip("binds UDP/TCP ports")
	}

	m, err := NewMembership(MembershipConfig{
		NodeID:   "test-node",
		BindAddr: "127.0.0.1",
		BindPort: 0,
		Meta:     NodeMeta{RPCAddr: "127.0.0.1:9100"},
	})
	require.NoError(t, err)

	defer func() {
		require.NoError(t, m.Leave(time.Second))
	}()

	assert.Equal(t, 1, m.NumMembers())
	assert.Empty(t, m.Peers())
	assert.Equal(t, "test-node", m.LocalNode().Name)
}
