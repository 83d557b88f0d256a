package qp

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rdmactl/internal/nic"
	"github.com/piwi3910/rdmactl/internal/verbs"
	"github.com/piwi3910/rdmactl/pkg/proto"
)

func openNic(t *testing.T, backend verbs.Backend, device string) *nic.Nic {
	t.Helper()

	n, err := nic.Open(backend, device, 1, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })

	return n
}

func newNic(t *testing.T) *nic.Nic {
	t.Helper()

	backend := verbs.NewSimulated()
	require.NoError(t, backend.Init())
	t.Cleanup(func() { _ = backend.Close() })

	return openNic(t, backend, "mlx5_0")
}

func TestNewRC(t *testing.T) {
	n := newNic(t)

	rc, err := NewRC(n, proto.QPConfig{})
	require.NoError(t, err)

	defer func() { _ = rc.Close() }()

	state, err := rc.State()
	require.NoError(t, err)
	assert.Equal(t, verbs.QPStateInit, state)

	attr := rc.Attr()
	assert.NotZero(t, attr.QPN)
	assert.Less(t, attr.PSN, uint32(1<<24))
	assert.Equal(t, n.Port().LID, attr.LID)
	assert.Equal(t, n.Port().GID, attr.GID)
	assert.Equal(t, uint8(1), attr.PortNum)
	assert.False(t, rc.Connected())
	assert.Equal(t, "mlx5_0", rc.NicName())
}

func TestConnectPair(t *testing.T) {
	backend := verbs.NewSimulated()
	require.NoError(t, backend.Init())

	t.Cleanup(func() { _ = backend.Close() })

	left := openNic(t, backend, "mlx5_0")
	right := openNic(t, backend, "mlx5_1")

	a, err := NewRC(left, proto.QPConfig{})
	require.NoError(t, err)

	defer func() { _ = a.Close() }()

	b, err := NewRC(right, proto.QPConfig{})
	require.NoError(t, err)

	defer func() { _ = b.Close() }()

	require.NoError(t, a.Connect(b.Attr()))
	require.NoError(t, b.Connect(a.Attr()))

	for _, rc := range []*RC{a, b} {
		state, err := rc.State()
		require.NoError(t, err)
		assert.Equal(t, verbs.QPStateRTS, state)
		assert.True(t, rc.Connected())
	}
}

func TestConnectTwiceRejected(t *testing.T) {
	n := newNic(t)

	a, err := NewRC(n, proto.QPConfig{})
	require.NoError(t, err)

	defer func() { _ = a.Close() }()

	b, err := NewRC(n, proto.QPConfig{})
	require.NoError(t, err)

	defer func() { _ = b.Close() }()

	require.NoError(t, a.Connect(b.Attr()))

	err = a.Connect(b.Attr())
	require.ErrorIs(t, err, verbs.ErrInvalidQPState)
}

type rtrFailBackend struct {
	verbs.Backend
}

func (b *rtrFailBackend) ModifyQPToRTR(verbs.QP, uint32, uint32, uint16, [16]byte, uint8) error {
	return errors.New("rtr rejected")
}

func TestConnectFailureLeavesInit(t *testing.T) {
	sim := verbs.NewSimulated()
	require.NoError(t, sim.Init())

	t.Cleanup(func() { _ = sim.Close() })

	n := openNic(t, &rtrFailBackend{Backend: sim}, "mlx5_0")

	rc, err := NewRC(n, proto.QPConfig{})
	require.NoError(t, err)

	defer func() { _ = rc.Close() }()

	err = rc.Connect(proto.QPAttr{QPN: 1, PSN: 1, LID: 1})
	require.Error(t, err)
	assert.False(t, rc.Connected())

	state, err := rc.State()
	require.NoError(t, err)
	assert.Equal(t, verbs.QPStateInit, state)
}

func TestWithDefaults(t *testing.T) {
	cfg := withDefaults(proto.QPConfig{})
	assert.Equal(t, uint32(defaultMaxWR), cfg.MaxSendWR)
	assert.Equal(t, uint32(defaultMaxWR), cfg.MaxRecvWR)
	assert.Equal(t, uint32(defaultMaxSGE), cfg.MaxSendSGE)
	assert.Equal(t, uint32(defaultMaxSGE), cfg.MaxRecvSGE)
	assert.Equal(t, uint32(defaultMaxInline), cfg.MaxInline)
	assert.Equal(t, defaultAccess, cfg.Access)

	custom := withDefaults(proto.QPConfig{MaxSendWR: 4})
	assert.Equal(t, uint32(4), custom.MaxSendWR)
	assert.Equal(t, uint32(defaultMaxWR), custom.MaxRecvWR)
}

func TestRegistryCreateAndRegister(t *testing.T) {
	n := newNic(t)
	reg := NewRegistry()

	rc, err := reg.CreateAndRegisterRC(11, n, proto.QPConfig{})
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Len())

	got, ok := reg.QueryRC(11)
	require.True(t, ok)
	assert.Equal(t, rc.QPN(), got.QPN())

	attr, ok := reg.Attr(11)
	require.True(t, ok)
	assert.Equal(t, rc.Attr(), attr)

	_, ok = reg.Attr(12)
	assert.False(t, ok)

	require.NoError(t, reg.DeregisterRC(11))
	assert.Equal(t, 0, reg.Len())
}

func TestRegistryDuplicateID(t *testing.T) {
	n := newNic(t)
	reg := NewRegistry()

	first, err := reg.CreateAndRegisterRC(3, n, proto.QPConfig{})
	require.NoError(t, err)

	_, err = reg.CreateAndRegisterRC(3, n, proto.QPConfig{})
	require.ErrorIs(t, err, ErrIDExists)

	// The surviving entry is still the first one.
	got, ok := reg.QueryRC(3)
	require.True(t, ok)
	assert.Equal(t, first.QPN(), got.QPN())
	assert.Equal(t, 1, reg.Len())
}

func TestRegistryDeregisterMissing(t *testing.T) {
	reg := NewRegistry()

	err := reg.DeregisterRC(8)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCloseAll(t *testing.T) {
	n := newNic(t)
	reg := NewRegistry()

	for _, id := range []uint64{2, 1} {
		_, err := reg.CreateAndRegisterRC(id, n, proto.QPConfig{})
		require.NoError(t, err)
	}

	assert.Equal(t, []uint64{1, 2}, reg.IDs())
	require.NoError(t, reg.CloseAll())
	assert.Equal(t, 0, reg.Len())
}
