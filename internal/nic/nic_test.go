package nic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rdmactl/internal/verbs"
)

func newBackend(t *testing.T) verbs.Backend {
	t.Helper()

	backend := verbs.NewSimulated()
	require.NoError(t, backend.Init())
	t.Cleanup(func() { _ = backend.Close() })

	return backend
}

func TestOpen(t *testing.T) {
	backend := newBackend(t)

	n, err := Open(backend, "mlx5_0", 1, 0)
	require.NoError(t, err)

	defer func() { _ = n.Close() }()

	assert.Equal(t, "mlx5_0", n.Name())
	assert.Equal(t, uint8(1), n.Port().Number)
	assert.Equal(t, verbs.PortActive, n.Port().State)
	assert.NotZero(t, n.Port().LID)
	assert.NotZero(t, n.PD())
	assert.NotZero(t, n.Context())
}

func TestOpenUnknownDevice(t *testing.T) {
	backend := newBackend(t)

	_, err := Open(backend, "mlx5_9", 1, 0)
	require.ErrorIs(t, err, verbs.ErrDeviceNotFound)
}

func TestOpenBadPort(t *testing.T) {
	backend := newBackend(t)

	_, err := Open(backend, "mlx5_0", 9, 0)
	require.Error(t, err)
}

func TestRegistryRegisterAndFind(t *testing.T) {
	backend := newBackend(t)
	reg := NewRegistry()

	n, err := Open(backend, "mlx5_0", 1, 0)
	require.NoError(t, err)

	require.NoError(t, reg.Register(1, n))
	assert.Equal(t, 1, reg.Len())

	got, ok := reg.Find(1)
	require.True(t, ok)
	assert.Equal(t, "mlx5_0", got.Name())

	_, ok = reg.Find(2)
	assert.False(t, ok)

	require.NoError(t, reg.Deregister(1))
	assert.Equal(t, 0, reg.Len())
}

func TestRegistryDuplicateID(t *testing.T) {
	backend := newBackend(t)
	reg := NewRegistry()

	first, err := Open(backend, "mlx5_0", 1, 0)
	require.NoError(t, err)
	require.NoError(t, reg.Register(7, first))

	second, err := Open(backend, "mlx5_1", 1, 0)
	require.NoError(t, err)

	err = reg.Register(7, second)
	require.ErrorIs(t, err, ErrIDExists)

	// The original entry must be untouched.
	got, ok := reg.Find(7)
	require.True(t, ok)
	assert.Equal(t, "mlx5_0", got.Name())

	require.NoError(t, second.Close())
	require.NoError(t, reg.CloseAll())
}

func TestRegistryDeregisterMissing(t *testing.T) {
	reg := NewRegistry()

	err := reg.Deregister(42)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryIDsSorted(t *testing.T) {
	backend := newBackend(t)
	reg := NewRegistry()

	for _, id := range []uint64{30, 10, 20} {
		n, err := Open(backend, "mlx5_0", 1, 0)
		require.NoError(t, err)
		require.NoError(t, reg.Register(id, n))
	}

	assert.Equal(t, []uint64{10, 20, 30}, reg.IDs())
	require.NoError(t, reg.CloseAll())
	assert.Equal(t, 0, reg.Len())
}
