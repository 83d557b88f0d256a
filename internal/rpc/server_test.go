package rpc

import (
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rdmactl/pkg/proto"
)

func newServer(t *testing.T) *Server {
	t.Helper()

	s, err := NewServer(&Config{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()

	nc, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Close() })

	require.NoError(t, nc.SetDeadline(time.Now().Add(5*time.Second)))

	return nc
}

func TestAddrEphemeral(t *testing.T) {
	s := newServer(t)

	_, port, err := net.SplitHostPort(s.Addr())
	require.NoError(t, err)
	assert.NotEqual(t, "0", port)
}

func TestRegisterHandlerDuplicate(t *testing.T) {
	s := newServer(t)

	echo := func(p []byte) []byte { return p }

	assert.True(t, s.RegisterHandler(proto.OpFetchMR, echo))
	assert.False(t, s.RegisterHandler(proto.OpFetchMR, echo))
	assert.True(t, s.RegisterHandler(proto.OpCreateRC, echo))
	assert.False(t, s.RegisterHandler(proto.Opcode(0x30), nil))
}

func TestRequestsQueueUntilPolled(t *testing.T) {
	s := newServer(t)

	var calls atomic.Int32

	s.RegisterHandler(proto.OpFetchMR, func(p []byte) []byte {
		calls.Add(1)
		return p
	})

	nc := dial(t, s.Addr())
	require.NoError(t, proto.WriteFrame(nc, proto.OpFetchMR, 7, []byte{0xab, 0xcd}))

	// Give the reader time to queue the request. Nothing may run before
	// the pump.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())

	processed := 0
	require.Eventually(t, func() bool {
		processed += s.PollOnce()
		return processed == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), calls.Load())

	op, reqID, payload, err := proto.ReadFrame(nc, 0)
	require.NoError(t, err)
	assert.Equal(t, proto.OpFetchMR, op)
	assert.Equal(t, uint32(7), reqID)
	assert.Equal(t, []byte{0xab, 0xcd}, payload)
}

func TestPollOnceIdle(t *testing.T) {
	s := newServer(t)

	assert.Equal(t, 0, s.PollOnce())
}

func TestPollOnceDrainsBacklog(t *testing.T) {
	s := newServer(t)
	s.RegisterHandler(proto.OpFetchMR, func(p []byte) []byte { return p })

	nc := dial(t, s.Addr())

	for reqID := uint32(1); reqID <= 3; reqID++ {
		require.NoError(t, proto.WriteFrame(nc, proto.OpFetchMR, reqID, []byte{byte(reqID)}))
	}

	processed := 0
	require.Eventually(t, func() bool {
		processed += s.PollOnce()
		return processed == 3
	}, 2*time.Second, 5*time.Millisecond)

	// Replies come back in processing order on a single connection.
	for reqID := uint32(1); reqID <= 3; reqID++ {
		_, gotID, payload, err := proto.ReadFrame(nc, 0)
		require.NoError(t, err)
		assert.Equal(t, reqID, gotID)
		assert.Equal(t, []byte{byte(reqID)}, payload)
	}
}

func TestSerialProcessingAcrossConnections(t *testing.T) {
	s := newServer(t)

	// Appending without a lock is only safe because handlers run on the
	// single pumping goroutine; the race detector guards this invariant.
	var seen []byte

	s.RegisterHandler(proto.OpFetchMR, func(p []byte) []byte {
		seen = append(seen, p[0])
		return p
	})

	first := dial(t, s.Addr())
	second := dial(t, s.Addr())

	require.NoError(t, proto.WriteFrame(first, proto.OpFetchMR, 1, []byte{1}))
	require.NoError(t, proto.WriteFrame(second, proto.OpFetchMR, 2, []byte{2}))

	processed := 0
	require.Eventually(t, func() bool {
		processed += s.PollOnce()
		return processed == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.Len(t, seen, 2)
	assert.ElementsMatch(t, []byte{1, 2}, seen)
}

func TestUnknownOpcodeDropsConnection(t *testing.T) {
	s := newServer(t)
	s.RegisterHandler(proto.OpFetchMR, func(p []byte) []byte { return p })

	nc := dial(t, s.Addr())
	require.NoError(t, proto.WriteFrame(nc, proto.Opcode(0x7f), 1, nil))

	processed := 0
	require.Eventually(t, func() bool {
		processed += s.PollOnce()
		return processed == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, _, _, err := proto.ReadFrame(nc, 0)
	require.ErrorIs(t, err, io.EOF)

	require.Eventually(t, func() bool {
		return s.ActiveConns() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCloseTerminatesConnections(t *testing.T) {
	s, err := NewServer(&Config{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)

	nc := dial(t, s.Addr())

	require.NoError(t, s.Close())

	_, _, _, err = proto.ReadFrame(nc, 0)
	require.Error(t, err)

	require.ErrorIs(t, s.Close(), ErrServerClosed)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ":9100", cfg.ListenAddr)
	assert.Equal(t, uint32(proto.DefaultMaxFrame), cfg.MaxFrame)
	assert.Equal(t, 1024, cfg.QueueDepth)
}
