package ctrl

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rdmactl/internal/mr"
	"github.com/piwi3910/rdmactl/internal/nic"
	"github.com/piwi3910/rdmactl/internal/rpc"
	"github.com/piwi3910/rdmactl/internal/verbs"
	"github.com/piwi3910/rdmactl/pkg/client"
	"github.com/piwi3910/rdmactl/pkg/proto"
)

var remoteAttr = proto.QPAttr{QPN: 0x1234, PSN: 0x56, LID: 0xf0, PortNum: 1}

type harness struct {
	ctrl *Ctrl
	nic  *nic.Nic
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	backend := verbs.NewSimulated()
	require.NoError(t, backend.Init())
	t.Cleanup(func() { _ = backend.Close() })

	return newHarnessWith(t, backend)
}

// newHarnessWith builds a daemon with NIC id 1 opened on the given backend
// and the worker already running.
func newHarnessWith(t *testing.T, backend verbs.Backend) *harness {
	t.Helper()

	c, err := New(&rpc.Config{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)

	n, err := nic.Open(backend, "mlx5_0", 1, 0)
	require.NoError(t, err)
	require.NoError(t, c.Nics.Register(1, n))

	require.True(t, c.StartDaemon())

	t.Cleanup(func() {
		_ = c.Close()
		_ = c.ReleaseResources()
	})

	return &harness{ctrl: c, nic: n}
}

func (h *harness) client(t *testing.T) *client.Client {
	t.Helper()

	c, err := client.Dial(h.ctrl.Addr(),
		client.WithDialTimeout(2*time.Second),
		client.WithCallTimeout(5*time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return c
}

func TestFetchMRNeverInserted(t *testing.T) {
	h := newHarness(t)
	c := h.client(t)

	_, err := c.FetchMR(context.Background(), 404)
	require.ErrorIs(t, err, client.ErrNotFound)
}

func TestFetchMRAfterInsert(t *testing.T) {
	h := newHarness(t)

	region, err := h.ctrl.MRs.RegisterBuffer(7, h.nic.Backend(), h.nic.PD(), 4096, verbs.MRAccessLocalWrite|verbs.MRAccessRemoteRead)
	require.NoError(t, err)

	c := h.client(t)

	attr, err := c.FetchMR(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, region.Attr(), attr)
}

func TestMalformedRequestsGetWrongArg(t *testing.T) {
	h := newHarness(t)
	c := h.client(t)

	raw, err := c.Call(context.Background(), proto.OpFetchMR, []byte{1, 2, 3})
	require.NoError(t, err)

	var mrReply proto.FetchMRReply
	require.NoError(t, mrReply.Unmarshal(raw))
	assert.Equal(t, proto.StatusWrongArg, mrReply.Status)

	raw, err = c.Call(context.Background(), proto.OpCreateRC, []byte{0xff})
	require.NoError(t, err)

	var rcReply proto.CreateRCReply
	require.NoError(t, rcReply.Unmarshal(raw))
	assert.Equal(t, proto.StatusWrongArg, rcReply.Status)

	// Garbage must not leave a trace in any registry.
	assert.Equal(t, 0, h.ctrl.MRs.Len())
	assert.Equal(t, 0, h.ctrl.QPs.Len())
}

func TestCreateRCInvalidFlag(t *testing.T) {
	h := newHarness(t)
	c := h.client(t)

	req := proto.CreateRCRequest{ID: 1, Flag: proto.CreateFlag(7), NicID: 1}

	raw, err := c.Call(context.Background(), proto.OpCreateRC, req.Marshal())
	require.NoError(t, err)

	var reply proto.CreateRCReply
	require.NoError(t, reply.Unmarshal(raw))
	assert.Equal(t, proto.StatusWrongArg, reply.Status)
	assert.Equal(t, 0, h.ctrl.QPs.Len())
}

func TestCreateRCUnknownNic(t *testing.T) {
	h := newHarness(t)
	c := h.client(t)

	_, err := c.CreateRC(context.Background(), 1, 99, proto.QPConfig{}, remoteAttr)
	require.ErrorIs(t, err, client.ErrWrongArg)
	assert.Equal(t, 0, h.ctrl.QPs.Len())
}

type rtrFailBackend struct {
	verbs.Backend
}

func (b *rtrFailBackend) ModifyQPToRTR(verbs.QP, uint32, uint32, uint16, [16]byte, uint8) error {
	return errors.New("rtr rejected")
}

func TestCreateRCConnectFailureRollsBack(t *testing.T) {
	sim := verbs.NewSimulated()
	require.NoError(t, sim.Init())
	t.Cleanup(func() { _ = sim.Close() })

	h := newHarnessWith(t, &rtrFailBackend{Backend: sim})
	c := h.client(t)

	_, err := c.CreateRC(context.Background(), 8, 1, proto.QPConfig{}, remoteAttr)
	require.ErrorIs(t, err, client.ErrWrongArg)

	// The failed id must be gone so a later attempt can reuse it.
	assert.Equal(t, 0, h.ctrl.QPs.Len())

	_, err = c.FetchRC(context.Background(), 8)
	require.ErrorIs(t, err, client.ErrNotFound)
}

func TestCreateThenFetchOnly(t *testing.T) {
	h := newHarness(t)
	c := h.client(t)

	created, err := c.CreateRC(context.Background(), 3, 1, proto.QPConfig{}, remoteAttr)
	require.NoError(t, err)
	assert.NotZero(t, created.QPN)
	assert.Equal(t, h.nic.Port().LID, created.LID)

	fetched, err := c.FetchRC(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, created, fetched)

	rc, ok := h.ctrl.QPs.QueryRC(3)
	require.True(t, ok)
	assert.True(t, rc.Connected())
}

func TestCreateRCDuplicateID(t *testing.T) {
	h := newHarness(t)
	c := h.client(t)

	first, err := c.CreateRC(context.Background(), 4, 1, proto.QPConfig{}, remoteAttr)
	require.NoError(t, err)

	// A second create for a live id is rejected, not overwritten.
	_, err = c.CreateRC(context.Background(), 4, 1, proto.QPConfig{}, remoteAttr)
	require.ErrorIs(t, err, client.ErrWrongArg)

	fetched, err := c.FetchRC(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, first, fetched)
	assert.Equal(t, 1, h.ctrl.QPs.Len())
}

func TestFetchOnlyMissingQP(t *testing.T) {
	h := newHarness(t)
	c := h.client(t)

	_, err := c.FetchRC(context.Background(), 31)
	require.ErrorIs(t, err, client.ErrNotFound)
}

func TestStartStopLifecycle(t *testing.T) {
	c, err := New(&rpc.Config{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)

	t.Cleanup(func() { _ = c.Close() })

	assert.False(t, c.Running())
	assert.False(t, c.StopDaemon())

	assert.True(t, c.StartDaemon())
	assert.True(t, c.Running())
	assert.False(t, c.StartDaemon())

	assert.True(t, c.StopDaemon())
	assert.False(t, c.Running())
	assert.False(t, c.StopDaemon())
}

func TestNothingProcessedAfterStop(t *testing.T) {
	h := newHarness(t)

	c := h.client(t)

	_, err := c.FetchMR(context.Background(), 1)
	require.ErrorIs(t, err, client.ErrNotFound)

	require.True(t, h.ctrl.StopDaemon())

	before := h.ctrl.Processed()
	assert.GreaterOrEqual(t, before, uint64(1))

	// With the worker joined, new requests queue up but never run.
	go func() {
		_, _ = c.FetchMR(context.Background(), 2)
	}()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, before, h.ctrl.Processed())
}

func TestRestartResumesProcessing(t *testing.T) {
	h := newHarness(t)
	c := h.client(t)

	require.True(t, h.ctrl.StopDaemon())
	require.True(t, h.ctrl.StartDaemon())

	_, err := c.FetchMR(context.Background(), 12)
	require.ErrorIs(t, err, client.ErrNotFound)
	assert.GreaterOrEqual(t, h.ctrl.Processed(), uint64(1))
}

func TestConcurrentInsertSameMRID(t *testing.T) {
	h := newHarness(t)

	const workers = 8

	var wg sync.WaitGroup

	errs := make([]error, workers)

	for i := range workers {
		wg.Add(1)

		go func(slot int) {
			defer wg.Done()

			_, errs[slot] = h.ctrl.MRs.RegisterBuffer(55, h.nic.Backend(), h.nic.PD(), 512, verbs.MRAccessLocalWrite)
		}(i)
	}

	wg.Wait()

	wins := 0

	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			require.ErrorIs(t, err, mr.ErrIDExists)
		}
	}

	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, h.ctrl.MRs.Len())
}
