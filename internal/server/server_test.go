package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rdmactl/internal/ctrl"
	"github.com/piwi3910/rdmactl/internal/health"
	"github.com/piwi3910/rdmactl/internal/nic"
	"github.com/piwi3910/rdmactl/internal/rpc"
	"github.com/piwi3910/rdmactl/internal/verbs"
	"github.com/piwi3910/rdmactl/pkg/proto"
)

// newTestServer builds an admin server over a daemon with NIC id 1 opened
// and one memory region registered under id 7.
func newTestServer(t *testing.T) (*Server, *ctrl.Ctrl) {
	t.Helper()

	backend := verbs.NewSimulated()
	require.NoError(t, backend.Init())
	t.Cleanup(func() { _ = backend.Close() })

	c, err := ctrl.New(&rpc.Config{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
		_ = c.ReleaseResources()
	})

	n, err := nic.Open(backend, "mlx5_0", 1, 0)
	require.NoError(t, err)
	require.NoError(t, c.Nics.Register(1, n))

	_, err = c.MRs.RegisterBuffer(7, backend, n.PD(), 4096, verbs.MRAccessLocalWrite|verbs.MRAccessRemoteRead)
	require.NoError(t, err)

	s := New(Config{
		Listen:      "127.0.0.1:0",
		CORSOrigins: []string{"*"},
		NodeID:      "node-test",
		Version:     "test",
	}, c, health.NewChecker(c), nil)

	return s, c
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)

	return rec
}

func TestStatusEndpoint(t *testing.T) {
	s, c := newTestServer(t)
	require.True(t, c.StartDaemon())

	rec := get(t, s, "/api/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var status statusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))

	assert.Equal(t, "node-test", status.NodeID)
	assert.True(t, status.DaemonRunning)
	assert.Equal(t, c.Addr(), status.RPCAddr)
	assert.Equal(t, 1, status.MRs)
	assert.Equal(t, 0, status.QPs)
	assert.Equal(t, 1, status.Nics)
	assert.Equal(t, 0, status.Peers)
}

func TestListMRs(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s, "/api/v1/mrs")
	require.Equal(t, http.StatusOK, rec.Code)

	var mrs []mrView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &mrs))
	require.Len(t, mrs, 1)

	assert.Equal(t, uint64(7), mrs[0].ID)
	assert.Equal(t, uint64(4096), mrs[0].Length)
	assert.NotZero(t, mrs[0].Addr)
	assert.NotZero(t, mrs[0].RKey)
}

func TestListQPs(t *testing.T) {
	s, c := newTestServer(t)

	n, ok := c.Nics.Find(1)
	require.True(t, ok)

	rc, err := c.QPs.CreateAndRegisterRC(3, n, proto.QPConfig{})
	require.NoError(t, err)

	rec := get(t, s, "/api/v1/qps")
	require.Equal(t, http.StatusOK, rec.Code)

	var qps []qpView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &qps))
	require.Len(t, qps, 1)

	assert.Equal(t, uint64(3), qps[0].ID)
	assert.Equal(t, rc.QPN(), qps[0].QPN)
	assert.Equal(t, "mlx5_0", qps[0].Nic)
	assert.False(t, qps[0].Connected)
}

func TestListNics(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s, "/api/v1/nics")
	require.Equal(t, http.StatusOK, rec.Code)

	var nics []nicView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &nics))
	require.Len(t, nics, 1)

	assert.Equal(t, uint64(1), nics[0].ID)
	assert.Equal(t, "mlx5_0", nics[0].Name)
	assert.Equal(t, uint8(1), nics[0].PortNum)
	assert.NotZero(t, nics[0].LID)
}

func TestListPeersWithoutClustering(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s, "/api/v1/peers")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestHealthRoutes(t *testing.T) {
	s, c := newTestServer(t)
	require.True(t, c.StartDaemon())

	for _, path := range []string{"/health", "/health/live", "/health/ready", "/health/startup"} {
		rec := get(t, s, path)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestMetricsRoute(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rdmactl_registered_mrs")
}
