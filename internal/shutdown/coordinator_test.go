package shutdown_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rdmactl/internal/shutdown"
)

func TestDefaultConfig(t *testing.T) {
	cfg := shutdown.DefaultConfig()

	assert.Equal(t, 30*time.Second, cfg.TotalTimeout)
	assert.Equal(t, 10*time.Second, cfg.DaemonTimeout)
	assert.Equal(t, 10*time.Second, cfg.EndpointTimeout)
	assert.Equal(t, 5*time.Second, cfg.ClusterTimeout)
	assert.Equal(t, 10*time.Second, cfg.ResourceTimeout)
	assert.Equal(t, 10*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 5*time.Second, cfg.ForceTimeout)
}

func TestNewCoordinator(t *testing.T) {
	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())

	require.NotNil(t, coord)
	assert.Equal(t, shutdown.PhaseNone, coord.Phase())
	assert.False(t, coord.IsShuttingDown())
	assert.Empty(t, coord.Errors())
}

func fastConfig() shutdown.Config {
	return shutdown.Config{
		TotalTimeout:    200 * time.Millisecond,
		DaemonTimeout:   50 * time.Millisecond,
		EndpointTimeout: 50 * time.Millisecond,
		ClusterTimeout:  50 * time.Millisecond,
		ResourceTimeout: 50 * time.Millisecond,
		HTTPTimeout:     50 * time.Millisecond,
		ForceTimeout:    100 * time.Millisecond,
	}
}

func TestCoordinatorEmptyComponents(t *testing.T) {
	coord := shutdown.NewCoordinator(fastConfig())

	err := coord.Shutdown(context.Background(), shutdown.Components{})

	require.NoError(t, err)
	assert.Equal(t, shutdown.PhaseComplete, coord.Phase())
	assert.True(t, coord.IsShuttingDown())
	assert.Empty(t, coord.Errors())
}

func TestCoordinatorShutdownOnlyOnce(t *testing.T) {
	coord := shutdown.NewCoordinator(fastConfig())

	require.NoError(t, coord.Shutdown(context.Background(), shutdown.Components{}))
	require.NoError(t, coord.Shutdown(context.Background(), shutdown.Components{}))
	assert.Equal(t, shutdown.PhaseComplete, coord.Phase())
}

func TestCoordinatorDone(t *testing.T) {
	coord := shutdown.NewCoordinator(fastConfig())

	go func() {
		_ = coord.Shutdown(context.Background(), shutdown.Components{})
	}()

	select {
	case <-coord.Done():
	case <-time.After(time.Second):
		t.Fatal("shutdown did not complete")
	}
}

type fakeDaemon struct {
	mu      sync.Mutex
	stopped bool
}

func (f *fakeDaemon) StopDaemon() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	was := !f.stopped
	f.stopped = true

	return was
}

type fakeCloser struct {
	mu     sync.Mutex
	closed bool
	err    error
}

func (f *fakeCloser) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true

	return f.err
}

type fakeReleaser struct {
	mu       sync.Mutex
	released bool
	err      error
}

func (f *fakeReleaser) ReleaseResources() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true

	return f.err
}

type fakeCluster struct {
	mu   sync.Mutex
	left bool
}

func (f *fakeCluster) Leave(timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = true

	return nil
}

type fakeHTTPServer struct {
	name string
	mu   sync.Mutex
	shut bool
}

func (f *fakeHTTPServer) Name() string { return f.name }

func (f *fakeHTTPServer) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shut = true

	return nil
}

func TestCoordinatorFullSequence(t *testing.T) {
	coord := shutdown.NewCoordinator(fastConfig())

	daemon := &fakeDaemon{}
	endpoint := &fakeCloser{}
	cluster := &fakeCluster{}
	resources := &fakeReleaser{}
	admin := &fakeHTTPServer{name: "admin"}

	err := coord.Shutdown(context.Background(), shutdown.Components{
		Daemon:      daemon,
		Endpoint:    endpoint,
		Cluster:     cluster,
		Resources:   resources,
		HTTPServers: []shutdown.HTTPServerShutdown{admin},
	})

	require.NoError(t, err)
	assert.Empty(t, coord.Errors())
	assert.True(t, daemon.stopped)
	assert.True(t, endpoint.closed)
	assert.True(t, cluster.left)
	assert.True(t, resources.released)
	assert.True(t, admin.shut)
}

func TestCoordinatorCollectsErrors(t *testing.T) {
	coord := shutdown.NewCoordinator(fastConfig())

	endpointErr := errors.New("endpoint close failed")
	resourceErr := errors.New("qp destroy failed")

	err := coord.Shutdown(context.Background(), shutdown.Components{
		Endpoint:  &fakeCloser{err: endpointErr},
		Resources: &fakeReleaser{err: resourceErr},
	})

	require.NoError(t, err)
	errs := coord.Errors()
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], endpointErr)
	assert.ErrorIs(t, errs[1], resourceErr)
	assert.Equal(t, shutdown.PhaseComplete, coord.Phase())
}

func TestCoordinatorHooks(t *testing.T) {
	coord := shutdown.NewCoordinator(fastConfig())

	var (
		mu    sync.Mutex
		order []shutdown.Phase
	)

	record := func(p shutdown.Phase) shutdown.Hook {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, p)
			mu.Unlock()

			return nil
		}
	}

	coord.RegisterHook(shutdown.PhaseDaemon, record(shutdown.PhaseDaemon))
	coord.RegisterHook(shutdown.PhaseEndpoint, record(shutdown.PhaseEndpoint))
	coord.RegisterHook(shutdown.PhaseResources, record(shutdown.PhaseResources))

	require.NoError(t, coord.Shutdown(context.Background(), shutdown.Components{}))

	assert.Equal(t, []shutdown.Phase{
		shutdown.PhaseDaemon,
		shutdown.PhaseEndpoint,
		shutdown.PhaseResources,
	}, order)
}

func TestCoordinatorHookErrorRecorded(t *testing.T) {
	coord := shutdown.NewCoordinator(fastConfig())

	hookErr := errors.New("hook failed")
	coord.RegisterHook(shutdown.PhaseDaemon, func(ctx context.Context) error {
		return hookErr
	})

	require.NoError(t, coord.Shutdown(context.Background(), shutdown.Components{}))

	errs := coord.Errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], hookErr)
}
