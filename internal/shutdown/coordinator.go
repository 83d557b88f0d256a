// Package shutdown provides graceful shutdown coordination for the control
// daemon.
//
// The shutdown coordinator manages the orderly shutdown of all components,
// ensuring no handshake request is cut off mid-flight and every hardware
// resource is released. It implements a phased shutdown sequence:
//
//  1. Daemon - Stop the event-loop worker (in-flight request completes)
//  2. Endpoint - Close the RPC endpoint and its connections
//  3. Cluster - Leave the gossip cluster
//  4. Resources - Destroy queue pairs, deregister memory, close NICs
//  5. HTTP Servers - Shutdown the admin server
//
// The coordinator tracks shutdown progress with metrics and respects
// configurable timeouts to prevent hanging during shutdown.
package shutdown

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Phase represents a shutdown phase.
type Phase string

// Shutdown phases in order of execution.
const (
	PhaseNone           Phase = "none"
	PhaseDaemon         Phase = "daemon"
	PhaseEndpoint       Phase = "endpoint"
	PhaseCluster        Phase = "cluster"
	PhaseResources      Phase = "resources"
	PhaseHTTPServers    Phase = "http_servers"
	PhaseComplete       Phase = "complete"
	PhaseForcedShutdown Phase = "forced_shutdown"
)

// Config holds shutdown configuration.
type Config struct {
	// TotalTimeout is the maximum time allowed for the entire shutdown sequence.
	// Default: 30 seconds
	TotalTimeout time.Duration

	// DaemonTimeout is the time to wait for the event-loop worker to exit.
	// Default: 10 seconds
	DaemonTimeout time.Duration

	// EndpointTimeout is the time to wait for the RPC endpoint to close.
	// Default: 10 seconds
	EndpointTimeout time.Duration

	// ClusterTimeout is the time allowed for the gossip leave broadcast.
	// Default: 5 seconds
	ClusterTimeout time.Duration

	// ResourceTimeout is the time to wait for hardware resources to release.
	// Default: 10 seconds
	ResourceTimeout time.Duration

	// HTTPTimeout is the time to wait for HTTP servers to shutdown.
	// Default: 10 seconds
	HTTPTimeout time.Duration

	// ForceTimeout is the time after which shutdown is forced.
	// Default: 5 seconds after TotalTimeout
	ForceTimeout time.Duration
}

// DefaultConfig returns the default shutdown configuration.
func DefaultConfig() Config {
	return Config{
		TotalTimeout:    30 * time.Second,
		DaemonTimeout:   10 * time.Second,
		EndpointTimeout: 10 * time.Second,
		ClusterTimeout:  5 * time.Second,
		ResourceTimeout: 10 * time.Second,
		HTTPTimeout:     10 * time.Second,
		ForceTimeout:    5 * time.Second,
	}
}

// DaemonStopper stops the event-loop worker and joins it.
type DaemonStopper interface {
	StopDaemon() bool
}

// ResourceReleaser releases registered hardware resources.
type ResourceReleaser interface {
	ReleaseResources() error
}

// ClusterLeaver leaves the gossip cluster gracefully.
type ClusterLeaver interface {
	Leave(timeout time.Duration) error
}

// HTTPServerShutdown wraps an HTTP server for shutdown.
type HTTPServerShutdown interface {
	Name() string
	Shutdown(ctx context.Context) error
}

// Components holds all components that need to be shutdown.
type Components struct {
	// Daemon is the control daemon whose worker loop is stopped first
	Daemon DaemonStopper

	// Endpoint is the RPC endpoint
	Endpoint io.Closer

	// Cluster is the optional gossip membership
	Cluster ClusterLeaver

	// Resources releases queue pairs, memory regions and NICs
	Resources ResourceReleaser

	// HTTPServers are HTTP servers to shutdown gracefully
	HTTPServers []HTTPServerShutdown
}

// Hook is a function called during shutdown.
type Hook func(ctx context.Context) error

// Coordinator manages graceful shutdown of all daemon components.
type Coordinator struct {
	config   Config
	mu       sync.RWMutex
	phase    Phase
	started  time.Time
	errors   []error
	hooks    map[Phase][]Hook
	doneCh   chan struct{}
	shutdown atomic.Bool
}

// NewCoordinator creates a new shutdown coordinator with the given configuration.
func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{
		config: cfg,
		phase:  PhaseNone,
		hooks:  make(map[Phase][]Hook),
		doneCh: make(chan struct{}),
	}
}

// RegisterHook registers a shutdown hook for a specific phase.
func (c *Coordinator) RegisterHook(phase Phase, hook Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks[phase] = append(c.hooks[phase], hook)
}

// Phase returns the current shutdown phase.
func (c *Coordinator) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.phase
}

// IsShuttingDown returns true if shutdown has been initiated.
func (c *Coordinator) IsShuttingDown() bool {
	return c.shutdown.Load()
}

// Done returns a channel that is closed when shutdown is complete.
func (c *Coordinator) Done() <-chan struct{} {
	return c.doneCh
}

// Errors returns any errors that occurred during shutdown.
func (c *Coordinator) Errors() []error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]error{}, c.errors...)
}

// setPhase updates the current phase and logs the transition.
func (c *Coordinator) setPhase(phase Phase) {
	c.mu.Lock()
	oldPhase := c.phase
	c.phase = phase
	c.mu.Unlock()

	elapsed := time.Since(c.started)
	log.Info().
		Str("from_phase", string(oldPhase)).
		Str("to_phase", string(phase)).
		Dur("elapsed", elapsed).
		Msg("Shutdown phase transition")

	// Update metrics
	SetShutdownPhase(phase)
}

// addError records a shutdown error.
func (c *Coordinator) addError(err error) {
	c.mu.Lock()
	c.errors = append(c.errors, err)
	c.mu.Unlock()

	IncrementShutdownErrors()
}

// runHooks executes all hooks registered for the given phase.
func (c *Coordinator) runHooks(ctx context.Context, phase Phase) {
	c.mu.RLock()
	hooks := c.hooks[phase]
	c.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			log.Error().Err(err).Str("phase", string(phase)).Msg("Shutdown hook failed")
			c.addError(err)
		}
	}
}

// Shutdown initiates graceful shutdown of all components.
func (c *Coordinator) Shutdown(ctx context.Context, components Components) error {
	// Ensure we only shutdown once
	if !c.shutdown.CompareAndSwap(false, true) {
		log.Warn().Msg("Shutdown already in progress")

		return nil
	}

	c.started = time.Now()
	log.Info().Msg("Initiating graceful shutdown")
	SetShutdownStartTime(c.started)

	// Create overall timeout context
	shutdownCtx, cancel := context.WithTimeout(ctx, c.config.TotalTimeout)
	defer cancel()

	// Start forced shutdown timer
	go c.watchForceTimeout(shutdownCtx)

	// Execute shutdown sequence
	c.executeShutdownSequence(shutdownCtx, components)

	// Mark completion
	c.setPhase(PhaseComplete)
	close(c.doneCh)

	duration := time.Since(c.started)
	SetShutdownDuration(duration)

	if len(c.errors) > 0 {
		log.Warn().
			Int("error_count", len(c.errors)).
			Dur("duration", duration).
			Msg("Shutdown completed with errors")
	} else {
		log.Info().
			Dur("duration", duration).
			Msg("Shutdown completed successfully")
	}

	return nil
}

// watchForceTimeout monitors for force timeout and triggers forced shutdown.
func (c *Coordinator) watchForceTimeout(ctx context.Context) {
	forceDeadline := c.config.TotalTimeout + c.config.ForceTimeout
	timer := time.NewTimer(forceDeadline)

	defer timer.Stop()

	select {
	case <-timer.C:
		c.setPhase(PhaseForcedShutdown)
		log.Warn().
			Dur("timeout", forceDeadline).
			Msg("Force timeout reached, forcing shutdown")
	case <-c.doneCh:
		// Shutdown completed normally, goroutine exits cleanly
	case <-ctx.Done():
		// Context cancelled, goroutine exits cleanly
	}
}

// executeShutdownSequence runs through all shutdown phases in order.
func (c *Coordinator) executeShutdownSequence(ctx context.Context, components Components) {
	// Phase 1: Stop the event-loop worker
	c.executeDaemonPhase(ctx, components)

	// Phase 2: Close the RPC endpoint
	c.executeEndpointPhase(ctx, components)

	// Phase 3: Leave the gossip cluster
	c.executeClusterPhase(ctx, components)

	// Phase 4: Release hardware resources
	c.executeResourcesPhase(ctx, components)

	// Phase 5: Stop HTTP servers
	c.executeHTTPServersPhase(ctx, components)
}

// executeDaemonPhase joins the worker loop. The stop flag is only observed
// between loop iterations, so a request being handled runs to completion
// before StopDaemon returns.
func (c *Coordinator) executeDaemonPhase(ctx context.Context, components Components) {
	c.setPhase(PhaseDaemon)
	c.runHooks(ctx, PhaseDaemon)

	if components.Daemon == nil {
		return
	}

	daemonCtx, cancel := context.WithTimeout(ctx, c.config.DaemonTimeout)
	defer cancel()

	done := make(chan bool, 1)

	go func() {
		done <- components.Daemon.StopDaemon()
	}()

	select {
	case wasRunning := <-done:
		if wasRunning {
			log.Info().Msg("Daemon worker stopped")
		} else {
			log.Debug().Msg("Daemon worker was not running")
		}

		IncrementWorkersStopped()
	case <-daemonCtx.Done():
		log.Warn().Msg("Timeout stopping daemon worker")
		c.addError(daemonCtx.Err())
	}
}

func (c *Coordinator) executeEndpointPhase(ctx context.Context, components Components) {
	c.setPhase(PhaseEndpoint)
	c.runHooks(ctx, PhaseEndpoint)

	if components.Endpoint == nil {
		return
	}

	endpointCtx, cancel := context.WithTimeout(ctx, c.config.EndpointTimeout)
	defer cancel()

	c.closeComponent(endpointCtx, "rpc_endpoint", components.Endpoint)
}

func (c *Coordinator) executeClusterPhase(ctx context.Context, components Components) {
	c.setPhase(PhaseCluster)
	c.runHooks(ctx, PhaseCluster)

	if components.Cluster == nil {
		return
	}

	done := make(chan error, 1)

	go func() {
		done <- components.Cluster.Leave(c.config.ClusterTimeout)
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Msg("Error leaving cluster")
			c.addError(err)
		} else {
			log.Info().Msg("Left gossip cluster")
		}
	case <-ctx.Done():
		log.Warn().Msg("Timeout leaving cluster")
		c.addError(ctx.Err())
	}
}

func (c *Coordinator) executeResourcesPhase(ctx context.Context, components Components) {
	c.setPhase(PhaseResources)
	c.runHooks(ctx, PhaseResources)

	if components.Resources == nil {
		return
	}

	resourceCtx, cancel := context.WithTimeout(ctx, c.config.ResourceTimeout)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- components.Resources.ReleaseResources()
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Msg("Error releasing hardware resources")
			c.addError(err)
		} else {
			log.Info().Msg("Hardware resources released")
		}
	case <-resourceCtx.Done():
		log.Warn().Msg("Timeout releasing hardware resources")
		c.addError(resourceCtx.Err())
	}
}

func (c *Coordinator) executeHTTPServersPhase(ctx context.Context, components Components) {
	c.setPhase(PhaseHTTPServers)
	c.runHooks(ctx, PhaseHTTPServers)

	httpCtx, cancel := context.WithTimeout(ctx, c.config.HTTPTimeout)
	defer cancel()

	// Shutdown HTTP servers concurrently
	var wg sync.WaitGroup

	for _, server := range components.HTTPServers {
		wg.Add(1)

		go func(srv HTTPServerShutdown) {
			defer wg.Done()

			if err := srv.Shutdown(httpCtx); err != nil {
				log.Error().Err(err).Str("server", srv.Name()).Msg("Error shutting down HTTP server")
				c.addError(err)
			} else {
				log.Info().Str("server", srv.Name()).Msg("HTTP server shutdown complete")
			}
		}(server)
	}

	wg.Wait()
}

func (c *Coordinator) closeComponent(ctx context.Context, name string, component io.Closer) {
	done := make(chan error, 1)

	go func() {
		done <- component.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Str("component", name).Msg("Error closing component")
			c.addError(err)
		} else {
			log.Info().Str("component", name).Msg("Component closed")
		}
	case <-ctx.Done():
		log.Warn().Str("component", name).Msg("Timeout closing component")
		c.addError(ctx.Err())
	}
}
