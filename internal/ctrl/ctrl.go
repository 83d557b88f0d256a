// Package ctrl implements the control daemon that serves the out-of-band
// RDMA handshake. It owns the three resource registries and the RPC
// endpoint, registers the fetch and connection handlers at construction,
// and pumps the endpoint from a single background worker so requests are
// processed strictly one at a time.
package ctrl

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmactl/internal/metrics"
	"github.com/piwi3910/rdmactl/internal/mr"
	"github.com/piwi3910/rdmactl/internal/nic"
	"github.com/piwi3910/rdmactl/internal/qp"
	"github.com/piwi3910/rdmactl/internal/rpc"
	"github.com/piwi3910/rdmactl/pkg/proto"
)

// Ctrl is the control daemon. The registries are exported so the hosting
// process can publish memory regions and NICs before peers ask for them;
// the RPC path and these fields are the only ways state changes.
type Ctrl struct {
	MRs  *mr.Registry
	QPs  *qp.Registry
	Nics *nic.Registry

	rpc *rpc.Server

	lifecycleMu sync.Mutex
	running     atomic.Bool
	done        chan struct{}
	processed   atomic.Uint64
}

// New constructs the daemon and binds its RPC endpoint. Both handlers are
// registered immediately, but nothing is processed until StartDaemon.
func New(cfg *rpc.Config) (*Ctrl, error) {
	server, err := rpc.NewServer(cfg)
	if err != nil {
		return nil, fmt.Errorf("bind rpc endpoint: %w", err)
	}

	c := &Ctrl{
		MRs:  mr.NewRegistry(),
		QPs:  qp.NewRegistry(),
		Nics: nic.NewRegistry(),
		rpc:  server,
	}

	server.RegisterHandler(proto.OpFetchMR, c.fetchMRHandler)
	server.RegisterHandler(proto.OpCreateRC, c.createRCHandler)

	return c, nil
}

// Addr returns the RPC endpoint's bound listen address.
func (c *Ctrl) Addr() string { return c.rpc.Addr() }

// Running reports whether the worker is active.
func (c *Ctrl) Running() bool { return c.running.Load() }

// Processed returns the number of requests handled since construction.
func (c *Ctrl) Processed() uint64 { return c.processed.Load() }

// ActiveConns returns the number of open RPC connections.
func (c *Ctrl) ActiveConns() int { return c.rpc.ActiveConns() }

// NicCount returns the number of opened NICs.
func (c *Ctrl) NicCount() int { return c.Nics.Len() }

// StartDaemon spawns the background worker. Returns false if the daemon
// is already running.
func (c *Ctrl) StartDaemon() bool {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.running.Load() {
		return false
	}

	c.done = make(chan struct{})
	c.running.Store(true)
	metrics.SetDaemonRunning(true)

	go c.daemonLoop(c.done)

	log.Info().Str("addr", c.rpc.Addr()).Msg("control daemon started")

	return true
}

// StopDaemon clears the running flag and blocks until the worker has
// exited. Once it returns, no further requests are processed until the
// daemon is started again. Returns false if the daemon was not running.
func (c *Ctrl) StopDaemon() bool {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.running.Load() {
		return false
	}

	c.running.Store(false)
	<-c.done
	metrics.SetDaemonRunning(false)

	return true
}

// daemonLoop busy-polls the endpoint until the running flag clears. There
// is deliberately no sleep between iterations: handshake traffic is bursty
// and latency-sensitive, and the daemon is expected to own its core. The
// flag is only checked between iterations, so a request in flight always
// completes.
func (c *Ctrl) daemonLoop(done chan struct{}) {
	defer close(done)

	var total uint64

	for c.running.Load() {
		n := c.rpc.PollOnce()
		if n > 0 {
			total += uint64(n)
			c.processed.Add(uint64(n))
			metrics.AddEventsProcessed(n)
		}
	}

	log.Info().Uint64("processed", total).Msg("daemon stopped")
}

// Close stops the worker and shuts down the RPC endpoint. Registered
// resources stay alive; ReleaseResources tears those down.
func (c *Ctrl) Close() error {
	c.StopDaemon()

	return c.rpc.Close()
}

// ReleaseResources destroys all registered queue pairs and memory regions
// and closes all NICs, in dependency order.
func (c *Ctrl) ReleaseResources() error {
	var firstErr error

	for _, err := range []error{c.QPs.CloseAll(), c.MRs.CloseAll(), c.Nics.CloseAll()} {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// fetchMRHandler serves attribute fetches for registered memory regions.
// Pure read; no failure here changes any registry.
func (c *Ctrl) fetchMRHandler(payload []byte) []byte {
	start := time.Now()

	var req proto.FetchMRRequest
	if err := req.Unmarshal(payload); err != nil {
		log.Warn().Err(err).Msg("malformed fetch_mr request")

		return finishFetchMR(start, proto.FetchMRReply{Status: proto.StatusWrongArg})
	}

	attr, ok := c.MRs.Attr(req.ID)
	if !ok {
		log.Debug().Uint64("id", req.ID).Msg("fetch_mr: id not registered")

		return finishFetchMR(start, proto.FetchMRReply{Status: proto.StatusNotFound})
	}

	return finishFetchMR(start, proto.FetchMRReply{Status: proto.StatusOk, Attr: attr})
}

// createRCHandler optionally creates and connects a queue pair, then
// serves its attributes. The final fetch runs unconditionally, so a
// creating call and a fetch-only call for an existing id produce the same
// reply; peers may retry safely.
func (c *Ctrl) createRCHandler(payload []byte) []byte {
	start := time.Now()

	var req proto.CreateRCRequest
	if err := req.Unmarshal(payload); err != nil {
		log.Warn().Err(err).Msg("malformed create_rc request")

		return finishCreateRC(start, proto.CreateRCReply{Status: proto.StatusWrongArg})
	}

	if !req.Flag.Valid() {
		log.Warn().Uint8("flag", uint8(req.Flag)).Msg("create_rc: invalid create flag")

		return finishCreateRC(start, proto.CreateRCReply{Status: proto.StatusWrongArg})
	}

	if req.Flag == proto.FlagCreate {
		if reply, failed := c.createRC(&req); failed {
			return finishCreateRC(start, reply)
		}
	}

	attr, ok := c.QPs.Attr(req.ID)
	if !ok {
		return finishCreateRC(start, proto.CreateRCReply{Status: proto.StatusNotFound})
	}

	return finishCreateRC(start, proto.CreateRCReply{Status: proto.StatusOk, Attr: attr})
}

// createRC runs the create-and-connect step. failed=true carries the
// failure reply; otherwise the caller proceeds to the final fetch.
func (c *Ctrl) createRC(req *proto.CreateRCRequest) (reply proto.CreateRCReply, failed bool) {
	n, ok := c.Nics.Find(req.NicID)
	if !ok {
		log.Warn().Uint64("nic", req.NicID).Msg("create_rc: nic not opened")

		return proto.CreateRCReply{Status: proto.StatusWrongArg}, true
	}

	rc, err := c.QPs.CreateAndRegisterRC(req.ID, n, req.Config)
	if err != nil {
		log.Warn().Err(err).Uint64("id", req.ID).Msg("create_rc: create failed")

		return proto.CreateRCReply{Status: proto.StatusWrongArg}, true
	}

	if err := rc.Connect(req.Remote); err != nil {
		// The id must not stay bound to a half-connected queue pair.
		if derr := c.QPs.DeregisterRC(req.ID); derr != nil {
			log.Error().Err(derr).Uint64("id", req.ID).Msg("create_rc: rollback failed")
		}

		log.Warn().Err(err).Uint64("id", req.ID).Msg("create_rc: connect failed")

		return proto.CreateRCReply{Status: proto.StatusWrongArg}, true
	}

	return proto.CreateRCReply{}, false
}

func finishFetchMR(start time.Time, reply proto.FetchMRReply) []byte {
	metrics.RecordRequest(proto.OpFetchMR.String(), reply.Status.String(), time.Since(start))

	return reply.Marshal()
}

func finishCreateRC(start time.Time, reply proto.CreateRCReply) []byte {
	metrics.RecordRequest(proto.OpCreateRC.String(), reply.Status.String(), time.Since(start))

	return reply.Marshal()
}
