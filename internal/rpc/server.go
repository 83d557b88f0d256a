// Package rpc implements the daemon's out-of-band control channel: a TCP
// endpoint speaking the fixed-frame protocol from pkg/proto. Connection
// readers only decode and queue requests; handlers run exclusively on the
// goroutine that calls PollOnce, so request processing stays strictly
// sequential no matter how many peers are connected.
package rpc

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmactl/internal/metrics"
	"github.com/piwi3910/rdmactl/pkg/proto"
)

// Handler processes one request payload and returns the serialized reply.
// Failures never cross this boundary as errors; they are encoded in the
// reply's status field.
type Handler func(payload []byte) []byte

// ErrServerClosed is returned from operations on a closed server.
var ErrServerClosed = errors.New("rpc: server closed")

// Config configures the RPC endpoint.
type Config struct {
	ListenAddr string
	MaxFrame   uint32
	QueueDepth int
}

// DefaultConfig returns default endpoint configuration.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr: ":9100",
		MaxFrame:   proto.DefaultMaxFrame,
		QueueDepth: 1024,
	}
}

// request is one decoded frame waiting to be pumped.
type request struct {
	conn    *conn
	payload []byte
	reqID   uint32
	op      proto.Opcode
}

// conn is one accepted peer connection.
type conn struct {
	id      string
	nc      net.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

func (c *conn) write(op proto.Opcode, reqID uint32, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return net.ErrClosed
	}

	if err := proto.WriteFrame(c.nc, op, reqID, payload); err != nil {
		return err
	}

	metrics.AddBytesSent(int64(len(payload)) + proto.FrameOverhead)

	return nil
}

func (c *conn) close() {
	if c.closed.CompareAndSwap(false, true) {
		_ = c.nc.Close()
		metrics.DecrementRPCConnections()
	}
}

// Server accepts peer connections and queues their requests until the
// owner pumps them with PollOnce.
type Server struct {
	cfg      *Config
	listener net.Listener
	ready    chan *request
	done     chan struct{}

	handlerMu sync.RWMutex
	handlers  map[proto.Opcode]Handler

	connMu sync.Mutex
	conns  map[string]*conn

	wg      sync.WaitGroup
	running atomic.Bool
}

// NewServer binds the listener and starts accepting. Accepted requests
// queue up but are not processed until PollOnce is called. A ":0" listen
// address binds an ephemeral port reported by Addr.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if cfg.MaxFrame == 0 {
		cfg.MaxFrame = proto.DefaultMaxFrame
	}

	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultConfig().QueueDepth
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}

	s := &Server{
		cfg:      cfg,
		listener: listener,
		ready:    make(chan *request, cfg.QueueDepth),
		done:     make(chan struct{}),
		handlers: make(map[proto.Opcode]Handler),
		conns:    make(map[string]*conn),
	}

	s.running.Store(true)

	s.wg.Add(1)

	go s.acceptLoop()

	log.Info().
		Str("addr", listener.Addr().String()).
		Msg("RPC endpoint listening")

	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// RegisterHandler binds a handler to an opcode. It returns false when the
// opcode is already taken or the handler is nil; the existing binding is
// never replaced.
func (s *Server) RegisterHandler(op proto.Opcode, h Handler) bool {
	if h == nil {
		return false
	}

	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()

	if _, ok := s.handlers[op]; ok {
		return false
	}

	s.handlers[op] = h

	return true
}

// PollOnce drains the requests queued at the moment of the call, runs each
// through its handler and writes the reply, then returns how many it
// processed. It returns 0 immediately when nothing is queued.
func (s *Server) PollOnce() int {
	processed := 0

	for {
		select {
		case req := <-s.ready:
			s.dispatch(req)

			processed++
		default:
			return processed
		}
	}
}

func (s *Server) dispatch(req *request) {
	s.handlerMu.RLock()
	h, ok := s.handlers[req.op]
	s.handlerMu.RUnlock()

	if !ok {
		log.Warn().
			Str("conn", req.conn.id).
			Str("opcode", req.op.String()).
			Msg("unknown opcode, dropping connection")
		req.conn.close()

		return
	}

	reply := h(req.payload)

	if err := req.conn.write(req.op, req.reqID, reply); err != nil {
		log.Debug().
			Err(err).
			Str("conn", req.conn.id).
			Msg("reply write failed")
		req.conn.close()
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			log.Warn().Err(err).Msg("accept failed")

			continue
		}

		c := &conn{id: uuid.NewString(), nc: nc}

		s.connMu.Lock()
		s.conns[c.id] = c
		s.connMu.Unlock()

		metrics.IncrementRPCConnections()
		log.Debug().
			Str("conn", c.id).
			Str("remote", nc.RemoteAddr().String()).
			Msg("connection accepted")

		s.wg.Add(1)

		go s.readLoop(c)
	}
}

// readLoop decodes frames off one connection and queues them. It never
// executes a handler. A full queue blocks the reader, which pushes back on
// the peer through TCP flow control.
func (s *Server) readLoop(c *conn) {
	defer s.wg.Done()
	defer func() {
		c.close()
		s.connMu.Lock()
		delete(s.conns, c.id)
		s.connMu.Unlock()
	}()

	for {
		op, reqID, payload, err := proto.ReadFrame(c.nc, s.cfg.MaxFrame)
		if err != nil {
			if s.running.Load() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug().
					Err(err).
					Str("conn", c.id).
					Msg("read failed, closing connection")
			}

			return
		}

		metrics.AddBytesReceived(int64(len(payload)) + proto.FrameOverhead)

		select {
		case s.ready <- &request{conn: c, op: op, reqID: reqID, payload: payload}:
		case <-s.done:
			return
		}
	}
}

// ActiveConns returns the number of currently open connections.
func (s *Server) ActiveConns() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	n := 0

	for _, c := range s.conns {
		if !c.closed.Load() {
			n++
		}
	}

	return n
}

// Close stops accepting, closes every connection and joins the readers.
// Requests still queued are discarded.
func (s *Server) Close() error {
	if !s.running.CompareAndSwap(true, false) {
		return ErrServerClosed
	}

	close(s.done)

	err := s.listener.Close()

	s.connMu.Lock()
	for _, c := range s.conns {
		c.close()
	}
	s.connMu.Unlock()

	s.wg.Wait()

	log.Info().Msg("RPC endpoint closed")

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}

	return nil
}
