// Package client dials a control daemon and runs the out-of-band
// handshake calls against it: fetching memory region attributes and
// creating or fetching reliable-connection queue pairs. A Client holds one
// connection with one call in flight at a time; use one Client per
// goroutine or share it and let the mutex serialize.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/piwi3910/rdmactl/pkg/proto"
)

var (
	// ErrNotFound is returned when the daemon has no resource under the id.
	ErrNotFound = errors.New("client: resource not found")
	// ErrWrongArg is returned when the daemon rejected the request.
	ErrWrongArg = errors.New("client: request rejected")
	// ErrClosed is returned from calls on a closed client.
	ErrClosed = errors.New("client: closed")
	// ErrBadReply is returned when a reply does not match the request.
	ErrBadReply = errors.New("client: reply does not match request")
)

// Options configure a Client.
type Options struct {
	DialTimeout time.Duration
	CallTimeout time.Duration
	MaxFrame    uint32
}

// Option overrides a single client option.
type Option func(*Options)

// WithDialTimeout sets the connect timeout.
func WithDialTimeout(d time.Duration) Option {
	return func(o *Options) { o.DialTimeout = d }
}

// WithCallTimeout sets the per-call timeout used when the context carries
// no deadline of its own.
func WithCallTimeout(d time.Duration) Option {
	return func(o *Options) { o.CallTimeout = d }
}

// WithMaxFrame sets the maximum accepted reply frame size.
func WithMaxFrame(n uint32) Option {
	return func(o *Options) { o.MaxFrame = n }
}

func defaultOptions() Options {
	return Options{
		DialTimeout: 5 * time.Second,
		CallTimeout: 10 * time.Second,
		MaxFrame:    proto.DefaultMaxFrame,
	}
}

// Client is a connection to a control daemon.
type Client struct {
	opts Options

	mu     sync.Mutex
	nc     net.Conn
	nextID uint32
	closed bool
}

// Dial connects to a control daemon at addr.
func Dial(addr string, opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	nc, err := net.DialTimeout("tcp", addr, o.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	return &Client{opts: o, nc: nc}, nil
}

// Close closes the connection. In-flight calls fail.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	return c.nc.Close()
}

// Call sends one request and waits for its reply, returning the raw reply
// payload. One call is in flight at a time.
func (c *Client) Call(ctx context.Context, op proto.Opcode, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var deadline time.Time
	if c.opts.CallTimeout > 0 {
		deadline = time.Now().Add(c.opts.CallTimeout)
	}

	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}

	if err := c.nc.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	c.nextID++
	reqID := c.nextID

	if err := proto.WriteFrame(c.nc, op, reqID, payload); err != nil {
		return nil, err
	}

	gotOp, gotID, reply, err := proto.ReadFrame(c.nc, c.opts.MaxFrame)
	if err != nil {
		return nil, err
	}

	if gotOp != op || gotID != reqID {
		return nil, fmt.Errorf("%w: sent %s/%d, got %s/%d", ErrBadReply, op, reqID, gotOp, gotID)
	}

	return reply, nil
}

// FetchMR fetches the attributes of the memory region registered under id.
func (c *Client) FetchMR(ctx context.Context, id uint64) (proto.MRAttr, error) {
	req := proto.FetchMRRequest{ID: id}

	raw, err := c.Call(ctx, proto.OpFetchMR, req.Marshal())
	if err != nil {
		return proto.MRAttr{}, err
	}

	var reply proto.FetchMRReply
	if err := reply.Unmarshal(raw); err != nil {
		return proto.MRAttr{}, fmt.Errorf("decode fetch_mr reply: %w", err)
	}

	switch reply.Status {
	case proto.StatusOk:
		return reply.Attr, nil
	case proto.StatusNotFound:
		return proto.MRAttr{}, ErrNotFound
	default:
		return proto.MRAttr{}, ErrWrongArg
	}
}

// CreateRC asks the daemon to create a queue pair under id on its NIC
// nicID, connect it to remote, and return the local side's attributes.
func (c *Client) CreateRC(ctx context.Context, id, nicID uint64, cfg proto.QPConfig, remote proto.QPAttr) (proto.QPAttr, error) {
	return c.rc(ctx, proto.CreateRCRequest{
		ID:     id,
		Flag:   proto.FlagCreate,
		NicID:  nicID,
		Config: cfg,
		Remote: remote,
	})
}

// FetchRC fetches the attributes of the queue pair registered under id
// without creating anything.
func (c *Client) FetchRC(ctx context.Context, id uint64) (proto.QPAttr, error) {
	return c.rc(ctx, proto.CreateRCRequest{ID: id, Flag: proto.FlagFetchOnly})
}

func (c *Client) rc(ctx context.Context, req proto.CreateRCRequest) (proto.QPAttr, error) {
	raw, err := c.Call(ctx, proto.OpCreateRC, req.Marshal())
	if err != nil {
		return proto.QPAttr{}, err
	}

	var reply proto.CreateRCReply
	if err := reply.Unmarshal(raw); err != nil {
		return proto.QPAttr{}, fmt.Errorf("decode create_rc reply: %w", err)
	}

	switch reply.Status {
	case proto.StatusOk:
		return reply.Attr, nil
	case proto.StatusNotFound:
		return proto.QPAttr{}, ErrNotFound
	default:
		return proto.QPAttr{}, ErrWrongArg
	}
}
