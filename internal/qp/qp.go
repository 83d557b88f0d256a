// Package qp creates and tracks reliable-connected queue pairs. An RC is
// created on a NIC in the INIT state with a freshly drawn packet sequence
// number; Connect drives it through RTR to RTS once the remote side's
// attributes are known. The Registry is the id → RC table the connection
// handler works against.
package qp

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/piwi3910/rdmactl/internal/metrics"
	"github.com/piwi3910/rdmactl/internal/nic"
	"github.com/piwi3910/rdmactl/internal/verbs"
	"github.com/piwi3910/rdmactl/pkg/proto"
)

var (
	// ErrIDExists is returned when registering an id that is already taken.
	ErrIDExists = errors.New("qp: id already registered")
	// ErrNotFound is returned when an id is absent from the registry.
	ErrNotFound = errors.New("qp: id not registered")
)

const (
	defaultMaxWR     = 128
	defaultMaxSGE    = 1
	defaultMaxInline = 64
	defaultAccess    = verbs.MRAccessLocalWrite | verbs.MRAccessRemoteRead | verbs.MRAccessRemoteWrite
)

func withDefaults(cfg proto.QPConfig) proto.QPConfig {
	if cfg.MaxSendWR == 0 {
		cfg.MaxSendWR = defaultMaxWR
	}

	if cfg.MaxRecvWR == 0 {
		cfg.MaxRecvWR = defaultMaxWR
	}

	if cfg.MaxSendSGE == 0 {
		cfg.MaxSendSGE = defaultMaxSGE
	}

	if cfg.MaxRecvSGE == 0 {
		cfg.MaxRecvSGE = defaultMaxSGE
	}

	if cfg.MaxInline == 0 {
		cfg.MaxInline = defaultMaxInline
	}

	if cfg.Access == 0 {
		cfg.Access = defaultAccess
	}

	return cfg
}

// RC is a reliable-connected queue pair bound to one NIC.
type RC struct {
	backend verbs.Backend
	nic     *nic.Nic
	sendCQ  verbs.CQ
	recvCQ  verbs.CQ
	qp      verbs.QP
	qpn     uint32
	psn     uint32
	cfg     proto.QPConfig

	mu        sync.Mutex
	connected bool
}

// NewRC creates the completion queues and the queue pair on n and moves
// the queue pair to INIT. Partially created resources are destroyed if a
// later step fails.
func NewRC(n *nic.Nic, cfg proto.QPConfig) (*RC, error) {
	cfg = withDefaults(cfg)
	backend := n.Backend()
	cqe := int(cfg.MaxSendWR + cfg.MaxRecvWR)

	sendCQ, err := backend.CreateCQ(n.Context(), cqe)
	if err != nil {
		return nil, fmt.Errorf("create send cq: %w", err)
	}

	recvCQ, err := backend.CreateCQ(n.Context(), cqe)
	if err != nil {
		_ = backend.DestroyCQ(sendCQ)
		return nil, fmt.Errorf("create recv cq: %w", err)
	}

	handle, err := backend.CreateQP(n.PD(), sendCQ, recvCQ, verbs.QPTypeRC, verbs.QPCap{
		MaxSendWR:     cfg.MaxSendWR,
		MaxRecvWR:     cfg.MaxRecvWR,
		MaxSendSGE:    cfg.MaxSendSGE,
		MaxRecvSGE:    cfg.MaxRecvSGE,
		MaxInlineData: cfg.MaxInline,
	})
	if err != nil {
		_ = backend.DestroyCQ(recvCQ)
		_ = backend.DestroyCQ(sendCQ)

		return nil, fmt.Errorf("create qp: %w", err)
	}

	if err := backend.ModifyQPToInit(handle, n.Port().Number, cfg.Access); err != nil {
		_ = backend.DestroyQP(handle)
		_ = backend.DestroyCQ(recvCQ)
		_ = backend.DestroyCQ(sendCQ)

		return nil, fmt.Errorf("modify qp to init: %w", err)
	}

	attr, err := backend.QueryQP(handle)
	if err != nil {
		_ = backend.DestroyQP(handle)
		_ = backend.DestroyCQ(recvCQ)
		_ = backend.DestroyCQ(sendCQ)

		return nil, fmt.Errorf("query qp: %w", err)
	}

	// 24-bit PSN, as the libibverbs pingpong examples draw it.
	psn := uint32(rand.Int31n(1 << 24)) //nolint:gosec // G404: sequence numbers need uniqueness, not secrecy

	return &RC{
		backend: backend,
		nic:     n,
		sendCQ:  sendCQ,
		recvCQ:  recvCQ,
		qp:      handle,
		qpn:     attr.QPN,
		psn:     psn,
		cfg:     cfg,
	}, nil
}

// Attr returns the attributes the remote side needs to reach this queue
// pair: number, initial sequence number and the NIC port's routing info.
func (rc *RC) Attr() proto.QPAttr {
	port := rc.nic.Port()

	return proto.QPAttr{
		QPN:     rc.qpn,
		PSN:     rc.psn,
		LID:     port.LID,
		PortNum: port.Number,
		GID:     port.GID,
	}
}

// QPN returns the queue pair number.
func (rc *RC) QPN() uint32 { return rc.qpn }

// NicName returns the name of the NIC the queue pair lives on.
func (rc *RC) NicName() string { return rc.nic.Name() }

// Connect drives the queue pair to RTR against the remote attributes and
// then to RTS with the local sequence number. The queue pair is unusable
// after a failed Connect; callers are expected to deregister it.
func (rc *RC) Connect(remote proto.QPAttr) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	err := rc.backend.ModifyQPToRTR(rc.qp, remote.QPN, remote.PSN, remote.LID, remote.GID, rc.nic.Port().Number)
	if err != nil {
		return fmt.Errorf("modify qp to rtr: %w", err)
	}

	if err := rc.backend.ModifyQPToRTS(rc.qp, rc.psn); err != nil {
		return fmt.Errorf("modify qp to rts: %w", err)
	}

	rc.connected = true

	return nil
}

// Connected reports whether Connect has completed successfully.
func (rc *RC) Connected() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	return rc.connected
}

// State queries the backend for the current queue pair state.
func (rc *RC) State() (verbs.QPState, error) {
	attr, err := rc.backend.QueryQP(rc.qp)
	if err != nil {
		return verbs.QPStateError, err
	}

	return attr.State, nil
}

// Close destroys the queue pair and both completion queues, returning the
// first error.
func (rc *RC) Close() error {
	var firstErr error

	if err := rc.backend.DestroyQP(rc.qp); err != nil {
		firstErr = fmt.Errorf("destroy qp: %w", err)
	}

	if err := rc.backend.DestroyCQ(rc.recvCQ); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("destroy recv cq: %w", err)
	}

	if err := rc.backend.DestroyCQ(rc.sendCQ); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("destroy send cq: %w", err)
	}

	return firstErr
}

// Registry maps numeric ids to queue pairs. Safe for concurrent use; the
// registry owns registered queue pairs and destroys them on
// deregistration.
type Registry struct {
	mu  sync.RWMutex
	qps map[uint64]*RC
}

// NewRegistry creates an empty queue pair registry.
func NewRegistry() *Registry {
	return &Registry{qps: make(map[uint64]*RC)}
}

// CreateAndRegisterRC creates a fresh RC on n and registers it under id.
// If the id is already taken the new queue pair is destroyed and
// ErrIDExists is returned; the existing entry is never overwritten.
func (r *Registry) CreateAndRegisterRC(id uint64, n *nic.Nic, cfg proto.QPConfig) (*RC, error) {
	rc, err := NewRC(n, cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()

	if _, ok := r.qps[id]; ok {
		r.mu.Unlock()
		_ = rc.Close()

		return nil, fmt.Errorf("qp %d: %w", id, ErrIDExists)
	}

	r.qps[id] = rc
	metrics.SetRegisteredQPs(len(r.qps))
	r.mu.Unlock()

	return rc, nil
}

// QueryRC returns the queue pair registered under id.
func (r *Registry) QueryRC(id uint64) (*RC, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rc, ok := r.qps[id]

	return rc, ok
}

// Attr returns the exchange attributes of the queue pair under id.
func (r *Registry) Attr(id uint64) (proto.QPAttr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rc, ok := r.qps[id]
	if !ok {
		return proto.QPAttr{}, false
	}

	return rc.Attr(), true
}

// DeregisterRC removes the queue pair under id and destroys it.
func (r *Registry) DeregisterRC(id uint64) error {
	r.mu.Lock()
	rc, ok := r.qps[id]
	if ok {
		delete(r.qps, id)
		metrics.SetRegisteredQPs(len(r.qps))
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("qp %d: %w", id, ErrNotFound)
	}

	return rc.Close()
}

// IDs returns the registered ids in ascending order.
func (r *Registry) IDs() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uint64, 0, len(r.qps))
	for id := range r.qps {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// Len returns the number of registered queue pairs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.qps)
}

// CloseAll deregisters and destroys every queue pair, returning the first
// error.
func (r *Registry) CloseAll() error {
	var firstErr error

	for _, id := range r.IDs() {
		if err := r.DeregisterRC(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
