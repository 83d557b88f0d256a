// Package nic tracks opened RDMA devices. A Nic bundles everything queue
// pair creation needs from the hardware side: the device context, a
// protection domain on it, and the port attributes (LID, GID) peers use for
// routing. The Registry is the id → Nic table the connection handler
// consults; the hosting process fills it before peers can reference an id.
package nic

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/piwi3910/rdmactl/internal/metrics"
	"github.com/piwi3910/rdmactl/internal/verbs"
)

var (
	// ErrIDExists is returned when registering an id that is already taken.
	ErrIDExists = errors.New("nic: id already registered")
	// ErrNotFound is returned when an id is absent from the registry.
	ErrNotFound = errors.New("nic: id not registered")
	// ErrPortDown is returned when the requested port is not active.
	ErrPortDown = errors.New("nic: port not active")
)

// Nic is an opened RDMA device context with an allocated protection domain.
type Nic struct {
	backend  verbs.Backend
	ctx      verbs.Context
	pd       verbs.PD
	device   verbs.DeviceInfo
	port     verbs.PortAttr
	gidIndex int
}

// Open opens deviceName on the given port, verifies the link is up,
// allocates a protection domain and snapshots the port attributes at
// gidIndex. Everything opened so far is released if a later step fails.
func Open(backend verbs.Backend, deviceName string, portNum uint8, gidIndex int) (*Nic, error) {
	devices, err := backend.DeviceList()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	var device verbs.DeviceInfo

	found := false

	for _, d := range devices {
		if d.Name == deviceName {
			device = d
			found = true

			break
		}
	}

	if !found {
		return nil, fmt.Errorf("open %s: %w", deviceName, verbs.ErrDeviceNotFound)
	}

	ctx, err := backend.OpenDevice(deviceName)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", deviceName, err)
	}

	port, err := backend.QueryPort(ctx, portNum, gidIndex)
	if err != nil {
		_ = backend.CloseDevice(ctx)
		return nil, fmt.Errorf("query %s port %d: %w", deviceName, portNum, err)
	}

	if port.State != verbs.PortActive {
		_ = backend.CloseDevice(ctx)
		return nil, fmt.Errorf("%s port %d: %w", deviceName, portNum, ErrPortDown)
	}

	pd, err := backend.AllocPD(ctx)
	if err != nil {
		_ = backend.CloseDevice(ctx)
		return nil, fmt.Errorf("alloc pd on %s: %w", deviceName, err)
	}

	return &Nic{
		backend:  backend,
		ctx:      ctx,
		pd:       pd,
		device:   device,
		port:     port,
		gidIndex: gidIndex,
	}, nil
}

// Close releases the protection domain and the device context.
func (n *Nic) Close() error {
	if err := n.backend.DeallocPD(n.pd); err != nil {
		return fmt.Errorf("dealloc pd on %s: %w", n.device.Name, err)
	}

	if err := n.backend.CloseDevice(n.ctx); err != nil {
		return fmt.Errorf("close %s: %w", n.device.Name, err)
	}

	return nil
}

// Name returns the device name.
func (n *Nic) Name() string { return n.device.Name }

// Device returns the device information snapshot.
func (n *Nic) Device() verbs.DeviceInfo { return n.device }

// Port returns the port attributes snapshotted at open time.
func (n *Nic) Port() verbs.PortAttr { return n.port }

// Context returns the device context handle.
func (n *Nic) Context() verbs.Context { return n.ctx }

// PD returns the protection domain handle.
func (n *Nic) PD() verbs.PD { return n.pd }

// Backend returns the verbs backend this NIC was opened on.
func (n *Nic) Backend() verbs.Backend { return n.backend }

// Registry maps numeric ids to opened NICs. Safe for concurrent use; the
// registry owns registered NICs and closes them on deregistration.
type Registry struct {
	mu   sync.RWMutex
	nics map[uint64]*Nic
}

// NewRegistry creates an empty NIC registry.
func NewRegistry() *Registry {
	return &Registry{nics: make(map[uint64]*Nic)}
}

// Register inserts a NIC under id. A second insertion for a live id is
// rejected with ErrIDExists, never overwritten.
func (r *Registry) Register(id uint64, n *Nic) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nics[id]; ok {
		return fmt.Errorf("nic %d: %w", id, ErrIDExists)
	}

	r.nics[id] = n
	metrics.SetOpenedNics(len(r.nics))

	return nil
}

// Find returns the NIC registered under id.
func (r *Registry) Find(id uint64) (*Nic, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nics[id]

	return n, ok
}

// Deregister removes the NIC under id and closes it.
func (r *Registry) Deregister(id uint64) error {
	r.mu.Lock()
	n, ok := r.nics[id]
	if ok {
		delete(r.nics, id)
		metrics.SetOpenedNics(len(r.nics))
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("nic %d: %w", id, ErrNotFound)
	}

	return n.Close()
}

// IDs returns the registered ids in ascending order.
func (r *Registry) IDs() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uint64, 0, len(r.nics))
	for id := range r.nics {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// Len returns the number of registered NICs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.nics)
}

// CloseAll deregisters and closes every NIC, returning the first error.
func (r *Registry) CloseAll() error {
	var firstErr error

	for _, id := range r.IDs() {
		if err := r.Deregister(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
