// Package mr manages registered memory regions and the id → region table
// peers query over RPC. A Region pins its backing buffer for the lifetime
// of the registration so the address and keys handed to remote peers stay
// valid until the region is deregistered.
package mr

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"github.com/piwi3910/rdmactl/internal/metrics"
	"github.com/piwi3910/rdmactl/internal/verbs"
	"github.com/piwi3910/rdmactl/pkg/proto"
)

var (
	// ErrIDExists is returned when registering an id that is already taken.
	ErrIDExists = errors.New("mr: id already registered")
	// ErrNotFound is returned when an id is absent from the registry.
	ErrNotFound = errors.New("mr: id not registered")
	// ErrBadSize is returned for a non-positive buffer size.
	ErrBadSize = errors.New("mr: size must be positive")
)

// Region is a registered memory region together with its backing buffer.
type Region struct {
	backend verbs.Backend
	handle  verbs.MR
	buf     []byte
	attr    proto.MRAttr
	lkey    uint32
}

// NewRegion allocates a buffer of the given size and registers it on pd.
func NewRegion(backend verbs.Backend, pd verbs.PD, size int, access uint32) (*Region, error) {
	if size <= 0 {
		return nil, ErrBadSize
	}

	buf := make([]byte, size)
	addr := uintptr(unsafe.Pointer(&buf[0]))

	info, err := backend.RegMR(pd, addr, size, access)
	if err != nil {
		return nil, fmt.Errorf("register memory: %w", err)
	}

	return &Region{
		backend: backend,
		handle:  info.Handle,
		buf:     buf,
		attr: proto.MRAttr{
			Addr:   uint64(addr),
			Length: uint64(size),
			RKey:   info.RKey,
		},
		lkey: info.LKey,
	}, nil
}

// Attr returns the attributes a remote peer needs to address this region.
func (r *Region) Attr() proto.MRAttr { return r.attr }

// LKey returns the local access key.
func (r *Region) LKey() uint32 { return r.lkey }

// Buffer returns the backing buffer.
func (r *Region) Buffer() []byte { return r.buf }

// Close deregisters the region. The buffer becomes collectable afterwards.
func (r *Region) Close() error {
	if err := r.backend.DeregMR(r.handle); err != nil {
		return fmt.Errorf("deregister memory: %w", err)
	}

	r.buf = nil

	return nil
}

// Registry maps numeric ids to registered regions. Safe for concurrent
// use. Under concurrent insertion of the same id exactly one caller wins;
// the entry is never overwritten.
type Registry struct {
	mu      sync.RWMutex
	regions map[uint64]*Region
}

// NewRegistry creates an empty memory region registry.
func NewRegistry() *Registry {
	return &Registry{regions: make(map[uint64]*Region)}
}

// Register inserts a region under id, rejecting duplicates with ErrIDExists.
func (r *Registry) Register(id uint64, region *Region) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.regions[id]; ok {
		return fmt.Errorf("mr %d: %w", id, ErrIDExists)
	}

	r.regions[id] = region
	metrics.SetRegisteredMRs(len(r.regions))

	return nil
}

// RegisterBuffer allocates and registers a fresh region of the given size
// under id. If the id is already taken the new region is released before
// the error is returned.
func (r *Registry) RegisterBuffer(id uint64, backend verbs.Backend, pd verbs.PD, size int, access uint32) (*Region, error) {
	region, err := NewRegion(backend, pd, size, access)
	if err != nil {
		return nil, err
	}

	if err := r.Register(id, region); err != nil {
		_ = region.Close()
		return nil, err
	}

	return region, nil
}

// Attr returns the attributes of the region registered under id.
func (r *Registry) Attr(id uint64) (proto.MRAttr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	region, ok := r.regions[id]
	if !ok {
		return proto.MRAttr{}, false
	}

	return region.attr, true
}

// Find returns the region registered under id.
func (r *Registry) Find(id uint64) (*Region, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	region, ok := r.regions[id]

	return region, ok
}

// Deregister removes the region under id and releases it.
func (r *Registry) Deregister(id uint64) error {
	r.mu.Lock()
	region, ok := r.regions[id]
	if ok {
		delete(r.regions, id)
		metrics.SetRegisteredMRs(len(r.regions))
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("mr %d: %w", id, ErrNotFound)
	}

	return region.Close()
}

// IDs returns the registered ids in ascending order.
func (r *Registry) IDs() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uint64, 0, len(r.regions))
	for id := range r.regions {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// Len returns the number of registered regions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.regions)
}

// CloseAll deregisters and releases every region, returning the first error.
func (r *Registry) CloseAll() error {
	var firstErr error

	for _, id := range r.IDs() {
		if err := r.Deregister(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
