package verbs

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
)

// Simulated provides an in-memory verbs implementation for development and
// testing. Handles are monotonically assigned, state transitions follow the
// real RESET→INIT→RTR→RTS ladder, and port attributes are derived
// deterministically from the device GUID so attribute exchange is stable
// across runs.
type Simulated struct {
	contexts    map[Context]*simContext
	pds         map[PD]*simPD
	cqs         map[CQ]*simCQ
	qps         map[QP]*simQP
	mrs         map[MR]*simMR
	metrics     *simMetrics
	devices     []DeviceInfo
	nextHandle  uintptr
	mu          sync.RWMutex
	initialized bool
}

type simContext struct {
	device *DeviceInfo
}

type simPD struct {
	ctx Context
}

type simCQ struct {
	ctx  Context
	size int
}

type simQP struct {
	pd      PD
	sendCQ  CQ
	recvCQ  CQ
	qpType  QPType
	qpNum   uint32
	destQPN uint32
	state   QPState
	cap     QPCap
}

type simMR struct {
	pd     PD
	addr   uintptr
	length int
	access uint32
	lkey   uint32
	rkey   uint32
}

type simMetrics struct {
	DevicesOpened int64
	PDsCreated    int64
	CQsCreated    int64
	QPsCreated    int64
	QPsConnected  int64
	MRsRegistered int64
	Errors        int64
}

// NewSimulated creates a new simulated verbs backend.
func NewSimulated() *Simulated {
	return &Simulated{
		contexts: make(map[Context]*simContext),
		pds:      make(map[PD]*simPD),
		cqs:      make(map[CQ]*simCQ),
		qps:      make(map[QP]*simQP),
		mrs:      make(map[MR]*simMR),
		metrics:  &simMetrics{},
	}
}

func (b *Simulated) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return nil
	}

	// Two simulated ConnectX-6 adapters, two ports each.
	b.devices = []DeviceInfo{
		{
			Name:         "mlx5_0",
			GUID:         0xDEADBEEF00000001,
			NodeType:     1, // CA
			Transport:    1, // InfiniBand
			VendorID:     0x15b3,
			VendorPartID: 0x1017,
			FWVer:        "20.35.1012",
			PhysPortCnt:  2,
		},
		{
			Name:         "mlx5_1",
			GUID:         0xDEADBEEF00000002,
			NodeType:     1,
			Transport:    1,
			VendorID:     0x15b3,
			VendorPartID: 0x1017,
			FWVer:        "20.35.1012",
			PhysPortCnt:  2,
		},
	}

	b.initialized = true

	return nil
}

func (b *Simulated) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.contexts = make(map[Context]*simContext)
	b.pds = make(map[PD]*simPD)
	b.cqs = make(map[CQ]*simCQ)
	b.qps = make(map[QP]*simQP)
	b.mrs = make(map[MR]*simMR)
	b.initialized = false

	return nil
}

func (b *Simulated) DeviceList() ([]DeviceInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized {
		return nil, ErrNotInitialized
	}

	result := make([]DeviceInfo, len(b.devices))
	copy(result, b.devices)

	return result, nil
}

func (b *Simulated) OpenDevice(name string) (Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return 0, ErrNotInitialized
	}

	var device *DeviceInfo

	for i := range b.devices {
		if b.devices[i].Name == name {
			device = &b.devices[i]
			break
		}
	}

	if device == nil {
		return 0, ErrDeviceNotFound
	}

	b.nextHandle++
	ctx := Context(b.nextHandle)
	b.contexts[ctx] = &simContext{device: device}
	atomic.AddInt64(&b.metrics.DevicesOpened, 1)

	return ctx, nil
}

func (b *Simulated) CloseDevice(ctx Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.contexts, ctx)

	return nil
}

func (b *Simulated) QueryPort(ctx Context, port uint8, gidIndex int) (PortAttr, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	simCtx, ok := b.contexts[ctx]
	if !ok {
		return PortAttr{}, ErrInvalidContext
	}

	if port == 0 || port > simCtx.device.PhysPortCnt {
		return PortAttr{}, ErrInvalidPort
	}

	// LIDs are handed out by a subnet manager in real fabrics; here they are
	// derived from the GUID so every port gets a stable, distinct one.
	lid := uint16(simCtx.device.GUID&0xff)<<4 | uint16(port)

	var gid [16]byte
	gid[0] = 0xfe
	gid[1] = 0x80
	binary.BigEndian.PutUint64(gid[8:16], simCtx.device.GUID+uint64(port))
	if gidIndex > 0 {
		gid[7] = byte(gidIndex)
	}

	return PortAttr{
		Number:    port,
		State:     PortActive,
		MTU:       4096,
		LinkLayer: "InfiniBand",
		LID:       lid,
		GID:       gid,
	}, nil
}

func (b *Simulated) AllocPD(ctx Context) (PD, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.contexts[ctx]; !ok {
		return 0, ErrInvalidContext
	}

	b.nextHandle++
	pd := PD(b.nextHandle)
	b.pds[pd] = &simPD{ctx: ctx}
	atomic.AddInt64(&b.metrics.PDsCreated, 1)

	return pd, nil
}

func (b *Simulated) DeallocPD(pd PD) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.pds, pd)

	return nil
}

func (b *Simulated) CreateCQ(ctx Context, cqe int) (CQ, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.contexts[ctx]; !ok {
		return 0, ErrInvalidContext
	}

	b.nextHandle++
	cq := CQ(b.nextHandle)
	b.cqs[cq] = &simCQ{ctx: ctx, size: cqe}
	atomic.AddInt64(&b.metrics.CQsCreated, 1)

	return cq, nil
}

func (b *Simulated) DestroyCQ(cq CQ) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.cqs, cq)

	return nil
}

func (b *Simulated) CreateQP(pd PD, sendCQ, recvCQ CQ, qpType QPType, cap QPCap) (QP, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pds[pd]; !ok {
		return 0, ErrInvalidPD
	}

	if _, ok := b.cqs[sendCQ]; !ok {
		return 0, ErrInvalidCQ
	}

	if _, ok := b.cqs[recvCQ]; !ok {
		return 0, ErrInvalidCQ
	}

	b.nextHandle++
	qp := QP(b.nextHandle)
	b.qps[qp] = &simQP{
		pd:     pd,
		sendCQ: sendCQ,
		recvCQ: recvCQ,
		qpType: qpType,
		qpNum:  uint32(b.nextHandle), //nolint:gosec // G115: handle counter stays far below 2^32 in practice
		state:  QPStateReset,
		cap:    cap,
	}
	atomic.AddInt64(&b.metrics.QPsCreated, 1)

	return qp, nil
}

func (b *Simulated) DestroyQP(qp QP) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.qps, qp)

	return nil
}

func (b *Simulated) ModifyQPToInit(qp QP, port uint8, access uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return ErrInvalidQP
	}

	if simQP.state != QPStateReset {
		atomic.AddInt64(&b.metrics.Errors, 1)
		return ErrInvalidQPState
	}

	simQP.state = QPStateInit

	return nil
}

func (b *Simulated) ModifyQPToRTR(qp QP, destQPN, destPSN uint32, destLID uint16, destGID [16]byte, port uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return ErrInvalidQP
	}

	if simQP.state != QPStateInit {
		atomic.AddInt64(&b.metrics.Errors, 1)
		return ErrInvalidQPState
	}

	simQP.state = QPStateRTR
	simQP.destQPN = destQPN

	return nil
}

func (b *Simulated) ModifyQPToRTS(qp QP, localPSN uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return ErrInvalidQP
	}

	if simQP.state != QPStateRTR {
		atomic.AddInt64(&b.metrics.Errors, 1)
		return ErrInvalidQPState
	}

	simQP.state = QPStateRTS
	atomic.AddInt64(&b.metrics.QPsConnected, 1)

	return nil
}

func (b *Simulated) QueryQP(qp QP) (*QPAttr, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return nil, ErrInvalidQP
	}

	return &QPAttr{
		State:   simQP.state,
		QPN:     simQP.qpNum,
		DestQPN: simQP.destQPN,
		Cap:     simQP.cap,
	}, nil
}

func (b *Simulated) RegMR(pd PD, addr uintptr, length int, access uint32) (MRInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pds[pd]; !ok {
		return MRInfo{}, ErrInvalidPD
	}

	b.nextHandle++
	mr := MR(b.nextHandle)
	//nolint:gosec // G115: handle counter stays far below 2^32 in practice
	key := uint32(b.nextHandle)
	b.mrs[mr] = &simMR{
		pd:     pd,
		addr:   addr,
		length: length,
		access: access,
		lkey:   key,
		rkey:   key,
	}
	atomic.AddInt64(&b.metrics.MRsRegistered, 1)

	return MRInfo{Handle: mr, LKey: key, RKey: key}, nil
}

func (b *Simulated) DeregMR(mr MR) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.mrs, mr)

	return nil
}

func (b *Simulated) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"simulated":      true,
		"devices_opened": atomic.LoadInt64(&b.metrics.DevicesOpened),
		"pds_created":    atomic.LoadInt64(&b.metrics.PDsCreated),
		"cqs_created":    atomic.LoadInt64(&b.metrics.CQsCreated),
		"qps_created":    atomic.LoadInt64(&b.metrics.QPsCreated),
		"qps_connected":  atomic.LoadInt64(&b.metrics.QPsConnected),
		"mrs_registered": atomic.LoadInt64(&b.metrics.MRsRegistered),
		"errors":         atomic.LoadInt64(&b.metrics.Errors),
	}
}
