// Package verbs is the hardware abstraction for the RDMA control plane: the
// subset of libibverbs a bootstrap daemon needs to open devices, carve out
// protection domains, create and connect reliable-connection queue pairs,
// and register memory regions. Data-path verbs (posting work requests,
// polling completions) are deliberately absent; this daemon never moves
// payload bytes.
//
// The Simulated backend keeps every handle in process memory so the daemon
// and its tests run on machines without RDMA hardware. A cgo libibverbs
// implementation plugs in behind the same Backend interface.
package verbs

import "errors"

// Verbs errors.
var (
	ErrNotInitialized = errors.New("verbs not initialized")
	ErrDeviceNotFound = errors.New("RDMA device not found")
	ErrInvalidContext = errors.New("invalid device context")
	ErrInvalidPD      = errors.New("invalid protection domain")
	ErrInvalidCQ      = errors.New("invalid completion queue")
	ErrInvalidQP      = errors.New("invalid queue pair")
	ErrInvalidMR      = errors.New("invalid memory region")
	ErrInvalidPort    = errors.New("invalid port number")
	ErrInvalidQPState = errors.New("invalid queue pair state transition")
)

// Backend defines the verbs operations the control plane drives.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Initialization
	Init() error
	Close() error

	// Device management
	DeviceList() ([]DeviceInfo, error)
	OpenDevice(name string) (Context, error)
	CloseDevice(ctx Context) error
	QueryPort(ctx Context, port uint8, gidIndex int) (PortAttr, error)

	// Protection domain
	AllocPD(ctx Context) (PD, error)
	DeallocPD(pd PD) error

	// Completion queue
	CreateCQ(ctx Context, cqe int) (CQ, error)
	DestroyCQ(cq CQ) error

	// Queue pair
	CreateQP(pd PD, sendCQ, recvCQ CQ, qpType QPType, cap QPCap) (QP, error)
	DestroyQP(qp QP) error
	ModifyQPToInit(qp QP, port uint8, access uint32) error
	ModifyQPToRTR(qp QP, destQPN, destPSN uint32, destLID uint16, destGID [16]byte, port uint8) error
	ModifyQPToRTS(qp QP, localPSN uint32) error
	QueryQP(qp QP) (*QPAttr, error)

	// Memory registration
	RegMR(pd PD, addr uintptr, length int, access uint32) (MRInfo, error)
	DeregMR(mr MR) error

	// Metrics
	Metrics() map[string]interface{}
}

// Handle types for verbs objects.
type Context uintptr
type PD uintptr
type CQ uintptr
type QP uintptr
type MR uintptr

// QPType represents queue pair types.
type QPType int

const (
	QPTypeRC  QPType = iota // Reliable Connection
	QPTypeUC                // Unreliable Connection
	QPTypeUD                // Unreliable Datagram
	QPTypeXRC               // Extended Reliable Connection
)

// QPState mirrors the ibv_qp_state ladder.
type QPState int

const (
	QPStateReset QPState = iota
	QPStateInit
	QPStateRTR
	QPStateRTS
	QPStateError
)

// String returns the state name as printed by ibv tooling.
func (s QPState) String() string {
	switch s {
	case QPStateReset:
		return "RESET"
	case QPStateInit:
		return "INIT"
	case QPStateRTR:
		return "RTR"
	case QPStateRTS:
		return "RTS"
	case QPStateError:
		return "ERR"
	default:
		return "UNKNOWN"
	}
}

// Memory region access flags.
const (
	MRAccessLocalWrite   uint32 = 1 << 0
	MRAccessRemoteWrite  uint32 = 1 << 1
	MRAccessRemoteRead   uint32 = 1 << 2
	MRAccessRemoteAtomic uint32 = 1 << 3
)

// PortActive is the port state reported by an active link.
const PortActive = 4

// DeviceInfo contains RDMA device information.
type DeviceInfo struct {
	Name         string
	FWVer        string
	GUID         uint64
	NodeType     int
	Transport    int
	PhysPortCnt  uint8
	VendorID     uint32
	VendorPartID uint32
	HWVer        uint32
}

// PortAttr is the snapshot of a port the control plane advertises to peers:
// link state, LID for InfiniBand routing and the GID at the queried index
// for RoCE routing.
type PortAttr struct {
	Number    uint8
	State     int
	MTU       uint32
	LinkLayer string
	LID       uint16
	GID       [16]byte
}

// QPCap contains queue pair capabilities.
type QPCap struct {
	MaxSendWR     uint32
	MaxRecvWR     uint32
	MaxSendSGE    uint32
	MaxRecvSGE    uint32
	MaxInlineData uint32
}

// QPAttr is the queried state of a queue pair.
type QPAttr struct {
	State   QPState
	QPN     uint32
	DestQPN uint32
	Cap     QPCap
}

// MRInfo is returned by RegMR: the handle plus the keys the hardware
// assigned. RKey is what remote peers present; LKey stays host-local.
type MRInfo struct {
	Handle MR
	LKey   uint32
	RKey   uint32
}
