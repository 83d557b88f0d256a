// Package proto defines the wire types of the bootstrap protocol: the
// opcodes the control daemon dispatches on, the three-valued reply status,
// and the fixed-layout request/reply messages peers exchange to fetch
// memory-region attributes and establish reliable-connection queue pairs.
//
// All messages are fixed size and big-endian. Unmarshal rejects any buffer
// whose length does not match the message exactly; a peer that sends a
// malformed message gets a WrongArg reply, never a partial decode.
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// Opcode identifies a control-plane operation in a request frame.
type Opcode uint8

const (
	// OpFetchMR fetches the attributes of a registered memory region.
	OpFetchMR Opcode = 0x01
	// OpCreateRC creates and connects, or fetches, an RC queue pair.
	OpCreateRC Opcode = 0x02
)

// String returns the opcode name used in logs and metric labels.
func (o Opcode) String() string {
	switch o {
	case OpFetchMR:
		return "fetch_mr"
	case OpCreateRC:
		return "create_rc"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(o))
	}
}

// Status is the outcome of a control-plane request. Handler failures are
// flattened into these three values; nothing richer crosses the wire.
type Status uint8

const (
	// StatusOk means the request was satisfied and the attribute is attached.
	StatusOk Status = 0
	// StatusNotFound means the referenced id is absent from its registry.
	StatusNotFound Status = 1
	// StatusWrongArg covers malformed requests, invalid flags, missing NICs
	// and every hardware failure during connection establishment.
	StatusWrongArg Status = 2
)

// String returns the status name used in logs and metric labels.
func (s Status) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusNotFound:
		return "not_found"
	case StatusWrongArg:
		return "wrong_arg"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// CreateFlag selects between the two behaviors of OpCreateRC. It is a strict
// two-valued enum: any other value is rejected before the handler touches
// any registry.
type CreateFlag uint8

const (
	// FlagFetchOnly fetches the attribute of an existing queue pair.
	FlagFetchOnly CreateFlag = 0
	// FlagCreate creates and connects a queue pair before fetching it.
	FlagCreate CreateFlag = 1
)

// Valid reports whether the flag is one of the two recognized values.
func (f CreateFlag) Valid() bool {
	return f == FlagFetchOnly || f == FlagCreate
}

// ErrInvalidLength is returned by Unmarshal when the buffer length does not
// match the fixed message layout.
var ErrInvalidLength = errors.New("proto: invalid message length")

// Message sizes in bytes.
const (
	mrAttrSize   = 20
	qpAttrSize   = 27
	qpConfigSize = 24

	fetchMRRequestSize  = 8
	fetchMRReplySize    = 1 + mrAttrSize
	createRCRequestSize = 8 + 1 + 8 + qpConfigSize + qpAttrSize
	createRCReplySize   = 1 + qpAttrSize
)

// MRAttr describes a registered memory region to a remote peer: where it
// lives, how long it is, and the protection token (rkey) the peer must
// present for one-sided access. Immutable once the region is registered.
type MRAttr struct {
	Addr   uint64
	Length uint64
	RKey   uint32
}

func (a MRAttr) marshalTo(b []byte) {
	binary.BigEndian.PutUint64(b[0:8], a.Addr)
	binary.BigEndian.PutUint64(b[8:16], a.Length)
	binary.BigEndian.PutUint32(b[16:20], a.RKey)
}

func (a *MRAttr) unmarshalFrom(b []byte) {
	a.Addr = binary.BigEndian.Uint64(b[0:8])
	a.Length = binary.BigEndian.Uint64(b[8:16])
	a.RKey = binary.BigEndian.Uint32(b[16:20])
}

// QPAttr describes one side of an RC queue pair: the identifiers a peer
// needs to transition its own queue pair to ready-to-receive against this
// one. Immutable once the queue pair is created.
type QPAttr struct {
	QPN     uint32
	PSN     uint32
	LID     uint16
	PortNum uint8
	GID     [16]byte
}

// GIDString formats the GID in the usual IPv6 notation.
func (a QPAttr) GIDString() string {
	return net.IP(a.GID[:]).String()
}

func (a QPAttr) marshalTo(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], a.QPN)
	binary.BigEndian.PutUint32(b[4:8], a.PSN)
	binary.BigEndian.PutUint16(b[8:10], a.LID)
	b[10] = a.PortNum
	copy(b[11:27], a.GID[:])
}

func (a *QPAttr) unmarshalFrom(b []byte) {
	a.QPN = binary.BigEndian.Uint32(b[0:4])
	a.PSN = binary.BigEndian.Uint32(b[4:8])
	a.LID = binary.BigEndian.Uint16(b[8:10])
	a.PortNum = b[10]
	copy(a.GID[:], b[11:27])
}

// ParseGID parses a GID given in IPv6 notation, as printed by ibv_devinfo
// and GIDString.
func ParseGID(s string) ([16]byte, error) {
	var gid [16]byte

	ip := net.ParseIP(s)
	if ip == nil {
		return gid, fmt.Errorf("proto: invalid gid %q", s)
	}

	copy(gid[:], ip.To16())

	return gid, nil
}

// QPConfig carries the capabilities requested for queue-pair creation.
type QPConfig struct {
	MaxSendWR  uint32
	MaxRecvWR  uint32
	MaxSendSGE uint32
	MaxRecvSGE uint32
	MaxInline  uint32
	Access     uint32
}

func (c QPConfig) marshalTo(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], c.MaxSendWR)
	binary.BigEndian.PutUint32(b[4:8], c.MaxRecvWR)
	binary.BigEndian.PutUint32(b[8:12], c.MaxSendSGE)
	binary.BigEndian.PutUint32(b[12:16], c.MaxRecvSGE)
	binary.BigEndian.PutUint32(b[16:20], c.MaxInline)
	binary.BigEndian.PutUint32(b[20:24], c.Access)
}

func (c *QPConfig) unmarshalFrom(b []byte) {
	c.MaxSendWR = binary.BigEndian.Uint32(b[0:4])
	c.MaxRecvWR = binary.BigEndian.Uint32(b[4:8])
	c.MaxSendSGE = binary.BigEndian.Uint32(b[8:12])
	c.MaxRecvSGE = binary.BigEndian.Uint32(b[12:16])
	c.MaxInline = binary.BigEndian.Uint32(b[16:20])
	c.Access = binary.BigEndian.Uint32(b[20:24])
}

// FetchMRRequest asks for the attributes of the memory region registered
// under ID.
type FetchMRRequest struct {
	ID uint64
}

// Marshal encodes the request.
func (r FetchMRRequest) Marshal() []byte {
	b := make([]byte, fetchMRRequestSize)
	binary.BigEndian.PutUint64(b[0:8], r.ID)

	return b
}

// Unmarshal decodes the request, rejecting buffers of the wrong length.
func (r *FetchMRRequest) Unmarshal(b []byte) error {
	if len(b) != fetchMRRequestSize {
		return fmt.Errorf("fetch mr request: %w", ErrInvalidLength)
	}

	r.ID = binary.BigEndian.Uint64(b[0:8])

	return nil
}

// FetchMRReply answers a FetchMRRequest. Attr is meaningful only when
// Status is StatusOk; it is zero otherwise.
type FetchMRReply struct {
	Status Status
	Attr   MRAttr
}

// Marshal encodes the reply.
func (r FetchMRReply) Marshal() []byte {
	b := make([]byte, fetchMRReplySize)
	b[0] = byte(r.Status)
	r.Attr.marshalTo(b[1:])

	return b
}

// Unmarshal decodes the reply, rejecting buffers of the wrong length.
func (r *FetchMRReply) Unmarshal(b []byte) error {
	if len(b) != fetchMRReplySize {
		return fmt.Errorf("fetch mr reply: %w", ErrInvalidLength)
	}

	r.Status = Status(b[0])
	r.Attr.unmarshalFrom(b[1:])

	return nil
}

// CreateRCRequest creates (Flag == FlagCreate) or just looks up
// (Flag == FlagFetchOnly) the RC queue pair registered under ID. NicID,
// Config and Remote are consulted only on the create path: NicID names the
// opened NIC to create the queue pair on, Config carries its capabilities,
// and Remote is the caller's own queue-pair attribute for the connect step.
type CreateRCRequest struct {
	ID     uint64
	Flag   CreateFlag
	NicID  uint64
	Config QPConfig
	Remote QPAttr
}

// Marshal encodes the request.
func (r CreateRCRequest) Marshal() []byte {
	b := make([]byte, createRCRequestSize)
	binary.BigEndian.PutUint64(b[0:8], r.ID)
	b[8] = byte(r.Flag)
	binary.BigEndian.PutUint64(b[9:17], r.NicID)
	r.Config.marshalTo(b[17 : 17+qpConfigSize])
	r.Remote.marshalTo(b[17+qpConfigSize:])

	return b
}

// Unmarshal decodes the request, rejecting buffers of the wrong length.
func (r *CreateRCRequest) Unmarshal(b []byte) error {
	if len(b) != createRCRequestSize {
		return fmt.Errorf("create rc request: %w", ErrInvalidLength)
	}

	r.ID = binary.BigEndian.Uint64(b[0:8])
	r.Flag = CreateFlag(b[8])
	r.NicID = binary.BigEndian.Uint64(b[9:17])
	r.Config.unmarshalFrom(b[17 : 17+qpConfigSize])
	r.Remote.unmarshalFrom(b[17+qpConfigSize:])

	return nil
}

// CreateRCReply answers a CreateRCRequest with the local attribute of the
// queue pair under ID. Attr is meaningful only when Status is StatusOk.
type CreateRCReply struct {
	Status Status
	Attr   QPAttr
}

// Marshal encodes the reply.
func (r CreateRCReply) Marshal() []byte {
	b := make([]byte, createRCReplySize)
	b[0] = byte(r.Status)
	r.Attr.marshalTo(b[1:])

	return b
}

// Unmarshal decodes the reply, rejecting buffers of the wrong length.
func (r *CreateRCReply) Unmarshal(b []byte) error {
	if len(b) != createRCReplySize {
		return fmt.Errorf("create rc reply: %w", ErrInvalidLength)
	}

	r.Status = Status(b[0])
	r.Attr.unmarshalFrom(b[1:])

	return nil
}
