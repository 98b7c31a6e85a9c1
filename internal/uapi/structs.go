package uapi

import "unsafe"

// SGLDescriptor is SGL1 of a command capsule (16 bytes). The keyed form
// packs a 3-byte length and a 4-byte remote key; the offset form packs a
// full 4-byte length and treats Address as an offset into the in-capsule
// buffer. Both forms share the trailing type/subtype byte.
type SGLDescriptor struct {
	Address     uint64 // bytes 0-7: remote address (keyed) or in-capsule offset
	Length      uint32 // bytes 8-11: full length (offset form); low 24 bits valid for keyed form
	KeyOrOffset uint32 // bytes 11-14 (keyed: remote key) — overlaps Length's top byte on the wire, see marshalSGL/unmarshalSGL
	TypeSubtype uint8  // byte 15: high nibble = type, low nibble = subtype
}

func (d SGLDescriptor) Type() uint8    { return d.TypeSubtype >> 4 }
func (d SGLDescriptor) Subtype() uint8 { return d.TypeSubtype & 0x0f }

// IsKeyed reports whether the descriptor is a Keyed SGL Data Block
// descriptor ("keyed data block with subtype ADDRESS or
// INVALIDATE_KEY").
func (d SGLDescriptor) IsKeyed() bool { return d.Type() == SGLTypeKeyedDataBlock }

// CommandCapsule is the decoded form of the 64-byte NVMe-oF command capsule
// header. In-capsule data, when present, follows immediately in the RECV
// scatter list and is not part of this struct. The struct's in-memory
// layout is not the wire layout (SGL1 alone occupies 24 bytes in memory);
// MarshalCommandCapsule and UnmarshalCommandCapsule convert to and from
// the CommandCapsuleSize-byte wire form.
type CommandCapsule struct {
	Opcode    uint8
	Flags     uint8 // fuse (bits 0-1) | reserved | PSDT (bits 6-7)
	CommandID uint16
	NSID      uint32
	CDW2      uint32
	CDW3      uint32
	MPTR      uint64
	SGL1      SGLDescriptor
	CDW10     uint32
	CDW11     uint32
	CDW12     uint32
	CDW13     uint32
	CDW14     uint32
	CDW15     uint32
}

var _ [64]byte = [CommandCapsuleSize]byte{}

// HasDataTransfer reports whether the opcode implies a host<->controller
// data transfer at all ("prep": "If the opcode implies no data
// transfer, READY").
func (c *CommandCapsule) HasDataTransfer() bool {
	switch c.Opcode {
	case OpcodeFlush:
		return false
	default:
		return true
	}
}

// ResponseCapsule is the 16-byte NVMe-oF completion capsule.
type ResponseCapsule struct {
	CommandSpecific uint32 // DW0
	Reserved        uint32 // DW1
	SQHead          uint16
	SQID            uint16
	CommandID       uint16
	StatusField     uint16 // phase tag (bit 0) | status code (bits 1-15)
}

var _ [16]byte = [unsafe.Sizeof(ResponseCapsule{})]byte{}

// SetStatus packs an NVMeStatus into the status field, preserving the
// caller-managed phase bit.
func (r *ResponseCapsule) SetStatus(status NVMeStatus, phase bool) {
	r.StatusField = uint16(status) << 1
	if phase {
		r.StatusField |= 1
	}
}

// Status unpacks the generic status code from the status field.
func (r *ResponseCapsule) Status() NVMeStatus {
	return NVMeStatus(r.StatusField >> 1)
}

// ConnectPrivateData is the host's CM REQ private data for the NVMe-oF
// CONNECT handshake ("optional host private data ... carries
// {hrqsize, hsqsize}").
type ConnectPrivateData struct {
	RecFmt  uint16
	QID     uint16
	HRQSize uint16
	HSQSize uint16
}

var _ [8]byte = [unsafe.Sizeof(ConnectPrivateData{})]byte{}

// AcceptPrivateData is the target's CM accept private data:
// {recfmt=0, crqsize=max_queue_depth}.
type AcceptPrivateData struct {
	RecFmt  uint16
	CRQSize uint16
}

var _ [4]byte = [unsafe.Sizeof(AcceptPrivateData{})]byte{}

// RejectPrivateData is the target's CM reject private data: {status}.
type RejectPrivateData struct {
	Status uint16
}

var _ [2]byte = [unsafe.Sizeof(RejectPrivateData{})]byte{}

// MinConnectPrivateDataLen is the minimum private-data length the acceptor
// requires before trusting HRQSize/HSQSize ("if its private data
// is at least the expected length").
const MinConnectPrivateDataLen = 8

// DiscoveryLogEntry is the log-page entry populated by ListenAddrDiscover.
type DiscoveryLogEntry struct {
	Trtype        string
	Adrfam        string
	SecureChannel string
	Qptype        string
	Prtype        string
	CMS           string
	TrAddr        string
	TrSvcID       string
}
