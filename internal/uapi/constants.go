// Package uapi defines the NVMe-oF wire structures the transport marshals
// onto RDMA SEND/RECV buffers: command and response capsules, SGL
// descriptors, and RDMA CM private-data blocks.
package uapi

// NVMe opcodes the transport inspects to decide whether a command carries a
// data transfer. The NVMe command semantics themselves
// are out of scope; these constants only drive SGL interpretation.
const (
	OpcodeFlush       = 0x00
	OpcodeWrite       = 0x01
	OpcodeRead        = 0x02
	OpcodeWriteZeroes = 0x08
	OpcodeCompare     = 0x05
	OpcodeFabrics     = 0x7F // Fabrics command set, includes CONNECT
)

// Wire sizes of the command capsule header and the response capsule.
const (
	CommandCapsuleSize  = 64
	ResponseCapsuleSize = 16
)

// SGL descriptor type (high nibble of the type/subtype byte).
const (
	SGLTypeDataBlock       = 0x0 // unkeyed, OFFSET subtype used for in-capsule data
	SGLTypeKeyedDataBlock  = 0x4 // keyed, ADDRESS or INVALIDATE_KEY subtype
)

// SGL descriptor subtype (low nibble of the type/subtype byte).
const (
	SGLSubtypeAddress       = 0x0
	SGLSubtypeInvalidateKey = 0x1
	SGLSubtypeOffset        = 0x4
)

// NVMeStatus is the generic command status code stamped into a response
// capsule's status field.
type NVMeStatus uint16

const (
	StatusSuccess                  NVMeStatus = 0x00
	StatusInternalError            NVMeStatus = 0x06
	StatusDataSGLLengthInvalid     NVMeStatus = 0x12
	StatusInvalidSGLOffset         NVMeStatus = 0x16
	StatusSGLDescriptorTypeInvalid NVMeStatus = 0x0D
)

// CM service types relevant to the accept-parameter branch.
const (
	ServiceTypeRDMAConnected = iota
	ServiceTypeTCPPort
)

// Discovery log entry fields used by ListenAddrDiscover.
const (
	TrtypeRDMA              = "rdma"
	AdrfamIPv4               = "ipv4"
	SecureChannelNotSpecified = "not_specified"
	QptypeReliableConnected  = "reliable_connected"
	PrtypeNone               = "none"
	CMSRDMACM                = "rdma_cm"
)
