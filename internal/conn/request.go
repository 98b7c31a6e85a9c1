package conn

import (
	"github.com/nvmft-rdma/target/internal/session"
	"github.com/nvmft-rdma/target/internal/uapi"
)

// XferDirection is the direction of a request's data transfer relative to
// the controller.
type XferDirection int

const (
	XferNone XferDirection = iota
	XferHostToController
	XferControllerToHost
)

func (x XferDirection) String() string {
	switch x {
	case XferHostToController:
		return "H2C"
	case XferControllerToHost:
		return "C2H"
	default:
		return "NONE"
	}
}

// xferForOpcode infers transfer direction from the NVMe opcode; the design
// treats this as implicit in the command rather than a field the host
// negotiates during prep.
func xferForOpcode(opcode uint8) XferDirection {
	switch opcode {
	case uapi.OpcodeWrite, uapi.OpcodeWriteZeroes, uapi.OpcodeCompare:
		return XferHostToController
	case uapi.OpcodeRead:
		return XferControllerToHost
	default:
		return XferNone
	}
}

// SlotState is one of the states in the per-slot invariant: "each slot is in
// exactly one of {posted-for-recv, in-prep, in-buffer-wait, in-rw-wait,
// executing-backend, in-send, in-send-ack}". in-prep and in-send-ack are
// transient (handled inline within a single poll iteration) so are not
// distinct states here; the rest appear below.
type SlotState int

const (
	SlotPostedRecv SlotState = iota
	SlotWaitBuf
	SlotWaitRW
	SlotRWPosted
	SlotExecuting
	SlotSendPosted
)

func (s SlotState) String() string {
	switch s {
	case SlotPostedRecv:
		return "POSTED"
	case SlotWaitBuf:
		return "WAIT_BUF"
	case SlotWaitRW:
		return "WAIT_RW"
	case SlotRWPosted:
		return "RW_POSTED"
	case SlotExecuting:
		return "EXECUTING"
	case SlotSendPosted:
		return "SEND_POSTED"
	default:
		return "UNKNOWN"
	}
}

// Request is one queue-position slot of a connection ("Request
// slot"): the command/completion capsule pair, the selected data buffer,
// and its place in the state machine. A connection owns max_queue_depth of
// these for life; back-reference is explicit per the note on
// avoiding fixed-offset pointer arithmetic.
type Request struct {
	conn  *Connection
	index int
	wrID  uint64

	cmdRaw       []byte // pinned, 64B, this slot's command capsule wire bytes
	cplRaw       []byte // pinned, 16B, this slot's response capsule wire bytes
	inCapsuleBuf []byte // pinned, in_capsule_data_size, this slot's RECV data target

	Cmd uapi.CommandCapsule
	Cpl uapi.ResponseCapsule

	Data   []byte
	Length uint32
	Xfer   XferDirection

	chunk *session.Chunk

	state SlotState

	nextDataBuf *Request
	nextRW      *Request
}

// Connection returns the owning connection.
func (r *Request) Connection() *Connection { return r.conn }

// Command is the decoded command capsule the backend reads opcode, NSID,
// and command-specific fields from.
func (r *Request) Command() *uapi.CommandCapsule { return &r.Cmd }

// Response is the response capsule the backend fills in before calling
// back into ReqComplete ("the backend fills the response's status
// fields").
func (r *Request) Response() *uapi.ResponseCapsule { return &r.Cpl }

func (r *Request) State() SlotState { return r.state }

func (r *Request) resetForRecv() {
	r.Cmd = uapi.CommandCapsule{}
	r.Cpl = uapi.ResponseCapsule{}
	r.Data = nil
	r.Length = 0
	r.Xfer = XferNone
	r.chunk = nil
	r.state = SlotPostedRecv
}
