package conn

import "github.com/nvmft-rdma/target/internal/uapi"

// prepResult is the outcome of prep.
type prepResult int

const (
	prepReady prepResult = iota
	prepPendingBuffer
	prepPendingData
	prepError
)

// prep reads the NVMe command and SGL descriptor 1 and decides the next
// state transition. It never blocks: PENDING_BUFFER
// means the caller must enqueue the slot rather than wait here.
func (c *Connection) prep(r *Request) prepResult {
	cmd := &r.Cmd
	if !cmd.HasDataTransfer() {
		r.Xfer = XferNone
		return prepReady
	}

	r.Xfer = xferForOpcode(cmd.Opcode)
	sgl := cmd.SGL1

	switch {
	case sgl.IsKeyed():
		return c.prepKeyed(r, &sgl)
	case sgl.Type() == uapi.SGLTypeDataBlock && sgl.Subtype() == uapi.SGLSubtypeOffset:
		return c.prepOffset(r, &sgl)
	default:
		r.Cpl.SetStatus(uapi.StatusSGLDescriptorTypeInvalid, false)
		return prepError
	}
}

func (c *Connection) prepKeyed(r *Request, sgl *uapi.SGLDescriptor) prepResult {
	if sgl.Length > c.maxIOSize {
		r.Cpl.SetStatus(uapi.StatusDataSGLLengthInvalid, false)
		return prepError
	}
	if sgl.Length == 0 {
		r.Xfer = XferNone
		return prepReady
	}

	r.Length = sgl.Length
	if sgl.Length > c.inCapsuleDataSize {
		if c.sessionPool == nil {
			return prepPendingBuffer
		}
		chunk := c.sessionPool.Acquire()
		if chunk == nil {
			return prepPendingBuffer
		}
		r.chunk = chunk
		r.Data = chunk.Bytes()[:sgl.Length]
	} else {
		r.Data = r.inCapsuleBuf[:sgl.Length]
	}

	if r.Xfer == XferHostToController {
		return prepPendingData
	}
	return prepReady
}

func (c *Connection) prepOffset(r *Request, sgl *uapi.SGLDescriptor) prepResult {
	offset := sgl.Address
	if offset > uint64(c.inCapsuleDataSize) {
		r.Cpl.SetStatus(uapi.StatusInvalidSGLOffset, false)
		return prepError
	}
	if uint64(sgl.Length) > uint64(c.inCapsuleDataSize)-offset {
		r.Cpl.SetStatus(uapi.StatusDataSGLLengthInvalid, false)
		return prepError
	}
	if sgl.Length == 0 {
		r.Xfer = XferNone
		return prepReady
	}

	r.Data = r.inCapsuleBuf[offset : offset+uint64(sgl.Length)]
	r.Length = sgl.Length
	return prepReady
}
