package conn

import (
	"github.com/nvmft-rdma/target/internal/rdma"
	"github.com/nvmft-rdma/target/internal/uapi"
)

// transferData posts a single-SGE RDMA READ (H2C) or WRITE (C2H) for r, or
// queues it if the RW credit is exhausted.
func (c *Connection) transferData(r *Request) error {
	if c.curRWDepth == c.maxRWDepth {
		c.pushRW(r)
		r.state = SlotWaitRW
		if c.observer != nil {
			c.observer.ObservePendingRW(c.ID.String(), pendingRWLen(c))
		}
		return nil
	}

	localKey := c.bufsRegion.LKey()
	if r.chunk != nil {
		localKey = r.chunk.LKey()
	}
	sge := rdma.SGE{Addr: addrOf(r.Data), Length: r.Length, LKey: localKey}

	var err error
	if r.Xfer == XferHostToController {
		err = c.qp.PostRDMARead(r.wrID, sge, r.Cmd.SGL1.Address, r.Cmd.SGL1.KeyOrOffset)
	} else {
		err = c.qp.PostRDMAWrite(r.wrID, sge, r.Cmd.SGL1.Address, r.Cmd.SGL1.KeyOrOffset)
	}
	if err != nil {
		return c.fatal("transferData", err)
	}

	c.curRWDepth++
	if c.observer != nil {
		c.observer.ObserveRWDepth(c.ID.String(), c.curRWDepth, c.maxRWDepth)
	}
	r.state = SlotRWPosted
	return nil
}

// sendCompletion returns any session chunk, advances sq_head, stamps sqhd,
// re-posts the slot's RECV, then posts the SEND of the completion capsule.
func (c *Connection) sendCompletion(r *Request) error {
	releasedChunk := r.chunk != nil
	if releasedChunk {
		c.sessionPool.Release(r.chunk)
		r.chunk = nil
	}

	c.sqHead = (c.sqHead + 1) % (c.sqHeadMax + 1)
	if c.sqHead == 0 {
		c.phase = !c.phase
	}
	r.Cpl.SQHead = c.sqHead
	r.Cpl.SetStatus(r.Cpl.Status(), c.phase)

	copy(r.cplRaw, uapi.MarshalResponseCapsule(&r.Cpl))

	if err := c.postRecv(r); err != nil {
		return c.fatal("sendCompletion.postRecv", err)
	}

	sge := rdma.SGE{Addr: addrOf(r.cplRaw), Length: uint32(len(r.cplRaw)), LKey: c.cplsRegion.LKey()}
	if err := c.qp.PostSend(r.wrID, sge); err != nil {
		return c.fatal("sendCompletion.postSend", err)
	}

	r.state = SlotSendPosted

	if releasedChunk {
		// A released chunk may unblock a slot on pending_data_buf_queue
		// even outside the RW-completion paths the state table calls
		// drain_pending from explicitly; this
		// is the only place a chunk is freed without an adjacent RW
		// completion, so it is also the only place that needs to trigger
		// the buffer-wait half of drain_pending on its own.
		return c.drainPending()
	}
	return nil
}

// ackCompletion advances sq_head a second time and decrements
// cur_queue_depth. The double increment is the
// documented open question, preserved for wire compatibility.
func (c *Connection) ackCompletion(r *Request) error {
	c.sqHead = (c.sqHead + 1) % (c.sqHeadMax + 1)
	c.curQueueDepth--
	if c.observer != nil {
		c.observer.ObserveQueueDepth(c.ID.String(), c.curQueueDepth, c.maxQueueDepth)
	}
	r.resetForRecv()
	return nil
}

// drainPending runs after any RW credit release
// "drain_pending"): first assign freed session chunks to buffer-waiting
// slots, then post RDMA for RW-waiting slots while credit remains.
func (c *Connection) drainPending() error {
	for c.sessionPool != nil && c.pendingDataBufHead != nil {
		chunk := c.sessionPool.Acquire()
		if chunk == nil {
			break
		}
		r := c.popDataBuf()
		r.chunk = chunk
		r.Data = chunk.Bytes()[:r.Length]

		if r.Xfer == XferHostToController {
			c.pushRW(r)
			r.state = SlotWaitRW
		} else {
			r.state = SlotExecuting
			c.backend.Execute(r)
		}
	}

	for c.curRWDepth < c.maxRWDepth && c.pendingRWHead != nil {
		r := c.popRW()
		if c.observer != nil {
			c.observer.ObservePendingRW(c.ID.String(), pendingRWLen(c))
		}
		if err := c.transferData(r); err != nil {
			return err
		}
	}

	return nil
}

// ReqComplete is the upper-layer hook the backend calls once it has
// filled in the response capsule. A CONTROLLER_TO_HOST request whose
// response is still success posts the RDMA WRITE; everything else goes
// straight to SEND.
func (c *Connection) ReqComplete(r *Request) error {
	if r.state != SlotExecuting {
		return c.fatal("ReqComplete", newError("ReqComplete", c.ID.String(), ErrCodeFatal, "request not in EXECUTING state"))
	}
	if c.observer != nil {
		c.observer.ObserveBackendExecute(0, r.Cpl.Status() == uapi.StatusSuccess)
	}
	if r.Xfer == XferControllerToHost && r.Cpl.Status() == uapi.StatusSuccess {
		return c.transferData(r)
	}
	return c.sendCompletion(r)
}

// ReqRelease lets the backend abandon a request directly to SEND without
// the CONTROLLER_TO_HOST/success branch ReqComplete applies — for example
// when the backend itself already detected an error and only needs the
// completion capsule flushed ("req_release(req)").
func (c *Connection) ReqRelease(r *Request) error {
	if r.state != SlotExecuting {
		return c.fatal("ReqRelease", newError("ReqRelease", c.ID.String(), ErrCodeFatal, "request not in EXECUTING state"))
	}
	if c.observer != nil {
		c.observer.ObserveBackendExecute(0, r.Cpl.Status() == uapi.StatusSuccess)
	}
	return c.sendCompletion(r)
}
