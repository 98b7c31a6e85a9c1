package conn

import (
	"github.com/nvmft-rdma/target/internal/rdma"
	"github.com/nvmft-rdma/target/internal/uapi"
)

// sendCQBatch bounds how many completions are drained per PollSendCQ call;
// ConnPoll loops on the send CQ until it reports nothing more pending
// ("poll until empty"), then takes recv completions one at a time while
// cur_queue_depth < max_queue_depth.
const sendCQBatch = 32

// ConnPoll is the per-connection poller the external executor loop
// invokes. It returns the count of successful backend
// invocations (used by the acceptor to recognize that a pending
// connection has processed its CONNECT); a non-nil error means the
// connection suffered a fatal error and the caller must destroy it.
func (c *Connection) ConnPoll() (int, error) {
	backendCount := 0

	for {
		wcs, err := c.qp.PollSendCQ(sendCQBatch)
		if err != nil && err != rdma.ErrCQEmpty {
			return backendCount, c.fatal("ConnPoll.sendCQ", err)
		}
		if len(wcs) == 0 {
			break
		}
		for _, wc := range wcs {
			n, ferr := c.handleSendWC(wc)
			backendCount += n
			if ferr != nil {
				return backendCount, ferr
			}
		}
	}

	for c.curQueueDepth < c.maxQueueDepth {
		wcs, err := c.qp.PollRecvCQ(1)
		if err != nil && err != rdma.ErrCQEmpty {
			return backendCount, c.fatal("ConnPoll.recvCQ", err)
		}
		if len(wcs) == 0 {
			break
		}
		n, ferr := c.handleRecvWC(wcs[0])
		backendCount += n
		if ferr != nil {
			return backendCount, ferr
		}
	}

	return backendCount, nil
}

func (c *Connection) handleSendWC(wc rdma.WC) (int, error) {
	if !wc.Success() {
		switch wc.Opcode {
		case rdma.OpSend:
			if c.observer != nil {
				c.observer.ObserveSend(uint64(wc.ByteLen))
			}
		case rdma.OpRDMARead:
			if c.observer != nil {
				c.observer.ObserveRDMARead(uint64(wc.ByteLen), 0, false)
			}
		case rdma.OpRDMAWrite:
			if c.observer != nil {
				c.observer.ObserveRDMAWrite(uint64(wc.ByteLen), 0, false)
			}
		}
		return 0, c.fatal("handleSendWC", newError("handleSendWC", c.ID.String(), ErrCodeCompletionStatus, "non-zero send-side completion status"))
	}

	r := &c.slots[wc.WRID]
	switch wc.Opcode {
	case rdma.OpSend:
		if c.observer != nil {
			c.observer.ObserveSend(uint64(wc.ByteLen))
		}
		if err := c.ackCompletion(r); err != nil {
			return 0, err
		}
		return 0, nil
	case rdma.OpRDMAWrite:
		c.curRWDepth--
		if c.observer != nil {
			c.observer.ObserveRWDepth(c.ID.String(), c.curRWDepth, c.maxRWDepth)
			c.observer.ObserveRDMAWrite(uint64(wc.ByteLen), 0, true)
		}
		if err := c.sendCompletion(r); err != nil {
			return 0, err
		}
		return 0, c.drainPending()
	case rdma.OpRDMARead:
		c.curRWDepth--
		if c.observer != nil {
			c.observer.ObserveRWDepth(c.ID.String(), c.curRWDepth, c.maxRWDepth)
			c.observer.ObserveRDMARead(uint64(wc.ByteLen), 0, true)
		}
		r.state = SlotExecuting
		c.backend.Execute(r)
		if err := c.drainPending(); err != nil {
			return 1, err
		}
		return 1, nil
	default:
		return 0, c.fatal("handleSendWC", newError("handleSendWC", c.ID.String(), ErrCodeFatal, "unexpected completion on send CQ: "+wc.Opcode.String()))
	}
}

func (c *Connection) handleRecvWC(wc rdma.WC) (int, error) {
	if !wc.Success() {
		if c.observer != nil {
			c.observer.ObserveRecv(uint64(wc.ByteLen), false)
		}
		return 0, c.fatal("handleRecvWC", newError("handleRecvWC", c.ID.String(), ErrCodeCompletionStatus, "non-zero recv-side completion status"))
	}
	if wc.Opcode != rdma.OpRecv {
		return 0, c.fatal("handleRecvWC", newError("handleRecvWC", c.ID.String(), ErrCodeFatal, "unexpected completion on recv CQ: "+wc.Opcode.String()))
	}
	if wc.ByteLen < uapi.CommandCapsuleSize {
		if c.observer != nil {
			c.observer.ObserveRecv(uint64(wc.ByteLen), false)
		}
		return 0, c.fatal("handleRecvWC", newError("handleRecvWC", c.ID.String(), ErrCodeMalformedCapsule, "RECV byte length below capsule header size"))
	}
	if c.observer != nil {
		c.observer.ObserveRecv(uint64(wc.ByteLen), true)
	}

	r := &c.slots[wc.WRID]
	if err := uapi.UnmarshalCommandCapsule(r.cmdRaw, &r.Cmd); err != nil {
		return 0, c.fatal("handleRecvWC", err)
	}
	r.Cpl = uapi.ResponseCapsule{}
	r.Cpl.CommandID = r.Cmd.CommandID

	c.curQueueDepth++
	if c.observer != nil {
		c.observer.ObserveQueueDepth(c.ID.String(), c.curQueueDepth, c.maxQueueDepth)
	}

	switch c.prep(r) {
	case prepReady:
		r.state = SlotExecuting
		c.backend.Execute(r)
		return 1, nil
	case prepPendingBuffer:
		c.pushDataBuf(r)
		r.state = SlotWaitBuf
		if c.observer != nil {
			c.observer.ObservePendingBuf(c.ID.String(), pendingDataBufLen(c))
		}
		return 0, nil
	case prepPendingData:
		if err := c.transferData(r); err != nil {
			return 0, err
		}
		return 0, nil
	case prepError:
		if err := c.sendCompletion(r); err != nil {
			return 0, err
		}
		return 0, nil
	default:
		return 0, c.fatal("handleRecvWC", newError("handleRecvWC", c.ID.String(), ErrCodeFatal, "unreachable prep result"))
	}
}

func pendingDataBufLen(c *Connection) int {
	n := 0
	for r := c.pendingDataBufHead; r != nil; r = r.nextDataBuf {
		n++
	}
	return n
}

func pendingRWLen(c *Connection) int {
	n := 0
	for r := c.pendingRWHead; r != nil; r = r.nextRW {
		n++
	}
	return n
}
