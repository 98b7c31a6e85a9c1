package rdma

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/nvmft-rdma/target/internal/uapi"
)

// StubDevice simulates an RDMA device entirely in-process, for tests that
// exercise the connection and acceptor state machines without an
// RDMA-capable NIC: a drop-in that satisfies the same interface as the
// real thing but loops everything back locally.
type StubDevice struct {
	name      string
	maxQPWR   uint32
	maxRdAtom uint32

	mu      sync.Mutex
	nextKey uint32
}

// NewStubDevice creates a simulated device with the given send/recv work
// request and RDMA-read-depth capacity.
func NewStubDevice(name string, maxQPWR, maxRdAtom uint32) *StubDevice {
	return &StubDevice{name: name, maxQPWR: maxQPWR, maxRdAtom: maxRdAtom, nextKey: 1}
}

func (d *StubDevice) Name() string        { return d.name }
func (d *StubDevice) MaxQPWR() uint32      { return d.maxQPWR }
func (d *StubDevice) MaxQPRdAtom() uint32  { return d.maxRdAtom }

func (d *StubDevice) RegisterMemoryRegion(buf []byte) (MemoryRegion, error) {
	d.mu.Lock()
	lkey := d.nextKey
	d.nextKey++
	rkey := d.nextKey
	d.nextKey++
	d.mu.Unlock()

	addr := uintptr(0)
	if len(buf) > 0 {
		addr = uintptr(unsafe.Pointer(&buf[0]))
	}
	return &stubMR{buf: buf, addr: addr, lkey: lkey, rkey: rkey}, nil
}

func (d *StubDevice) CreateQueuePair(cfg QPConfig) (QueuePair, error) {
	return &StubQueuePair{
		cfg:         cfg,
		pendingRecv: make(map[uint64][]SGE),
	}, nil
}

type stubMR struct {
	buf  []byte
	addr uintptr
	lkey uint32
	rkey uint32
}

func (m *stubMR) LKey() uint32     { return m.lkey }
func (m *stubMR) RKey() uint32     { return m.rkey }
func (m *stubMR) Addr() uintptr    { return m.addr }
func (m *stubMR) Deregister() error { return nil }

// StubQueuePair simulates an RC queue pair. SEND, RDMA_READ and RDMA_WRITE
// complete synchronously on post (as if the wire were instantaneous) and
// land on the send CQ; RECV only completes once the test harness calls
// DeliverRecv to simulate an inbound message, mirroring how a real RECV
// only completes when data actually arrives.
type StubQueuePair struct {
	cfg QPConfig

	mu          sync.Mutex
	sendCQ      []WC
	recvCQ      []WC
	pendingRecv map[uint64][]SGE
	destroyed   bool

	// failNextOp, when non-zero, is consumed by the next post and
	// reported as that operation's completion status instead of success.
	failNextOp int32
}

// FailNextPost arranges for the next posted send-side operation to
// complete with the given non-zero status, for exercising error paths.
func (q *StubQueuePair) FailNextPost(status int32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failNextOp = status
}

func (q *StubQueuePair) takeFailStatus() int32 {
	s := q.failNextOp
	q.failNextOp = 0
	return s
}

func (q *StubQueuePair) PostRecv(wrID uint64, sges []SGE) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return fmt.Errorf("rdma: post on destroyed queue pair")
	}
	if len(q.pendingRecv) >= int(q.cfg.MaxRecvWR) {
		return ErrQPFull
	}
	q.pendingRecv[wrID] = sges
	return nil
}

func (q *StubQueuePair) PostSend(wrID uint64, sge SGE) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return fmt.Errorf("rdma: post on destroyed queue pair")
	}
	status := q.takeFailStatus()
	q.sendCQ = append(q.sendCQ, WC{WRID: wrID, Opcode: OpSend, Status: status, ByteLen: sge.Length})
	return nil
}

func (q *StubQueuePair) PostRDMARead(wrID uint64, local SGE, remoteAddr uint64, remoteKey uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return fmt.Errorf("rdma: post on destroyed queue pair")
	}
	status := q.takeFailStatus()
	q.sendCQ = append(q.sendCQ, WC{WRID: wrID, Opcode: OpRDMARead, Status: status, ByteLen: local.Length})
	return nil
}

func (q *StubQueuePair) PostRDMAWrite(wrID uint64, local SGE, remoteAddr uint64, remoteKey uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return fmt.Errorf("rdma: post on destroyed queue pair")
	}
	status := q.takeFailStatus()
	q.sendCQ = append(q.sendCQ, WC{WRID: wrID, Opcode: OpRDMAWrite, Status: status, ByteLen: local.Length})
	return nil
}

// DeliverRecv simulates an inbound message against the oldest pending
// RECV posted with the given wrID, copying data into the local SGE's
// backing memory and completing it on the recv CQ.
func (q *StubQueuePair) DeliverRecv(wrID uint64, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	sges, ok := q.pendingRecv[wrID]
	if !ok {
		return fmt.Errorf("rdma: no pending recv for wrID %d", wrID)
	}
	delete(q.pendingRecv, wrID)

	remaining := data
	for _, sge := range sges {
		n := len(remaining)
		if n > int(sge.Length) {
			n = int(sge.Length)
		}
		if n > 0 && sge.Addr != 0 {
			dst := unsafe.Slice((*byte)(unsafe.Pointer(sge.Addr)), sge.Length)
			copy(dst, remaining[:n])
		}
		remaining = remaining[n:]
	}

	q.recvCQ = append(q.recvCQ, WC{WRID: wrID, Opcode: OpRecv, Status: 0, ByteLen: uint32(len(data))})
	return nil
}

func (q *StubQueuePair) PollSendCQ(max int) ([]WC, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return drainWC(&q.sendCQ, max), nil
}

func (q *StubQueuePair) PollRecvCQ(max int) ([]WC, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return drainWC(&q.recvCQ, max), nil
}

func drainWC(cq *[]WC, max int) []WC {
	if len(*cq) == 0 {
		return nil
	}
	n := len(*cq)
	if max > 0 && n > max {
		n = max
	}
	out := append([]WC(nil), (*cq)[:n]...)
	*cq = (*cq)[n:]
	return out
}

func (q *StubQueuePair) Destroy() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.destroyed = true
	return nil
}

// StubCMChannel is an in-process RDMA CM event channel. Tests push events
// with Inject; the acceptor's poll loop drains them with GetEvent exactly
// as it would a real channel's fd.
type StubCMChannel struct {
	mu     sync.Mutex
	events []*CMEvent
	closed bool
}

func NewStubCMChannel() *StubCMChannel {
	return &StubCMChannel{}
}

// Inject appends a synthetic event, simulating the kernel delivering it.
func (c *StubCMChannel) Inject(ev *CMEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *StubCMChannel) Fd() int { return -1 }

func (c *StubCMChannel) GetEvent() (*CMEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return nil, ErrNoEvent
	}
	ev := c.events[0]
	c.events = c.events[1:]
	return ev, nil
}

func (c *StubCMChannel) AckEvent(ev *CMEvent) error { return nil }

func (c *StubCMChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// StubConnID simulates a CM connection identifier for a single pending or
// established connection.
type StubConnID struct {
	device     Device
	remoteAddr string
	qp         QueuePair

	mu         sync.Mutex
	accepted   bool
	rejected   bool
	disconnected bool
	destroyed  bool
}

func NewStubConnID(device Device, remoteAddr string) *StubConnID {
	return &StubConnID{device: device, remoteAddr: remoteAddr}
}

func (id *StubConnID) Device() Device        { return id.device }
func (id *StubConnID) RemoteAddr() string    { return id.remoteAddr }

// QP returns the queue pair created by Accept, or nil before Accept is
// called. Test-only accessor: real rdma_cm callers get the QP back from
// Accept's return value instead.
func (id *StubConnID) QP() QueuePair {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.qp
}

func (id *StubConnID) Accept(privateData []byte, responderResources, initiatorDepth uint8) (QueuePair, error) {
	id.mu.Lock()
	defer id.mu.Unlock()

	var hdr uapi.AcceptPrivateData
	maxQueueDepth := uint32(0)
	if uapi.UnmarshalAcceptPrivateData(privateData, &hdr) == nil {
		maxQueueDepth = uint32(hdr.CRQSize)
	}

	qp, err := id.device.CreateQueuePair(QPConfig{
		MaxSendWR:  2 * maxQueueDepth,
		MaxRecvWR:  maxQueueDepth,
		MaxSendSGE: 1,
		MaxRecvSGE: 2,
	})
	if err != nil {
		return nil, err
	}
	id.qp = qp
	id.accepted = true
	return qp, nil
}

func (id *StubConnID) Reject(privateData []byte) error {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.rejected = true
	return nil
}

func (id *StubConnID) Disconnect() error {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.disconnected = true
	return nil
}

func (id *StubConnID) Destroy() error {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.destroyed = true
	return nil
}

// StubListener pairs a StubCMChannel with a fixed listen address, letting
// tests drive the acceptor without a real rdma_cm listen socket.
type StubListener struct {
	addr    string
	channel *StubCMChannel
}

func NewStubListener(addr string) *StubListener {
	return &StubListener{addr: addr, channel: NewStubCMChannel()}
}

func (l *StubListener) Channel() CMChannel { return l.channel }
func (l *StubListener) Addr() string       { return l.addr }
func (l *StubListener) Close() error       { return l.channel.Close() }

// StubChannel exposes the concrete StubCMChannel so tests can Inject
// events without a type assertion.
func (l *StubListener) StubChannel() *StubCMChannel { return l.channel }

var (
	_ Device    = (*StubDevice)(nil)
	_ QueuePair = (*StubQueuePair)(nil)
	_ CMChannel = (*StubCMChannel)(nil)
	_ ConnID    = (*StubConnID)(nil)
	_ Listener  = (*StubListener)(nil)
)
