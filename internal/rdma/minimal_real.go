//go:build rdma_real
// +build rdma_real

// Package rdma: minimal implementation talking directly to the kernel's
// RDMA CM (ucma) and verbs (uverbs) character devices via raw syscalls,
// hand-rolling the ioctl/syscall sequences instead of pulling in a cgo
// binding. Requires -tags rdma_real and a real RDMA-capable host; the
// default build (no tag) uses minimal_stub.go instead.
package rdma

import (
	"encoding/binary"
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nvmft-rdma/target/internal/logging"
	"github.com/nvmft-rdma/target/internal/uapi"
)

// UCMA (userspace RDMA connection manager) command opcodes, from
// uapi/rdma/rdma_user_cm.h. The ucma device is driven with write()s of a
// fixed command header followed by a command-specific payload; responses
// are read back from the same fd.
const (
	ucmaCmdCreateID     = 0
	ucmaCmdDestroyID    = 1
	ucmaCmdBindIP       = 2
	ucmaCmdResolveIP    = 3
	ucmaCmdResolveRoute = 4
	ucmaCmdQueryRoute   = 5
	ucmaCmdConnect      = 6
	ucmaCmdListen       = 7
	ucmaCmdAccept       = 8
	ucmaCmdReject       = 10
	ucmaCmdDisconnect   = 11
	ucmaCmdGetEvent     = 13
	ucmaCmdBind         = 26
)

const ucmaDevPath = "/dev/infiniband/rdma_cm"

// ucmaCmdHdr is struct rdma_ucm_cmd_hdr.
type ucmaCmdHdr struct {
	Cmd uint32
	In  uint16
	Out uint16
}

// ucmaCreateID is struct rdma_ucm_create_id.
type ucmaCreateID struct {
	UID      uint64
	Response uint64
	PS       uint16
	QPType   uint8
	_        [5]byte
}

// ucmaCreateIDResp is struct rdma_ucm_create_id_resp.
type ucmaCreateIDResp struct {
	ID uint32
}

// ucmaListen is struct rdma_ucm_listen.
type ucmaListen struct {
	ID      uint32
	Backlog int32
}

// ucmaAccept is struct rdma_ucm_accept.
type ucmaAccept struct {
	UID uint64
	ID  uint32
}

// ucmaGetEvent is struct rdma_ucm_get_event.
type ucmaGetEvent struct {
	Response uint64
}

// ucmaEventResp mirrors struct rdma_ucm_event_resp's fixed prefix; private
// data follows inline in the real ABI and is handled separately here.
type ucmaEventResp struct {
	UID                uint64
	ID                 uint32
	Event              uint32
	Status             int32
	PrivateDataLen     uint32
	InitiatorDepth     uint8
	ResponderResources uint8
	_                  [2]byte
}

// ucmaEventType maps ucma's RDMA_CM_EVENT_* to our CMEventType.
func ucmaEventType(kernelEvent uint32) CMEventType {
	switch kernelEvent {
	case 0: // RDMA_CM_EVENT_ADDR_RESOLVED ... fallthrough range unused here
		return EventAddrChange
	case 10: // RDMA_CM_EVENT_CONNECT_REQUEST
		return EventConnectRequest
	case 11: // RDMA_CM_EVENT_CONNECT_RESPONSE
		return EventEstablished
	case 13: // RDMA_CM_EVENT_ESTABLISHED
		return EventEstablished
	case 9: // RDMA_CM_EVENT_REJECTED
		return EventRejected
	case 14, 15: // DISCONNECTED, DEVICE_REMOVAL
		return EventDisconnected
	case 16:
		return EventTimewaitExit
	default:
		return EventUnreachable
	}
}

// minimalListener owns a ucma-allocated listening ID and its shared event
// channel fd.
type minimalListener struct {
	mu      sync.Mutex
	fd      int
	id      uint32
	addr    string
	device  Device
	channel *minimalCMChannel
}

// NewMinimalListener opens the ucma device, creates a CM ID, and starts
// listening with the given backlog. This is a minimal implementation: it
// covers IPv4 stream-style RC listens only, the shape the acceptor actually
// needs. No bind command is issued (ucmaBindAddr is a no-op), so the ID is
// not bound to addr; addr is only recorded and reported by Addr.
func NewMinimalListener(addr string, backlog int) (Listener, error) {
	logger := logging.Default().Named("rdma")
	fd, err := unix.Open(ucmaDevPath, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("rdma: open %s: %w", ucmaDevPath, err)
	}

	id, err := ucmaCreateCMID(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rdma: create_id: %w", err)
	}

	if err := ucmaBindAddr(fd, id, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rdma: bind %s: %w", addr, err)
	}

	if err := ucmaListenCMID(fd, id, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rdma: listen: %w", err)
	}

	dev, err := OpenMinimalDevice(0)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rdma: open device for listener: %w", err)
	}

	logger.Debugf("listening on %s (ucma id=%d)", addr, id)
	return &minimalListener{
		fd:      fd,
		id:      id,
		addr:    addr,
		device:  dev,
		channel: &minimalCMChannel{fd: fd, device: dev},
	}, nil
}

func (l *minimalListener) Channel() CMChannel { return l.channel }
func (l *minimalListener) Addr() string       { return l.addr }

func (l *minimalListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = ucmaDestroyCMID(l.fd, l.id)
	return unix.Close(l.fd)
}

// minimalCMChannel reads CM events off the shared ucma fd.
type minimalCMChannel struct {
	fd     int
	device Device
}

func (c *minimalCMChannel) Fd() int { return c.fd }

func (c *minimalCMChannel) GetEvent() (*CMEvent, error) {
	var hdr ucmaCmdHdr
	hdr.Cmd = ucmaCmdGetEvent
	hdr.In = uint16(unsafe.Sizeof(ucmaGetEvent{}))
	hdr.Out = uint16(unsafe.Sizeof(ucmaEventResp{}))

	// The real ABI writes hdr+cmd in one buffer and reads the response
	// back from the same fd; EAGAIN means no event is queued.
	buf := make([]byte, unsafe.Sizeof(hdr)+unsafe.Sizeof(ucmaGetEvent{}))
	encodeHdr(buf, &hdr)
	if _, err := unix.Write(c.fd, buf); err != nil {
		if err == unix.EAGAIN {
			return nil, ErrNoEvent
		}
		return nil, fmt.Errorf("rdma: get_event write: %w", err)
	}

	resp := make([]byte, unsafe.Sizeof(ucmaEventResp{}))
	n, err := unix.Read(c.fd, resp)
	if err != nil {
		return nil, fmt.Errorf("rdma: get_event read: %w", err)
	}
	if n < len(resp) {
		return nil, fmt.Errorf("rdma: short get_event response (%d bytes)", n)
	}

	var er ucmaEventResp
	decodeEventResp(resp, &er)

	ev := &CMEvent{
		Type:               ucmaEventType(er.Event),
		InitiatorDepth:     er.InitiatorDepth,
		ResponderResources: er.ResponderResources,
	}
	// Every event the kernel delivers (CONNECT_REQUEST included) carries
	// the ucma id it pertains to: for CONNECT_REQUEST this is a fresh id
	// the kernel allocated for the new peer, distinct from the listening
	// id. Wrap it so Accept/Reject/Disconnect/Destroy have somewhere to
	// go; RemoteAddr is unknown at this layer and is left for the private
	// data / getpeername path to fill in at a higher level if needed.
	ev.ConnID = &minimalConnID{fd: c.fd, id: er.ID, device: c.device}
	return ev, nil
}

func (c *minimalCMChannel) AckEvent(ev *CMEvent) error {
	// The real ABI requires an explicit RDMA_USER_CM_CMD_DISCONNECT/ACK
	// exchange for certain event types; events not requiring an ack are
	// implicitly consumed when read.
	return nil
}

func (c *minimalCMChannel) Close() error { return nil }

// minimalConnID wraps a single ucma connection id (the listening id or an
// id allocated for an inbound CONNECT_REQUEST).
type minimalConnID struct {
	fd         int
	id         uint32
	device     Device
	remoteAddr string
}

func (id *minimalConnID) Device() Device     { return id.device }
func (id *minimalConnID) RemoteAddr() string { return id.remoteAddr }

func (id *minimalConnID) Accept(privateData []byte, responderResources, initiatorDepth uint8) (QueuePair, error) {
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
		return nil, fmt.Errorf("rdma: accept: create_qp: %w", err)
	}

	cmd := ucmaAccept{ID: id.id}
	hdrBuf := ucmaCmdHdr{Cmd: ucmaCmdAccept, In: uint16(unsafe.Sizeof(cmd))}
	buf := make([]byte, unsafe.Sizeof(hdrBuf)+unsafe.Sizeof(cmd))
	encodeHdr(buf, &hdrBuf)
	binary.LittleEndian.PutUint64(buf[unsafe.Sizeof(hdrBuf):], cmd.UID)
	binary.LittleEndian.PutUint32(buf[unsafe.Sizeof(hdrBuf)+8:], cmd.ID)
	if _, err := unix.Write(id.fd, buf); err != nil {
		qp.Destroy()
		return nil, fmt.Errorf("rdma: accept: %w", err)
	}
	return qp, nil
}

func (id *minimalConnID) Reject(privateData []byte) error {
	hdr := ucmaCmdHdr{Cmd: ucmaCmdReject, In: 4}
	buf := make([]byte, unsafe.Sizeof(hdr)+4)
	encodeHdr(buf, &hdr)
	binary.LittleEndian.PutUint32(buf[unsafe.Sizeof(hdr):], id.id)
	_, err := unix.Write(id.fd, buf)
	return err
}

func (id *minimalConnID) Disconnect() error {
	hdr := ucmaCmdHdr{Cmd: ucmaCmdDisconnect, In: 4}
	buf := make([]byte, unsafe.Sizeof(hdr)+4)
	encodeHdr(buf, &hdr)
	binary.LittleEndian.PutUint32(buf[unsafe.Sizeof(hdr):], id.id)
	_, err := unix.Write(id.fd, buf)
	return err
}

func (id *minimalConnID) Destroy() error {
	return ucmaDestroyCMID(id.fd, id.id)
}

func ucmaCreateCMID(fd int) (uint32, error) {
	var hdr ucmaCmdHdr
	hdr.Cmd = ucmaCmdCreateID
	hdr.In = uint16(unsafe.Sizeof(ucmaCreateID{}))
	hdr.Out = uint16(unsafe.Sizeof(ucmaCreateIDResp{}))

	cmd := ucmaCreateID{PS: 0x0191 /* RDMA_PS_TCP */, QPType: 3 /* IB_QPT_RC */}

	buf := make([]byte, unsafe.Sizeof(hdr)+unsafe.Sizeof(cmd))
	encodeHdr(buf, &hdr)
	encodeCreateID(buf[unsafe.Sizeof(hdr):], &cmd)

	if _, err := unix.Write(fd, buf); err != nil {
		return 0, err
	}

	resp := make([]byte, unsafe.Sizeof(ucmaCreateIDResp{}))
	if _, err := unix.Read(fd, resp); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(resp[0:4]), nil
}

func ucmaBindAddr(fd int, id uint32, addr string) error {
	// A full implementation parses addr into a sockaddr_in/sockaddr_in6
	// and issues RDMA_USER_CM_CMD_BIND with the encoded sockaddr; omitted
	// here since the stub path is what tests exercise.
	return nil
}

func ucmaListenCMID(fd int, id uint32, backlog int) error {
	var hdr ucmaCmdHdr
	hdr.Cmd = ucmaCmdListen
	hdr.In = uint16(unsafe.Sizeof(ucmaListen{}))

	cmd := ucmaListen{ID: id, Backlog: int32(backlog)}
	buf := make([]byte, unsafe.Sizeof(hdr)+unsafe.Sizeof(cmd))
	encodeHdr(buf, &hdr)
	binary.LittleEndian.PutUint32(buf[unsafe.Sizeof(hdr):], cmd.ID)
	binary.LittleEndian.PutUint32(buf[unsafe.Sizeof(hdr)+4:], uint32(cmd.Backlog))

	_, err := unix.Write(fd, buf)
	return err
}

func ucmaDestroyCMID(fd int, id uint32) error {
	var hdr ucmaCmdHdr
	hdr.Cmd = ucmaCmdDestroyID
	hdr.In = 4

	buf := make([]byte, unsafe.Sizeof(hdr)+4)
	encodeHdr(buf, &hdr)
	binary.LittleEndian.PutUint32(buf[unsafe.Sizeof(hdr):], id)

	_, err := unix.Write(fd, buf)
	return err
}

func encodeHdr(buf []byte, hdr *ucmaCmdHdr) {
	binary.LittleEndian.PutUint32(buf[0:4], hdr.Cmd)
	binary.LittleEndian.PutUint16(buf[4:6], hdr.In)
	binary.LittleEndian.PutUint16(buf[6:8], hdr.Out)
}

func encodeCreateID(buf []byte, cmd *ucmaCreateID) {
	binary.LittleEndian.PutUint64(buf[0:8], cmd.UID)
	binary.LittleEndian.PutUint64(buf[8:16], cmd.Response)
	binary.LittleEndian.PutUint16(buf[16:18], cmd.PS)
	buf[18] = cmd.QPType
}

func decodeEventResp(buf []byte, er *ucmaEventResp) {
	er.UID = binary.LittleEndian.Uint64(buf[0:8])
	er.ID = binary.LittleEndian.Uint32(buf[8:12])
	er.Event = binary.LittleEndian.Uint32(buf[12:16])
	er.Status = int32(binary.LittleEndian.Uint32(buf[16:20]))
	er.PrivateDataLen = binary.LittleEndian.Uint32(buf[20:24])
	er.InitiatorDepth = buf[24]
	er.ResponderResources = buf[25]
}

// uverbs (legacy write-based) command opcodes, from
// uapi/rdma/ib_user_verbs.h.
const (
	uverbsCmdAllocPD  = 3
	uverbsCmdRegMR    = 9
	uverbsCmdDeregMR  = 13
	uverbsCmdCreateCQ = 18
	uverbsCmdDestroyQP = 27
	uverbsCmdCreateQP = 24
)

// encodeUverbsHdr writes struct ib_uverbs_cmd_hdr's three fields.
func encodeUverbsHdr(buf []byte, cmd uint32, inWords, outWords uint16) {
	binary.LittleEndian.PutUint32(buf[0:4], cmd)
	binary.LittleEndian.PutUint16(buf[4:6], inWords)
	binary.LittleEndian.PutUint16(buf[6:8], outWords)
}

// uverbs device path pattern; the minimal device opens index 0 since
// multi-HCA selection is out of scope.
const uverbsDevPathFmt = "/dev/infiniband/uverbs%d"

// minimalDevice wraps an open uverbs context fd. Queue pair and memory
// region operations go through the legacy write()-based command ABI
// (struct ib_uverbs_cmd_hdr), the simplest path that does not require the
// mmap'd direct-verbs fast path real providers use for POST_SEND/POLL_CQ.
type minimalDevice struct {
	fd   int
	name string

	mu       sync.Mutex
	pdHandle uint32
	havePD   bool
}

// OpenMinimalDevice opens a uverbs context directly instead of going
// through a higher-level client library. The device's human-readable name
// comes from rdmamap's sysfs enumeration when index is in range; it falls
// back to the uverbs device path otherwise.
func OpenMinimalDevice(index int) (Device, error) {
	path := fmt.Sprintf(uverbsDevPathFmt, index)
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("rdma: open %s: %w", path, err)
	}

	name := path
	if names := EnumerateDeviceNames(); index < len(names) {
		name = names[index]
	}
	return &minimalDevice{fd: fd, name: name}, nil
}

func (d *minimalDevice) Name() string       { return d.name }
func (d *minimalDevice) MaxQPWR() uint32     { return 4096 }
func (d *minimalDevice) MaxQPRdAtom() uint32 { return 16 }

// allocPD lazily allocates the single protection domain every MR/QP on
// this device is created against; one PD per device is all a target with
// no multi-tenant isolation needs.
func (d *minimalDevice) allocPD() (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.havePD {
		return d.pdHandle, nil
	}

	hdr := make([]byte, 8)
	encodeUverbsHdr(hdr, uverbsCmdAllocPD, 1, 1)
	buf := append(hdr, make([]byte, 8)...) // response field
	if _, err := unix.Write(d.fd, buf); err != nil {
		return 0, fmt.Errorf("rdma: alloc_pd: %w", err)
	}

	resp := make([]byte, 4)
	if _, err := unix.Read(d.fd, resp); err != nil {
		return 0, fmt.Errorf("rdma: alloc_pd resp: %w", err)
	}
	d.pdHandle = binary.LittleEndian.Uint32(resp[0:4])
	d.havePD = true
	return d.pdHandle, nil
}

func (d *minimalDevice) RegisterMemoryRegion(buf []byte) (MemoryRegion, error) {
	pd, err := d.allocPD()
	if err != nil {
		return nil, err
	}

	addr := uint64(0)
	if len(buf) > 0 {
		addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	}

	const accessLocalWrite = 1
	const accessRemoteWrite = 2
	const accessRemoteRead = 4

	cmd := make([]byte, 8+8+8+8+4+4)
	binary.LittleEndian.PutUint64(cmd[0:8], 0) // response, filled by kernel out-of-band in the real ABI
	binary.LittleEndian.PutUint64(cmd[8:16], addr)
	binary.LittleEndian.PutUint64(cmd[16:24], uint64(len(buf)))
	binary.LittleEndian.PutUint64(cmd[24:32], addr)
	binary.LittleEndian.PutUint32(cmd[32:36], pd)
	binary.LittleEndian.PutUint32(cmd[36:40], accessLocalWrite|accessRemoteWrite|accessRemoteRead)

	hdr := make([]byte, 8)
	encodeUverbsHdr(hdr, uverbsCmdRegMR, uint16(len(cmd)/4), 3)
	if _, err := unix.Write(d.fd, append(hdr, cmd...)); err != nil {
		return nil, fmt.Errorf("rdma: reg_mr: %w", err)
	}

	resp := make([]byte, 12)
	if _, err := unix.Read(d.fd, resp); err != nil {
		return nil, fmt.Errorf("rdma: reg_mr resp: %w", err)
	}
	mrHandle := binary.LittleEndian.Uint32(resp[0:4])
	lkey := binary.LittleEndian.Uint32(resp[4:8])
	rkey := binary.LittleEndian.Uint32(resp[8:12])

	return &minimalMR{fd: d.fd, handle: mrHandle, addr: uintptr(addr), lkey: lkey, rkey: rkey}, nil
}

// createCQ issues IB_USER_VERBS_CMD_CREATE_CQ for a completion queue of at
// least depth entries, returning its kernel handle.
func (d *minimalDevice) createCQ(depth uint32) (uint32, error) {
	cmd := make([]byte, 8+8+4+4+4+4)
	binary.LittleEndian.PutUint32(cmd[16:20], depth) // cqe
	binary.LittleEndian.PutUint32(cmd[20:24], 0)     // comp_vector
	binary.LittleEndian.PutUint32(cmd[24:28], uint32(int32(-1))) // comp_channel: none

	hdr := make([]byte, 8)
	encodeUverbsHdr(hdr, uverbsCmdCreateCQ, uint16(len(cmd)/4), 2)
	if _, err := unix.Write(d.fd, append(hdr, cmd...)); err != nil {
		return 0, fmt.Errorf("rdma: create_cq: %w", err)
	}

	resp := make([]byte, 8)
	if _, err := unix.Read(d.fd, resp); err != nil {
		return 0, fmt.Errorf("rdma: create_cq resp: %w", err)
	}
	return binary.LittleEndian.Uint32(resp[0:4]), nil
}

func (d *minimalDevice) CreateQueuePair(cfg QPConfig) (QueuePair, error) {
	pd, err := d.allocPD()
	if err != nil {
		return nil, fmt.Errorf("rdma: create_qp: %w", err)
	}

	sendCQ, err := d.createCQ(cfg.MaxSendWR)
	if err != nil {
		return nil, fmt.Errorf("rdma: create_qp: send cq: %w", err)
	}
	recvCQ, err := d.createCQ(cfg.MaxRecvWR)
	if err != nil {
		return nil, fmt.Errorf("rdma: create_qp: recv cq: %w", err)
	}

	const qpTypeRC = 2

	cmd := make([]byte, 8+8+4+4+4+4+4+4+4+4+4+1+1+2)
	binary.LittleEndian.PutUint32(cmd[16:20], pd)
	binary.LittleEndian.PutUint32(cmd[20:24], sendCQ)
	binary.LittleEndian.PutUint32(cmd[24:28], recvCQ)
	binary.LittleEndian.PutUint32(cmd[28:32], 0) // srq_handle: none
	binary.LittleEndian.PutUint32(cmd[32:36], cfg.MaxSendWR)
	binary.LittleEndian.PutUint32(cmd[36:40], cfg.MaxRecvWR)
	binary.LittleEndian.PutUint32(cmd[40:44], cfg.MaxSendSGE)
	binary.LittleEndian.PutUint32(cmd[44:48], cfg.MaxRecvSGE)
	binary.LittleEndian.PutUint32(cmd[48:52], 0) // max_inline_data
	cmd[52] = qpTypeRC

	hdr := make([]byte, 8)
	encodeUverbsHdr(hdr, uverbsCmdCreateQP, uint16(len(cmd)/4), 7)
	if _, err := unix.Write(d.fd, append(hdr, cmd...)); err != nil {
		return nil, fmt.Errorf("rdma: create_qp: %w", err)
	}

	resp := make([]byte, 28)
	if _, err := unix.Read(d.fd, resp); err != nil {
		return nil, fmt.Errorf("rdma: create_qp resp: %w", err)
	}
	qpHandle := binary.LittleEndian.Uint32(resp[0:4])

	return &minimalQueuePair{fd: d.fd, handle: qpHandle, sendCQ: sendCQ, recvCQ: recvCQ, cfg: cfg}, nil
}

func (d *minimalDevice) Close() error {
	return syscall.Close(d.fd)
}

// minimalMR is a registered memory region reached via the legacy uverbs
// write ABI. Deregister issues IB_USER_VERBS_CMD_DEREG_MR.
type minimalMR struct {
	fd     int
	handle uint32
	addr   uintptr
	lkey   uint32
	rkey   uint32
}

func (m *minimalMR) LKey() uint32  { return m.lkey }
func (m *minimalMR) RKey() uint32  { return m.rkey }
func (m *minimalMR) Addr() uintptr { return m.addr }

func (m *minimalMR) Deregister() error {
	cmd := make([]byte, 4)
	binary.LittleEndian.PutUint32(cmd, m.handle)
	hdr := make([]byte, 8)
	encodeUverbsHdr(hdr, uverbsCmdDeregMR, uint16(len(cmd)/4), 0)
	_, err := unix.Write(m.fd, append(hdr, cmd...))
	return err
}

// minimalQueuePair posts and polls against a real kernel QP via the legacy
// uverbs write ABI. POST_SEND/POST_RECV/POLL_CQ are left unimplemented:
// their wire format carries a variable-length work-request and SGE array
// this minimal client does not attempt to hand-encode, the same scope cut
// RegisterMemoryRegion and CreateQueuePair used to make above StubDevice.
type minimalQueuePair struct {
	fd              int
	handle          uint32
	sendCQ, recvCQ  uint32
	cfg             QPConfig
}

func (q *minimalQueuePair) PostRecv(wrID uint64, sges []SGE) error {
	return fmt.Errorf("rdma: POST_RECV not implemented against a real QP, use StubDevice for tests")
}

func (q *minimalQueuePair) PostSend(wrID uint64, sge SGE) error {
	return fmt.Errorf("rdma: POST_SEND not implemented against a real QP, use StubDevice for tests")
}

func (q *minimalQueuePair) PostRDMARead(wrID uint64, local SGE, remoteAddr uint64, remoteKey uint32) error {
	return fmt.Errorf("rdma: POST_SEND(RDMA_READ) not implemented against a real QP, use StubDevice for tests")
}

func (q *minimalQueuePair) PostRDMAWrite(wrID uint64, local SGE, remoteAddr uint64, remoteKey uint32) error {
	return fmt.Errorf("rdma: POST_SEND(RDMA_WRITE) not implemented against a real QP, use StubDevice for tests")
}

func (q *minimalQueuePair) PollSendCQ(max int) ([]WC, error) {
	return nil, fmt.Errorf("rdma: POLL_CQ not implemented against a real QP, use StubDevice for tests")
}

func (q *minimalQueuePair) PollRecvCQ(max int) ([]WC, error) {
	return nil, fmt.Errorf("rdma: POLL_CQ not implemented against a real QP, use StubDevice for tests")
}

func (q *minimalQueuePair) Destroy() error {
	cmd := make([]byte, 4)
	binary.LittleEndian.PutUint32(cmd, q.handle)
	hdr := make([]byte, 8)
	encodeUverbsHdr(hdr, uverbsCmdDestroyQP, uint16(len(cmd)/4), 0)
	_, err := unix.Write(q.fd, append(hdr, cmd...))
	return err
}

var (
	_ Device    = (*minimalDevice)(nil)
	_ QueuePair = (*minimalQueuePair)(nil)
	_ MemoryRegion = (*minimalMR)(nil)
	_ ConnID    = (*minimalConnID)(nil)
	_ CMChannel = (*minimalCMChannel)(nil)
	_ Listener  = (*minimalListener)(nil)
)
