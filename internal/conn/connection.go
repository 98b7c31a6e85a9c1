// Package conn implements the per-connection state: the RDMA queue pair,
// the three pinned arrays of command/response capsules and in-capsule data
// buffers, the two depth counters, the two pending queues, and the
// request-slot state machine that drives a capsule from RECV to SEND-ack.
// A Config struct feeds a constructor that pins and registers memory up
// front, then tracks per-slot state for the life of the connection.
package conn

import (
	"unsafe"

	"github.com/rs/xid"

	"github.com/nvmft-rdma/target/internal/constants"
	"github.com/nvmft-rdma/target/internal/rdma"
	"github.com/nvmft-rdma/target/internal/rdmaif"
	"github.com/nvmft-rdma/target/internal/session"
	"github.com/nvmft-rdma/target/internal/uapi"
)

// Config configures a new Connection.
type Config struct {
	Device rdma.Device
	CMID   rdma.ConnID
	QP     rdma.QueuePair // already created via Device.CreateQueuePair/ConnID.Accept

	MaxQueueDepth     uint32
	MaxRWDepth        uint32
	MaxIOSize         uint32
	InCapsuleDataSize uint32

	// SessionPool may be nil; it is bound once the owning session exists
	// allocated once, on first use by the owning session.
	SessionPool *session.Pool

	Backend  Backend
	Logger   rdmaif.Logger
	Observer rdmaif.Observer
}

// Connection is one accepted RDMA Reliable-Connection queue pair plus its
// pinned per-connection arrays.
type Connection struct {
	ID xid.ID

	device rdma.Device
	cmID   rdma.ConnID
	qp     rdma.QueuePair

	maxQueueDepth     uint32
	maxRWDepth        uint32
	curQueueDepth     uint32
	curRWDepth        uint32
	inCapsuleDataSize uint32
	maxIOSize         uint32

	sqHead    uint16
	sqHeadMax uint16
	phase     bool

	slots []Request

	cmdsRegion rdma.MemoryRegion
	cplsRegion rdma.MemoryRegion
	bufsRegion rdma.MemoryRegion
	cmdsBuf    []byte
	cplsBuf    []byte
	bufsBuf    []byte

	sessionPool *session.Pool

	pendingDataBufHead, pendingDataBufTail *Request
	pendingRWHead, pendingRWTail           *Request

	backend  Backend
	logger   rdmaif.Logger
	observer rdmaif.Observer

	// Bound is true once the connection has left the transport's pending
	// (pre-CONNECT) sequence.
	Bound bool

	destroyed bool
}

// New creates a connection with the negotiated (max_queue_depth,
// max_rw_depth) pair, pins and registers its three arrays, and posts an
// initial RECV for every slot.
func New(cfg Config) (*Connection, error) {
	if cfg.MaxQueueDepth == 0 {
		return nil, newError("New", "", ErrCodeCMSetupFailed, "max_queue_depth must be non-zero")
	}

	c := &Connection{
		ID:                xid.New(),
		device:             cfg.Device,
		cmID:               cfg.CMID,
		qp:                 cfg.QP,
		maxQueueDepth:      cfg.MaxQueueDepth,
		maxRWDepth:         cfg.MaxRWDepth,
		inCapsuleDataSize:  cfg.InCapsuleDataSize,
		maxIOSize:          cfg.MaxIOSize,
		sqHeadMax:          uint16(cfg.MaxQueueDepth - 1),
		sessionPool:        cfg.SessionPool,
		backend:            cfg.Backend,
		logger:             cfg.Logger,
		observer:           cfg.Observer,
	}

	if err := c.allocate(); err != nil {
		c.Destroy()
		return nil, err
	}

	for i := range c.slots {
		if err := c.postRecv(&c.slots[i]); err != nil {
			c.Destroy()
			return nil, wrapError("New", c.ID.String(), ErrCodeWRPostFailed, err)
		}
	}

	return c, nil
}

func (c *Connection) allocate() error {
	n := c.maxQueueDepth
	c.cmdsBuf = alignedAlloc(int(n) * uapi.CommandCapsuleSize)
	c.cplsBuf = alignedAlloc(int(n) * uapi.ResponseCapsuleSize)
	c.bufsBuf = alignedAlloc(int(n) * int(c.inCapsuleDataSize))

	var err error
	c.cmdsRegion, err = c.device.RegisterMemoryRegion(c.cmdsBuf)
	if err != nil {
		return wrapError("allocate", c.ID.String(), ErrCodeCMSetupFailed, err)
	}
	c.cplsRegion, err = c.device.RegisterMemoryRegion(c.cplsBuf)
	if err != nil {
		return wrapError("allocate", c.ID.String(), ErrCodeCMSetupFailed, err)
	}
	c.bufsRegion, err = c.device.RegisterMemoryRegion(c.bufsBuf)
	if err != nil {
		return wrapError("allocate", c.ID.String(), ErrCodeCMSetupFailed, err)
	}

	c.slots = make([]Request, n)
	for i := range c.slots {
		s := &c.slots[i]
		s.conn = c
		s.index = i
		s.wrID = uint64(i)
		s.cmdRaw = c.cmdsBuf[i*uapi.CommandCapsuleSize : (i+1)*uapi.CommandCapsuleSize]
		s.cplRaw = c.cplsBuf[i*uapi.ResponseCapsuleSize : (i+1)*uapi.ResponseCapsuleSize]
		s.inCapsuleBuf = c.bufsBuf[i*int(c.inCapsuleDataSize) : (i+1)*int(c.inCapsuleDataSize)]
		s.state = SlotPostedRecv
	}
	return nil
}

// alignedAlloc returns a byte slice of exactly size bytes whose backing
// array starts on a PinnedAlignment boundary ("4 KiB
// alignment"). Go's non-moving allocator keeps the returned slice's
// address stable for the process lifetime, standing in for a real mmap.
func alignedAlloc(size int) []byte {
	if size == 0 {
		return nil
	}
	buf := make([]byte, size+constants.PinnedAlignment)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	pad := (constants.PinnedAlignment - int(addr%constants.PinnedAlignment)) % constants.PinnedAlignment
	return buf[pad : pad+size : pad+size]
}

func addrOf(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}

func (c *Connection) postRecv(r *Request) error {
	sges := []rdma.SGE{
		{Addr: addrOf(r.cmdRaw), Length: uint32(len(r.cmdRaw)), LKey: c.cmdsRegion.LKey()},
		{Addr: addrOf(r.inCapsuleBuf), Length: uint32(len(r.inCapsuleBuf)), LKey: c.bufsRegion.LKey()},
	}
	return c.qp.PostRecv(r.wrID, sges)
}

// BindSessionPool attaches the session pool on first use by this
// connection.
func (c *Connection) BindSessionPool(pool *session.Pool) { c.sessionPool = pool }

// RemoteAddr identifies the connection's peer, used by the acceptor to
// route CM events for established connections back to the right
// Connection.
func (c *Connection) RemoteAddr() string {
	if c.cmID == nil {
		return ""
	}
	return c.cmID.RemoteAddr()
}

func (c *Connection) CurQueueDepth() uint32 { return c.curQueueDepth }
func (c *Connection) CurRWDepth() uint32    { return c.curRWDepth }
func (c *Connection) MaxQueueDepth() uint32 { return c.maxQueueDepth }
func (c *Connection) MaxRWDepth() uint32    { return c.maxRWDepth }

// Destroy deregisters the three memory regions, destroys the queue pair
// and the CM id, and frees all arrays. Safe to
// call multiple times and against partially-initialized state.
func (c *Connection) Destroy() error {
	if c.destroyed {
		return nil
	}
	c.destroyed = true

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if c.cmdsRegion != nil {
		record(c.cmdsRegion.Deregister())
		c.cmdsRegion = nil
	}
	if c.cplsRegion != nil {
		record(c.cplsRegion.Deregister())
		c.cplsRegion = nil
	}
	if c.bufsRegion != nil {
		record(c.bufsRegion.Deregister())
		c.bufsRegion = nil
	}
	if c.qp != nil {
		record(c.qp.Destroy())
		c.qp = nil
	}
	if c.cmID != nil {
		record(c.cmID.Destroy())
		c.cmID = nil
	}
	c.cmdsBuf, c.cplsBuf, c.bufsBuf = nil, nil, nil
	c.slots = nil

	if firstErr != nil {
		return wrapError("Destroy", c.ID.String(), ErrCodeFatal, firstErr)
	}
	return nil
}

// pushDataBuf appends r to the tail of pending_data_buf_queue.
func (c *Connection) pushDataBuf(r *Request) {
	r.nextDataBuf = nil
	if c.pendingDataBufTail == nil {
		c.pendingDataBufHead, c.pendingDataBufTail = r, r
		return
	}
	c.pendingDataBufTail.nextDataBuf = r
	c.pendingDataBufTail = r
}

func (c *Connection) popDataBuf() *Request {
	r := c.pendingDataBufHead
	if r == nil {
		return nil
	}
	c.pendingDataBufHead = r.nextDataBuf
	if c.pendingDataBufHead == nil {
		c.pendingDataBufTail = nil
	}
	r.nextDataBuf = nil
	return r
}

// pushRW appends r to the tail of pending_rdma_rw_queue.
func (c *Connection) pushRW(r *Request) {
	r.nextRW = nil
	if c.pendingRWTail == nil {
		c.pendingRWHead, c.pendingRWTail = r, r
		return
	}
	c.pendingRWTail.nextRW = r
	c.pendingRWTail = r
}

func (c *Connection) popRW() *Request {
	r := c.pendingRWHead
	if r == nil {
		return nil
	}
	c.pendingRWHead = r.nextRW
	if c.pendingRWHead == nil {
		c.pendingRWTail = nil
	}
	r.nextRW = nil
	return r
}

func (c *Connection) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Debugf(format, args...)
	}
}

func (c *Connection) fatal(op string, err error) error {
	if c.observer != nil {
		c.observer.ObserveFatal(c.ID.String())
	}
	return wrapError(op, c.ID.String(), ErrCodeFatal, err)
}
