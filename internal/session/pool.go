// Package session implements the per-session large-buffer pool: one
// pinned allocation per session, registered once and carved
// into equal chunks on an intrusive LIFO free-stack: a single registered
// region with deterministic chunk identity rather than size-bucketed
// sync.Pool buffers — the session pool's chunks must keep a stable address
// and rkey across their whole borrowed lifetime, which sync.Pool does not
// guarantee.
package session

import (
	"fmt"

	"github.com/rs/xid"

	"github.com/nvmft-rdma/target/internal/rdma"
)

// Chunk is one equal-sized slice of the session's pinned buffer, on loan to
// a request slot for the duration of an H2C or C2H transfer.
type Chunk struct {
	buf  []byte
	addr uintptr
	lkey uint32
	rkey uint32

	next *Chunk // free-stack link, valid only while on the free-stack
}

func (c *Chunk) Bytes() []byte { return c.buf }
func (c *Chunk) Addr() uintptr { return c.addr }
func (c *Chunk) LKey() uint32  { return c.lkey }
func (c *Chunk) RKey() uint32  { return c.rkey }

// Pool is the per-session large-buffer pool shared by a session's
// connections. Not safe for concurrent use beyond the single-executor
// discipline: the free-stack is mutated only by the executor owning the
// session.
type Pool struct {
	ID xid.ID

	maxQueueDepth uint32
	maxIOSize     uint32

	region rdma.MemoryRegion
	chunks []Chunk // backing storage for all chunks, length maxQueueDepth

	free *Chunk // free-stack head, nil when exhausted
}

// New allocates one pinned block sized maxQueueDepth*maxIOSize, registers
// it as a single memory region on dev, and pushes maxQueueDepth equal
// chunks onto the free-stack.
func New(dev rdma.Device, maxQueueDepth, maxIOSize uint32) (*Pool, error) {
	if maxQueueDepth == 0 || maxIOSize == 0 {
		return nil, fmt.Errorf("session: maxQueueDepth and maxIOSize must be non-zero")
	}

	total := uint64(maxQueueDepth) * uint64(maxIOSize)
	buf := make([]byte, total)

	region, err := dev.RegisterMemoryRegion(buf)
	if err != nil {
		return nil, fmt.Errorf("session: register pool region: %w", err)
	}

	p := &Pool{
		ID:            xid.New(),
		maxQueueDepth: maxQueueDepth,
		maxIOSize:     maxIOSize,
		region:        region,
		chunks:        make([]Chunk, maxQueueDepth),
	}

	base := region.Addr()
	for i := range p.chunks {
		off := uint64(i) * uint64(maxIOSize)
		c := &p.chunks[i]
		c.buf = buf[off : off+uint64(maxIOSize)]
		if base != 0 {
			c.addr = base + uintptr(off)
		}
		c.lkey = region.LKey()
		c.rkey = region.RKey()
	}

	// Push in reverse so Acquire() returns chunk 0 first; order has no
	// semantic meaning beyond making test assertions predictable.
	for i := len(p.chunks) - 1; i >= 0; i-- {
		p.push(&p.chunks[i])
	}

	return p, nil
}

func (p *Pool) push(c *Chunk) {
	c.next = p.free
	p.free = c
}

// Acquire pops the free-stack head, or returns nil if the pool is
// exhausted.
func (p *Pool) Acquire() *Chunk {
	c := p.free
	if c == nil {
		return nil
	}
	p.free = c.next
	c.next = nil
	return c
}

// Release pushes chunk back onto the free-stack head.
func (p *Pool) Release(c *Chunk) {
	p.push(c)
}

// Available reports the current free-stack depth, used to check the
// pool's conservation invariant.
func (p *Pool) Available() int {
	n := 0
	for c := p.free; c != nil; c = c.next {
		n++
	}
	return n
}

// Capacity is the fixed total chunk count, maxQueueDepth.
func (p *Pool) Capacity() int { return len(p.chunks) }

// Close deregisters the pool's memory region and releases the backing
// block.
func (p *Pool) Close() error {
	if p.region == nil {
		return nil
	}
	err := p.region.Deregister()
	p.region = nil
	p.chunks = nil
	p.free = nil
	return err
}
