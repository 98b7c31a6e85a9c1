// Package backend provides an example NVMe namespace backend: a
// sharded-locking in-memory block store implementing the transport's
// conn.Backend contract.
package backend

import (
	"sync"

	"github.com/nvmft-rdma/target/internal/conn"
	"github.com/nvmft-rdma/target/internal/uapi"
)

// ShardSize is the size of each memory shard. 64KiB shards give good
// parallelism for random I/O across queues while keeping lock overhead
// reasonable: a 1GiB namespace has 16384 shards.
const ShardSize = 64 * 1024

// DefaultBlockSize is the namespace's logical block size in bytes.
const DefaultBlockSize = 512

// Memory is a RAM-backed NVMe namespace. It implements conn.Backend by
// decoding the NVMe READ/WRITE/WRITE_ZEROES/FLUSH command fields out of
// the request's command capsule and calling through to ReadAt/WriteAt/
// Flush, using sharded locking so concurrent connections on different
// regions of the namespace don't serialize on one mutex.
type Memory struct {
	data      []byte
	size      int64
	blockSize int64
	shards    []sync.RWMutex
}

// NewMemory creates a memory-backed namespace of sizeBytes, rounded down
// to a whole number of logical blocks.
func NewMemory(sizeBytes int64, blockSize int64) *Memory {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	numShards := (sizeBytes + ShardSize - 1) / ShardSize
	if numShards == 0 {
		numShards = 1
	}
	return &Memory{
		data:      make([]byte, sizeBytes),
		size:      sizeBytes,
		blockSize: blockSize,
		shards:    make([]sync.RWMutex, numShards),
	}
}

func (m *Memory) shardRange(off, length int64) (start, end int) {
	start = int(off / ShardSize)
	end = int((off + length - 1) / ShardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	if end < start {
		end = start
	}
	return start, end
}

// ReadAt copies min(len(p), size-off) bytes starting at off into p.
func (m *Memory) ReadAt(p []byte, off int64) int {
	if off >= m.size {
		return 0
	}
	if available := m.size - off; int64(len(p)) > available {
		p = p[:available]
	}

	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].RLock()
	}
	n := copy(p, m.data[off:off+int64(len(p))])
	for i := start; i <= end; i++ {
		m.shards[i].RUnlock()
	}
	return n
}

// WriteAt copies min(len(p), size-off) bytes from p into the namespace at
// off.
func (m *Memory) WriteAt(p []byte, off int64) int {
	if off >= m.size {
		return 0
	}
	if available := m.size - off; int64(len(p)) > available {
		p = p[:available]
	}

	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].Lock()
	}
	n := copy(m.data[off:off+int64(len(p))], p)
	for i := start; i <= end; i++ {
		m.shards[i].Unlock()
	}
	return n
}

// WriteZeroes zeroes [off, off+length) without requiring a host data
// transfer.
func (m *Memory) WriteZeroes(off, length int64) {
	if off >= m.size {
		return
	}
	end := off + length
	if end > m.size {
		end = m.size
	}

	start, stop := m.shardRange(off, end-off)
	for i := start; i <= stop; i++ {
		m.shards[i].Lock()
	}
	for i := off; i < end; i++ {
		m.data[i] = 0
	}
	for i := start; i <= stop; i++ {
		m.shards[i].Unlock()
	}
}

// Flush is a no-op: writes are already visible once WriteAt returns.
func (m *Memory) Flush() {}

// Size returns the namespace size in bytes.
func (m *Memory) Size() int64 { return m.size }

// slbaNLB returns the starting logical block address and number of logical
// blocks ("0's based") out of a READ/WRITE-shaped command's CDW10-CDW12.
func slbaNLB(cmd *uapi.CommandCapsule) (slba uint64, nlb uint32) {
	slba = uint64(cmd.CDW10) | uint64(cmd.CDW11)<<32
	nlb = (cmd.CDW12 & 0xFFFF) + 1
	return
}

// Execute implements conn.Backend. The transport has already populated
// req.Data/req.Length/req.Xfer from the command's SGL before this is
// called; Execute fills in the response capsule's status and calls back
// into the owning connection.
func (m *Memory) Execute(req *conn.Request) {
	cmd := req.Command()
	resp := req.Response()

	switch cmd.Opcode {
	case uapi.OpcodeWrite:
		slba, nlb := slbaNLB(cmd)
		off := int64(slba) * m.blockSize
		length := int64(nlb) * m.blockSize
		n := m.WriteAt(truncate(req.Data, length), off)
		if int64(n) < min64(length, int64(len(req.Data))) {
			resp.SetStatus(uapi.StatusInternalError, false)
		} else {
			resp.SetStatus(uapi.StatusSuccess, false)
		}

	case uapi.OpcodeWriteZeroes:
		slba, nlb := slbaNLB(cmd)
		off := int64(slba) * m.blockSize
		length := int64(nlb) * m.blockSize
		m.WriteZeroes(off, length)
		resp.SetStatus(uapi.StatusSuccess, false)

	case uapi.OpcodeRead:
		slba, nlb := slbaNLB(cmd)
		off := int64(slba) * m.blockSize
		length := int64(nlb) * m.blockSize
		target := truncate(req.Data, length)
		m.ReadAt(target, off)
		resp.SetStatus(uapi.StatusSuccess, false)

	case uapi.OpcodeFlush:
		m.Flush()
		resp.SetStatus(uapi.StatusSuccess, false)

	default:
		resp.SetStatus(uapi.StatusInternalError, false)
	}

	req.Connection().ReqComplete(req)
}

func truncate(b []byte, n int64) []byte {
	if n < 0 || n > int64(len(b)) {
		return b
	}
	return b[:n]
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

var _ conn.Backend = (*Memory)(nil)
