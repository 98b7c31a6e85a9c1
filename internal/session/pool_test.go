package session

import (
	"testing"

	"github.com/nvmft-rdma/target/internal/rdma"
)

func TestPoolAcquireReleaseConservation(t *testing.T) {
	dev := rdma.NewStubDevice("stub0", 128, 16)
	pool, err := New(dev, 4, 65536)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer pool.Close()

	if pool.Capacity() != 4 {
		t.Fatalf("Capacity() = %d, want 4", pool.Capacity())
	}
	if pool.Available() != 4 {
		t.Fatalf("Available() = %d, want 4", pool.Available())
	}

	var held []*Chunk
	for i := 0; i < 4; i++ {
		c := pool.Acquire()
		if c == nil {
			t.Fatalf("Acquire() returned nil on iteration %d", i)
		}
		held = append(held, c)
	}

	if pool.Available() != 0 {
		t.Fatalf("Available() = %d, want 0 after exhausting pool", pool.Available())
	}
	if c := pool.Acquire(); c != nil {
		t.Fatalf("expected nil from exhausted pool, got %v", c)
	}

	for _, c := range held {
		pool.Release(c)
	}
	if pool.Available() != 4 {
		t.Fatalf("Available() = %d, want 4 after releasing all chunks", pool.Available())
	}
}

func TestPoolChunksAreDistinctAndRightSized(t *testing.T) {
	dev := rdma.NewStubDevice("stub0", 128, 16)
	pool, err := New(dev, 2, 4096)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer pool.Close()

	a := pool.Acquire()
	b := pool.Acquire()
	if a == nil || b == nil {
		t.Fatalf("expected two chunks, got a=%v b=%v", a, b)
	}
	if len(a.Bytes()) != 4096 || len(b.Bytes()) != 4096 {
		t.Fatalf("unexpected chunk sizes: a=%d b=%d", len(a.Bytes()), len(b.Bytes()))
	}
	a.Bytes()[0] = 0xAB
	if b.Bytes()[0] == 0xAB {
		t.Fatalf("chunks alias the same backing memory")
	}
}

func TestPoolRejectsZeroSizing(t *testing.T) {
	dev := rdma.NewStubDevice("stub0", 128, 16)
	if _, err := New(dev, 0, 4096); err == nil {
		t.Fatalf("expected error for zero maxQueueDepth")
	}
	if _, err := New(dev, 4, 0); err == nil {
		t.Fatalf("expected error for zero maxIOSize")
	}
}
