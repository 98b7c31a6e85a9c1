// +build integration

// Package integration drives the transport against whatever RDMA hardware
// the host actually exposes. Build with -tags "integration rdma_real" on a
// host with an HCA (or the soft-RoCE rdma_rxe module loaded) to exercise
// the real ucma/uverbs path; without rdma_real these tests still build but
// every real-device attempt skips with the stub's "not enabled" error.
package integration

import (
	"os"
	"testing"
	"time"

	nvmf "github.com/nvmft-rdma/target"
	"github.com/nvmft-rdma/target/backend"
	"github.com/nvmft-rdma/target/internal/conn"
	"github.com/nvmft-rdma/target/internal/rdma"
)

// requireRoot skips the test if not running as root: opening a uverbs
// context and binding an rdma_cm listener both need elevated privileges on
// most distributions.
func requireRoot(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("this test requires root privileges")
	}
}

// requireRDMADevice opens device index 0, skipping the test rather than
// failing it when no RDMA-capable NIC (or rdma_rxe soft-RoCE device) is
// present, or when the binary wasn't built with -tags rdma_real.
func requireRDMADevice(t *testing.T) rdma.Device {
	dev, err := rdma.OpenMinimalDevice(0)
	if err != nil {
		t.Skipf("no usable RDMA device: %v", err)
	}
	return dev
}

func TestIntegrationDeviceEnumeration(t *testing.T) {
	names := rdma.EnumerateDeviceNames()
	if len(names) == 0 {
		t.Skip("no RDMA devices visible via sysfs on this host")
	}
	t.Logf("enumerated RDMA devices: %v", names)
}

func TestIntegrationMemoryRegionLifecycle(t *testing.T) {
	requireRoot(t)
	dev := requireRDMADevice(t)

	buf := make([]byte, 4096)
	mr, err := dev.RegisterMemoryRegion(buf)
	if err != nil {
		t.Fatalf("RegisterMemoryRegion failed on a device that opened cleanly: %v", err)
	}
	defer mr.Deregister()

	if mr.LKey() == 0 {
		t.Error("registered memory region has a zero LKey")
	}
	if mr.RKey() == 0 {
		t.Error("registered memory region has a zero RKey")
	}
}

func TestIntegrationQueuePairCreation(t *testing.T) {
	requireRoot(t)
	dev := requireRDMADevice(t)

	qp, err := dev.CreateQueuePair(rdma.QPConfig{
		MaxSendWR:  16,
		MaxRecvWR:  8,
		MaxSendSGE: 1,
		MaxRecvSGE: 2,
	})
	if err != nil {
		t.Fatalf("CreateQueuePair failed on a device that opened cleanly: %v", err)
	}
	defer qp.Destroy()
}

// TestIntegrationRealListenerLifecycle exercises the same AcceptorInit/
// AcceptorFini path the production serve command drives, against a real
// listening CM id instead of a StubListener. A CONNECT_REQUEST from a real
// initiator isn't available in this environment, so the test only checks
// that setup and teardown round-trip cleanly.
func TestIntegrationRealListenerLifecycle(t *testing.T) {
	requireRoot(t)
	requireRDMADevice(t)

	tr := nvmf.New(nvmf.Config{})
	if _, err := tr.Init(nil); err != nil {
		t.Skipf("device init failed in this environment: %v", err)
	}

	newBackend := func() conn.Backend { return backend.NewMemory(1<<20, 512) }
	if err := tr.AcceptorInit("0.0.0.0:4420", nil, newBackend); err != nil {
		t.Skipf("acceptor_init failed in this environment: %v", err)
	}
	defer tr.AcceptorFini()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := tr.AcceptorPoll(); err != nil {
			t.Fatalf("acceptor_poll failed: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
