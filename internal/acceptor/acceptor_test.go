package acceptor

import (
	"testing"

	"github.com/nvmft-rdma/target/internal/conn"
	"github.com/nvmft-rdma/target/internal/rdma"
	"github.com/nvmft-rdma/target/internal/uapi"
)

type noopBackend struct{}

func (noopBackend) Execute(r *conn.Request) {
	r.Response().SetStatus(uapi.StatusSuccess, false)
	r.Connection().ReqComplete(r)
}

func newTestAcceptor(t *testing.T) (*Acceptor, *rdma.StubListener, *rdma.StubDevice) {
	t.Helper()
	dev := rdma.NewStubDevice("stub0", 4096, 16)
	listener := rdma.NewStubListener("127.0.0.1:4420")

	a, err := New(Config{
		Device:            dev,
		Listener:          listener,
		MaxQueueDepth:     128,
		MaxRWDepth:        16,
		MaxIOSize:         1 << 20,
		InCapsuleDataSize: 8192,
		NewBackend:        func() conn.Backend { return noopBackend{} },
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return a, listener, dev
}

func TestConnectRequestNegotiatesAndAccepts(t *testing.T) {
	a, listener, dev := newTestAcceptor(t)

	connID := rdma.NewStubConnID(dev, "10.0.0.1:12345")
	priv := uapi.MarshalConnectPrivateData(&uapi.ConnectPrivateData{RecFmt: 0, QID: 0, HRQSize: 64, HSQSize: 64})
	listener.StubChannel().Inject(&rdma.CMEvent{
		Type:           rdma.EventConnectRequest,
		ConnID:         connID,
		PrivateData:    priv,
		InitiatorDepth: 8,
	})

	ready, err := a.Poll()
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(ready) != 0 {
		t.Fatalf("expected no connections ready before CONNECT is processed, got %d", len(ready))
	}
	if len(a.pending) != 1 {
		t.Fatalf("expected 1 pending connection, got %d", len(a.pending))
	}
	c := a.pending[0]
	if c.MaxQueueDepth() != 64 {
		t.Fatalf("negotiated max_queue_depth = %d, want 64 (hrqsize/hsqsize bound)", c.MaxQueueDepth())
	}
	if c.MaxRWDepth() != 8 {
		t.Fatalf("negotiated max_rw_depth = %d, want 8 (initiator_depth bound)", c.MaxRWDepth())
	}
}

func TestPendingConnectionLeavesSequenceAfterConnect(t *testing.T) {
	a, listener, dev := newTestAcceptor(t)

	connID := rdma.NewStubConnID(dev, "10.0.0.2:12345")
	listener.StubChannel().Inject(&rdma.CMEvent{Type: rdma.EventConnectRequest, ConnID: connID})

	if _, err := a.Poll(); err != nil {
		t.Fatalf("Poll #1 failed: %v", err)
	}
	if len(a.pending) != 1 {
		t.Fatalf("expected 1 pending connection after accept")
	}

	sqp, ok := connID.QP().(*rdma.StubQueuePair)
	if !ok {
		t.Fatalf("accepted QP is not a *rdma.StubQueuePair")
	}

	cmd := &uapi.CommandCapsule{
		Opcode:    uapi.OpcodeFabrics,
		CommandID: 1,
		SGL1:      uapi.SGLDescriptor{TypeSubtype: byte(uapi.SGLTypeDataBlock<<4 | uapi.SGLSubtypeOffset)},
	}
	buf := uapi.MarshalCommandCapsule(cmd)
	if err := sqp.DeliverRecv(0, buf); err != nil {
		t.Fatalf("DeliverRecv failed: %v", err)
	}

	ready, err := a.Poll()
	if err != nil {
		t.Fatalf("Poll #2 failed: %v", err)
	}
	if len(ready) != 1 {
		t.Fatalf("expected 1 ready connection, got %d", len(ready))
	}
	if len(a.pending) != 0 {
		t.Fatalf("expected pending sequence to be empty, got %d", len(a.pending))
	}
	if !ready[0].Conn.Bound {
		t.Fatalf("expected returned connection to be marked Bound")
	}
}

func TestRejectsOnZeroNegotiatedQueueDepth(t *testing.T) {
	a, listener, dev := newTestAcceptor(t)
	a.cfg.MaxQueueDepth = 0

	connID := rdma.NewStubConnID(dev, "10.0.0.3:12345")
	listener.StubChannel().Inject(&rdma.CMEvent{Type: rdma.EventConnectRequest, ConnID: connID})

	if _, err := a.Poll(); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(a.pending) != 0 {
		t.Fatalf("expected rejection, no pending connection, got %d", len(a.pending))
	}
}

func TestDisconnectBeforeConnectRemovesAndDestroys(t *testing.T) {
	a, listener, dev := newTestAcceptor(t)

	connID := rdma.NewStubConnID(dev, "10.0.0.4:12345")
	listener.StubChannel().Inject(&rdma.CMEvent{Type: rdma.EventConnectRequest, ConnID: connID})
	if _, err := a.Poll(); err != nil {
		t.Fatalf("Poll #1 failed: %v", err)
	}
	if len(a.pending) != 1 {
		t.Fatalf("expected 1 pending connection")
	}

	listener.StubChannel().Inject(&rdma.CMEvent{Type: rdma.EventDisconnected, ConnID: connID})
	if _, err := a.Poll(); err != nil {
		t.Fatalf("Poll #2 failed: %v", err)
	}
	if len(a.pending) != 0 {
		t.Fatalf("expected pending connection removed after disconnect, got %d", len(a.pending))
	}
	if _, ok := a.all[connID.RemoteAddr()]; ok {
		t.Fatalf("expected connection forgotten from registry after disconnect")
	}
}

// dispatchRecorder is a test Dispatcher that records calls instead of
// running fn inline, so the test can assert a destroy was routed through
// it rather than applied directly.
type dispatchRecorder struct {
	calls []string
}

func (d *dispatchRecorder) Dispatch(connID string, fn func()) {
	d.calls = append(d.calls, connID)
	fn()
}

func TestDisconnectAfterBindDispatchesToOwningExecutor(t *testing.T) {
	dev := rdma.NewStubDevice("stub0", 4096, 16)
	listener := rdma.NewStubListener("127.0.0.1:4420")
	rec := &dispatchRecorder{}

	a, err := New(Config{
		Device:            dev,
		Listener:          listener,
		MaxQueueDepth:     128,
		MaxRWDepth:        16,
		MaxIOSize:         1 << 20,
		InCapsuleDataSize: 8192,
		NewBackend:        func() conn.Backend { return noopBackend{} },
		Dispatcher:        rec,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	connID := rdma.NewStubConnID(dev, "10.0.0.5:12345")
	listener.StubChannel().Inject(&rdma.CMEvent{Type: rdma.EventConnectRequest, ConnID: connID})
	if _, err := a.Poll(); err != nil {
		t.Fatalf("Poll #1 failed: %v", err)
	}

	sqp, ok := connID.QP().(*rdma.StubQueuePair)
	if !ok {
		t.Fatalf("accepted QP is not a *rdma.StubQueuePair")
	}
	cmd := &uapi.CommandCapsule{
		Opcode:    uapi.OpcodeFabrics,
		CommandID: 1,
		SGL1:      uapi.SGLDescriptor{TypeSubtype: byte(uapi.SGLTypeDataBlock<<4 | uapi.SGLSubtypeOffset)},
	}
	buf := uapi.MarshalCommandCapsule(cmd)
	if err := sqp.DeliverRecv(0, buf); err != nil {
		t.Fatalf("DeliverRecv failed: %v", err)
	}
	ready, err := a.Poll()
	if err != nil {
		t.Fatalf("Poll #2 failed: %v", err)
	}
	if len(ready) != 1 {
		t.Fatalf("expected connection to become ready/bound")
	}

	listener.StubChannel().Inject(&rdma.CMEvent{Type: rdma.EventDisconnected, ConnID: connID})
	if _, err := a.Poll(); err != nil {
		t.Fatalf("Poll #3 failed: %v", err)
	}
	if len(rec.calls) != 1 {
		t.Fatalf("expected disconnect to be dispatched exactly once, got %d", len(rec.calls))
	}
}

func TestFiniIsIdempotentAndDestroysPending(t *testing.T) {
	a, listener, dev := newTestAcceptor(t)

	connID := rdma.NewStubConnID(dev, "10.0.0.6:12345")
	listener.StubChannel().Inject(&rdma.CMEvent{Type: rdma.EventConnectRequest, ConnID: connID})
	if _, err := a.Poll(); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(a.pending) != 1 {
		t.Fatalf("expected 1 pending connection")
	}

	if err := a.Fini(); err != nil {
		t.Fatalf("Fini #1 failed: %v", err)
	}
	if err := a.Fini(); err != nil {
		t.Fatalf("Fini #2 (idempotent) failed: %v", err)
	}
	if len(a.pending) != 0 {
		t.Fatalf("expected pending sequence cleared after Fini")
	}
}
