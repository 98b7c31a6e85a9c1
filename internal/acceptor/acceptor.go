// Package acceptor drives the RDMA CM event channel: negotiating
// CONNECT_REQUEST into a bound Connection, accepting or rejecting, routing
// disconnect-class events, and polling pending (pre-CONNECT) connections
// until each has processed its first request.
package acceptor

import (
	"github.com/nvmft-rdma/target/internal/conn"
	"github.com/nvmft-rdma/target/internal/rdma"
	"github.com/nvmft-rdma/target/internal/rdmaif"
	"github.com/nvmft-rdma/target/internal/uapi"
)

// Config configures a new Acceptor.
type Config struct {
	Device   rdma.Device
	Listener rdma.Listener

	MaxQueueDepth     uint32
	MaxRWDepth        uint32
	MaxIOSize         uint32
	InCapsuleDataSize uint32

	// NewBackend is called once per accepted connection; most deployments
	// return a single shared Backend instance.
	NewBackend func() conn.Backend

	Logger     rdmaif.Logger
	Observer   rdmaif.Observer
	Dispatcher rdmaif.Dispatcher
}

// Acceptor owns the listening CM id, the pending-connection sequence, and
// a registry of every connection it has ever accepted (pending or bound)
// so disconnect-class CM events — which can arrive for a connection long
// after it has left the pending sequence — can still be routed.
type Acceptor struct {
	cfg     Config
	pending []*conn.Connection
	all     map[string]*conn.Connection // keyed by Connection.RemoteAddr()

	destroyed bool
}

// New creates an Acceptor bound to an already-listening rdma.Listener.
func New(cfg Config) (*Acceptor, error) {
	if cfg.Listener == nil {
		return nil, newAcceptorError("New", "listener is required")
	}
	if cfg.NewBackend == nil {
		return nil, newAcceptorError("New", "NewBackend is required")
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = rdmaif.InlineDispatcher{}
	}
	return &Acceptor{cfg: cfg, all: make(map[string]*conn.Connection)}, nil
}

// Ready is a connection that has just left the pending sequence: its
// CONNECT command has been processed and the upper layer should bind it
// to a session via the root transport's SessionInit.
type Ready struct {
	Conn *conn.Connection
}

// Poll drains the CM event channel, negotiates or rejects new
// CONNECT_REQUESTs, routes disconnect-class events, and gives every
// pending connection one poll turn. It returns connections that have just
// left the pending sequence.
func (a *Acceptor) Poll() ([]Ready, error) {
	for {
		ev, err := a.cfg.Listener.Channel().GetEvent()
		if err == rdma.ErrNoEvent {
			break
		}
		if err != nil {
			return nil, wrapAcceptorError("Poll.GetEvent", err)
		}
		a.handleEvent(ev)
	}

	var ready []Ready
	still := a.pending[:0]
	for _, c := range a.pending {
		n, err := c.ConnPoll()
		if err != nil {
			a.forget(c)
			c.Destroy()
			continue
		}
		if n > 0 {
			c.Bound = true
			ready = append(ready, Ready{Conn: c})
			continue
		}
		still = append(still, c)
	}
	a.pending = still

	return ready, nil
}

func (a *Acceptor) handleEvent(ev *rdma.CMEvent) {
	switch ev.Type {
	case rdma.EventConnectRequest:
		a.handleConnectRequest(ev)
	case rdma.EventDisconnected, rdma.EventAddrChange, rdma.EventDeviceRemoval, rdma.EventTimewaitExit:
		a.handleDisconnectClass(ev)
	default:
		a.logf("acceptor: ignoring unhandled CM event %s", ev.Type)
	}
	a.cfg.Listener.Channel().AckEvent(ev)
}

func (a *Acceptor) handleConnectRequest(ev *rdma.CMEvent) {
	maxQueueDepth := a.cfg.MaxQueueDepth
	if a.cfg.Device.MaxQPWR() < maxQueueDepth {
		maxQueueDepth = a.cfg.Device.MaxQPWR()
	}

	var hdr uapi.ConnectPrivateData
	if uapi.UnmarshalConnectPrivateData(ev.PrivateData, &hdr) == nil {
		if uint32(hdr.HRQSize) < maxQueueDepth {
			maxQueueDepth = uint32(hdr.HRQSize)
		}
		if uint32(hdr.HSQSize) < maxQueueDepth {
			maxQueueDepth = uint32(hdr.HSQSize)
		}
	}

	maxRWDepth := a.cfg.MaxRWDepth
	if a.cfg.Device.MaxQPRdAtom() < maxRWDepth {
		maxRWDepth = a.cfg.Device.MaxQPRdAtom()
	}
	if uint32(ev.InitiatorDepth) < maxRWDepth {
		maxRWDepth = uint32(ev.InitiatorDepth)
	}
	if maxQueueDepth == 0 {
		a.reject(ev, uapi.StatusInternalError)
		return
	}

	qp, err := ev.ConnID.Accept(
		uapi.MarshalAcceptPrivateData(&uapi.AcceptPrivateData{RecFmt: 0, CRQSize: uint16(maxQueueDepth)}),
		0, uint8(maxRWDepth),
	)
	if err != nil {
		a.logf("acceptor: accept failed: %v", err)
		ev.ConnID.Destroy()
		return
	}

	c, err := conn.New(conn.Config{
		Device:            a.cfg.Device,
		CMID:              ev.ConnID,
		QP:                qp,
		MaxQueueDepth:     maxQueueDepth,
		MaxRWDepth:        maxRWDepth,
		MaxIOSize:         a.cfg.MaxIOSize,
		InCapsuleDataSize: a.cfg.InCapsuleDataSize,
		Backend:           a.cfg.NewBackend(),
		Logger:            a.cfg.Logger,
		Observer:          a.cfg.Observer,
	})
	if err != nil {
		a.logf("acceptor: connection setup failed: %v", err)
		ev.ConnID.Destroy()
		return
	}

	a.pending = append(a.pending, c)
	a.all[c.RemoteAddr()] = c
}

func (a *Acceptor) reject(ev *rdma.CMEvent, status uapi.NVMeStatus) {
	priv := uapi.MarshalRejectPrivateData(&uapi.RejectPrivateData{Status: uint16(status)})
	if err := ev.ConnID.Reject(priv); err != nil {
		a.logf("acceptor: reject failed: %v", err)
	}
	ev.ConnID.Destroy()
}

// handleDisconnectClass routes DISCONNECTED/ADDR_CHANGE/DEVICE_REMOVAL/
// TIMEWAIT_EXIT events. If the connection never left the pending sequence
// (no session bound yet) it is removed and destroyed directly; otherwise
// the destroy is dispatched onto the executor that owns it.
func (a *Acceptor) handleDisconnectClass(ev *rdma.CMEvent) {
	c, ok := a.all[ev.ConnID.RemoteAddr()]
	if !ok {
		return
	}
	a.forget(c)

	if !c.Bound {
		still := a.pending[:0]
		for _, p := range a.pending {
			if p != c {
				still = append(still, p)
			}
		}
		a.pending = still
		c.Destroy()
		return
	}

	a.cfg.Dispatcher.Dispatch(c.ID.String(), func() { c.Destroy() })
}

// forget removes c from the disconnect-routing registry. Exported via
// Forget for the root transport to call once it tears a connection down
// through ConnFini rather than a CM disconnect event.
func (a *Acceptor) forget(c *conn.Connection) {
	delete(a.all, c.RemoteAddr())
}

// Forget deregisters c so a later disconnect-class event for the same
// peer address is ignored instead of double-destroying it.
func (a *Acceptor) Forget(c *conn.Connection) {
	a.forget(c)
}

func (a *Acceptor) logf(format string, args ...interface{}) {
	if a.cfg.Logger != nil {
		a.cfg.Logger.Debugf(format, args...)
	}
}

// Fini destroys the listening CM id/event channel and every pending
// connection. Idempotent.
func (a *Acceptor) Fini() error {
	if a.destroyed {
		return nil
	}
	a.destroyed = true

	for _, c := range a.pending {
		c.Destroy()
	}
	a.pending = nil

	return a.cfg.Listener.Close()
}
