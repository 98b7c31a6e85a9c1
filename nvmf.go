// Package nvmf is the NVMe-over-Fabrics RDMA target transport: the public
// surface bundling the pieces in internal/{rdma,conn,acceptor,session} into
// the operations an upper-layer NVMe-oF subsystem drives a target with.
package nvmf

import (
	"fmt"
	"sync"

	"github.com/nvmft-rdma/target/internal/acceptor"
	"github.com/nvmft-rdma/target/internal/conn"
	"github.com/nvmft-rdma/target/internal/constants"
	"github.com/nvmft-rdma/target/internal/rdma"
	"github.com/nvmft-rdma/target/internal/rdmaif"
	"github.com/nvmft-rdma/target/internal/session"
	"github.com/nvmft-rdma/target/internal/uapi"
)

// Backend, Request, Connection, Error, Logger and Observer are re-exported
// so callers never need to import the internal packages directly.
type (
	Backend    = conn.Backend
	Request    = conn.Request
	Connection = conn.Connection
	Error      = conn.Error
	Logger     = rdmaif.Logger
	Observer   = rdmaif.Observer
)

// IsErrorCode reports whether err is, or wraps, a transport *Error with
// the given code; it forwards to conn.IsCode.
func IsErrorCode(err error, code conn.ErrorCode) bool { return conn.IsCode(err, code) }

// Config bundles the target-wide negotiation defaults applied when a
// Transport is initialized. Fields left zero fall back to
// internal/constants' defaults.
type Config struct {
	MaxQueueDepth     uint32
	MaxIOSize         uint32
	InCapsuleDataSize uint32

	Logger     Logger
	Observer   Observer
	Dispatcher rdmaif.Dispatcher
}

func (c *Config) applyDefaults() {
	if c.MaxQueueDepth == 0 {
		c.MaxQueueDepth = constants.DefaultMaxQueueDepth
	}
	if c.MaxIOSize == 0 {
		c.MaxIOSize = constants.DefaultMaxIOSize
	}
	if c.InCapsuleDataSize == 0 {
		c.InCapsuleDataSize = constants.DefaultInCapsuleDataSize
	}
}

// Transport bundles the target's process-wide state: the negotiated
// defaults, the enumerated devices, the acceptor, and the session
// registry. Callers that want global-style ergonomics can use the
// package-level Default instance instead of constructing their own.
type Transport struct {
	cfg     Config
	devices []rdma.Device

	mu       sync.Mutex
	acceptor *acceptor.Acceptor
	sessions map[string]*session.Pool

	metrics *Metrics
}

// New creates a Transport. It does not enumerate devices or open a
// listener; call Init and AcceptorInit to do that. If cfg.Observer is nil,
// the Transport's own Metrics collector is wired in as the Observer so a
// caller that only wants Prometheus metrics doesn't have to build one.
func New(cfg Config) *Transport {
	cfg.applyDefaults()
	metrics := NewMetrics()
	if cfg.Observer == nil {
		cfg.Observer = metrics
	}
	return &Transport{
		cfg:      cfg,
		sessions: make(map[string]*session.Pool),
		metrics:  metrics,
	}
}

var (
	defaultMu        sync.Mutex
	defaultTransport *Transport
)

// Default returns the package-level Transport instance, creating it with
// zero-value Config on first use.
func Default() *Transport {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultTransport == nil {
		defaultTransport = New(Config{})
	}
	return defaultTransport
}

// DeviceOpener abstracts device discovery so tests can inject stub
// devices instead of opening real uverbs contexts.
type DeviceOpener func() ([]rdma.Device, error)

// Init enumerates devices via open and logs their capabilities. A nil open
// falls back to opening a single minimal device at index 0, the only uverbs
// context a typical single-HCA target host needs. Returns the count of
// usable devices; the acceptor is inert if zero.
func (t *Transport) Init(open DeviceOpener) (int, error) {
	if open == nil {
		open = func() ([]rdma.Device, error) {
			dev, err := rdma.OpenMinimalDevice(0)
			if err != nil {
				return nil, err
			}
			return []rdma.Device{dev}, nil
		}
	}

	devices, err := open()
	if err != nil {
		return 0, fmt.Errorf("nvmf: init: %w", err)
	}

	t.mu.Lock()
	t.devices = devices
	t.mu.Unlock()

	for _, d := range devices {
		t.logf("device %s: max_qp_wr=%d max_qp_rd_atom=%d", d.Name(), d.MaxQPWR(), d.MaxQPRdAtom())
	}

	return len(devices), nil
}

// Fini is a no-op: the acceptor's listening id and event channel are torn
// down by AcceptorFini, not by Fini.
func (t *Transport) Fini() error { return nil }

// Device returns the first enumerated device, or nil if Init has not run
// or found none. Most deployments have exactly one HCA in scope.
func (t *Transport) Device() rdma.Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.devices) == 0 {
		return nil
	}
	return t.devices[0]
}

// Metrics returns the transport's Prometheus collector.
func (t *Transport) Metrics() *Metrics { return t.metrics }

// AcceptorInit builds the acceptor on the first enumerated device. With a
// nil listener it opens one for bindAddr via rdma.NewMinimalListener with
// constants.ListenBacklog (that listener does not bind its CM id to
// bindAddr). A non-nil listener is used instead of opening one, letting
// tests and alternative transports (e.g. a stub listener) supply their
// own; a device from Init is required either way.
func (t *Transport) AcceptorInit(bindAddr string, listener rdma.Listener, newBackend func() conn.Backend) error {
	dev := t.Device()
	if dev == nil {
		return fmt.Errorf("nvmf: acceptor_init: no device available, call Init first")
	}

	if listener == nil {
		l, err := rdma.NewMinimalListener(bindAddr, constants.ListenBacklog)
		if err != nil {
			return fmt.Errorf("nvmf: acceptor_init: %w", err)
		}
		listener = l
	}

	a, err := acceptor.New(acceptor.Config{
		Device:            dev,
		Listener:          listener,
		MaxQueueDepth:     t.cfg.MaxQueueDepth,
		MaxRWDepth:        dev.MaxQPRdAtom(),
		MaxIOSize:         t.cfg.MaxIOSize,
		InCapsuleDataSize: t.cfg.InCapsuleDataSize,
		NewBackend:        newBackend,
		Logger:            t.cfg.Logger,
		Observer:          t.cfg.Observer,
		Dispatcher:        t.cfg.Dispatcher,
	})
	if err != nil {
		return fmt.Errorf("nvmf: acceptor_init: %w", err)
	}

	t.mu.Lock()
	t.acceptor = a
	t.mu.Unlock()
	return nil
}

// AcceptorPoll drains the CM event channel and gives every pending
// connection one poll turn, returning connections that just left the
// pending sequence (their CONNECT command has been processed).
func (t *Transport) AcceptorPoll() ([]acceptor.Ready, error) {
	a := t.getAcceptor()
	if a == nil {
		return nil, fmt.Errorf("nvmf: acceptor_poll: acceptor not initialized")
	}
	return a.Poll()
}

// AcceptorFini destroys the listening id, the event channel, and every
// still-pending connection. Idempotent.
func (t *Transport) AcceptorFini() error {
	a := t.getAcceptor()
	if a == nil {
		return nil
	}
	return a.Fini()
}

func (t *Transport) getAcceptor() *acceptor.Acceptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acceptor
}

// SessionInit binds c to the session pool identified by sessionID,
// creating the pool on the first connection of a session and reusing it
// for subsequent connections of the same session. The pool is registered
// against the transport's first enumerated device (t.Device()), not c's
// own device; a session's connections are assumed to share that device.
func (t *Transport) SessionInit(sessionID string, c *conn.Connection) (*session.Pool, error) {
	t.mu.Lock()
	pool, ok := t.sessions[sessionID]
	t.mu.Unlock()
	if ok {
		c.BindSessionPool(pool)
		return pool, nil
	}

	dev := t.Device()
	if dev == nil {
		return nil, fmt.Errorf("nvmf: session_init: no device available")
	}
	pool, err := session.New(dev, t.cfg.MaxQueueDepth, t.cfg.MaxIOSize)
	if err != nil {
		return nil, fmt.Errorf("nvmf: session_init: %w", err)
	}

	t.mu.Lock()
	t.sessions[sessionID] = pool
	t.mu.Unlock()

	c.BindSessionPool(pool)
	return pool, nil
}

// SessionFini tears down the session pool identified by sessionID.
func (t *Transport) SessionFini(sessionID string) error {
	t.mu.Lock()
	pool, ok := t.sessions[sessionID]
	if ok {
		delete(t.sessions, sessionID)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return pool.Close()
}

// ReqComplete is the backend's callback once a response capsule's status
// fields are filled in.
func (t *Transport) ReqComplete(req *conn.Request) error {
	return req.Connection().ReqComplete(req)
}

// ReqRelease sends the completion capsule for an EXECUTING request
// directly, skipping ReqComplete's controller-to-host RDMA WRITE. It
// returns an error for a request in any other state.
func (t *Transport) ReqRelease(req *conn.Request) error {
	return req.Connection().ReqRelease(req)
}

// ConnFini tears a connection down directly, outside of a CM disconnect
// event (e.g. an administrative disconnect). It deregisters the
// connection from the acceptor's routing table so a later CM event for the
// same peer address is a no-op instead of a double-destroy.
func (t *Transport) ConnFini(c *conn.Connection) error {
	if a := t.getAcceptor(); a != nil {
		a.Forget(c)
	}
	t.metrics.Forget(c.ID.String())
	return c.Destroy()
}

// ConnPoll polls c's send and receive completion queues for one turn.
func (t *Transport) ConnPoll(c *conn.Connection) (int, error) {
	return c.ConnPoll()
}

// ListenAddrDiscover writes a discovery log entry for addr with this
// transport's fixed RDMA/IPv4/Reliable-Connected parameters.
func ListenAddrDiscover(addr, svcID string) *uapi.DiscoveryLogEntry {
	return &uapi.DiscoveryLogEntry{
		Trtype:        uapi.TrtypeRDMA,
		Adrfam:        uapi.AdrfamIPv4,
		SecureChannel: uapi.SecureChannelNotSpecified,
		Qptype:        uapi.QptypeReliableConnected,
		Prtype:        uapi.PrtypeNone,
		CMS:           uapi.CMSRDMACM,
		TrAddr:        addr,
		TrSvcID:       svcID,
	}
}

func (t *Transport) logf(format string, args ...interface{}) {
	if t.cfg.Logger != nil {
		t.cfg.Logger.Debugf(format, args...)
	}
}
