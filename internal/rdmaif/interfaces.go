// Package rdmaif provides the internal logger/observer contracts shared by
// the transport's subpackages. Kept separate from the public package to
// avoid import cycles between the root package and internal/conn,
// internal/rdma and internal/session.
package rdmaif

// Logger is the minimal logging surface subsystems depend on.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Observer receives counters from the hot path. Implementations must be
// safe for concurrent use only insofar as a single connection's executor
// calls them.
type Observer interface {
	ObserveRecv(bytes uint64, success bool)
	ObserveSend(bytes uint64)
	ObserveRDMARead(bytes uint64, latencyNs uint64, success bool)
	ObserveRDMAWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveBackendExecute(latencyNs uint64, success bool)
	ObserveQueueDepth(connID string, cur, max uint32)
	ObserveRWDepth(connID string, cur, max uint32)
	ObservePendingBuf(connID string, depth int)
	ObservePendingRW(connID string, depth int)
	ObserveFatal(connID string)
}

// NoOpObserver discards everything. Used when the caller does not want
// metrics collection.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRecv(uint64, bool)                {}
func (NoOpObserver) ObserveSend(uint64)                      {}
func (NoOpObserver) ObserveRDMARead(uint64, uint64, bool)    {}
func (NoOpObserver) ObserveRDMAWrite(uint64, uint64, bool)   {}
func (NoOpObserver) ObserveBackendExecute(uint64, bool)      {}
func (NoOpObserver) ObserveQueueDepth(string, uint32, uint32) {}
func (NoOpObserver) ObserveRWDepth(string, uint32, uint32)   {}
func (NoOpObserver) ObservePendingBuf(string, int)           {}
func (NoOpObserver) ObservePendingRW(string, int)            {}
func (NoOpObserver) ObserveFatal(string)                     {}

// Dispatcher enqueues fn on the executor that owns connID, used for the
// one cross-executor transition the transport needs: delivering a
// disconnect to a connection's owning executor once a session has bound
// it. A single-executor deployment can implement this by calling fn
// inline, since there is only one executor to own anything.
type Dispatcher interface {
	Dispatch(connID string, fn func())
}

// InlineDispatcher runs fn synchronously on the calling goroutine. Correct
// whenever the acceptor and every connection share one executor.
type InlineDispatcher struct{}

func (InlineDispatcher) Dispatch(_ string, fn func()) { fn() }

var _ Dispatcher = InlineDispatcher{}

var _ Observer = NoOpObserver{}
