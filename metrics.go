package nvmf

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nvmft-rdma/target/internal/rdmaif"
)

// Metrics implements rdmaif.Observer, feeding per-connection and
// transport-wide hot-path counters into a prometheus.Collector.
// Per-connection gauges (queue depth, RW depth, pending lengths) are
// tracked in a map keyed by connection ID and emitted as labeled gauges on
// each Collect, rebuilding the metric set from current state rather than
// keeping live gauge objects per connection.
type Metrics struct {
	recvTotal      prometheus.Counter
	recvBytes      prometheus.Counter
	recvErrors     prometheus.Counter
	sendTotal      prometheus.Counter
	sendBytes      prometheus.Counter
	rdmaReadTotal  prometheus.Counter
	rdmaReadBytes  prometheus.Counter
	rdmaReadErrors prometheus.Counter
	rdmaWriteTotal prometheus.Counter
	rdmaWriteBytes prometheus.Counter
	rdmaWriteErr   prometheus.Counter
	backendTotal   prometheus.Counter
	backendErrors  prometheus.Counter
	fatalTotal     prometheus.Counter

	queueDepthDesc  *prometheus.Desc
	rwDepthDesc     *prometheus.Desc
	pendingBufDesc  *prometheus.Desc
	pendingRWDesc   *prometheus.Desc

	mu         sync.Mutex
	queueDepth map[string][2]uint32 // connID -> {cur, max}
	rwDepth    map[string][2]uint32
	pendingBuf map[string]int
	pendingRW  map[string]int
}

// NewMetrics builds an unregistered Metrics collector; callers register it
// with a prometheus.Registry (or promauto) themselves.
func NewMetrics() *Metrics {
	return &Metrics{
		recvTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nvmf_rdma_recv_total",
			Help: "Total RDMA RECV work completions processed.",
		}),
		recvBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nvmf_rdma_recv_bytes_total",
			Help: "Total bytes received via RDMA RECV.",
		}),
		recvErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nvmf_rdma_recv_errors_total",
			Help: "Total RDMA RECV completions with non-success status.",
		}),
		sendTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nvmf_rdma_send_total",
			Help: "Total RDMA SEND work completions (completion capsules transmitted).",
		}),
		sendBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nvmf_rdma_send_bytes_total",
			Help: "Total bytes sent via RDMA SEND.",
		}),
		rdmaReadTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nvmf_rdma_read_total",
			Help: "Total RDMA READ operations completed (host-to-controller transfers).",
		}),
		rdmaReadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nvmf_rdma_read_bytes_total",
			Help: "Total bytes moved by RDMA READ.",
		}),
		rdmaReadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nvmf_rdma_read_errors_total",
			Help: "Total RDMA READ completions with non-success status.",
		}),
		rdmaWriteTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nvmf_rdma_write_total",
			Help: "Total RDMA WRITE operations completed (controller-to-host transfers).",
		}),
		rdmaWriteBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nvmf_rdma_write_bytes_total",
			Help: "Total bytes moved by RDMA WRITE.",
		}),
		rdmaWriteErr: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nvmf_rdma_write_errors_total",
			Help: "Total RDMA WRITE completions with non-success status.",
		}),
		backendTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nvmf_backend_execute_total",
			Help: "Total backend execute() invocations.",
		}),
		backendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nvmf_backend_execute_errors_total",
			Help: "Total backend execute() invocations that completed with a non-success status.",
		}),
		fatalTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nvmf_connection_fatal_total",
			Help: "Total connections torn down due to a fatal error.",
		}),
		queueDepthDesc: prometheus.NewDesc(
			"nvmf_connection_queue_depth",
			"Current and maximum submission-queue depth for a connection.",
			[]string{"conn_id", "stat"}, nil,
		),
		rwDepthDesc: prometheus.NewDesc(
			"nvmf_connection_rw_depth",
			"Current and maximum outstanding RDMA READ/WRITE depth for a connection.",
			[]string{"conn_id", "stat"}, nil,
		),
		pendingBufDesc: prometheus.NewDesc(
			"nvmf_connection_pending_buf_queue_length",
			"Length of a connection's pending_data_buf_queue.",
			[]string{"conn_id"}, nil,
		),
		pendingRWDesc: prometheus.NewDesc(
			"nvmf_connection_pending_rw_queue_length",
			"Length of a connection's pending_rdma_rw_queue.",
			[]string{"conn_id"}, nil,
		),
		queueDepth: make(map[string][2]uint32),
		rwDepth:    make(map[string][2]uint32),
		pendingBuf: make(map[string]int),
		pendingRW:  make(map[string]int),
	}
}

func (m *Metrics) ObserveRecv(bytes uint64, success bool) {
	m.recvTotal.Inc()
	m.recvBytes.Add(float64(bytes))
	if !success {
		m.recvErrors.Inc()
	}
}

func (m *Metrics) ObserveSend(bytes uint64) {
	m.sendTotal.Inc()
	m.sendBytes.Add(float64(bytes))
}

func (m *Metrics) ObserveRDMARead(bytes uint64, _ uint64, success bool) {
	m.rdmaReadTotal.Inc()
	m.rdmaReadBytes.Add(float64(bytes))
	if !success {
		m.rdmaReadErrors.Inc()
	}
}

func (m *Metrics) ObserveRDMAWrite(bytes uint64, _ uint64, success bool) {
	m.rdmaWriteTotal.Inc()
	m.rdmaWriteBytes.Add(float64(bytes))
	if !success {
		m.rdmaWriteErr.Inc()
	}
}

func (m *Metrics) ObserveBackendExecute(_ uint64, success bool) {
	m.backendTotal.Inc()
	if !success {
		m.backendErrors.Inc()
	}
}

func (m *Metrics) ObserveQueueDepth(connID string, cur, max uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepth[connID] = [2]uint32{cur, max}
}

func (m *Metrics) ObserveRWDepth(connID string, cur, max uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rwDepth[connID] = [2]uint32{cur, max}
}

func (m *Metrics) ObservePendingBuf(connID string, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingBuf[connID] = depth
}

func (m *Metrics) ObservePendingRW(connID string, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingRW[connID] = depth
}

// ObserveFatal records a fatal connection teardown and drops the
// connection's per-connection gauges so Collect does not keep reporting a
// destroyed connection.
func (m *Metrics) ObserveFatal(connID string) {
	m.fatalTotal.Inc()
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queueDepth, connID)
	delete(m.rwDepth, connID)
	delete(m.pendingBuf, connID)
	delete(m.pendingRW, connID)
}

// Forget drops a connection's gauges without counting it as a fatal
// teardown, used for a clean ConnFini.
func (m *Metrics) Forget(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queueDepth, connID)
	delete(m.rwDepth, connID)
	delete(m.pendingBuf, connID)
	delete(m.pendingRW, connID)
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.recvTotal.Describe(ch)
	m.recvBytes.Describe(ch)
	m.recvErrors.Describe(ch)
	m.sendTotal.Describe(ch)
	m.sendBytes.Describe(ch)
	m.rdmaReadTotal.Describe(ch)
	m.rdmaReadBytes.Describe(ch)
	m.rdmaReadErrors.Describe(ch)
	m.rdmaWriteTotal.Describe(ch)
	m.rdmaWriteBytes.Describe(ch)
	m.rdmaWriteErr.Describe(ch)
	m.backendTotal.Describe(ch)
	m.backendErrors.Describe(ch)
	m.fatalTotal.Describe(ch)
	ch <- m.queueDepthDesc
	ch <- m.rwDepthDesc
	ch <- m.pendingBufDesc
	ch <- m.pendingRWDesc
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.recvTotal.Collect(ch)
	m.recvBytes.Collect(ch)
	m.recvErrors.Collect(ch)
	m.sendTotal.Collect(ch)
	m.sendBytes.Collect(ch)
	m.rdmaReadTotal.Collect(ch)
	m.rdmaReadBytes.Collect(ch)
	m.rdmaReadErrors.Collect(ch)
	m.rdmaWriteTotal.Collect(ch)
	m.rdmaWriteBytes.Collect(ch)
	m.rdmaWriteErr.Collect(ch)
	m.backendTotal.Collect(ch)
	m.backendErrors.Collect(ch)
	m.fatalTotal.Collect(ch)

	m.mu.Lock()
	defer m.mu.Unlock()

	for connID, v := range m.queueDepth {
		ch <- prometheus.MustNewConstMetric(m.queueDepthDesc, prometheus.GaugeValue, float64(v[0]), connID, "cur")
		ch <- prometheus.MustNewConstMetric(m.queueDepthDesc, prometheus.GaugeValue, float64(v[1]), connID, "max")
	}
	for connID, v := range m.rwDepth {
		ch <- prometheus.MustNewConstMetric(m.rwDepthDesc, prometheus.GaugeValue, float64(v[0]), connID, "cur")
		ch <- prometheus.MustNewConstMetric(m.rwDepthDesc, prometheus.GaugeValue, float64(v[1]), connID, "max")
	}
	for connID, depth := range m.pendingBuf {
		ch <- prometheus.MustNewConstMetric(m.pendingBufDesc, prometheus.GaugeValue, float64(depth), connID)
	}
	for connID, depth := range m.pendingRW {
		ch <- prometheus.MustNewConstMetric(m.pendingRWDesc, prometheus.GaugeValue, float64(depth), connID)
	}
}

var (
	_ rdmaif.Observer      = (*Metrics)(nil)
	_ prometheus.Collector = (*Metrics)(nil)
)
