//go:build !rdma_real
// +build !rdma_real

package rdma

import "fmt"

// NewMinimalListener is available when built with -tags rdma_real. Without
// the tag, a host has no way to actually bind a listening CM id, so this
// fails at construction time rather than handing back a Listener whose
// Channel() silently never delivers a usable ConnID.
func NewMinimalListener(addr string, backlog int) (Listener, error) {
	return nil, fmt.Errorf("rdma: hardware RDMA CM support not enabled; build with -tags rdma_real, or drive the transport with a StubListener for loopback testing")
}

// OpenMinimalDevice is available when built with -tags rdma_real.
func OpenMinimalDevice(index int) (Device, error) {
	return nil, fmt.Errorf("rdma: hardware RDMA device access not enabled; build with -tags rdma_real, or drive the transport with a StubDevice for loopback testing")
}
