package rdma

import "github.com/Mellanox/rdmamap"

// EnumerateDeviceNames lists the RDMA device names visible on this host via
// sysfs, using the same enumeration rdmamap-based tooling (e.g. an RDMA
// metrics exporter) relies on rather than parsing /dev/infiniband ourselves.
// Returns an empty slice, not an error, on hosts with no RDMA devices or no
// rdma_rxe/sysfs support. Available regardless of the rdma_real build tag:
// sysfs enumeration needs no open device context.
func EnumerateDeviceNames() []string {
	return rdmamap.GetRdmaDeviceList()
}
