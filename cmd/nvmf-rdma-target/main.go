package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nvmf-rdma-target",
		Short: "An NVMe-over-Fabrics RDMA target",
		Long: `nvmf-rdma-target runs an NVMe-oF RDMA target transport backed by an
in-memory namespace, exposing Prometheus metrics for its connections.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	rootCmd.AddCommand(newServeCommand(), newStatCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
