package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newStatCommand() *cobra.Command {
	var (
		metricsAddr string
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stat",
		Short: "Dump a running target's Prometheus counters",
		Long:  "stat fetches /metrics from a running `nvmf-rdma-target serve` instance and prints it to stdout.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStat(metricsAddr, timeout)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9100", "Address of a running target's metrics server")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "HTTP request timeout")

	return cmd
}

func runStat(metricsAddr string, timeout time.Duration) error {
	url := metricsAddr
	if strings.HasPrefix(url, ":") {
		url = "127.0.0.1" + url
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	url = strings.TrimSuffix(url, "/") + "/metrics"

	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching %s: status %s", url, resp.Status)
	}

	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}
