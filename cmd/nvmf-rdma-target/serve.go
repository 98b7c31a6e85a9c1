package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	nvmf "github.com/nvmft-rdma/target"
	"github.com/nvmft-rdma/target/backend"
	"github.com/nvmft-rdma/target/internal/logging"
)

func newServeCommand() *cobra.Command {
	var (
		listenAddr   string
		metricsAddr  string
		nsSizeStr    string
		blockSize    uint32
		maxQueueDep  uint32
		maxIOSizeStr string
		inCapsuleStr string
		sessionID    string
		verbose      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the target: accept connections and serve Prometheus metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			nsSize, err := parseSize(nsSizeStr)
			if err != nil {
				return fmt.Errorf("invalid --ns-size %q: %w", nsSizeStr, err)
			}
			maxIOSize, err := parseSize(maxIOSizeStr)
			if err != nil {
				return fmt.Errorf("invalid --max-io-size %q: %w", maxIOSizeStr, err)
			}
			inCapsule, err := parseSize(inCapsuleStr)
			if err != nil {
				return fmt.Errorf("invalid --in-capsule-size %q: %w", inCapsuleStr, err)
			}

			logConfig := logging.DefaultConfig()
			if verbose {
				logConfig.Level = logging.LevelDebug
			}
			logger := logging.NewLogger(logConfig)

			return runServe(serveOpts{
				listenAddr:        listenAddr,
				metricsAddr:       metricsAddr,
				nsSizeBytes:       nsSize,
				blockSize:         int64(blockSize),
				maxQueueDepth:     maxQueueDep,
				maxIOSize:         uint32(maxIOSize),
				inCapsuleDataSize: uint32(inCapsule),
				sessionID:         sessionID,
				logger:            logger,
			})
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "0.0.0.0:4420", "RDMA CM address to listen on")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9100", "HTTP address to serve /metrics on")
	cmd.Flags().StringVar(&nsSizeStr, "ns-size", "256M", "Size of the in-memory namespace (e.g. 64M, 1G)")
	cmd.Flags().Uint32Var(&blockSize, "block-size", backend.DefaultBlockSize, "Namespace logical block size in bytes")
	cmd.Flags().Uint32Var(&maxQueueDep, "max-queue-depth", 0, "Max submission queue depth (0 = transport default)")
	cmd.Flags().StringVar(&maxIOSizeStr, "max-io-size", "0", "Max single I/O size (0 = transport default)")
	cmd.Flags().StringVar(&inCapsuleStr, "in-capsule-size", "0", "In-capsule data size (0 = transport default)")
	cmd.Flags().StringVar(&sessionID, "session-id", "default", "Session identifier new connections are bound to")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Verbose (debug-level) logging")

	return cmd
}

type serveOpts struct {
	listenAddr        string
	metricsAddr       string
	nsSizeBytes       int64
	blockSize         int64
	maxQueueDepth     uint32
	maxIOSize         uint32
	inCapsuleDataSize uint32
	sessionID         string
	logger            *logging.Logger
}

func runServe(opts serveOpts) error {
	transport := nvmf.New(nvmf.Config{
		MaxQueueDepth:     opts.maxQueueDepth,
		MaxIOSize:         opts.maxIOSize,
		InCapsuleDataSize: opts.inCapsuleDataSize,
		Logger:            opts.logger,
	})

	if _, err := transport.Init(nil); err != nil {
		return fmt.Errorf("init: %w", err)
	}

	mem := backend.NewMemory(opts.nsSizeBytes, opts.blockSize)
	if err := transport.AcceptorInit(opts.listenAddr, nil, func() nvmf.Backend { return mem }); err != nil {
		return fmt.Errorf("acceptor_init: %w", err)
	}
	defer transport.AcceptorFini()

	registry := prometheus.NewRegistry()
	registry.MustRegister(transport.Metrics())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})

	httpServer := &http.Server{Addr: opts.metricsAddr, Handler: mux}
	go func() {
		opts.logger.Infof("serving metrics on %s/metrics", opts.metricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			opts.logger.Errorf("metrics server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	opts.logger.Infof("listening for NVMe-oF RDMA connections on %s (ns=%d bytes)", opts.listenAddr, opts.nsSizeBytes)

	done := make(chan struct{})
	go serveLoop(transport, opts, done, sigCh)
	<-done

	httpServer.Close()
	return nil
}

// serveLoop is the single-threaded reactor: every tick it drains the CM
// event channel via AcceptorPoll, binds newly-ready connections to the
// configured session, and gives every tracked connection one poll turn.
func serveLoop(transport *nvmf.Transport, opts serveOpts, done chan<- struct{}, sigCh <-chan os.Signal) {
	defer close(done)

	activeConns := make([]*nvmf.Connection, 0, 16)

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			opts.logger.Infof("received shutdown signal")
			return
		case <-ticker.C:
		}

		readies, err := transport.AcceptorPoll()
		if err != nil {
			opts.logger.Errorf("acceptor_poll: %v", err)
			return
		}
		for _, r := range readies {
			if _, err := transport.SessionInit(opts.sessionID, r.Conn); err != nil {
				opts.logger.Errorf("session_init: %v", err)
				transport.ConnFini(r.Conn)
				continue
			}
			activeConns = append(activeConns, r.Conn)
		}

		kept := activeConns[:0]
		for _, c := range activeConns {
			if _, err := transport.ConnPoll(c); err != nil {
				opts.logger.Warnf("connection %s torn down: %v", c.ID.String(), err)
				transport.ConnFini(c)
				continue
			}
			kept = append(kept, c)
		}
		activeConns = kept
	}
}

// parseSize parses a size string like "64M", "1G", "512K", or a bare byte
// count.
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))

	multiplier := int64(1)
	numStr := s
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	}

	n, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * multiplier, nil
}
