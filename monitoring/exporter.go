package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// shutdownTimeout bounds the graceful shutdown of the exporter.
const shutdownTimeout = 5 * time.Second

// ExporterConfig holds the parameters of an Exporter.
type ExporterConfig struct {
	// Listen is the address the exporter listens on.
	Listen string

	// Registry is the registry whose metrics are exported.
	Registry *prometheus.Registry
}

// Exporter serves the metrics of a registry on /metrics.
type Exporter struct {
	started sync.Once
	stopped sync.Once

	cfg ExporterConfig

	server   *http.Server
	listener net.Listener

	wg sync.WaitGroup
}

// NewExporter creates an exporter from the given config.
func NewExporter(cfg ExporterConfig) *Exporter {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		cfg.Registry, promhttp.HandlerOpts{
			Registry: cfg.Registry,
		},
	))

	return &Exporter{
		cfg: cfg,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start binds the listen address and starts serving.
func (e *Exporter) Start() error {
	var startErr error
	e.started.Do(func() {
		listener, err := net.Listen("tcp", e.cfg.Listen)
		if err != nil {
			startErr = fmt.Errorf("unable to listen on %v: %w",
				e.cfg.Listen, err)
			return
		}
		e.listener = listener

		log.Infof("Prometheus exporter started on %v/metrics",
			listener.Addr())

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()

			err := e.server.Serve(listener)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("Prometheus exporter failed: %v", err)
			}
		}()
	})

	return startErr
}

// Addr returns the address the exporter listens on, nil before Start.
func (e *Exporter) Addr() net.Addr {
	if e.listener == nil {
		return nil
	}

	return e.listener.Addr()
}

// Stop shuts the exporter down.
func (e *Exporter) Stop() error {
	var stopErr error
	e.stopped.Do(func() {
		log.Debug("Prometheus exporter shutting down")

		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		stopErr = e.server.Shutdown(ctx)
		e.wg.Wait()
	})

	return stopErr
}
