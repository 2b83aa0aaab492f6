// Package metrics exposes Prometheus counters for the blob storage layer
// and a standalone metrics HTTP server.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// UploadsTotal counts getOrCreate calls by outcome
	// (deduplicated, registered, recovered_conflict, failed).
	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blob_uploads_total",
		Help: "Blob registration calls by outcome",
	}, []string{"outcome"})

	// BytesSavedTotal sums bytes not re-uploaded thanks to deduplication.
	BytesSavedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blob_dedup_bytes_saved_total",
		Help: "Bytes saved by deduplication hits",
	})

	// UnregisterTotal counts reference detaches.
	UnregisterTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blob_unregister_total",
		Help: "Blob reference detach calls",
	})

	// GCSweepsTotal counts garbage collection sweeps by result
	// (completed, partial, failed).
	GCSweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blob_gc_sweeps_total",
		Help: "Garbage collection sweeps by result",
	}, []string{"result"})

	// GCDeletedTotal counts blobs physically deleted by the collector.
	GCDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blob_gc_deleted_total",
		Help: "Orphaned blobs deleted by garbage collection",
	})

	// GCBytesFreedTotal sums the sizes of deleted blobs.
	GCBytesFreedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blob_gc_bytes_freed_total",
		Help: "Bytes freed by garbage collection",
	})

	// GCErrorsTotal counts per-item failures during sweeps.
	GCErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blob_gc_errors_total",
		Help: "Per-item errors during garbage collection sweeps",
	})
)

// MetricsServer serves the Prometheus scrape endpoint on its own listener.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server listening on addr.
func New(service, addr string) (*MetricsServer, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &MetricsServer{
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}, nil
}

// ListenAndServe blocks serving the scrape endpoint.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
