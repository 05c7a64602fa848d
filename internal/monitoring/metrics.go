// Package monitoring exposes Prometheus metrics for filedrop.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. Each instance owns its registry, so
// several servers (or tests) can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Storage metrics
	UploadedFiles prometheus.Counter
	UploadedBytes prometheus.Counter
	UploadErrors  *prometheus.CounterVec
	ArchivedBytes *prometheus.CounterVec
	Deletions     prometheus.Counter

	// Disk metrics
	DiskTotalBytes prometheus.Gauge
	DiskFreeBytes  prometheus.Gauge

	// WebSocket metrics
	WSConnections prometheus.Gauge
}

// NewMetrics creates a metrics collector with Go and process collectors
// registered alongside the filedrop metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filedrop_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "filedrop_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 120},
			},
			[]string{"method", "route"},
		),

		UploadedFiles: f.NewCounter(prometheus.CounterOpts{
			Name: "filedrop_uploaded_files_total",
			Help: "Files stored through the upload endpoint",
		}),
		UploadedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "filedrop_uploaded_bytes_total",
			Help: "Bytes stored through the upload endpoint",
		}),
		UploadErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filedrop_upload_errors_total",
				Help: "Rejected or failed uploads by error kind",
			},
			[]string{"kind"},
		),
		ArchivedBytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filedrop_archived_bytes_total",
				Help: "Archive bytes written to clients",
			},
			[]string{"format"},
		),
		Deletions: f.NewCounter(prometheus.CounterOpts{
			Name: "filedrop_deletions_total",
			Help: "Files and folders deleted",
		}),

		DiskTotalBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "filedrop_disk_total_bytes",
			Help: "Capacity of the filesystem holding the storage root",
		}),
		DiskFreeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "filedrop_disk_free_bytes",
			Help: "Free bytes on the filesystem holding the storage root",
		}),

		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "filedrop_ws_connections",
			Help: "Open disk usage websocket connections",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordHTTPRequest records one finished request.
func (m *Metrics) RecordHTTPRequest(method, route, status string, d time.Duration) {
	m.RequestsTotal.WithLabelValues(method, route, status).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RecordUpload records one stored file.
func (m *Metrics) RecordUpload(size int64) {
	m.UploadedFiles.Inc()
	m.UploadedBytes.Add(float64(size))
}

// RecordDisk updates the disk gauges.
func (m *Metrics) RecordDisk(total, free uint64) {
	m.DiskTotalBytes.Set(float64(total))
	m.DiskFreeBytes.Set(float64(free))
}
