// Package metrics exposes Prometheus instruments for the sync pipeline.
//
// A nil *Metrics is valid and records nothing, so components can take one
// as an optional dependency.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "telefender"

// Metrics holds every instrument. Create with New.
type Metrics struct {
	registry *prometheus.Registry

	changesApplied  *prometheus.CounterVec
	changesDropped  *prometheus.CounterVec
	uploadBatches   *prometheus.CounterVec
	uploadedRows    *prometheus.CounterVec
	downloadPages   prometheus.Counter
	downloadChanges *prometheus.CounterVec
	tableSyncEmits  *prometheus.CounterVec
	callsRecorded   prometheus.Counter
	queueDepth      *prometheus.GaugeVec
	watermark       prometheus.Gauge
	stageDuration   *prometheus.HistogramVec
}

// New creates and registers every instrument on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		changesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_applied_total",
			Help:      "Change logs applied to the materialized tables, by type.",
		}, []string{"type"}),
		changesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_dropped_total",
			Help:      "Execute entries removed without application, by reason.",
		}, []string{"reason"}),
		uploadBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_batches_total",
			Help:      "Upload batches sent, by stream and outcome.",
		}, []string{"stream", "outcome"}),
		uploadedRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_rows_acknowledged_total",
			Help:      "Upload queue entries removed after server acknowledgement.",
		}, []string{"stream"}),
		downloadPages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_pages_total",
			Help:      "Download pages received.",
		}),
		downloadChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_changes_total",
			Help:      "Downloaded change logs, by whether they were new or duplicates.",
		}, []string{"result"}),
		tableSyncEmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tablesync_changes_total",
			Help:      "Change logs emitted by the table synchronizer, by type.",
		}, []string{"type"}),
		callsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_recorded_total",
			Help:      "New call detail rows recorded from the native call log.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Entries waiting in each work queue.",
		}, []string{"queue"}),
		watermark: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "download_watermark",
			Help:      "Highest applied server change id.",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage", "outcome"}),
	}

	m.registry.MustRegister(
		m.changesApplied,
		m.changesDropped,
		m.uploadBatches,
		m.uploadedRows,
		m.downloadPages,
		m.downloadChanges,
		m.tableSyncEmits,
		m.callsRecorded,
		m.queueDepth,
		m.watermark,
		m.stageDuration,
	)
	return m
}

// Registry returns the registry holding the instruments.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ChangeApplied counts one applied change of the given type code.
func (m *Metrics) ChangeApplied(changeType string) {
	if m == nil {
		return
	}
	m.changesApplied.WithLabelValues(changeType).Inc()
}

// ChangeDropped counts one execute entry removed without application.
func (m *Metrics) ChangeDropped(reason string) {
	if m == nil {
		return
	}
	m.changesDropped.WithLabelValues(reason).Inc()
}

// UploadBatch counts a batch and the rows it removed from the queue.
func (m *Metrics) UploadBatch(stream, outcome string, acknowledged int64) {
	if m == nil {
		return
	}
	m.uploadBatches.WithLabelValues(stream, outcome).Inc()
	m.uploadedRows.WithLabelValues(stream).Add(float64(acknowledged))
}

// DownloadPage counts a page and its new and duplicate changes.
func (m *Metrics) DownloadPage(inserted, duplicates int) {
	if m == nil {
		return
	}
	m.downloadPages.Inc()
	m.downloadChanges.WithLabelValues("new").Add(float64(inserted))
	m.downloadChanges.WithLabelValues("duplicate").Add(float64(duplicates))
}

// TableSyncEmitted counts one change emitted by the table synchronizer.
func (m *Metrics) TableSyncEmitted(changeType string) {
	if m == nil {
		return
	}
	m.tableSyncEmits.WithLabelValues(changeType).Inc()
}

// CallsRecorded counts newly recorded call details.
func (m *Metrics) CallsRecorded(n int) {
	if m == nil {
		return
	}
	m.callsRecorded.Add(float64(n))
}

// SetQueueDepth records the depth of a named queue.
func (m *Metrics) SetQueueDepth(queue string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// SetWatermark records the download watermark.
func (m *Metrics) SetWatermark(id int64) {
	if m == nil {
		return
	}
	m.watermark.Set(float64(id))
}

// ObserveStage records how long a stage took. Pass the stage's error so
// failures are bucketed separately.
func (m *Metrics) ObserveStage(stage string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.stageDuration.WithLabelValues(stage, outcome).Observe(time.Since(start).Seconds())
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
