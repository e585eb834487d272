package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	UploadsIssued      = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_uploads_issued_total", Help: "Upload intents issued"})
	UploadsConfirmed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_uploads_confirmed_total", Help: "Uploads moved from pending to completed"})
	UploadsCancelled   = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_uploads_cancelled_total", Help: "Uploads cancelled by their owner"})
	AttachmentFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_attachment_failures_total", Help: "Memory attachment inserts that failed after confirmation"})
	ReaperProcessed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_reaper_processed_total", Help: "Stale pending uploads examined by the reaper"})
	ReaperCleaned      = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_reaper_cleaned_total", Help: "Stale uploads fully reclaimed by the reaper"})
	TranscodeEnqueued  = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_transcode_enqueued_total", Help: "Transcode jobs enqueued"})
	TranscodeCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_transcode_completed_total", Help: "Transcode attempts that completed"})
	TranscodeFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_transcode_failed_total", Help: "Transcode attempts that failed"})
	TranscodeDuration  = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "media_transcode_duration_seconds",
		Help:    "Wall time of successful transcode attempts",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
	TranscodeInFlight = prometheus.NewGauge(prometheus.GaugeOpts{Name: "media_transcode_inflight", Help: "Transcode jobs currently being processed"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "media_transcode_queue_depth", Help: "Transcode jobs waiting"})
)

// Register adds all collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			UploadsIssued,
			UploadsConfirmed,
			UploadsCancelled,
			AttachmentFailures,
			ReaperProcessed,
			ReaperCleaned,
			TranscodeEnqueued,
			TranscodeCompleted,
			TranscodeFailed,
			TranscodeDuration,
			TranscodeInFlight,
			QueueDepthGauge,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
