package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SegmentDownloadDuration tracks segment fetch latency by media type.
	SegmentDownloadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "abr_segment_download_duration_seconds",
		Help:    "Time taken to download one media segment",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 10},
	}, []string{"media_type", "replacement"})

	// SegmentDownloadTotal counts download outcomes.
	SegmentDownloadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "abr_segment_download_total",
		Help: "Total number of segment downloads by result",
	}, []string{"media_type", "result"})

	// QualitySwitchTotal counts quality switches by reason.
	QualitySwitchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "abr_quality_switch_total",
		Help: "Total number of quality switches by reason and direction",
	}, []string{"reason", "direction"})

	// BufferLevel reports the current buffer level ahead of the playhead.
	BufferLevel = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "abr_buffer_level_seconds",
		Help: "Seconds of media buffered ahead of the playhead",
	}, []string{"media_type"})

	// BandwidthEstimate reports the current throughput estimate.
	BandwidthEstimate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "abr_bandwidth_estimate_bps",
		Help: "Current bandwidth estimate in bits per second",
	})

	// StallTotal counts confirmed playback stalls.
	StallTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "abr_stall_total",
		Help: "Total number of confirmed playback stalls",
	})

	// GapJumpTotal counts gap jumps performed by the gap handler.
	GapJumpTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "abr_gap_jump_total",
		Help: "Total number of gap jumps",
	})

	// QuotaRecoveryTotal counts sink quota-exceeded recoveries.
	QuotaRecoveryTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "abr_quota_recovery_total",
		Help: "Total number of quota-exceeded recovery runs",
	})
)

// ObserveSegmentDownload records a completed download.
func ObserveSegmentDownload(mediaType string, replacement bool, d time.Duration) {
	label := "false"
	if replacement {
		label = "true"
	}
	SegmentDownloadDuration.WithLabelValues(mediaType, label).Observe(d.Seconds())
	SegmentDownloadTotal.WithLabelValues(mediaType, "success").Inc()
}

// IncSegmentDownloadFailure records a failed download.
func IncSegmentDownloadFailure(mediaType string) {
	SegmentDownloadTotal.WithLabelValues(mediaType, "failure").Inc()
}

// IncQualitySwitch records a quality switch.
func IncQualitySwitch(reason string, up bool) {
	direction := "down"
	if up {
		direction = "up"
	}
	QualitySwitchTotal.WithLabelValues(reason, direction).Inc()
}

// SetBufferLevel updates the buffer level gauge.
func SetBufferLevel(mediaType string, level float64) {
	BufferLevel.WithLabelValues(mediaType).Set(level)
}

// SetBandwidthEstimate updates the bandwidth gauge.
func SetBandwidthEstimate(bps float64) {
	BandwidthEstimate.Set(bps)
}
