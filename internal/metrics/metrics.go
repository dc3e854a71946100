// Package metrics declares the Prometheus collectors of the call engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session lifecycle
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "televisit_sessions_total",
		Help: "Total number of call sessions by final result",
	}, []string{"result"}) // "ended", "failed", "rejected"

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "televisit_sessions_active",
		Help: "Number of sessions currently active",
	})

	SessionFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "televisit_session_failures_total",
		Help: "Total number of failed or rejected call starts by error code",
	}, []string{"code"})

	// Camera health
	CameraRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "televisit_camera_restarts_total",
		Help: "Total number of camera restart attempts",
	}, []string{"trigger", "result"})

	CameraRecoveryExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "televisit_camera_recovery_exhausted_total",
		Help: "Total number of times automatic camera recovery hit its attempt ceiling",
	})

	// Controllers
	RecordingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "televisit_recordings_total",
		Help: "Total number of recordings by result",
	}, []string{"result"}) // "saved", "unsupported", "failed"

	RecordingBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "televisit_recording_size_bytes",
		Help:    "Size of finalized recording artifacts",
		Buckets: prometheus.ExponentialBuckets(64*1024, 4, 8),
	})

	ScreenSharesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "televisit_screen_shares_total",
		Help: "Total number of screen share operations by result",
	}, []string{"op", "result"})

	ChatMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "televisit_chat_messages_total",
		Help: "Total number of chat messages appended",
	}, []string{"kind"})

	// Persistence
	ArtifactUploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "televisit_artifact_uploads_total",
		Help: "Total number of recording artifact uploads by result",
	}, []string{"result"})

	// HTTP surface
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "televisit_http_request_duration_seconds",
		Help:    "Duration of HTTP requests by route and status",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Result maps an error onto a result label.
func Result(err error, ok string) string {
	if err != nil {
		return "failed"
	}
	return ok
}
