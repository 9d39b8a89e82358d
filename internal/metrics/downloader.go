package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "protect_update_frames_total",
		Help: "Total number of update frames received, by decode result",
	}, []string{"result"})

	MotionEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "protect_motion_events_total",
		Help: "Total number of correlated motion events",
	}, []string{"type", "phase"})

	StreamConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "protect_event_stream_connected",
		Help: "1 while the update stream is open",
	})

	StreamReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "protect_event_stream_reconnects_total",
		Help: "Total number of update stream connection attempts after the first",
	})

	HeartbeatTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "protect_event_stream_heartbeat_timeouts_total",
		Help: "Total number of connections closed for missing heartbeats",
	})

	DownloadQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "protect_download_queue_depth",
		Help: "Number of clip downloads waiting to run",
	})

	DownloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "protect_downloads_total",
		Help: "Total number of clip download attempts",
	}, []string{"result"})

	DownloadRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "protect_download_retries_total",
		Help: "Total number of clip downloads rescheduled after a failure",
	})

	DownloadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "protect_download_bytes_total",
		Help: "Total bytes of video written to disk",
	})

	DownloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "protect_download_duration_seconds",
		Help:    "Time spent exporting and writing one clip",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})

	PublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "protect_motion_publish_total",
		Help: "Total number of motion notifications published",
	}, []string{"sink", "result"})
)
