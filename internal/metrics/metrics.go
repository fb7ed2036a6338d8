package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "downpour",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "downpour",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	CommandsExecutedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "downpour",
		Name:      "commands_executed_total",
		Help:      "Total command ticks dispatched by the engine.",
	})

	CommandQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "downpour",
		Name:      "command_queue_depth",
		Help:      "Number of commands currently waiting in the engine queue.",
	})

	ActiveDownloads = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "downpour",
		Name:      "active_downloads",
		Help:      "Number of request groups registered with the engine.",
	})

	DownloadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "downpour",
		Name:      "download_speed_bytes",
		Help:      "Current aggregate download speed in bytes per second.",
	})

	UploadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "downpour",
		Name:      "upload_speed_bytes",
		Help:      "Current aggregate upload speed in bytes per second.",
	})

	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "downpour",
		Name:      "peers_connected",
		Help:      "Number of established peer connections across all downloads.",
	})

	PeerConnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "downpour",
		Name:      "peer_connects_total",
		Help:      "Total outbound peer connection attempts.",
	})

	SocketPoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "downpour",
		Name:      "socket_pool_size",
		Help:      "Number of idle sockets currently held in the reuse pool.",
	})

	AnnouncesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "downpour",
		Name:      "announces_total",
		Help:      "Total tracker announce attempts by outcome.",
	}, []string{"outcome"})

	DownloadResultsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "downpour",
		Name:      "download_results_total",
		Help:      "Total finished downloads by result kind.",
	}, []string{"result"})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		CommandsExecutedTotal,
		CommandQueueDepth,
		ActiveDownloads,
		DownloadSpeedBytes,
		UploadSpeedBytes,
		PeersConnected,
		PeerConnectsTotal,
		SocketPoolSize,
		AnnouncesTotal,
		DownloadResultsTotal,
	)
}
