package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Event queue
	EventsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "searchfolder_events_enqueued_total",
		Help: "The total number of change events accepted by the queue",
	}, []string{"kind"})

	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "searchfolder_events_dropped_total",
		Help: "The total number of change events dropped",
	}, []string{"reason"})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "searchfolder_queue_depth",
		Help: "The number of change events waiting to be processed",
	})

	// Incremental processing
	EventsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "searchfolder_events_processed_total",
		Help: "The total number of change events applied to search folders",
	}, []string{"result"})

	BatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "searchfolder_batch_latency_seconds",
		Help:    "The time spent processing one drained batch",
		Buckets: prometheus.DefBuckets,
	})

	// Rebuilds
	Rebuilds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "searchfolder_rebuilds_total",
		Help: "The total number of finished rebuilds by outcome",
	}, []string{"outcome"})

	RebuildDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "searchfolder_rebuild_duration_seconds",
		Help:    "The duration of successful rebuilds",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	RebuildRowsScanned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "searchfolder_rebuild_rows_scanned_total",
		Help: "The total number of candidate rows evaluated by rebuilds",
	})

	// Registry
	Folders = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "searchfolder_folders",
		Help: "The number of registered search folders by status",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(EventsEnqueued)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(EventsProcessed)
	prometheus.MustRegister(BatchLatency)
	prometheus.MustRegister(Rebuilds)
	prometheus.MustRegister(RebuildDuration)
	prometheus.MustRegister(RebuildRowsScanned)
	prometheus.MustRegister(Folders)
}
