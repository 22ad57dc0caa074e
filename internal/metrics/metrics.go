package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SourceFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tempcast_source_fetches_total",
			Help: "Total dataset source opens",
		},
		[]string{"scheme", "status"},
	)

	SourceFetchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tempcast_source_fetch_latency_seconds",
			Help:    "Remote dataset fetch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"scheme"},
	)

	RecordsRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tempcast_records_read_total",
			Help: "Rows read for the configured city",
		},
		[]string{"city"},
	)

	RecordsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tempcast_records_dropped_total",
			Help: "Rows dropped during cleaning",
		},
		[]string{"city", "reason"},
	)

	QualityFlags = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tempcast_quality_flags_total",
			Help: "Quality flags raised on kept rows",
		},
		[]string{"flag"},
	)

	WindowsBuilt = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tempcast_windows",
			Help: "Windowed examples per split",
		},
		[]string{"split"},
	)

	EpochsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tempcast_training_epochs_total",
			Help: "Training epochs completed",
		},
	)

	EpochLoss = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tempcast_training_loss",
			Help: "Mean squared error of the last completed epoch",
		},
		[]string{"split"},
	)

	TrainingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tempcast_training_duration_seconds",
			Help:    "Wall time of a full training run",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
	)

	PredictionError = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tempcast_prediction_error_celsius",
			Help: "Prediction error against known values in degrees Celsius",
		},
		[]string{"kind", "metric"},
	)
)

// WriteTextfile dumps the default registry in the node_exporter textfile format.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
