package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	KafkaMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribrebuilder_kafka_messages_total",
			Help: "Total messages consumed from Kafka.",
		},
		[]string{"topic"},
	)

	RecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribrebuilder_records_total",
			Help: "Records processed by the engine, by collector and status.",
		},
		[]string{"collector", "status"},
	)

	RecordsFiltered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ribrebuilder_records_filtered_total",
			Help: "Records dropped by the configured filter expression.",
		},
	)

	ParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribrebuilder_parse_errors_total",
			Help: "Record decode failures.",
		},
		[]string{"topic"},
	)

	ProcessDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ribrebuilder_process_duration_seconds",
			Help:    "Engine record-processing latency.",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1.0},
		},
	)

	ViewPublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribrebuilder_view_publish_total",
			Help: "View publications, by outcome.",
		},
		[]string{"outcome"},
	)

	ViewPublishBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ribrebuilder_view_publish_bytes",
			Help:    "Serialized (post-compression) view payload sizes.",
			Buckets: []float64{1024, 16384, 262144, 1048576, 4194304, 16777216},
		},
	)

	ArchiveWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ribrebuilder_archive_write_duration_seconds",
			Help:    "Archive batch write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"table"},
	)

	ArchiveRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribrebuilder_archive_rows_total",
			Help: "Rows written to the archive.",
		},
		[]string{"table"},
	)

	BrokerPollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribrebuilder_broker_polls_total",
			Help: "Broker catalog polls, by outcome.",
		},
		[]string{"outcome"},
	)

	ActivePeers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ribrebuilder_active_peers",
			Help: "Active peers per collector.",
		},
		[]string{"collector"},
	)

	LastRecordTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ribrebuilder_last_record_timestamp_seconds",
			Help: "BGP time of the last processed record per collector.",
		},
		[]string{"collector"},
	)
)

func Register() {
	prometheus.MustRegister(
		KafkaMessagesTotal,
		RecordsTotal,
		RecordsFiltered,
		ParseErrorsTotal,
		ProcessDuration,
		ViewPublishTotal,
		ViewPublishBytes,
		ArchiveWriteDuration,
		ArchiveRowsTotal,
		BrokerPollsTotal,
		ActivePeers,
		LastRecordTimestamp,
	)
}
