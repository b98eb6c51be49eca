package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Anomaly detection service metrics
var (
	// Classification metrics
	ClassificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomaly_classifications_total",
			Help: "Total number of classified datapoints",
		},
		[]string{"kind", "type"},
	)

	ClassificationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anomaly_classification_duration_seconds",
			Help:    "Classification latency including any inline recalibration",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10), // 100µs to ~26s
		},
		[]string{"kind"},
	)

	// Recalibration metrics
	RecalibrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomaly_recalibrations_total",
			Help: "Total number of recalibration attempts",
		},
		[]string{"kind", "result"}, // result: ok/insufficient/malformed/error
	)

	RecalibrationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anomaly_recalibration_duration_seconds",
			Help:    "Recalibration duration in seconds including the history read",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"kind"},
	)

	ScheduledRecalibrationRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "anomaly_scheduled_recalibration_runs_total",
			Help: "Total number of scheduler sweeps over configured attributes",
		},
	)

	// Registry metrics
	ConfiguredAttributes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anomaly_configured_attributes",
			Help: "Number of attributes with an active detection configuration",
		},
		[]string{"kind"},
	)

	// Sink metrics
	SinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomaly_sink_errors_total",
			Help: "Total number of classifications a sink failed to publish",
		},
		[]string{"sink"},
	)

	// Alarm metrics
	AlarmsOpenedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomaly_alarms_opened_total",
			Help: "Total number of alarms opened",
		},
		[]string{"severity"},
	)

	AlarmsUpdatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomaly_alarms_updated_total",
			Help: "Total number of anomalies appended to open alarms",
		},
		[]string{"severity"},
	)

	// Prediction metrics
	PredictionsGeneratedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomaly_predictions_generated_total",
			Help: "Total number of predicted datapoints produced",
		},
		[]string{"result"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomaly_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anomaly_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// WebSocket metrics
	WebSocketConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "anomaly_websocket_connections_active",
			Help: "Number of active anomaly stream connections",
		},
	)

	WebSocketMessagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "anomaly_websocket_messages_dropped_total",
			Help: "Total number of stream messages dropped for slow clients",
		},
	)
)
