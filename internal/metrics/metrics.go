// Package metrics holds the Prometheus instruments of ballotwatch.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scoring
	VotesScored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ballotwatch_votes_scored_total",
			Help: "Total number of votes scored, by outcome",
		},
		[]string{"outcome"}, // "fraud", "clean", "degraded"
	)

	ScoringDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ballotwatch_scoring_duration_seconds",
			Help:    "Duration of a single vote scoring call in seconds",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
	)

	FraudProbability = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ballotwatch_fraud_probability",
			Help:    "Distribution of ensemble fraud scores",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	ModelLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ballotwatch_model_loaded",
			Help: "1 when a fraud model is active, 0 otherwise",
		},
	)

	// Alerts
	AlertsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ballotwatch_alerts_published_total",
			Help: "Total number of fraud alerts published, by severity",
		},
		[]string{"severity"},
	)

	AlertSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ballotwatch_alert_subscribers",
			Help: "Current number of registered alert subscribers",
		},
	)

	AlertSubscriberDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ballotwatch_alert_subscriber_drops_total",
			Help: "Subscribers removed after failing to accept a message",
		},
		[]string{"reason"}, // "queue_full", "send_error"
	)

	// HTTP
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ballotwatch_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ballotwatch_api_request_duration_seconds",
			Help:    "API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Event bus
	BusMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ballotwatch_bus_messages_total",
			Help: "Messages handled on the event bus",
		},
		[]string{"topic", "direction"}, // "published", "consumed"
	)

	// Training
	TrainingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ballotwatch_training_duration_seconds",
			Help:    "Duration of ensemble training runs",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)
)

// RecordScore records one scoring call.
func RecordScore(isFraud, degraded bool, probability float64, duration time.Duration) {
	outcome := "clean"
	switch {
	case degraded:
		outcome = "degraded"
	case isFraud:
		outcome = "fraud"
	}
	VotesScored.WithLabelValues(outcome).Inc()
	ScoringDuration.Observe(duration.Seconds())
	if !degraded {
		FraudProbability.Observe(probability)
	}
}

// RecordAPIRequest records an HTTP request.
func RecordAPIRequest(method, endpoint string, status int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// SetModelLoaded updates the model gauge.
func SetModelLoaded(loaded bool) {
	if loaded {
		ModelLoaded.Set(1)
		return
	}
	ModelLoaded.Set(0)
}
