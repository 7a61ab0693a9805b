// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/mood-agency/relay/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_enqueued_total",
		Help: "Total number of messages enqueued",
	}, []string{"queue"})
	MessagesDequeued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_dequeued_total",
		Help: "Total number of messages claimed by a consumer",
	}, []string{"queue"})
	MessagesAcknowledged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_acknowledged_total",
		Help: "Total number of messages acknowledged",
	}, []string{"queue"})
	MessagesNacked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_nacked_total",
		Help: "Total number of messages explicitly nacked by a consumer",
	}, []string{"queue"})
	MessagesRequeued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_requeued_total",
		Help: "Total number of messages requeued after a timeout or nack",
	}, []string{"queue"})
	MessagesDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_dead_lettered_total",
		Help: "Total number of messages moved to dead status after exhausting attempts",
	}, []string{"queue"})
	MessagesDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_deleted_total",
		Help: "Total number of messages removed by a purge or administrative delete",
	}, []string{"queue"})
	MessageProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_message_processing_duration_seconds",
		Help:    "Histogram of time between dequeue and ack/nack",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_queue_depth",
		Help: "Current number of messages in a queue, by status",
	}, []string{"queue", "status"})
	LockLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_lock_lost_total",
		Help: "Total number of completion attempts rejected due to a fencing-token mismatch",
	}, []string{"queue"})
	AnomaliesDetected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_anomalies_detected_total",
		Help: "Total number of anomalies recorded by the activity pipeline",
	}, []string{"type", "severity"})
	ReaperRequeued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_reaper_requeued_total",
		Help: "Total number of overdue messages recovered by the requeue worker",
	})
	ReaperDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_reaper_dead_lettered_total",
		Help: "Total number of overdue messages moved to dead status by the requeue worker",
	})
	StoreTransientErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_store_transient_errors_total",
		Help: "Total number of transient store errors observed by the breaker",
	})
	StoreBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_store_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	EventSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_event_subscribers",
		Help: "Current number of active event bus subscribers",
	})
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_dropped_total",
		Help: "Total number of events dropped because a subscriber's buffer was full",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(
		MessagesEnqueued, MessagesDequeued, MessagesAcknowledged, MessagesNacked,
		MessagesRequeued, MessagesDeadLettered, MessagesDeleted, MessageProcessingDuration, QueueDepth,
		LockLostTotal, AnomaliesDetected, ReaperRequeued, ReaperDeadLettered,
		StoreTransientErrors, StoreBreakerState, EventSubscribers, EventsDropped,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled
// shutdown. Retained for compatibility; StartHTTPServer also registers
// health endpoints and is preferred.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
