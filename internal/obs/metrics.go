// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/flyingrobots/go-pg-outbox/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_events_emitted_total",
		Help: "Total number of outbox records committed by the emitter",
	})
	ListenerSuccess = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_listener_success_total",
		Help: "Total number of successful listener deliveries",
	}, []string{"event", "listener"})
	ListenerFailure = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_listener_failure_total",
		Help: "Total number of failed listener deliveries",
	}, []string{"event", "listener"})
	ListenerTimeout = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_listener_timeout_total",
		Help: "Total number of listener deliveries that exceeded maxExecutionTimeTTL",
	}, []string{"event", "listener"})
	ListenerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outbox_listener_duration_seconds",
		Help:    "Histogram of per-listener invocation durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"event", "listener"})
	RecordsClaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_records_claimed_total",
		Help: "Total number of records returned by claimDueBatch as pending",
	})
	RecordsDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_records_dead_lettered_total",
		Help: "Total number of records that transitioned to failed during a claim cycle",
	})
	RecordsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_records_delivered_total",
		Help: "Total number of records deleted after every listener succeeded",
	})
	PushNotificationsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_push_notifications_received_total",
		Help: "Total number of push-notification wake-up signals observed by the poller",
	})
)

func init() {
	prometheus.MustRegister(
		EventsEmitted,
		ListenerSuccess,
		ListenerFailure,
		ListenerTimeout,
		ListenerDuration,
		RecordsClaimed,
		RecordsDeadLettered,
		RecordsDelivered,
		PushNotificationsReceived,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled
// shutdown. Prefer StartHTTPServer, which also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
