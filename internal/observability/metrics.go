package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dd_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	DBTxDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dd_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	OutboxLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dd_outbox_lag_seconds",
			Help: "Age of the oldest message relayed in the last outbox batch",
		},
	)

	RabbitPublishRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dd_rabbit_publish_retries_total",
			Help: "Total rabbit publish retries",
		},
	)

	RateLimitExceeded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dd_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)

	HoldOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dd_hold_requests_total",
			Help: "Hold requests by outcome",
		},
		[]string{"outcome"},
	)

	HoldsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dd_holds_expired_total",
			Help: "Checkout holds reverted by expiry",
		},
	)

	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dd_webhook_events_total",
			Help: "Payment gateway events by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	SalesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dd_sales_total",
			Help: "Days sold",
		},
	)
)

var registerOnce sync.Once

func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RequestsTotal, DBTxDuration, OutboxLag, RabbitPublishRetries, RateLimitExceeded,
			HoldOutcomes, HoldsExpired, WebhookEvents, SalesTotal,
		)
	})
}
