// Package metrics provides Prometheus instrumentation for the party matcher
// and gateway: queue and offer gauges, lifecycle counters and wait-time
// histograms.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueSize tracks the number of candidates waiting per activity.
	QueueSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "party_queue_size",
		Help: "Current number of candidates waiting in each activity queue",
	}, []string{"activity"})

	// PendingOffers tracks offers waiting for unanimous acceptance.
	PendingOffers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "party_pending_offers",
		Help: "Current number of offers awaiting acceptance",
	})

	// PartiesFormed counts offers created, labeled by mode: "strict" or "flexible".
	PartiesFormed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "party_parties_formed_total",
		Help: "Total number of parties formed",
	}, []string{"activity", "mode"})

	// OffersResolved counts finished offers, labeled by outcome:
	// "started", "declined", "timed_out" or "left".
	OffersResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "party_offers_resolved_total",
		Help: "Total number of offers resolved",
	}, []string{"outcome"})

	// QueueTimeouts counts candidates dropped for waiting too long.
	QueueTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "party_queue_timeouts_total",
		Help: "Total number of candidates expired from the queue",
	}, []string{"activity"})

	// Requeued counts accepted members returned to the queue after a failed offer.
	Requeued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "party_requeued_total",
		Help: "Total number of accepted members re-queued after a failed offer",
	})

	// AnchorWait records the anchor's wait when a party forms.
	AnchorWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "party_anchor_wait_seconds",
		Help:    "Wait of the anchoring candidate when a party is formed",
		Buckets: []float64{5, 10, 30, 60, 90, 120, 180, 240, 300},
	})

	// SweepDuration records how long one coordinator sweep takes.
	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "party_sweep_duration_seconds",
		Help:    "Duration of one coordinator sweep",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
	})

	// ConnectionsTotal tracks active gateway WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "party_gateway_connections",
		Help: "Current number of active gateway WebSocket connections",
	})

	// RequestsTotal counts player requests seen by the gateway, labeled by type
	// and result ("forwarded", "rate_limited", "invalid").
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "party_gateway_requests_total",
		Help: "Total number of player requests handled by the gateway",
	}, []string{"type", "result"})
)

func init() {
	prometheus.MustRegister(
		QueueSize,
		PendingOffers,
		PartiesFormed,
		OffersResolved,
		QueueTimeouts,
		Requeued,
		AnchorWait,
		SweepDuration,
		ConnectionsTotal,
		RequestsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
