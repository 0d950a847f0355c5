package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LocateTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rider_dispatch", Name: "locate_total", Help: "Total locate calls"})
	LocateFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rider_dispatch", Name: "locate_failures_total", Help: "Locate calls failed by an unavailable store"})
	LocateLatency  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "rider_dispatch", Name: "locate_latency_seconds", Help: "Locate latency seconds"})

	CandidatesReturned = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rider_dispatch",
		Name:      "locate_candidates",
		Help:      "Number of candidates returned per locate call",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
	})
	EnrichmentDegraded = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rider_dispatch", Name: "enrichment_degraded_total", Help: "Secondary lookups that failed and were defaulted"},
		[]string{"lookup"},
	)

	NegotiationsOpened = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rider_dispatch", Name: "negotiations_opened_total", Help: "Negotiations opened"})

	NegotiationOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rider_dispatch", Name: "negotiation_outcomes_total", Help: "Negotiation terminal outcomes"},
		[]string{"state"},
	)

	ChannelFallbacks   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rider_dispatch", Name: "channel_fallbacks_total", Help: "Negotiations running countdown-only after a failed subscription"})
	StaleNotifications = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rider_dispatch", Name: "stale_notifications_total", Help: "Notifications discarded because the negotiation had already ended"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rider_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rider_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
