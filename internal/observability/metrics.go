package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_created_total", Help: "Ride offers opened"})
	OffersClosed  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_closed_total", Help: "Ride offers by final state"},
		[]string{"state"},
	)
	OfferCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ride_dispatch",
		Name:      "offer_candidates",
		Help:      "Candidate drivers per offer",
		Buckets:   []float64{0, 1, 2, 4, 8, 16, 32},
	})
	OperationsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "operations_rejected_total", Help: "Inbound operations answered with an error"},
		[]string{"event", "code"},
	)
	RidesCompleted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_completed_total", Help: "Assigned rides completed"})

	NotificationsDelivered = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "notifications_delivered_total", Help: "Notifications handed to a live connection"})
	NotificationsDropped   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "notifications_dropped_total", Help: "Notifications dropped"},
		[]string{"reason"},
	)

	RidersOnline  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "riders_online", Help: "Number of online riders"})
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_online", Help: "Number of online drivers"})
	Connections   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "ws_connections", Help: "Open websocket connections"})

	ObserverErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "observer_errors_total", Help: "Lifecycle observer failures"},
		[]string{"observer"},
	)
	ObserverDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "observer_events_dropped_total", Help: "Lifecycle events dropped because an observer queue was full"},
		[]string{"observer"},
	)
	LocationSinkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "location_sink_errors_total", Help: "Driver location fan-out failures"},
		[]string{"sink"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
