// Package monitor defines the service's prometheus collectors. They are
// registered on the default registry and served from /metrics by the API
// server.
package monitor

import "github.com/prometheus/client_golang/prometheus"

var (
	// EventsTotal counts applied device events by outcome.
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paxcount_device_events_total",
			Help: "Device events applied, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	// EventsRejected counts events the typed boundary refused.
	EventsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "paxcount_device_events_rejected_total",
			Help: "Device events rejected at the validation boundary.",
		},
	)

	// EventsUnknownVehicle counts events for vehicles the registry does not know.
	EventsUnknownVehicle = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "paxcount_device_events_unknown_vehicle_total",
			Help: "Device events referencing unregistered vehicles.",
		},
	)

	// SessionsActive tracks the number of connected viewer sessions.
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "paxcount_viewer_sessions",
			Help: "Currently connected viewer sessions.",
		},
	)

	// BroadcastDistributed records the broadcast layer's mode
	// (1=distributed broker, 0=in-process fallback).
	BroadcastDistributed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "paxcount_broadcast_distributed",
			Help: "Broadcast backend mode (1=distributed, 0=fallback).",
		},
	)

	// PublishesTotal counts counter changes published, by backend mode.
	PublishesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paxcount_broadcast_publishes_total",
			Help: "Counter changes published, labeled by backend mode.",
		},
		[]string{"mode"},
	)

	// SubscribersDropped counts subscribers closed for falling behind.
	SubscribersDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "paxcount_broadcast_subscribers_dropped_total",
			Help: "Subscribers dropped because their buffer was full.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		EventsTotal,
		EventsRejected,
		EventsUnknownVehicle,
		SessionsActive,
		BroadcastDistributed,
		PublishesTotal,
		SubscribersDropped,
	)
}
