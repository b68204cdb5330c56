package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hub_connections_active",
			Help: "Currently registered sessions by channel",
		},
		[]string{"channel"},
	)

	ConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_connections_total",
			Help: "Total admitted connections by channel",
		},
		[]string{"channel"},
	)

	ConnectionsRefused = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_connections_refused_total",
			Help: "Connections refused at admission (alert capacity)",
		},
	)

	EventsIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_events_ingested_total",
			Help: "Device events normalized and persisted",
		},
	)

	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_events_dropped_total",
			Help: "Device events dropped before broadcast",
		},
		[]string{"reason"},
	)

	BroadcastFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_broadcast_failures_total",
			Help: "Per-recipient send failures during fan-out",
		},
		[]string{"channel"},
	)

	SessionsPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_sessions_pruned_total",
			Help: "Closed sessions removed by the periodic sweep",
		},
	)

	CommandsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_commands_sent_total",
			Help: "SAVE_CLIP commands dispatched to devices",
		},
	)

	UpstreamState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "upstream_link_state",
			Help: "Upstream link state (0 disconnected, 1 connecting, 2 connected)",
		},
	)

	UpstreamDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "upstream_messages_dropped_total",
			Help: "Messages discarded because the upstream queue was full",
		},
	)

	UpstreamSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "upstream_messages_sent_total",
			Help: "Messages written to the upstream link",
		},
	)
)

// Register installs all hub collectors on the default registry.
// Call once from main.
func Register() {
	prometheus.MustRegister(
		ConnectionsActive,
		ConnectionsTotal,
		ConnectionsRefused,
		EventsIngested,
		EventsDropped,
		BroadcastFailures,
		SessionsPruned,
		CommandsSent,
		UpstreamState,
		UpstreamDropped,
		UpstreamSent,
	)
}

// Handler exposes the default registry for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
